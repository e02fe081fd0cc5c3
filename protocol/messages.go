package protocol

import "github.com/golang/protobuf/proto"

// TransportFrame carries one chunk of an application message across the
// encrypted transport. Large messages are split into several frames sharing
// a random chunk id; single-frame messages use total_chunks = 1.
type TransportFrame struct {
	ChunkId     uint64 `protobuf:"varint,1,opt,name=chunk_id,json=chunkId,proto3" json:"chunk_id,omitempty"`
	ChunkIndex  uint32 `protobuf:"varint,2,opt,name=chunk_index,json=chunkIndex,proto3" json:"chunk_index,omitempty"`
	TotalChunks uint32 `protobuf:"varint,3,opt,name=total_chunks,json=totalChunks,proto3" json:"total_chunks,omitempty"`
	Payload     []byte `protobuf:"bytes,4,opt,name=payload,proto3" json:"payload,omitempty"`
}

func (m *TransportFrame) Reset()         { *m = TransportFrame{} }
func (m *TransportFrame) String() string { return proto.CompactTextString(m) }
func (*TransportFrame) ProtoMessage()    {}

// StreamChunk is a fragment of a streamed request body, ordered by seq.
type StreamChunk struct {
	Data  []byte `protobuf:"bytes,1,opt,name=data,proto3" json:"data,omitempty"`
	Seq   uint32 `protobuf:"varint,2,opt,name=seq,proto3" json:"seq,omitempty"`
	Final bool   `protobuf:"varint,3,opt,name=final,proto3" json:"final,omitempty"`
}

func (m *StreamChunk) Reset()         { *m = StreamChunk{} }
func (m *StreamChunk) String() string { return proto.CompactTextString(m) }
func (*StreamChunk) ProtoMessage()    {}

// Request is the application request envelope.
//
// Interpretation:
//   - verb + path, no chunk: plain single-message request
//   - verb + path + chunk:   start of a streaming upload, chunk carries the first fragment
//   - chunk only:            continuation fragment for an in-flight upload
type Request struct {
	Id    uint64       `protobuf:"varint,1,opt,name=id,proto3" json:"id,omitempty"`
	Verb  string       `protobuf:"bytes,2,opt,name=verb,proto3" json:"verb,omitempty"`
	Path  string       `protobuf:"bytes,3,opt,name=path,proto3" json:"path,omitempty"`
	Body  []byte       `protobuf:"bytes,4,opt,name=body,proto3" json:"body,omitempty"`
	Chunk *StreamChunk `protobuf:"bytes,5,opt,name=chunk,proto3" json:"chunk,omitempty"`
}

func (m *Request) Reset()         { *m = Request{} }
func (m *Request) String() string { return proto.CompactTextString(m) }
func (*Request) ProtoMessage()    {}

// Continuation reports whether the request is a continuation fragment for an
// in-flight upload rather than a new request.
func (m *Request) Continuation() bool {
	return m.Verb == "" && m.Path == "" && m.Chunk != nil
}

// Response is the application response envelope. Streaming responses emit
// several envelopes sharing the request id; headers are populated on the
// first one only.
type Response struct {
	Id      uint64            `protobuf:"varint,1,opt,name=id,proto3" json:"id,omitempty"`
	Status  uint32            `protobuf:"varint,2,opt,name=status,proto3" json:"status,omitempty"`
	Body    []byte            `protobuf:"bytes,3,opt,name=body,proto3" json:"body,omitempty"`
	Headers map[string]string `protobuf:"bytes,4,rep,name=headers,proto3" json:"headers,omitempty" protobuf_key:"bytes,1,opt,name=key,proto3" protobuf_val:"bytes,2,opt,name=value,proto3"`
}

func (m *Response) Reset()         { *m = Response{} }
func (m *Response) String() string { return proto.CompactTextString(m) }
func (*Response) ProtoMessage()    {}
