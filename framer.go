package main

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/teegate/teegate/protocol"
)

var errInconsistentFrame = errors.New("framer: inconsistent frame")

// randomChunkId draws a fresh 64-bit message identifier. Random rather than
// sequential so that concurrent streams never collide and the receiver needs
// no out-of-band mapping.
func randomChunkId() (uint64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

// encodeFrames splits an application message into serialized transport
// frames, each small enough that the frame plus the AEAD tag fits in a
// single Noise message. An empty message yields one empty-payload frame.
func encodeFrames(message []byte) ([][]byte, error) {
	chunkId, err := randomChunkId()
	if err != nil {
		return nil, err
	}

	total := (len(message) + maxChunkPayload - 1) / maxChunkPayload
	if total == 0 {
		total = 1
	}

	frames := make([][]byte, 0, total)
	for i := 0; i < total; i++ {
		start := i * maxChunkPayload
		end := start + maxChunkPayload
		if end > len(message) {
			end = len(message)
		}
		frame := &protocol.TransportFrame{
			ChunkId:     chunkId,
			ChunkIndex:  uint32(i),
			TotalChunks: uint32(total),
			Payload:     message[start:end],
		}
		b, err := protocol.EncodeFrame(frame)
		if err != nil {
			return nil, err
		}
		frames = append(frames, b)
	}
	return frames, nil
}

// messageAssembly tracks the chunks of one in-flight message.
type messageAssembly struct {
	chunks      map[uint32][]byte
	totalChunks uint32
}

// frameAssembler reassembles interleaved frames from multiple concurrent
// messages. One instance per session; never shared.
type frameAssembler struct {
	assemblies map[uint64]*messageAssembly
}

func newFrameAssembler() *frameAssembler {
	return &frameAssembler{assemblies: make(map[uint64]*messageAssembly)}
}

// process folds one decoded frame into its assembly. It returns the complete
// message with ok=true once every chunk has arrived, at which point the
// assembly is evicted. Duplicate frames with identical payloads are dropped
// silently; any inconsistency is an error.
func (a *frameAssembler) process(frame *protocol.TransportFrame) ([]byte, bool, error) {
	if frame.TotalChunks == 0 {
		return nil, false, fmt.Errorf("%w: total_chunks is zero", errInconsistentFrame)
	}
	if frame.ChunkIndex >= frame.TotalChunks {
		return nil, false, fmt.Errorf("%w: chunk index %d out of range [0,%d)", errInconsistentFrame, frame.ChunkIndex, frame.TotalChunks)
	}

	asm := a.assemblies[frame.ChunkId]
	if asm == nil {
		asm = &messageAssembly{chunks: make(map[uint32][]byte), totalChunks: frame.TotalChunks}
		a.assemblies[frame.ChunkId] = asm
	} else if asm.totalChunks != frame.TotalChunks {
		return nil, false, fmt.Errorf("%w: total_chunks changed from %d to %d", errInconsistentFrame, asm.totalChunks, frame.TotalChunks)
	}

	if prev, ok := asm.chunks[frame.ChunkIndex]; ok {
		if !bytes.Equal(prev, frame.Payload) {
			return nil, false, fmt.Errorf("%w: chunk %d received twice with different payloads", errInconsistentFrame, frame.ChunkIndex)
		}
		return nil, false, nil
	}
	asm.chunks[frame.ChunkIndex] = frame.Payload

	if len(asm.chunks) < int(asm.totalChunks) {
		return nil, false, nil
	}

	size := 0
	for _, chunk := range asm.chunks {
		size += len(chunk)
	}
	message := make([]byte, 0, size)
	for i := uint32(0); i < asm.totalChunks; i++ {
		message = append(message, asm.chunks[i]...)
	}
	delete(a.assemblies, frame.ChunkId)
	return message, true, nil
}

// pendingCount reports how many messages are mid-assembly.
func (a *frameAssembler) pendingCount() int {
	return len(a.assemblies)
}

// reset discards every partial assembly.
func (a *frameAssembler) reset() {
	a.assemblies = make(map[uint64]*messageAssembly)
}
