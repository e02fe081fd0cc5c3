package main

import (
	"errors"
	"io"
	"log"
	"sync"
)

var (
	errTooManyActiveStreams = errors.New("stream: too many active streams")
	errTooManyPendingChunks = errors.New("stream: too many pending chunks")
	errStreamClosed         = errors.New("stream: already completed")
	errTooManyOutOfOrder    = errors.New("stream: too many out-of-order chunks")
	errStreamTooLarge       = errors.New("stream: exceeded maximum upload size")
)

// streamLimits bounds the memory a single connection can pin with streaming
// uploads. The pending-chunk bound applies before a sink exists; the
// out-of-order bound applies inside each context afterwards.
type streamLimits struct {
	maxActiveStreams    int
	maxPendingStreams   int
	maxPendingChunks    int
	maxOutOfOrderChunks int
	maxStreamBytes      int64
}

func defaultStreamLimits() streamLimits {
	return streamLimits{
		maxActiveStreams:    defaultMaxActiveStreams,
		maxPendingStreams:   defaultMaxPendingStreams,
		maxPendingChunks:    defaultMaxPendingChunks,
		maxOutOfOrderChunks: defaultMaxOutOfOrderChunks,
		maxStreamBytes:      defaultMaxStreamBytes,
	}
}

// pendingChunk is a buffered fragment awaiting its turn.
type pendingChunk struct {
	data  []byte
	seq   uint32
	final bool
}

// streamContext manages one streaming upload: ordering by sequence number,
// the running size cap, and the lifecycle of the sink.
type streamContext struct {
	requestId uint64
	sink      io.WriteCloser
	limits    streamLimits

	mu              sync.Mutex
	pending         map[uint32]pendingChunk
	completed       bool
	nextExpectedSeq uint32
	totalBytes      int64
}

func newStreamContext(requestId uint64, sink io.WriteCloser, limits streamLimits) *streamContext {
	return &streamContext{
		requestId: requestId,
		sink:      sink,
		limits:    limits,
		pending:   make(map[uint32]pendingChunk),
	}
}

// write applies one fragment. Fragments ahead of the expected sequence are
// buffered, duplicates behind it are ignored, and the expected fragment is
// written through followed by any contiguous buffered successors. A final
// fragment completes the stream and closes the sink.
func (c *streamContext) write(data []byte, seq uint32, final bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.completed {
		return errStreamClosed
	}

	if seq > c.nextExpectedSeq {
		if len(c.pending) >= c.limits.maxOutOfOrderChunks {
			return errTooManyOutOfOrder
		}
		c.pending[seq] = pendingChunk{data: data, seq: seq, final: final}
		return nil
	}

	if seq < c.nextExpectedSeq {
		// Retransmission of an already-written fragment.
		return nil
	}

	current := pendingChunk{data: data, seq: seq, final: final}
	for {
		c.totalBytes += int64(len(current.data))
		if c.totalBytes > c.limits.maxStreamBytes {
			return errStreamTooLarge
		}
		if _, err := c.sink.Write(current.data); err != nil {
			return err
		}
		c.nextExpectedSeq++

		if current.final {
			return c.completeLocked()
		}

		next, ok := c.pending[c.nextExpectedSeq]
		if !ok {
			return nil
		}
		delete(c.pending, c.nextExpectedSeq)
		current = next
	}
}

// complete marks the stream finished and closes the sink.
func (c *streamContext) complete() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.completeLocked()
}

func (c *streamContext) completeLocked() error {
	if c.completed {
		return nil
	}
	c.completed = true
	c.pending = nil
	return c.sink.Close()
}

// cancel terminates the stream; the sink close error is irrelevant here.
func (c *streamContext) cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.completed {
		return
	}
	c.completed = true
	c.pending = nil
	_ = c.sink.Close()
}

func (c *streamContext) isCompleted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.completed
}

// streamRegistry tracks the streaming uploads of a single connection. Chunks
// that arrive before a handler installs a sink are buffered per request id in
// insertion order, bounded both per id and across ids.
type streamRegistry struct {
	limits streamLimits

	mu            sync.Mutex
	streams       map[uint64]*streamContext
	pendingChunks map[uint64][]pendingChunk
	pendingOrder  []uint64
}

func newStreamRegistry(limits streamLimits) *streamRegistry {
	return &streamRegistry{
		limits:        limits,
		streams:       make(map[uint64]*streamContext),
		pendingChunks: make(map[uint64][]pendingChunk),
	}
}

// createStream installs a sink for the request id and replays any chunks
// that arrived before the handler got here, in their registered order.
func (r *streamRegistry) createStream(requestId uint64, sink io.WriteCloser) (*streamContext, error) {
	ctx := newStreamContext(requestId, sink, r.limits)

	r.mu.Lock()
	if len(r.streams) >= r.limits.maxActiveStreams {
		r.mu.Unlock()
		return nil, errTooManyActiveStreams
	}
	r.streams[requestId] = ctx
	pending := r.pendingChunks[requestId]
	delete(r.pendingChunks, requestId)
	r.removePendingOrderLocked(requestId)
	r.mu.Unlock()

	for _, chunk := range pending {
		if err := ctx.write(chunk.data, chunk.seq, chunk.final); err != nil {
			r.cancelStream(requestId)
			return nil, err
		}
	}
	if ctx.isCompleted() {
		r.mu.Lock()
		delete(r.streams, requestId)
		r.mu.Unlock()
	}
	return ctx, nil
}

// handleChunk forwards a fragment to its active stream, or buffers it when
// no sink has been installed yet. Exceeding the per-id buffer drops that
// id's queue entirely; exceeding the distinct-id bound evicts the
// least-recently-inserted queue.
func (r *streamRegistry) handleChunk(requestId uint64, data []byte, seq uint32, final bool) error {
	r.mu.Lock()
	ctx, ok := r.streams[requestId]
	if !ok {
		queue, known := r.pendingChunks[requestId]
		if !known {
			if len(r.pendingChunks) >= r.limits.maxPendingStreams {
				evicted := r.pendingOrder[0]
				r.pendingOrder = r.pendingOrder[1:]
				delete(r.pendingChunks, evicted)
				log.Printf("evicting pending chunks for stream %d (too many pending streams)", evicted)
			}
			r.pendingOrder = append(r.pendingOrder, requestId)
		}
		if len(queue) >= r.limits.maxPendingChunks {
			delete(r.pendingChunks, requestId)
			r.removePendingOrderLocked(requestId)
			r.mu.Unlock()
			log.Printf("too many pending chunks for stream %d, dropping all", requestId)
			return errTooManyPendingChunks
		}
		r.pendingChunks[requestId] = append(queue, pendingChunk{data: data, seq: seq, final: final})
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	err := ctx.write(data, seq, final)

	if ctx.isCompleted() {
		r.mu.Lock()
		delete(r.streams, requestId)
		r.mu.Unlock()
	}
	return err
}

// cancelStream drops the id from both maps and cancels its context.
func (r *streamRegistry) cancelStream(requestId uint64) {
	r.mu.Lock()
	ctx := r.streams[requestId]
	delete(r.streams, requestId)
	delete(r.pendingChunks, requestId)
	r.removePendingOrderLocked(requestId)
	r.mu.Unlock()

	if ctx != nil {
		ctx.cancel()
	}
}

// cancelAll terminates every stream, active and pending. Called when the
// connection goes away.
func (r *streamRegistry) cancelAll() {
	r.mu.Lock()
	toCancel := make([]*streamContext, 0, len(r.streams))
	for _, ctx := range r.streams {
		toCancel = append(toCancel, ctx)
	}
	r.streams = make(map[uint64]*streamContext)
	r.pendingChunks = make(map[uint64][]pendingChunk)
	r.pendingOrder = nil
	r.mu.Unlock()

	for _, ctx := range toCancel {
		if !ctx.isCompleted() {
			ctx.cancel()
		}
	}
}

func (r *streamRegistry) activeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.streams)
}

func (r *streamRegistry) pendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pendingChunks)
}

func (r *streamRegistry) removePendingOrderLocked(requestId uint64) {
	for i, id := range r.pendingOrder {
		if id == requestId {
			r.pendingOrder = append(r.pendingOrder[:i], r.pendingOrder[i+1:]...)
			return
		}
	}
}
