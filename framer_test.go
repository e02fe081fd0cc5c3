package main

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/teegate/teegate/protocol"
)

// reassemble runs a set of serialized frames through a fresh assembler and
// returns the reassembled message.
func reassemble(t *testing.T, frames [][]byte) []byte {
	t.Helper()
	assembler := newFrameAssembler()
	for i, raw := range frames {
		frame, err := protocol.DecodeFrame(raw)
		require.NoError(t, err)
		message, complete, err := assembler.process(frame)
		require.NoError(t, err)
		if i == len(frames)-1 {
			require.True(t, complete, "message should complete on the last frame")
			return message
		}
		require.False(t, complete, "message completed early at frame %d", i)
	}
	t.Fatal("no frames")
	return nil
}

// TestEncodeFramesSingle verifies that a small message yields one frame.
func TestEncodeFramesSingle(t *testing.T) {
	message := []byte("hello")
	frames, err := encodeFrames(message)
	require.NoError(t, err)
	require.Len(t, frames, 1)

	frame, err := protocol.DecodeFrame(frames[0])
	require.NoError(t, err)
	require.Equal(t, uint32(0), frame.ChunkIndex)
	require.Equal(t, uint32(1), frame.TotalChunks)
	require.Equal(t, message, frame.Payload)
}

// TestEncodeFramesEmptyMessage verifies the zero-length message boundary:
// one frame with an empty payload.
func TestEncodeFramesEmptyMessage(t *testing.T) {
	frames, err := encodeFrames(nil)
	require.NoError(t, err)
	require.Len(t, frames, 1)

	frame, err := protocol.DecodeFrame(frames[0])
	require.NoError(t, err)
	require.Equal(t, uint32(1), frame.TotalChunks)
	require.Empty(t, frame.Payload)

	message := reassemble(t, frames)
	require.Empty(t, message)
}

// TestEncodeFramesExactBoundary verifies that a message of exactly the
// per-frame budget stays in a single frame and one byte more takes two.
func TestEncodeFramesExactBoundary(t *testing.T) {
	exact := make([]byte, maxChunkPayload)
	_, err := rand.Read(exact)
	require.NoError(t, err)

	frames, err := encodeFrames(exact)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	require.Equal(t, exact, reassemble(t, frames))

	over := make([]byte, maxChunkPayload+1)
	copy(over, exact)
	over[maxChunkPayload] = 0x42

	frames, err = encodeFrames(over)
	require.NoError(t, err)
	require.Len(t, frames, 2)

	first, err := protocol.DecodeFrame(frames[0])
	require.NoError(t, err)
	second, err := protocol.DecodeFrame(frames[1])
	require.NoError(t, err)

	require.Equal(t, first.ChunkId, second.ChunkId)
	require.Equal(t, uint32(2), first.TotalChunks)
	require.Equal(t, uint32(2), second.TotalChunks)
	require.Equal(t, uint32(0), first.ChunkIndex)
	require.Equal(t, uint32(1), second.ChunkIndex)
	require.Equal(t, over, append(append([]byte(nil), first.Payload...), second.Payload...))
}

// TestEncodeFramesFitNoiseLimit verifies that every serialized frame plus
// the AEAD tag fits in a single Noise message.
func TestEncodeFramesFitNoiseLimit(t *testing.T) {
	message := make([]byte, 3*maxChunkPayload+17)
	_, err := rand.Read(message)
	require.NoError(t, err)

	frames, err := encodeFrames(message)
	require.NoError(t, err)
	require.Len(t, frames, 4)
	for i, raw := range frames {
		require.LessOrEqual(t, len(raw)+noiseTagSize, maxNoiseMessageSize, "frame %d exceeds the Noise limit", i)
	}
	require.Equal(t, message, reassemble(t, frames))
}

// TestEncodeFramesRandomChunkIds verifies that consecutive messages draw
// distinct chunk ids.
func TestEncodeFramesRandomChunkIds(t *testing.T) {
	seen := make(map[uint64]bool)
	for i := 0; i < 32; i++ {
		frames, err := encodeFrames([]byte("m"))
		require.NoError(t, err)
		frame, err := protocol.DecodeFrame(frames[0])
		require.NoError(t, err)
		require.False(t, seen[frame.ChunkId], "chunk id repeated")
		seen[frame.ChunkId] = true
	}
}

// TestAssemblerOutOfOrderDelivery verifies reassembly regardless of frame
// arrival order.
func TestAssemblerOutOfOrderDelivery(t *testing.T) {
	message := make([]byte, 2*maxChunkPayload+100)
	_, err := rand.Read(message)
	require.NoError(t, err)

	frames, err := encodeFrames(message)
	require.NoError(t, err)
	require.Len(t, frames, 3)

	assembler := newFrameAssembler()
	for _, i := range []int{2, 0} {
		frame, err := protocol.DecodeFrame(frames[i])
		require.NoError(t, err)
		_, complete, err := assembler.process(frame)
		require.NoError(t, err)
		require.False(t, complete)
	}
	frame, err := protocol.DecodeFrame(frames[1])
	require.NoError(t, err)
	assembled, complete, err := assembler.process(frame)
	require.NoError(t, err)
	require.True(t, complete)
	require.Equal(t, message, assembled)
	require.Equal(t, 0, assembler.pendingCount())
}

// TestAssemblerInconsistentTotalChunks verifies that a frame disagreeing on
// total_chunks is rejected.
func TestAssemblerInconsistentTotalChunks(t *testing.T) {
	assembler := newFrameAssembler()

	_, _, err := assembler.process(&protocol.TransportFrame{ChunkId: 7, ChunkIndex: 0, TotalChunks: 3, Payload: []byte("a")})
	require.NoError(t, err)

	_, _, err = assembler.process(&protocol.TransportFrame{ChunkId: 7, ChunkIndex: 1, TotalChunks: 2, Payload: []byte("b")})
	require.ErrorIs(t, err, errInconsistentFrame)
}

// TestAssemblerIndexOutOfRange verifies the chunk_index bound.
func TestAssemblerIndexOutOfRange(t *testing.T) {
	assembler := newFrameAssembler()
	_, _, err := assembler.process(&protocol.TransportFrame{ChunkId: 7, ChunkIndex: 2, TotalChunks: 2, Payload: []byte("a")})
	require.ErrorIs(t, err, errInconsistentFrame)

	_, _, err = assembler.process(&protocol.TransportFrame{ChunkId: 7, ChunkIndex: 0, TotalChunks: 0, Payload: []byte("a")})
	require.ErrorIs(t, err, errInconsistentFrame)
}

// TestAssemblerDuplicateFrames verifies that identical duplicates are
// dropped while conflicting duplicates are fatal.
func TestAssemblerDuplicateFrames(t *testing.T) {
	assembler := newFrameAssembler()

	first := &protocol.TransportFrame{ChunkId: 9, ChunkIndex: 0, TotalChunks: 2, Payload: []byte("abc")}
	_, complete, err := assembler.process(first)
	require.NoError(t, err)
	require.False(t, complete)

	// Same index, same payload: silently dropped.
	_, complete, err = assembler.process(first)
	require.NoError(t, err)
	require.False(t, complete)

	// Same index, different payload: inconsistent.
	_, _, err = assembler.process(&protocol.TransportFrame{ChunkId: 9, ChunkIndex: 0, TotalChunks: 2, Payload: []byte("xyz")})
	require.ErrorIs(t, err, errInconsistentFrame)

	// The assembly still completes with the remaining chunk.
	assembled, complete, err := assembler.process(&protocol.TransportFrame{ChunkId: 9, ChunkIndex: 1, TotalChunks: 2, Payload: []byte("def")})
	require.NoError(t, err)
	require.True(t, complete)
	require.True(t, bytes.Equal([]byte("abcdef"), assembled))
}

// TestAssemblerReset verifies that reset discards partial assemblies.
func TestAssemblerReset(t *testing.T) {
	assembler := newFrameAssembler()
	_, _, err := assembler.process(&protocol.TransportFrame{ChunkId: 1, ChunkIndex: 0, TotalChunks: 2, Payload: []byte("a")})
	require.NoError(t, err)
	require.Equal(t, 1, assembler.pendingCount())

	assembler.reset()
	require.Equal(t, 0, assembler.pendingCount())
}
