package framing

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHandler(t *testing.T, cfg Config) *Handler {
	t.Helper()
	h := NewHandler(cfg, nil)
	t.Cleanup(h.Close)
	return h
}

// incompressible returns n pseudo-random bytes that gzip cannot shrink.
func incompressible(n int) []byte {
	rng := rand.New(rand.NewSource(42))
	out := make([]byte, n)
	rng.Read(out)
	return out
}

func deliver(t *testing.T, h *Handler, frames []WireMessage) *Completed {
	t.Helper()
	var result *Completed
	for _, frame := range frames {
		completed, err := h.ProcessIncoming(frame)
		require.NoError(t, err)
		if completed != nil {
			require.Nil(t, result, "at most one frame may complete the message")
			result = completed
		}
	}
	require.NotNil(t, result)
	return result
}

func TestSmallStructuredMessageStaysSingle(t *testing.T) {
	h := newTestHandler(t, Config{})

	payload, _ := json.Marshal(map[string]any{"op": "status", "seq": float64(7)})
	frames, err := h.PrepareMessage(payload, false)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, TypeSingle, frames[0].Type)

	got := deliver(t, h, frames)
	assert.Equal(t, payload, got.Payload)
	assert.Equal(t, map[string]any{"op": "status", "seq": float64(7)}, got.Structured)
	assert.False(t, got.Binary)
}

func TestSmallBinaryMessageSkipsStructuredDecode(t *testing.T) {
	h := newTestHandler(t, Config{})

	payload := []byte{0x00, 0x01, 0xfe, 0xff}
	frames, err := h.PrepareMessage(payload, true)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, TypeBinary, frames[0].Type)

	got := deliver(t, h, frames)
	assert.Equal(t, payload, got.Payload)
	assert.Nil(t, got.Structured)
	assert.True(t, got.Binary)
}

func TestCompressibleSingleMessageRoundTrip(t *testing.T) {
	h := newTestHandler(t, Config{CompressionThreshold: 64})

	payload := bytes.Repeat([]byte("abcdefgh"), 512)
	frames, err := h.PrepareMessage(payload, false)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, TypeCompressed, frames[0].Type)
	assert.Equal(t, CompressionGzip, frames[0].Compression)

	wire, err := base64.StdEncoding.DecodeString(frames[0].Payload)
	require.NoError(t, err)
	assert.Less(t, len(wire), len(payload))

	got := deliver(t, h, frames)
	assert.Equal(t, payload, got.Payload)
}

func TestIncompressiblePayloadSentUncompressed(t *testing.T) {
	h := newTestHandler(t, Config{CompressionThreshold: 64})

	payload := incompressible(4096)
	frames, err := h.PrepareMessage(payload, true)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, TypeBinary, frames[0].Type)
}

func TestAlreadyCompressedFormatNotRecompressed(t *testing.T) {
	h := newTestHandler(t, Config{CompressionThreshold: 4})

	// A payload wearing the gzip magic must be passed through untouched even
	// when its tail is highly repetitive.
	payload := append([]byte{0x1f, 0x8b}, bytes.Repeat([]byte("a"), 8192)...)
	frames, err := h.PrepareMessage(payload, true)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, TypeBinary, frames[0].Type)

	got := deliver(t, h, frames)
	assert.Equal(t, payload, got.Payload)
}

func TestChunkedRoundTripInOrder(t *testing.T) {
	h := newTestHandler(t, Config{ChunkSize: 1024, CompressionThreshold: 1 << 30})

	payload := incompressible(10*1024 + 137)
	frames, err := h.PrepareMessage(payload, true)
	require.NoError(t, err)
	// start + 11 data + end
	require.Len(t, frames, 13)
	assert.Equal(t, TypeChunkStart, frames[0].Type)
	assert.Equal(t, TypeChunkEnd, frames[len(frames)-1].Type)
	assert.True(t, frames[len(frames)-1].Metadata.Final)

	got := deliver(t, h, frames)
	assert.Equal(t, payload, got.Payload)
	assert.Equal(t, frames[0].Metadata.MessageID, got.MessageID)
	assert.Zero(t, h.OpenAssemblies())
}

func TestMultiMegabyteRoundTrip(t *testing.T) {
	h := newTestHandler(t, Config{})

	payload := incompressible(3<<20 + 7)
	frames, err := h.PrepareMessage(payload, true)
	require.NoError(t, err)
	// 256 KiB chunks: start + 13 data + end.
	require.Len(t, frames, 15)

	got := deliver(t, h, frames)
	assert.Equal(t, payload, got.Payload)
}

func TestChunkedCompressedRoundTrip(t *testing.T) {
	h := newTestHandler(t, Config{ChunkSize: 512, CompressionThreshold: 64})

	payload := bytes.Repeat([]byte("the quick brown fox "), 4096)
	frames, err := h.PrepareMessage(payload, false)
	require.NoError(t, err)
	require.Greater(t, len(frames), 3)
	assert.Equal(t, CompressionGzip, frames[0].Metadata.Compression)

	got := deliver(t, h, frames)
	assert.Equal(t, payload, got.Payload)
	assert.False(t, got.Binary)
}

func TestOutOfOrderChunksReassemble(t *testing.T) {
	h := newTestHandler(t, Config{ChunkSize: 256, CompressionThreshold: 1 << 30})

	payload := incompressible(256 * 5)
	frames, err := h.PrepareMessage(payload, true)
	require.NoError(t, err)

	start, data, end := frames[0], frames[1:len(frames)-1], frames[len(frames)-1]
	shuffled := []WireMessage{start, data[3], data[0], data[4], data[2], data[1], end}

	got := deliver(t, h, shuffled)
	assert.Equal(t, payload, got.Payload)
}

func TestDuplicateChunksAreIdempotent(t *testing.T) {
	h := newTestHandler(t, Config{ChunkSize: 256, CompressionThreshold: 1 << 30})

	payload := incompressible(256 * 3)
	frames, err := h.PrepareMessage(payload, true)
	require.NoError(t, err)

	withDups := append([]WireMessage{}, frames[:len(frames)-1]...)
	withDups = append(withDups, frames[1], frames[2], frames[len(frames)-1])

	got := deliver(t, h, withDups)
	assert.Equal(t, payload, got.Payload)
}

func TestCorruptedChunkFailsAssembly(t *testing.T) {
	h := newTestHandler(t, Config{ChunkSize: 256, CompressionThreshold: 1 << 30})

	payload := incompressible(256 * 3)
	frames, err := h.PrepareMessage(payload, true)
	require.NoError(t, err)

	_, err = h.ProcessIncoming(frames[0])
	require.NoError(t, err)

	tampered := frames[1]
	tampered.Payload = base64.StdEncoding.EncodeToString([]byte("not the original bytes"))
	_, err = h.ProcessIncoming(tampered)
	assert.ErrorIs(t, err, ErrHashMismatch)

	for _, frame := range frames[2 : len(frames)-1] {
		_, err = h.ProcessIncoming(frame)
		require.NoError(t, err)
	}

	// The dropped chunk leaves the assembly short; the end frame is a hard
	// failure and the id is gone afterwards.
	completed, err := h.ProcessIncoming(frames[len(frames)-1])
	assert.Nil(t, completed)
	assert.ErrorIs(t, err, ErrIncompleteAssembly)

	_, err = h.ProcessIncoming(frames[len(frames)-1])
	assert.ErrorIs(t, err, ErrUnknownMessage)
	assert.Zero(t, h.OpenAssemblies())
}

func TestChunkForUnknownMessageRejected(t *testing.T) {
	h := newTestHandler(t, Config{})

	chunk := []byte("orphan")
	_, err := h.ProcessIncoming(WireMessage{
		Type:    TypeChunkData,
		Payload: base64.StdEncoding.EncodeToString(chunk),
		Metadata: &ChunkMetadata{
			MessageID:   "never-opened",
			TotalChunks: 2,
			Hash:        chunkHash(chunk),
		},
	})
	assert.ErrorIs(t, err, ErrUnknownMessage)
}

func TestChunkIndexOutOfRangeRejected(t *testing.T) {
	h := newTestHandler(t, Config{ChunkSize: 256, CompressionThreshold: 1 << 30})

	payload := incompressible(256 * 2)
	frames, err := h.PrepareMessage(payload, true)
	require.NoError(t, err)
	_, err = h.ProcessIncoming(frames[0])
	require.NoError(t, err)

	rogue := frames[1]
	meta := *rogue.Metadata
	meta.ChunkIndex = 99
	rogue.Metadata = &meta
	_, err = h.ProcessIncoming(rogue)
	assert.ErrorIs(t, err, ErrChunkOutOfRange)
}

func TestOversizedPayloadRejectedOutright(t *testing.T) {
	h := newTestHandler(t, Config{MaxMessageSize: 1024})

	_, err := h.PrepareMessage(incompressible(2048), true)
	assert.ErrorIs(t, err, ErrMessageTooLarge)
}

func TestTooManyChunksRejectedNotTruncated(t *testing.T) {
	h := newTestHandler(t, Config{ChunkSize: 64, MaxChunks: 4, CompressionThreshold: 1 << 30})

	frames, err := h.PrepareMessage(incompressible(64*4), true)
	require.NoError(t, err)
	require.Len(t, frames, 6)

	_, err = h.PrepareMessage(incompressible(64*4+1), true)
	assert.ErrorIs(t, err, ErrTooManyChunks)
}

func TestStaleAssemblySweptAndAbandoned(t *testing.T) {
	h := newTestHandler(t, Config{
		ChunkSize:            256,
		CompressionThreshold: 1 << 30,
		AssemblyTimeout:      30 * time.Millisecond,
		SweepInterval:        10 * time.Millisecond,
	})

	payload := incompressible(256 * 4)
	frames, err := h.PrepareMessage(payload, true)
	require.NoError(t, err)

	// Start the transfer, deliver one chunk, then go silent.
	_, err = h.ProcessIncoming(frames[0])
	require.NoError(t, err)
	_, err = h.ProcessIncoming(frames[1])
	require.NoError(t, err)
	require.Equal(t, 1, h.OpenAssemblies())

	require.Eventually(t, func() bool {
		return h.OpenAssemblies() == 0
	}, time.Second, 5*time.Millisecond)

	_, err = h.ProcessIncoming(frames[2])
	assert.ErrorIs(t, err, ErrUnknownMessage)
}

func TestProgressFramesEmittedAndIgnored(t *testing.T) {
	h := newTestHandler(t, Config{ChunkSize: 128, CompressionThreshold: 1 << 30, ProgressEvery: 2})

	payload := incompressible(128 * 6)
	frames, err := h.PrepareMessage(payload, true)
	require.NoError(t, err)

	var progress int
	for _, frame := range frames {
		if frame.Type == TypeUploadProgress {
			progress++
		}
	}
	// After chunks 2 and 4; never after the last chunk.
	assert.Equal(t, 2, progress)

	got := deliver(t, h, frames)
	assert.Equal(t, payload, got.Payload)
}

func TestEmptyPayloadRoundTrip(t *testing.T) {
	h := newTestHandler(t, Config{})

	frames, err := h.PrepareMessage(nil, true)
	require.NoError(t, err)
	require.Len(t, frames, 1)

	got := deliver(t, h, frames)
	assert.Empty(t, got.Payload)
}

func TestUnknownTypeAndCompressionRejected(t *testing.T) {
	h := newTestHandler(t, Config{})

	_, err := h.ProcessIncoming(WireMessage{Type: "telemetry"})
	assert.ErrorIs(t, err, ErrUnknownType)

	_, err = h.ProcessIncoming(WireMessage{
		Type:        TypeCompressed,
		Payload:     base64.StdEncoding.EncodeToString([]byte("x")),
		Compression: "brotli",
	})
	assert.ErrorIs(t, err, ErrUnknownCompression)
}

func TestRepeatedStartFrameKeepsOriginalAssembly(t *testing.T) {
	h := newTestHandler(t, Config{ChunkSize: 256, CompressionThreshold: 1 << 30})

	payload := incompressible(256 * 2)
	frames, err := h.PrepareMessage(payload, true)
	require.NoError(t, err)

	_, err = h.ProcessIncoming(frames[0])
	require.NoError(t, err)
	_, err = h.ProcessIncoming(frames[1])
	require.NoError(t, err)

	// A replayed start frame must not discard the chunk already stored.
	_, err = h.ProcessIncoming(frames[0])
	require.NoError(t, err)

	got := deliver(t, h, frames[2:])
	assert.Equal(t, payload, got.Payload)
}

func TestWireMessagesSurviveJSONTransport(t *testing.T) {
	h := newTestHandler(t, Config{ChunkSize: 512, CompressionThreshold: 64})

	payload := bytes.Repeat([]byte(`{"metric":"latency","value":12.5}`), 256)
	frames, err := h.PrepareMessage(payload, false)
	require.NoError(t, err)

	// Re-encode each frame the way the channel layer would.
	transported := make([]WireMessage, len(frames))
	for i, frame := range frames {
		raw, err := json.Marshal(frame)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(raw, &transported[i]))
	}

	got := deliver(t, h, transported)
	assert.Equal(t, payload, got.Payload)
}
