package framing

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// assembly is the receiver-side in-progress state for one chunked message.
type assembly struct {
	id          string
	total       int
	chunks      map[int][]byte
	compression string
	binary      bool
	firstSeen   time.Time
	lastUpdate  time.Time
}

// Handler is the framing endpoint: it prepares outgoing messages and
// reassembles incoming ones. The abandonment sweep starts with the handler
// and is stopped — and awaited — by Close.
type Handler struct {
	cfg    Config
	logger *zap.Logger

	mu         sync.Mutex
	assemblies map[string]*assembly
	closed     bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewHandler builds a handler and starts its background sweep.
func NewHandler(cfg Config, logger *zap.Logger) *Handler {
	def := DefaultConfig()
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = def.ChunkSize
	}
	if cfg.CompressionThreshold <= 0 {
		cfg.CompressionThreshold = def.CompressionThreshold
	}
	if cfg.MaxChunks <= 0 {
		cfg.MaxChunks = def.MaxChunks
	}
	if cfg.AssemblyTimeout <= 0 {
		cfg.AssemblyTimeout = def.AssemblyTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	h := &Handler{
		cfg:        cfg,
		logger:     logger.With(zap.String("component", "framing")),
		assemblies: make(map[string]*assembly),
		stopCh:     make(chan struct{}),
	}
	h.wg.Add(1)
	go h.sweepLoop()
	return h
}

// Close stops the sweep and discards any in-progress assemblies.
func (h *Handler) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.assemblies = make(map[string]*assembly)
	h.mu.Unlock()

	close(h.stopCh)
	h.wg.Wait()
}

// OpenAssemblies returns how many chunked messages are awaiting completion.
func (h *Handler) OpenAssemblies() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.assemblies)
}

// ProcessIncoming feeds one wire message into the receiver. It returns a
// non-nil Completed when the message (single-frame or fully reassembled) is
// ready. Assembly failures return an error and a nil result — never a
// partial payload.
func (h *Handler) ProcessIncoming(msg WireMessage) (*Completed, error) {
	switch msg.Type {
	case TypeSingle:
		return h.completeSingle(msg.Data, CompressionNone, false)

	case TypeBinary:
		raw, err := base64.StdEncoding.DecodeString(msg.Payload)
		if err != nil {
			return nil, fmt.Errorf("decode binary payload: %w", err)
		}
		return h.completeSingle(raw, CompressionNone, true)

	case TypeCompressed:
		raw, err := base64.StdEncoding.DecodeString(msg.Payload)
		if err != nil {
			return nil, fmt.Errorf("decode compressed payload: %w", err)
		}
		return h.completeSingle(raw, msg.Compression, msg.Binary)

	case TypeChunkStart:
		return nil, h.openAssembly(msg.Metadata)

	case TypeChunkData:
		return nil, h.storeChunk(msg)

	case TypeChunkEnd:
		return h.finishAssembly(msg.Metadata)

	case TypeUploadProgress:
		// Progress frames are informational; nothing to record.
		return nil, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, msg.Type)
	}
}

func (h *Handler) completeSingle(raw []byte, compression string, binary bool) (*Completed, error) {
	payload, err := decompress(raw, compression)
	if err != nil {
		return nil, err
	}
	return decode(payload, "", binary), nil
}

// decode builds the Completed result, attempting structured decoding for
// non-binary payloads and falling back to raw bytes when that fails.
func decode(payload []byte, messageID string, binary bool) *Completed {
	out := &Completed{MessageID: messageID, Payload: payload, Binary: binary}
	if !binary && len(payload) > 0 {
		var structured any
		if err := json.Unmarshal(payload, &structured); err == nil {
			out.Structured = structured
		}
	}
	return out
}

func (h *Handler) openAssembly(meta *ChunkMetadata) error {
	if meta == nil || meta.MessageID == "" {
		return fmt.Errorf("%w: start frame without metadata", ErrUnknownMessage)
	}
	if meta.TotalChunks <= 0 || meta.TotalChunks > h.cfg.MaxChunks {
		return fmt.Errorf("%w: %d", ErrTooManyChunks, meta.TotalChunks)
	}

	now := time.Now()
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrUnknownMessage
	}
	// A repeated start frame for a live assembly resets nothing; the
	// original expected total stands.
	if _, ok := h.assemblies[meta.MessageID]; !ok {
		h.assemblies[meta.MessageID] = &assembly{
			id:          meta.MessageID,
			total:       meta.TotalChunks,
			chunks:      make(map[int][]byte),
			compression: meta.Compression,
			binary:      meta.Binary,
			firstSeen:   now,
			lastUpdate:  now,
		}
	}
	return nil
}

func (h *Handler) storeChunk(msg WireMessage) error {
	meta := msg.Metadata
	if meta == nil || meta.MessageID == "" {
		return fmt.Errorf("%w: data frame without metadata", ErrUnknownMessage)
	}

	chunk, err := base64.StdEncoding.DecodeString(msg.Payload)
	if err != nil {
		return fmt.Errorf("decode chunk payload: %w", err)
	}
	// Verify against the bytes actually received, not the declared size.
	if chunkHash(chunk) != meta.Hash {
		h.logger.Error("dropping chunk with hash mismatch",
			zap.String("message_id", meta.MessageID),
			zap.Int("chunk_index", meta.ChunkIndex))
		return fmt.Errorf("%w: message %s chunk %d", ErrHashMismatch, meta.MessageID, meta.ChunkIndex)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	asm, ok := h.assemblies[meta.MessageID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMessage, meta.MessageID)
	}
	if meta.ChunkIndex < 0 || meta.ChunkIndex >= asm.total {
		return fmt.Errorf("%w: %d of %d", ErrChunkOutOfRange, meta.ChunkIndex, asm.total)
	}
	// Duplicates are idempotent: the hash already proved the bytes match.
	if _, dup := asm.chunks[meta.ChunkIndex]; !dup {
		asm.chunks[meta.ChunkIndex] = chunk
	}
	asm.lastUpdate = time.Now()
	return nil
}

func (h *Handler) finishAssembly(meta *ChunkMetadata) (*Completed, error) {
	if meta == nil || meta.MessageID == "" {
		return nil, fmt.Errorf("%w: end frame without metadata", ErrUnknownMessage)
	}

	h.mu.Lock()
	asm, ok := h.assemblies[meta.MessageID]
	if ok {
		// Completion or hard failure, the assembly record is done either way.
		delete(h.assemblies, meta.MessageID)
	}
	h.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMessage, meta.MessageID)
	}
	if len(asm.chunks) != asm.total {
		h.logger.Error("assembly incomplete at end frame",
			zap.String("message_id", asm.id),
			zap.Int("received", len(asm.chunks)),
			zap.Int("expected", asm.total))
		return nil, fmt.Errorf("%w: message %s has %d of %d chunks",
			ErrIncompleteAssembly, asm.id, len(asm.chunks), asm.total)
	}

	// Concatenate by numeric index, independent of arrival order.
	var body []byte
	for i := 0; i < asm.total; i++ {
		body = append(body, asm.chunks[i]...)
	}
	payload, err := decompress(body, asm.compression)
	if err != nil {
		return nil, err
	}
	return decode(payload, asm.id, asm.binary), nil
}

func (h *Handler) sweepLoop() {
	defer h.wg.Done()

	ticker := time.NewTicker(h.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.sweep()
		case <-h.stopCh:
			return
		}
	}
}

// sweep discards assemblies untouched for longer than the timeout,
// regardless of how many chunks they have.
func (h *Handler) sweep() {
	cutoff := time.Now().Add(-h.cfg.AssemblyTimeout)

	h.mu.Lock()
	var abandoned []*assembly
	for id, asm := range h.assemblies {
		if asm.lastUpdate.Before(cutoff) {
			abandoned = append(abandoned, asm)
			delete(h.assemblies, id)
		}
	}
	h.mu.Unlock()

	for _, asm := range abandoned {
		h.logger.Warn("abandoning stale transfer",
			zap.String("message_id", asm.id),
			zap.Int("received", len(asm.chunks)),
			zap.Int("expected", asm.total),
			zap.Duration("age", time.Since(asm.firstSeen)))
	}
}
