// Package framing converts application messages into one or more wire
// messages for a streaming transport: compression when it helps, bounded
// chunking for large payloads, and hash-checked reassembly with
// timeout-based abandonment on the receiving side.
package framing

import (
	"encoding/json"
	"errors"
	"time"
)

// Wire message type tags.
const (
	TypeSingle         = "single"
	TypeBinary         = "binary"
	TypeCompressed     = "compressed"
	TypeChunkStart     = "chunk_start"
	TypeChunkData      = "chunk_data"
	TypeChunkEnd       = "chunk_end"
	TypeUploadProgress = "upload_progress"
)

// Compression algorithm tags.
const (
	CompressionNone = "none"
	CompressionGzip = "gzip"
)

// ChunkMetadata correlates and validates the frames of one chunked message.
type ChunkMetadata struct {
	MessageID   string `json:"message_id"`
	ChunkIndex  int    `json:"chunk_index"`
	TotalChunks int    `json:"total_chunks"`
	ChunkSize   int    `json:"chunk_size"`
	Hash        string `json:"hash,omitempty"`
	Compression string `json:"compression,omitempty"`
	Binary      bool   `json:"binary,omitempty"`
	Final       bool   `json:"is_final,omitempty"`
}

// WireMessage is the unit actually sent over the transport. Binary and
// compressed payloads travel base64-encoded in Payload; plain structured
// messages carry their JSON in Data.
type WireMessage struct {
	Type        string          `json:"message_type"`
	Payload     string          `json:"payload,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
	Compression string          `json:"compression,omitempty"`
	Binary      bool            `json:"binary,omitempty"`
	Metadata    *ChunkMetadata  `json:"metadata,omitempty"`
}

// Completed is a fully reassembled (or single-frame) message.
type Completed struct {
	MessageID string
	Payload   []byte
	// Structured holds the JSON-decoded payload for non-binary messages.
	// It is nil when the payload was flagged binary or failed to decode;
	// Payload always carries the raw bytes either way.
	Structured any
	Binary     bool
}

// Config tunes the framing layer. Size limits are configuration, not
// protocol: peers only need compatible limits, not identical code.
type Config struct {
	// MaxMessageSize caps the original payload size.
	MaxMessageSize int
	// ChunkSize is the fixed chunk payload size; payloads larger than this
	// (after compression) are chunked.
	ChunkSize int
	// CompressionThreshold is the minimum payload size worth compressing.
	CompressionThreshold int
	// MaxChunks caps the chunk count; payloads needing more are rejected
	// outright rather than silently truncated.
	MaxChunks int
	// AssemblyTimeout discards assemblies with no activity for this long.
	AssemblyTimeout time.Duration
	// SweepInterval is the abandonment sweep period.
	SweepInterval time.Duration
	// ProgressEvery emits an upload_progress frame after every N data
	// frames; zero disables progress frames.
	ProgressEvery int
}

// DefaultConfig returns limits suitable for multi-megabyte payloads.
func DefaultConfig() Config {
	return Config{
		MaxMessageSize:       64 << 20,
		ChunkSize:            256 << 10,
		CompressionThreshold: 1 << 10,
		MaxChunks:            1024,
		AssemblyTimeout:      30 * time.Second,
		SweepInterval:        5 * time.Second,
	}
}

var (
	// ErrMessageTooLarge reports a payload above MaxMessageSize.
	ErrMessageTooLarge = errors.New("message exceeds maximum size")
	// ErrTooManyChunks reports a payload that would exceed MaxChunks.
	ErrTooManyChunks = errors.New("payload requires too many chunks")
	// ErrHashMismatch reports a chunk whose bytes do not match its declared
	// hash; the chunk is dropped, the assembly is left intact.
	ErrHashMismatch = errors.New("chunk hash mismatch")
	// ErrUnknownMessage reports a data or end frame for an id with no open
	// assembly.
	ErrUnknownMessage = errors.New("no assembly for message id")
	// ErrIncompleteAssembly reports an end frame whose expected count does
	// not match the chunks actually received.
	ErrIncompleteAssembly = errors.New("assembly incomplete at end frame")
	// ErrChunkOutOfRange reports a chunk index outside [0, total).
	ErrChunkOutOfRange = errors.New("chunk index out of range")
	// ErrUnknownType reports an unrecognized message type tag.
	ErrUnknownType = errors.New("unknown message type")
	// ErrUnknownCompression reports an unrecognized compression tag.
	ErrUnknownCompression = errors.New("unknown compression algorithm")
)
