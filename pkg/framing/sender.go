package framing

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// chunkHash returns the hex sha256 of one chunk's raw bytes.
func chunkHash(chunk []byte) string {
	sum := sha256.Sum256(chunk)
	return hex.EncodeToString(sum[:])
}

// PrepareMessage converts a payload into the wire messages to transmit, in
// send order. Compression is applied when the payload is large enough, does
// not already look compressed, and shrinks by at least 10%. The (possibly
// compressed) payload is chunked only when it exceeds the chunk size; a
// payload needing more than MaxChunks chunks is rejected whole.
//
// binary marks payloads that are not JSON; the receiver skips structured
// decoding for them.
func (h *Handler) PrepareMessage(payload []byte, binary bool) ([]WireMessage, error) {
	if len(payload) > h.cfg.MaxMessageSize {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrMessageTooLarge, len(payload), h.cfg.MaxMessageSize)
	}

	body := payload
	compression := CompressionNone
	if len(payload) >= h.cfg.CompressionThreshold && !looksCompressed(payload) {
		compressed, err := gzipCompress(payload)
		if err != nil {
			return nil, err
		}
		// Only keep the compressed form when it actually pays for itself.
		if len(compressed) <= len(payload)*9/10 {
			body = compressed
			compression = CompressionGzip
		}
	}

	if len(body) <= h.cfg.ChunkSize {
		return []WireMessage{h.singleMessage(payload, body, compression, binary)}, nil
	}
	return h.chunkMessages(body, compression, binary)
}

func (h *Handler) singleMessage(original, body []byte, compression string, binary bool) WireMessage {
	switch {
	case compression != CompressionNone:
		return WireMessage{
			Type:        TypeCompressed,
			Payload:     base64.StdEncoding.EncodeToString(body),
			Compression: compression,
			Binary:      binary,
		}
	case binary:
		return WireMessage{
			Type:    TypeBinary,
			Payload: base64.StdEncoding.EncodeToString(body),
			Binary:  true,
		}
	default:
		return WireMessage{Type: TypeSingle, Data: original}
	}
}

func (h *Handler) chunkMessages(body []byte, compression string, binary bool) ([]WireMessage, error) {
	total := (len(body) + h.cfg.ChunkSize - 1) / h.cfg.ChunkSize
	if total > h.cfg.MaxChunks {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooManyChunks, total, h.cfg.MaxChunks)
	}

	id := uuid.NewString()
	messages := make([]WireMessage, 0, total+2)
	messages = append(messages, WireMessage{
		Type: TypeChunkStart,
		Metadata: &ChunkMetadata{
			MessageID:   id,
			TotalChunks: total,
			ChunkSize:   h.cfg.ChunkSize,
			Compression: compression,
			Binary:      binary,
		},
	})

	for i := 0; i < total; i++ {
		start := i * h.cfg.ChunkSize
		end := start + h.cfg.ChunkSize
		if end > len(body) {
			end = len(body)
		}
		chunk := body[start:end]
		messages = append(messages, WireMessage{
			Type:    TypeChunkData,
			Payload: base64.StdEncoding.EncodeToString(chunk),
			Metadata: &ChunkMetadata{
				MessageID:   id,
				ChunkIndex:  i,
				TotalChunks: total,
				ChunkSize:   len(chunk),
				Hash:        chunkHash(chunk),
			},
		})
		if h.cfg.ProgressEvery > 0 && (i+1)%h.cfg.ProgressEvery == 0 && i+1 < total {
			messages = append(messages, WireMessage{
				Type: TypeUploadProgress,
				Metadata: &ChunkMetadata{
					MessageID:   id,
					ChunkIndex:  i,
					TotalChunks: total,
				},
			})
		}
	}

	messages = append(messages, WireMessage{
		Type: TypeChunkEnd,
		Metadata: &ChunkMetadata{
			MessageID:   id,
			TotalChunks: total,
			Final:       true,
		},
	})
	return messages, nil
}
