package framing

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

// Magic headers of formats that are already compressed (or close enough that
// recompressing is wasted work). Checked against the payload's leading bytes
// before attempting compression.
var compressedMagics = [][]byte{
	{0x1f, 0x8b},             // gzip
	{0x28, 0xb5, 0x2f, 0xfd}, // zstd
	{0x04, 0x22, 0x4d, 0x18}, // lz4 frame
	{'B', 'Z', 'h'},          // bzip2
	{'P', 'K', 0x03, 0x04},   // zip
	{0x89, 'P', 'N', 'G'},    // png
	{0xff, 0xd8, 0xff},       // jpeg
	{'G', 'I', 'F', '8'},     // gif
}

// looksCompressed sniffs the payload's leading bytes for known compressed
// formats.
func looksCompressed(data []byte) bool {
	for _, magic := range compressedMagics {
		if len(data) >= len(magic) && bytes.Equal(data[:len(magic)], magic) {
			return true
		}
	}
	return false
}

func gzipCompress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, fmt.Errorf("gzip write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("gzip close: %w", err)
	}
	return buf.Bytes(), nil
}

func gzipDecompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("gzip open: %w", err)
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("gzip read: %w", err)
	}
	return out, nil
}

// decompress reverses the declared algorithm.
func decompress(data []byte, algorithm string) ([]byte, error) {
	switch algorithm {
	case "", CompressionNone:
		return data, nil
	case CompressionGzip:
		return gzipDecompress(data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCompression, algorithm)
	}
}
