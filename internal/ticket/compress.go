package ticket

import (
	"bytes"
	"compress/flate"
	"fmt"
	"io"
)

// Compressor shrinks the command text inside a ticket. Commands are
// short, so the win is modest, but notification templates embed many
// tickets per message and the savings add up.
type Compressor interface {
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
}

// flateCompressor is the default Compressor (raw DEFLATE stream)
type flateCompressor struct{}

// NewCompressor creates the default ticket compressor
func NewCompressor() Compressor {
	return &flateCompressor{}
}

func (flateCompressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.BestCompression)
	if err != nil {
		return nil, fmt.Errorf("failed to create compressor: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("failed to compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to flush compressor: %w", err)
	}
	return buf.Bytes(), nil
}

func (flateCompressor) Decompress(data []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(data))
	defer r.Close()

	out, err := io.ReadAll(io.LimitReader(r, maxCommandLen+1))
	if err != nil {
		return nil, fmt.Errorf("failed to decompress: %w", err)
	}
	if len(out) > maxCommandLen {
		return nil, fmt.Errorf("decompressed command exceeds %d bytes", maxCommandLen)
	}
	return out, nil
}

// maxCommandLen bounds the decompressed command text. Real commands
// are well under 200 bytes; anything larger is a crafted token.
const maxCommandLen = 4096
