package objectstore

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression names accepted in configuration
const (
	CompressionNone   = "none"
	CompressionSnappy = "snappy"
	CompressionZstd   = "zstd"
	CompressionLZ4    = "lz4"
	CompressionGzip   = "gzip"
)

// Codec compresses whole objects
type Codec interface {
	Encode(src []byte) ([]byte, error)
	Decode(src []byte) ([]byte, error)
	// Extension is appended to object names (e.g., ".sz")
	Extension() string
	Name() string
}

// NewCodec returns the codec for a compression name. The empty name means none.
func NewCodec(name string) (Codec, error) {
	switch name {
	case "", CompressionNone:
		return noopCodec{}, nil
	case CompressionSnappy:
		return snappyCodec{}, nil
	case CompressionZstd:
		return newZstdCodec()
	case CompressionLZ4:
		return lz4Codec{}, nil
	case CompressionGzip:
		return gzipCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown compression %q", name)
	}
}

type noopCodec struct{}

func (noopCodec) Encode(src []byte) ([]byte, error) { return src, nil }
func (noopCodec) Decode(src []byte) ([]byte, error) { return src, nil }
func (noopCodec) Extension() string                 { return "" }
func (noopCodec) Name() string                      { return CompressionNone }

// snappyCodec uses the block format; objects are written in one piece
type snappyCodec struct{}

func (snappyCodec) Encode(src []byte) ([]byte, error) {
	return snappy.Encode(nil, src), nil
}

func (snappyCodec) Decode(src []byte) ([]byte, error) {
	out, err := snappy.Decode(nil, src)
	if err != nil {
		return nil, fmt.Errorf("snappy decode: %w", err)
	}
	return out, nil
}

func (snappyCodec) Extension() string { return ".sz" }
func (snappyCodec) Name() string      { return CompressionSnappy }

// zstdCodec shares one encoder and decoder; EncodeAll and DecodeAll are safe
// for concurrent use
type zstdCodec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func newZstdCodec() (*zstdCodec, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return &zstdCodec{encoder: encoder, decoder: decoder}, nil
}

func (c *zstdCodec) Encode(src []byte) ([]byte, error) {
	return c.encoder.EncodeAll(src, nil), nil
}

func (c *zstdCodec) Decode(src []byte) ([]byte, error) {
	out, err := c.decoder.DecodeAll(src, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decode: %w", err)
	}
	return out, nil
}

func (c *zstdCodec) Extension() string { return ".zst" }
func (c *zstdCodec) Name() string      { return CompressionZstd }

// lz4Codec writes the frame format so objects can be read with the lz4 CLI
type lz4Codec struct{}

func (lz4Codec) Encode(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(src); err != nil {
		return nil, fmt.Errorf("lz4 encode: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("lz4 encode: %w", err)
	}
	return buf.Bytes(), nil
}

func (lz4Codec) Decode(src []byte) ([]byte, error) {
	out, err := io.ReadAll(lz4.NewReader(bytes.NewReader(src)))
	if err != nil {
		return nil, fmt.Errorf("lz4 decode: %w", err)
	}
	return out, nil
}

func (lz4Codec) Extension() string { return ".lz4" }
func (lz4Codec) Name() string      { return CompressionLZ4 }

var gzipWriters = sync.Pool{
	New: func() any {
		return gzip.NewWriter(io.Discard)
	},
}

type gzipCodec struct{}

func (gzipCodec) Encode(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzipWriters.Get().(*gzip.Writer)
	defer gzipWriters.Put(w)

	w.Reset(&buf)
	if _, err := w.Write(src); err != nil {
		return nil, fmt.Errorf("gzip encode: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("gzip encode: %w", err)
	}
	return buf.Bytes(), nil
}

func (gzipCodec) Decode(src []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("gzip decode: %w", err)
	}
	defer r.Close()

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("gzip decode: %w", err)
	}
	return out, nil
}

func (gzipCodec) Extension() string { return ".gz" }
func (gzipCodec) Name() string      { return CompressionGzip }
