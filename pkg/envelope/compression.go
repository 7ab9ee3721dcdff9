package envelope

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

const (
	// GzipCompressionType selects the standard library gzip writer.
	GzipCompressionType = "gzip"

	// ZstdCompressionType selects klauspost's zstd encoder.
	ZstdCompressionType = "zstd"
)

// CompressionConfig allows you to compress payloads before they are encrypted.
type CompressionConfig struct {
	Enabled bool   `json:"Enabled" yaml:"Enabled" env:"SECUREDCOMM_COMPRESSION_ENABLED"`
	Type    string `json:"Type,omitempty" yaml:"Type,omitempty" env:"SECUREDCOMM_COMPRESSION_TYPE"`
}

// maxDecompressedSize bounds what a single payload may inflate to.
var maxDecompressedSize int64 = 64 << 20

func compress(compressionType string, data []byte) ([]byte, error) {

	buffer := &bytes.Buffer{}

	var writer io.WriteCloser
	switch compressionType {
	case ZstdCompressionType:
		zstdWriter, err := zstd.NewWriter(buffer)
		if err != nil {
			return nil, fmt.Errorf("%w: compress: %w", ErrMalformed, err)
		}
		writer = zstdWriter
	case GzipCompressionType, "":
		writer = gzip.NewWriter(buffer)
	default:
		return nil, fmt.Errorf("%w: unknown compression type %q", ErrMalformed, compressionType)
	}

	if _, err := writer.Write(data); err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("%w: compress: %w", ErrMalformed, err)
	}

	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("%w: compress: %w", ErrMalformed, err)
	}

	return buffer.Bytes(), nil
}

func decompress(compressionType string, data []byte) ([]byte, error) {

	var reader io.Reader
	switch compressionType {
	case ZstdCompressionType:
		zstdReader, err := zstd.NewReader(bytes.NewReader(data), zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("%w: decompress: %w", ErrMalformed, err)
		}
		defer zstdReader.Close()
		reader = zstdReader
	case GzipCompressionType, "":
		gzipReader, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("%w: decompress: %w", ErrMalformed, err)
		}
		defer gzipReader.Close()
		reader = gzipReader
	default:
		return nil, fmt.Errorf("%w: unknown compression type %q", ErrMalformed, compressionType)
	}

	out, err := io.ReadAll(io.LimitReader(reader, maxDecompressedSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: decompress: %w", ErrMalformed, err)
	}

	if int64(len(out)) > maxDecompressedSize {
		return nil, fmt.Errorf("%w: decompressed payload exceeds %d bytes", ErrMalformed, maxDecompressedSize)
	}

	return out, nil
}
