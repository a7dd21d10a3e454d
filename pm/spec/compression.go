package spec

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Compress is used to build archives in tests and tools.
func Compress(data []byte, compression Compression) ([]byte, error) {
	switch compression {
	case CompressionNone:
		return data, nil
	case CompressionGzip:
		var buffer bytes.Buffer
		writer, _ := gzip.NewWriterLevel(&buffer, gzip.BestCompression)
		if _, err := writer.Write(data); err != nil {
			return nil, fmt.Errorf("failed to compress: %w", err)
		}
		if err := writer.Close(); err != nil {
			return nil, fmt.Errorf("failed to compress: %w", err)
		}
		return buffer.Bytes(), nil
	case CompressionZstd:
		encoder, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to compress: %w", err)
		}
		defer encoder.Close()
		return encoder.EncodeAll(data, nil), nil
	}
	return nil, fmt.Errorf("%w (%v)", ErrUnsupportedCompression, compression)
}

func Decompress(data []byte, compression Compression) ([]byte, error) {
	switch compression {
	case CompressionNone:
		return data, nil
	case CompressionGzip:
		reader, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("failed to decompress: %w", err)
		}
		defer reader.Close()
		result, err := io.ReadAll(reader)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress: %w", err)
		}
		return result, nil
	case CompressionZstd:
		decoder, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress: %w", err)
		}
		defer decoder.Close()
		result, err := decoder.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress: %w", err)
		}
		return result, nil
	}
	return nil, fmt.Errorf("%w (%v)", ErrUnsupportedCompression, compression)
}
