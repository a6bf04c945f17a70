// Package compress implements spec §6's output compression: outputs are
// stored as (compression_type, bytes), the level is not persisted, with none,
// lzma, and zstd all accepted and zstd the server default. zstd is promoted
// from an indirect dependency of the donor to direct use; the lzma library
// is adopted from the wider ecosystem.
package compress

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz/lzma"
)

// Type names one of the three accepted compression schemes.
type Type string

const (
	None Type = "none"
	LZMA Type = "lzma"
	ZSTD Type = "zstd"
)

// Compress encodes data under the named scheme. level selects the zstd
// encoder level and is ignored for None and LZMA.
func Compress(t Type, level int, data []byte) ([]byte, error) {
	switch t {
	case "", None:
		return data, nil
	case ZSTD:
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstdLevel(level)))
		if err != nil {
			return nil, fmt.Errorf("compress: zstd writer: %w", err)
		}
		defer enc.Close()
		return enc.EncodeAll(data, nil), nil
	case LZMA:
		var buf bytes.Buffer
		cfg := lzma.WriterConfig{}
		w, err := cfg.NewWriter(&buf)
		if err != nil {
			return nil, fmt.Errorf("compress: lzma writer: %w", err)
		}
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("compress: lzma write: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("compress: lzma close: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("compress: unknown compression type %q", t)
	}
}

// Decompress reverses Compress.
func Decompress(t Type, data []byte) ([]byte, error) {
	switch t {
	case "", None:
		return data, nil
	case ZSTD:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("decompress: zstd reader: %w", err)
		}
		defer dec.Close()
		out, err := dec.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("decompress: zstd decode: %w", err)
		}
		return out, nil
	case LZMA:
		r, err := lzma.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("decompress: lzma reader: %w", err)
		}
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("decompress: lzma read: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("decompress: unknown compression type %q", t)
	}
}

func zstdLevel(level int) zstd.EncoderLevel {
	switch {
	case level <= 0:
		return zstd.SpeedDefault
	case level == 1:
		return zstd.SpeedFastest
	case level >= 3:
		return zstd.SpeedBestCompression
	default:
		return zstd.SpeedBetterCompression
	}
}
