// Package payload implements the serialize-once step shared by the aggregate
// event row and the outbox row, and the compression
// decision left open by the contract below: compress only if DEFLATE shrinks the
// payload by at least 10%, never on size alone.
package payload

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/flate"
)

// MinSizeForCompression is the floor below which compression is never attempted.
const MinSizeForCompression = 2 * 1024 // 2 KiB

// MinShrinkRatio is the minimum fractional size reduction DEFLATE must
// achieve for the compressed form to be kept.
const MinShrinkRatio = 0.10

// Encoded is the result of the serialize-once step: the bytes that get
// written, byte-for-byte identical, to both the aggregate-table row and the
// outbox row.
type Encoded struct {
	Bytes              []byte
	IsCompressed       bool
	UncompressedLength int
}

// Encode compresses raw (already-JSON-encoded) bytes if doing so shrinks the
// payload by at least MinShrinkRatio; otherwise it is stored as-is.
func Encode(raw []byte) (Encoded, error) {
	uncompressedLen := len(raw)

	if uncompressedLen < MinSizeForCompression {
		return Encoded{Bytes: raw, IsCompressed: false, UncompressedLength: uncompressedLen}, nil
	}

	compressed, err := deflate(raw)
	if err != nil {
		return Encoded{}, err
	}

	if float64(len(compressed)) > float64(uncompressedLen)*(1-MinShrinkRatio) {
		// Didn't shrink enough to be worth the decompression cost on read.
		return Encoded{Bytes: raw, IsCompressed: false, UncompressedLength: uncompressedLen}, nil
	}

	return Encoded{Bytes: compressed, IsCompressed: true, UncompressedLength: uncompressedLen}, nil
}

// Decode reverses Encode: given the stored bytes and the isCompressed flag,
// returns the original JSON bytes.
func Decode(stored []byte, isCompressed bool) ([]byte, error) {
	if !isCompressed {
		return stored, nil
	}
	return inflate(stored)
}

func deflate(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.BestSpeed)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(raw); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func inflate(compressed []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(compressed))
	defer r.Close()
	return io.ReadAll(r)
}
