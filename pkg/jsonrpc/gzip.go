package jsonrpc

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
)

// gzipMagic is the RFC 1952 member header a compressed body starts with.
var gzipMagic = []byte{0x1f, 0x8b}

// IsGzipped reports whether data starts with the gzip magic bytes.
func IsGzipped(data []byte) bool {
	return bytes.HasPrefix(data, gzipMagic)
}

// GzipEncode compresses data at BestSpeed.
func GzipEncode(data []byte) ([]byte, error) {
	buf := &bytes.Buffer{}
	w, err := gzip.NewWriterLevel(buf, gzip.BestSpeed)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// GzipDecode inflates data. maxDecode bounds the inflated size to keep
// a hostile peer from zip-bombing the decoder; negative means no limit.
func GzipDecode(data []byte, maxDecode int64) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("invalid gzip data: %w", err)
	}
	defer r.Close()
	if maxDecode < 0 {
		return io.ReadAll(r)
	}
	out, err := io.ReadAll(io.LimitReader(r, maxDecode+1))
	if err != nil {
		return nil, fmt.Errorf("invalid gzip data: %w", err)
	}
	if int64(len(out)) > maxDecode {
		return nil, fmt.Errorf("max gzipped payload length exceeded")
	}
	return out, nil
}
