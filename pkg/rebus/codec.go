package rebus

import (
	"bytes"
	"io"
	"strings"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec names, carried as a codec= parameter on rbs2-content-type, e.g.
// "application/json;charset=utf-8;codec=zstd". Pure transport-level
// plumbing — orthogonal to serialization (SPEC_FULL.md §4.A).
const (
	codecIdentity = "identity"
	codecSnappy   = "snappy"
	codecLZ4      = "lz4"
	codecZstd     = "zstd"
)

// Codec compresses/decompresses transport message bodies.
type Codec interface {
	Name() string
	Compress(body []byte) ([]byte, error)
	Decompress(body []byte) ([]byte, error)
}

type snappyCodec struct{}

func (snappyCodec) Name() string { return codecSnappy }
func (snappyCodec) Compress(b []byte) ([]byte, error) {
	return snappy.Encode(nil, b), nil
}
func (snappyCodec) Decompress(b []byte) ([]byte, error) {
	return snappy.Decode(nil, b)
}

type lz4Codec struct{}

func (lz4Codec) Name() string { return codecLZ4 }
func (lz4Codec) Compress(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(b); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
func (lz4Codec) Decompress(b []byte) ([]byte, error) {
	r := lz4.NewReader(bytes.NewReader(b))
	return io.ReadAll(r)
}

type zstdCodec struct{}

func (zstdCodec) Name() string { return codecZstd }
func (zstdCodec) Compress(b []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	defer enc.Close()
	return enc.EncodeAll(b, nil), nil
}
func (zstdCodec) Decompress(b []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return dec.DecodeAll(b, nil)
}

// SnappyCodec, LZ4Codec, and ZstdCodec are the three selectable body
// codecs wired per SPEC_FULL.md §4.A / §11.
var (
	SnappyCodec Codec = snappyCodec{}
	LZ4Codec    Codec = lz4Codec{}
	ZstdCodec   Codec = zstdCodec{}
)

func codecByName(name string) (Codec, bool) {
	switch name {
	case codecSnappy:
		return SnappyCodec, true
	case codecLZ4:
		return LZ4Codec, true
	case codecZstd:
		return ZstdCodec, true
	default:
		return nil, false
	}
}

// codecParam extracts the codec= parameter from an rbs2-content-type
// value, e.g. "application/json;charset=utf-8;codec=zstd" -> ("zstd",
// true).
func codecParam(contentType string) (string, bool) {
	for _, part := range strings.Split(contentType, ";") {
		part = strings.TrimSpace(part)
		if strings.HasPrefix(part, "codec=") {
			return strings.TrimPrefix(part, "codec="), true
		}
	}
	return "", false
}

// withCodecParam appends or replaces the codec= parameter on
// contentType.
func withCodecParam(contentType, codec string) string {
	parts := strings.Split(contentType, ";")
	out := parts[:0]
	for _, p := range parts {
		if !strings.HasPrefix(strings.TrimSpace(p), "codec=") {
			out = append(out, p)
		}
	}
	out = append(out, "codec="+codec)
	return strings.Join(out, ";")
}
