package lockproto

import (
	"bytes"
	"fmt"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4"
)

// Codec selects the frame-body compression in use on a connection. Lock
// messages are small, so compression is opt-in and only engaged above
// compressThreshold; see WriteRequest/WriteResponse call sites.
type Codec uint8

const (
	CodecNone Codec = iota
	CodecSnappy
	CodecLZ4
	CodecZstd
)

func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecSnappy:
		return "snappy"
	case CodecLZ4:
		return "lz4"
	case CodecZstd:
		return "zstd"
	default:
		return fmt.Sprintf("lockproto.Codec(%d)", uint8(c))
	}
}

// ParseCodec parses the --compression flag value accepted by cmd/lockd.
func ParseCodec(s string) (Codec, error) {
	switch s {
	case "", "none":
		return CodecNone, nil
	case "snappy":
		return CodecSnappy, nil
	case "lz4":
		return CodecLZ4, nil
	case "zstd":
		return CodecZstd, nil
	default:
		return 0, fmt.Errorf("lockproto: unknown compression codec %q", s)
	}
}

// compressThreshold is the minimum body size worth spending a compression
// pass on. Below it we always write CodecNone regardless of what the caller
// requested, since a compressed header would cost more than it saves on a
// 40-byte lock request.
const compressThreshold = 256

var zstdEncoder, _ = zstd.NewWriter(nil)
var zstdDecoder, _ = zstd.NewReader(nil)

// compress applies codec to body if it is large enough to be worth it,
// returning the bytes to put on the wire and the codec tag actually used.
func compress(codec Codec, body []byte) ([]byte, Codec) {
	if codec == CodecNone || len(body) < compressThreshold {
		return body, CodecNone
	}

	switch codec {
	case CodecSnappy:
		return snappy.Encode(nil, body), CodecSnappy
	case CodecLZ4:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(body); err != nil {
			return body, CodecNone
		}
		if err := w.Close(); err != nil {
			return body, CodecNone
		}
		return buf.Bytes(), CodecLZ4
	case CodecZstd:
		return zstdEncoder.EncodeAll(body, nil), CodecZstd
	default:
		return body, CodecNone
	}
}

func decompress(codec Codec, body []byte) ([]byte, error) {
	switch codec {
	case CodecNone:
		return body, nil
	case CodecSnappy:
		return snappy.Decode(nil, body)
	case CodecLZ4:
		r := lz4.NewReader(bytes.NewReader(body))
		var buf bytes.Buffer
		if _, err := buf.ReadFrom(r); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case CodecZstd:
		return zstdDecoder.DecodeAll(body, nil)
	default:
		return nil, fmt.Errorf("lockproto: unknown codec tag %d", uint8(codec))
	}
}
