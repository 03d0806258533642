package lockproto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Frame limits. maxFrameBytes mirrors the teacher's cfg.maxBrokerReadBytes
// guard in brokerCxn.readConn: an attacker or a buggy peer should not be
// able to make us allocate an unbounded buffer off a 4-byte length prefix.
const (
	maxFrameBytes = 1 << 20 // 1 MiB
	lengthPrefix  = 4
	codecTagBytes = 1
)

var (
	ErrFrameTooLarge  = errors.New("lockproto: frame exceeds maximum size")
	ErrShortRead      = errors.New("lockproto: short read decoding frame")
	ErrUnknownMsgKind = errors.New("lockproto: unknown message kind byte")
)

// msgKind distinguishes a Request frame from a Response frame on the wire,
// since both travel over the same connection multiplexed by identity.
type msgKind uint8

const (
	kindRequest  msgKind = 1
	kindResponse msgKind = 2
)

// WriteRequest encodes req as a length-prefixed frame and writes it to w,
// optionally compressing the body per codec (see compress.go).
func WriteRequest(w io.Writer, req *Request, codec Codec) error {
	body := encodeRequestBody(req)
	return writeFrame(w, kindRequest, body, codec)
}

// WriteResponse encodes resp as a length-prefixed frame and writes it to w.
func WriteResponse(w io.Writer, resp *Response, codec Codec) error {
	body := encodeResponseBody(resp)
	return writeFrame(w, kindResponse, body, codec)
}

// ReadMessage reads one frame from r and returns either a *Request or a
// *Response (exactly one of the two return values is non-nil).
func ReadMessage(r io.Reader) (*Request, *Response, error) {
	lenBuf := make([]byte, lengthPrefix)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		return nil, nil, err
	}
	size := binary.BigEndian.Uint32(lenBuf)
	if size > maxFrameBytes {
		return nil, nil, ErrFrameTooLarge
	}
	if size < codecTagBytes+1 {
		return nil, nil, ErrShortRead
	}

	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, nil, err
	}

	codec := Codec(buf[0])
	kind := msgKind(buf[1])
	body, err := decompress(codec, buf[2:])
	if err != nil {
		return nil, nil, err
	}

	switch kind {
	case kindRequest:
		req, err := decodeRequestBody(body)
		return req, nil, err
	case kindResponse:
		resp, err := decodeResponseBody(body)
		return nil, resp, err
	default:
		return nil, nil, ErrUnknownMsgKind
	}
}

func writeFrame(w io.Writer, kind msgKind, body []byte, codec Codec) error {
	compressed, usedCodec := compress(codec, body)

	frame := make([]byte, 0, lengthPrefix+codecTagBytes+1+len(compressed))
	frame = append(frame, 0, 0, 0, 0) // length placeholder
	frame = append(frame, byte(usedCodec), byte(kind))
	frame = append(frame, compressed...)

	payloadLen := len(frame) - lengthPrefix
	if payloadLen > maxFrameBytes {
		return ErrFrameTooLarge
	}
	binary.BigEndian.PutUint32(frame[:lengthPrefix], uint32(payloadLen))

	_, err := w.Write(frame)
	return err
}

// --- field-level encode/decode ---
//
// Encoding is a compact fixed-order binary layout, not JSON/protobuf: a
// string is a uint16 length prefix followed by its UTF-8 bytes, a bool is
// one byte, int64/uint8 are big-endian fixed width. Field order matches the
// normative schema in spec.md §6.

func putString(buf []byte, s string) []byte {
	if len(s) > 1<<16-1 {
		s = s[:1<<16-1]
	}
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(s)))
	buf = append(buf, lenBuf[:]...)
	return append(buf, s...)
}

func putBool(buf []byte, b bool) []byte {
	if b {
		return append(buf, 1)
	}
	return append(buf, 0)
}

func putInt64(buf []byte, v int64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	return append(buf, b[:]...)
}

type fieldReader struct {
	src []byte
	pos int
}

func (r *fieldReader) string() (string, error) {
	if r.pos+2 > len(r.src) {
		return "", ErrShortRead
	}
	n := int(binary.BigEndian.Uint16(r.src[r.pos : r.pos+2]))
	r.pos += 2
	if r.pos+n > len(r.src) {
		return "", ErrShortRead
	}
	s := string(r.src[r.pos : r.pos+n])
	r.pos += n
	return s, nil
}

func (r *fieldReader) bool() (bool, error) {
	if r.pos+1 > len(r.src) {
		return false, ErrShortRead
	}
	v := r.src[r.pos] != 0
	r.pos++
	return v, nil
}

func (r *fieldReader) byte() (byte, error) {
	if r.pos+1 > len(r.src) {
		return 0, ErrShortRead
	}
	v := r.src[r.pos]
	r.pos++
	return v, nil
}

func (r *fieldReader) int64() (int64, error) {
	if r.pos+8 > len(r.src) {
		return 0, ErrShortRead
	}
	v := int64(binary.BigEndian.Uint64(r.src[r.pos : r.pos+8]))
	r.pos += 8
	return v, nil
}

func encodeRequestBody(req *Request) []byte {
	buf := make([]byte, 0, 64+len(req.Key)+len(req.Application)+len(req.Thread))
	buf = putString(buf, req.Key)
	buf = putString(buf, req.Application)
	buf = putString(buf, req.Thread)
	buf = append(buf, byte(req.Type))
	buf = putBool(buf, req.IsLock)
	buf = putBool(buf, req.TryLock)
	buf = putInt64(buf, req.Time)
	buf = putBool(buf, req.ReadLock)
	buf = putInt64(buf, req.Identity)
	return buf
}

func decodeRequestBody(body []byte) (*Request, error) {
	r := fieldReader{src: body}
	req := new(Request)
	var err error
	if req.Key, err = r.string(); err != nil {
		return nil, err
	}
	if req.Application, err = r.string(); err != nil {
		return nil, err
	}
	if req.Thread, err = r.string(); err != nil {
		return nil, err
	}
	typByte, err := r.byte()
	if err != nil {
		return nil, err
	}
	req.Type = LockType(typByte)
	if req.IsLock, err = r.bool(); err != nil {
		return nil, err
	}
	if req.TryLock, err = r.bool(); err != nil {
		return nil, err
	}
	if req.Time, err = r.int64(); err != nil {
		return nil, err
	}
	if req.ReadLock, err = r.bool(); err != nil {
		return nil, err
	}
	if req.Identity, err = r.int64(); err != nil {
		return nil, err
	}
	if !req.Type.Valid() {
		return nil, fmt.Errorf("lockproto: %w: type byte %d", ErrUnknownMsgKind, typByte)
	}
	return req, nil
}

func encodeResponseBody(resp *Response) []byte {
	buf := make([]byte, 0, 32+len(resp.Key)+len(resp.Cause))
	buf = putString(buf, resp.Key)
	buf = putInt64(buf, resp.Identity)
	buf = putBool(buf, resp.Success)
	buf = putString(buf, resp.Cause)
	buf = putBool(buf, resp.IsLockResponse)
	return buf
}

func decodeResponseBody(body []byte) (*Response, error) {
	r := fieldReader{src: body}
	resp := new(Response)
	var err error
	if resp.Key, err = r.string(); err != nil {
		return nil, err
	}
	if resp.Identity, err = r.int64(); err != nil {
		return nil, err
	}
	if resp.Success, err = r.bool(); err != nil {
		return nil, err
	}
	if resp.Cause, err = r.string(); err != nil {
		return nil, err
	}
	if resp.IsLockResponse, err = r.bool(); err != nil {
		return nil, err
	}
	return resp, nil
}
