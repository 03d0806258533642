package lockproto

import (
	"fmt"
	"io"
)

// Compression is negotiated once per connection, immediately after any
// auth handshake and before the first frame: the client sends the codec it
// wants as a single byte, the server answers with the codec both sides
// will use from then on. A server configured without compression answers
// CodecNone regardless of the request.

// NegotiateClient runs the client half of the codec negotiation on a
// freshly dialed connection and returns the agreed codec.
func NegotiateClient(rw io.ReadWriter, want Codec) (Codec, error) {
	if _, err := rw.Write([]byte{byte(want)}); err != nil {
		return 0, err
	}
	var b [1]byte
	if _, err := io.ReadFull(rw, b[:]); err != nil {
		return 0, err
	}
	chosen := Codec(b[0])
	if chosen > CodecZstd {
		return 0, fmt.Errorf("lockproto: server chose unknown codec %d", b[0])
	}
	return chosen, nil
}

// NegotiateServer runs the server half on a freshly accepted connection.
// configured caps what the server will agree to: CodecNone refuses
// compression entirely, anything else lets the client's request stand.
func NegotiateServer(rw io.ReadWriter, configured Codec) (Codec, error) {
	var b [1]byte
	if _, err := io.ReadFull(rw, b[:]); err != nil {
		return 0, err
	}
	chosen := Codec(b[0])
	if configured == CodecNone || chosen > CodecZstd {
		chosen = CodecNone
	}
	if _, err := rw.Write([]byte{byte(chosen)}); err != nil {
		return 0, err
	}
	return chosen, nil
}
