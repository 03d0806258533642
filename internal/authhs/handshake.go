// Package authhs implements the optional pre-shared-key connection
// handshake described in SPEC_FULL.md §6.2. It is ambient/domain-stack
// wiring, never required to exercise the four lock resolvers: a server
// started without --auth-token skips it entirely.
package authhs

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"io"
	"net"

	"golang.org/x/crypto/pbkdf2"
)

const (
	nonceSize  = 16
	keySize    = 32
	iterations = 4096
)

var (
	// ErrHandshakeFailed is returned by ServerHandshake when the client's
	// derived key does not match. ClientHandshake does no verification of
	// its own and never returns it.
	ErrHandshakeFailed = errors.New("authhs: handshake verification failed")
)

func derive(token string, nonce []byte) []byte {
	return pbkdf2.Key([]byte(token), nonce, iterations, keySize, sha256.New)
}

// ServerHandshake sends a random nonce over conn and verifies the client's
// derived-key response. It must be called once, immediately after accept,
// before any lockproto frame is read from conn.
func ServerHandshake(conn net.Conn, token string) error {
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return err
	}
	if _, err := conn.Write(nonce); err != nil {
		return err
	}

	want := derive(token, nonce)

	var lenBuf [4]byte
	if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n != keySize {
		return ErrHandshakeFailed
	}
	got := make([]byte, keySize)
	if _, err := io.ReadFull(conn, got); err != nil {
		return err
	}

	if subtle.ConstantTimeCompare(want, got) != 1 {
		return ErrHandshakeFailed
	}
	return nil
}

// ClientHandshake reads the server's nonce and answers with the derived
// key. It must be called once per new connection, before any lockproto
// frame is written, whenever the client is configured with a non-empty
// AuthToken.
func ClientHandshake(conn net.Conn, token string) error {
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(conn, nonce); err != nil {
		return err
	}

	key := derive(token, nonce)

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], keySize)
	if _, err := conn.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := conn.Write(key)
	return err
}
