// Package lockproto defines the wire messages exchanged between a lock
// client and a lock server, plus their framing and codec. Only the message
// schema and framing are specified here; TCP accept/bind mechanics live in
// pkg/lockserver and dialing in pkg/lockclient.
package lockproto

import "fmt"

// LockType identifies one of the four lock flavors the server arbitrates.
// Values are bit flags so a server could (in principle) accept a set of
// types in one config pass; requests always carry exactly one.
type LockType uint8

const (
	Simple    LockType = 1
	Timeout   LockType = 2
	Reentrant LockType = 4
	ReadWrite LockType = 8
)

func (t LockType) String() string {
	switch t {
	case Simple:
		return "simple"
	case Timeout:
		return "timeout"
	case Reentrant:
		return "reentrant"
	case ReadWrite:
		return "read-write"
	default:
		return fmt.Sprintf("lockproto.LockType(%d)", uint8(t))
	}
}

// Valid reports whether t is one of the four defined lock flavors.
func (t LockType) Valid() bool {
	switch t {
	case Simple, Timeout, Reentrant, ReadWrite:
		return true
	default:
		return false
	}
}

// Request is the normative request message from spec.md §6. Field order
// and names here match the wire schema; Identity is the sole correlation
// token between a request and its Response.
type Request struct {
	Key         string
	Application string
	Thread      string
	Type        LockType
	IsLock      bool
	TryLock     bool
	Time        int64 // expiration in milliseconds; meaningful for Type=Timeout && IsLock
	ReadLock    bool  // meaningful for Type=ReadWrite
	Identity    int64
}

// Response is the normative response message from spec.md §6. Identity is
// copied verbatim from the originating Request.
type Response struct {
	Key            string
	Identity       int64
	Success        bool
	Cause          string
	IsLockResponse bool
}

// Owner identifies the (application, thread) pair a request was issued on
// behalf of. The Reentrant and Timeout resolvers compare it to decide
// ownership of a held key; it is never a routing key.
type Owner struct {
	Application string
	Thread      string
}

func (r *Request) Owner() Owner {
	return Owner{Application: r.Application, Thread: r.Thread}
}

// Error causes carried in Response.Cause (spec.md §7). These are fixed
// strings, not Go errors: they cross the wire as the Cause field of a
// Response, so they're plain constants rather than the sentinel error
// values used for local/transport faults (see pkg/lockclient, pkg/lockserver).
const (
	CauseAlreadyLocked       = "Lock has been locked already."
	CauseReadBlockedByWrite  = "Locked by a write lock, read locking fails."
	CauseWriteBlockedByRead  = "Locked by a read lock, write locking fails."
	CauseWriteBlockedByWrite = "Locked by a write lock, write locking fails."
	CauseExpired             = "Lock has expired already."
	CauseConnectionFailed    = "Connection to server fails, request cancelled"
)
