package channel

import (
	"errors"
	"fmt"
)

type ErrorKind int

const (
	// Unauthorized means the handshake was rejected. It is fatal to the
	// session; callers must sign out rather than retry.
	Unauthorized ErrorKind = iota + 1
	// Unreachable covers dial failures, broken connections and commands
	// sent after a drop.
	Unreachable
	// Closed is returned for commands issued after Close.
	Closed
)

func (k ErrorKind) String() string {
	switch k {
	case Unauthorized:
		return "unauthorized"
	case Unreachable:
		return "unreachable"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is the error type of every channel operation:
//
//	var chErr *channel.Error
//	if errors.As(err, &chErr) && chErr.Kind == channel.Unauthorized { ... }
type Error struct {
	Kind ErrorKind
	// Status is the HTTP status of a rejected handshake, zero otherwise.
	Status int
	Err    error
}

func (e *Error) Error() string {
	msg := "channel: " + e.Kind.String()
	if e.Status != 0 {
		msg += fmt.Sprintf(" (%d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// IsKind reports whether err is a *Error of kind k.
func IsKind(err error, k ErrorKind) bool {
	var chErr *Error
	if errors.As(err, &chErr) {
		return chErr.Kind == k
	}
	return false
}

var (
	// ErrQueueFull is wrapped when the outbound queue cannot take a command.
	ErrQueueFull = errors.New("outbound queue full")
	// ErrDropped is wrapped for commands sent after the connection dropped.
	ErrDropped = errors.New("connection dropped")
)
