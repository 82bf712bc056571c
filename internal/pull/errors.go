package pull

import (
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
)

type PullKind int

const (
	NotFound PullKind = iota + 1
	ServerError
	NetworkError
	// Unauthorized means the credential was refused; callers sign out.
	Unauthorized
)

func (k PullKind) String() string {
	switch k {
	case NotFound:
		return "not found"
	case ServerError:
		return "server error"
	case NetworkError:
		return "network error"
	case Unauthorized:
		return "unauthorized"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// PullError is returned by every request/response call. A failed pull never
// modifies console state.
type PullError struct {
	Kind   PullKind
	Op     string
	Status int
	// Message is the server supplied reason, if any.
	Message string
	Err     error
}

func (e *PullError) Error() string {
	msg := fmt.Sprintf("pull: %s: %s", e.Op, e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (%d)", e.Status)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *PullError) Unwrap() error { return e.Err }

// Transient reports whether the failure is worth showing as a retryable
// banner rather than ending the session.
func (e *PullError) Transient() bool {
	return e.Kind == NetworkError || e.Kind == ServerError
}

func IsPullKind(err error, k PullKind) bool {
	var pullErr *PullError
	if errors.As(err, &pullErr) {
		return pullErr.Kind == k
	}
	return false
}

type UploadKind int

const (
	TooLarge UploadKind = iota + 1
	Rejected
	UploadNetworkError
)

func (k UploadKind) String() string {
	switch k {
	case TooLarge:
		return "too large"
	case Rejected:
		return "rejected"
	case UploadNetworkError:
		return "network error"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// UploadError aborts an attachment send; nothing is emitted on the channel.
type UploadError struct {
	Kind   UploadKind
	Name   string
	Size   int64
	Limit  int64
	Status int
	Err    error
}

func (e *UploadError) Error() string {
	if e.Kind == TooLarge && e.Limit > 0 {
		return fmt.Sprintf("upload: %s is %s, limit is %s", e.Name,
			humanize.IBytes(uint64(e.Size)), humanize.IBytes(uint64(e.Limit)))
	}
	msg := fmt.Sprintf("upload: %s: %s", e.Name, e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (%d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *UploadError) Unwrap() error { return e.Err }

func IsUploadKind(err error, k UploadKind) bool {
	var upErr *UploadError
	if errors.As(err, &upErr) {
		return upErr.Kind == k
	}
	return false
}
