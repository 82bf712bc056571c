package console

import (
	"errors"

	"github.com/pelusa-v/pelusa-support/internal/channel"
)

var (
	// ErrSuperseded is returned by Select when another selection was made
	// before the history arrived. The result was discarded.
	ErrSuperseded = errors.New("console: selection changed before history arrived")
	// ErrNoSelection is returned by Send when no conversation is selected.
	ErrNoSelection = errors.New("console: no conversation selected")
	// ErrDetached wraps commands issued while no channel is attached.
	ErrDetached = errors.New("console: channel not attached")

	errSessionClosed = &channel.Error{Kind: channel.Closed, Err: errors.New("session closed")}
)
