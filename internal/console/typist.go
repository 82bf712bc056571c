package console

import (
	"time"

	"github.com/pelusa-v/pelusa-support/internal/clock"
	"github.com/pelusa-v/pelusa-support/internal/protocol"
)

// DefaultTypingIdle is how long after the last keystroke TypingStop is sent.
const DefaultTypingIdle = time.Second

// Typist debounces the operator's outgoing typing signal: one TypingStart
// on the first keystroke after idle, one TypingStop once no keystroke has
// arrived for the idle window.
//
// Timer callbacks are handed to post, which must run them on the same
// goroutine as every other Typist call.
type Typist struct {
	clock  clock.Clock
	idle   time.Duration
	post   func(func())
	emit   func(protocol.Command)
	active bool
	target string
	timer  *clock.Timer
	// seq invalidates callbacks of timers that were re-armed or stopped
	// after they had already been posted.
	seq uint64
}

func NewTypist(c clock.Clock, idle time.Duration, post func(func()), emit func(protocol.Command)) *Typist {
	if idle <= 0 {
		idle = DefaultTypingIdle
	}
	return &Typist{clock: c, idle: idle, post: post, emit: emit}
}

func (t *Typist) Active() bool { return t.active }

// Target is the counterpart the active signal was started for.
func (t *Typist) Target() string { return t.target }

// Keystroke records typing in the conversation with target.
func (t *Typist) Keystroke(target string) {
	if target == "" {
		return
	}
	if t.active && t.target != target {
		t.Stop()
	}
	if !t.active {
		t.active = true
		t.target = target
		t.emit(protocol.TypingStart{CounterpartID: target})
	}
	t.arm()
}

// Stop ends an active signal immediately.
func (t *Typist) Stop() {
	if !t.active {
		return
	}
	target := t.Cancel()
	t.emit(protocol.TypingStop{CounterpartID: target})
}

// Cancel forgets the signal without emitting anything and returns the
// counterpart it was for.
func (t *Typist) Cancel() string {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.seq++
	target := t.target
	t.active = false
	t.target = ""
	return target
}

func (t *Typist) arm() {
	if t.timer != nil {
		t.timer.Stop()
	}
	t.seq++
	seq := t.seq
	t.timer = t.clock.AfterFunc(t.idle, func() {
		t.post(func() { t.expire(seq) })
	})
}

func (t *Typist) expire(seq uint64) {
	if seq != t.seq || !t.active {
		return
	}
	t.timer = nil
	t.Stop()
}
