package callsession

import (
	"fmt"
	"time"
)

// State is the lifecycle position of the single call a creator can hold.
type State int

const (
	Idle State = iota
	Ringing
	Connecting
	Active
	Ended
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Ringing:
		return "ringing"
	case Connecting:
		return "connecting"
	case Active:
		return "active"
	case Ended:
		return "ended"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// inCall reports whether a call handle is held in this state.
func (s State) inCall() bool {
	return s == Ringing || s == Connecting || s == Active
}

var transitions = map[State][]State{
	Idle:       {Ringing},
	Ringing:    {Connecting, Ended, Failed},
	Connecting: {Active, Failed},
	Active:     {Ended, Failed},
	Ended:      {Idle},
	Failed:     {Idle},
}

// CanTransition reports whether from -> to is part of the call lifecycle.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// callTimer measures the Active period. The zero value is stopped.
type callTimer struct {
	startedAt time.Time
}

func (t *callTimer) running() bool {
	return !t.startedAt.IsZero()
}

// start records now unless already running.
func (t *callTimer) start(now time.Time) bool {
	if t.running() {
		return false
	}
	t.startedAt = now
	return true
}

// stop resets the timer and returns the measured duration.
func (t *callTimer) stop(now time.Time) (time.Duration, bool) {
	if !t.running() {
		return 0, false
	}
	d := t.elapsed(now)
	t.startedAt = time.Time{}
	return d, true
}

func (t *callTimer) elapsed(now time.Time) time.Duration {
	if !t.running() {
		return 0
	}
	if d := now.Sub(t.startedAt); d > 0 {
		return d
	}
	return 0
}

// FormatElapsed renders d as HH:MM:SS.
func FormatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int64(d / time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", secs/3600, (secs%3600)/60, secs%60)
}
