// internal/domain/progress/state.go
package progress

import (
	"time"

	"github.com/cockroachdb/errors"
)

// ErrCorruptState marks persisted progress that exists but cannot be trusted.
// A run that sees it must abort instead of starting over from zero.
var ErrCorruptState = errors.New("corrupt progress state")

// ErrExhausted is returned by NextIndex when every message has been sent and
// the policy does not recycle the queue.
var ErrExhausted = errors.New("message queue exhausted")

// State is the cross-run progress of the posting agent.
type State struct {
	Cursor       int        // index of the next unsent message
	LastPostedAt *time.Time // nil until the first decided post
}

// ExhaustionPolicy decides what happens once Cursor reaches the queue length.
type ExhaustionPolicy string

const (
	ExhaustionStop    ExhaustionPolicy = "stop"
	ExhaustionRecycle ExhaustionPolicy = "recycle"
)

// ParseExhaustionPolicy accepts "stop" or "recycle".
func ParseExhaustionPolicy(raw string) (ExhaustionPolicy, error) {
	switch p := ExhaustionPolicy(raw); p {
	case ExhaustionStop, ExhaustionRecycle:
		return p, nil
	default:
		return "", errors.Newf("unknown exhaustion policy %q (want stop or recycle)", raw)
	}
}

// Validate rejects states that no sequence of Advance calls can produce.
func (s State) Validate() error {
	if s.Cursor < 0 {
		return errors.Mark(errors.Newf("negative cursor %d", s.Cursor), ErrCorruptState)
	}
	return nil
}

// NextIndex selects the queue index to post for the current cursor.
func NextIndex(s State, queueLength int, policy ExhaustionPolicy) (int, error) {
	if queueLength <= 0 {
		return 0, ErrExhausted
	}
	if s.Cursor < queueLength {
		return s.Cursor, nil
	}
	if policy == ExhaustionRecycle {
		return s.Cursor % queueLength, nil
	}
	return 0, ErrExhausted
}

// AlreadyHandledThisMinute reports whether the last decided post happened in
// the same calendar minute as now, both seen in loc.
func AlreadyHandledThisMinute(s State, now time.Time, loc *time.Location) bool {
	if s.LastPostedAt == nil {
		return false
	}
	if loc == nil {
		loc = time.UTC
	}
	return sameMinute(s.LastPostedAt.In(loc), now.In(loc))
}

// HandledSlot reports whether the last decided post lies within tolerance of
// the slot occurrence at, so one slot is posted once even when several
// trigger ticks fall inside its window.
func HandledSlot(s State, at time.Time, tolerance time.Duration) bool {
	if s.LastPostedAt == nil {
		return false
	}
	d := s.LastPostedAt.Sub(at)
	if d < 0 {
		d = -d
	}
	return d <= tolerance
}

// sameMinute compares wall-clock minutes. The zone offset takes part so the
// repeated hour after a DST fall-back is not mistaken for the first one.
func sameMinute(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	if ay != by || am != bm || ad != bd {
		return false
	}
	if a.Hour() != b.Hour() || a.Minute() != b.Minute() {
		return false
	}
	_, aOff := a.Zone()
	_, bOff := b.Zone()
	return aOff == bOff
}

// Advance returns the state after index was consumed at now.
func Advance(s State, index int, now time.Time) State {
	at := now
	s.Cursor = index + 1
	s.LastPostedAt = &at
	return s
}
