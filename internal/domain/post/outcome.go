// internal/domain/post/outcome.go
package post

// OutcomeKind is the result of one post attempt.
type OutcomeKind string

const (
	OutcomeSent             OutcomeKind = "sent"
	OutcomeSimulated        OutcomeKind = "simulated"
	OutcomeSkippedDuplicate OutcomeKind = "skipped_duplicate"
	OutcomeFailed           OutcomeKind = "failed"
)

// FailureKind classifies a failed attempt.
type FailureKind string

const (
	FailureAuth       FailureKind = "auth"       // missing or invalid credentials
	FailurePermission FailureKind = "permission" // credentials lack write access
	FailureTransient  FailureKind = "transient"  // network, rate limit, server side
	FailureUnknown    FailureKind = "unknown"    // no classification signal at all
)

// Fatal reports whether retrying on the next run cannot help without operator action.
func (f FailureKind) Fatal() bool {
	return f == FailureAuth || f == FailurePermission
}

// Outcome is produced per attempt and never persisted.
type Outcome struct {
	Kind    OutcomeKind
	PostID  string      // platform id, set for OutcomeSent
	Failure FailureKind // set for OutcomeFailed
	Err     error       // set for OutcomeFailed and OutcomeSkippedDuplicate
}

// Consumed reports whether the message counts as handled and the cursor may advance.
func (o Outcome) Consumed() bool {
	switch o.Kind {
	case OutcomeSent, OutcomeSimulated, OutcomeSkippedDuplicate:
		return true
	default:
		return false
	}
}
