// internal/app/dispatcher.go
package app

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"scheduled_poster/internal/domain/post"
)

// previewLength is how much of a simulated post goes to the log.
const previewLength = 160

// Dispatcher turns one message into a classified post.Outcome.
type Dispatcher struct {
	publisher post.Publisher
	dryRun    bool
	logger    *logrus.Entry
}

func NewDispatcher(p post.Publisher, dryRun bool, logger *logrus.Entry) *Dispatcher {
	return &Dispatcher{publisher: p, dryRun: dryRun, logger: logger}
}

// Dispatch truncates text to the platform limit and either simulates or
// performs the post. It never returns an error; failures live in the Outcome.
func (d *Dispatcher) Dispatch(ctx context.Context, text string) post.Outcome {
	limit := d.publisher.MaxLength()
	sendText := post.Truncate(text, limit)
	if sendText != text {
		d.logger.WithFields(logrus.Fields{
			"platform": d.publisher.Name(),
			"length":   utf8.RuneCountInString(text),
			"limit":    limit,
		}).Info("Message truncated to platform limit")
	}

	if d.dryRun {
		d.logger.WithFields(logrus.Fields{
			"platform": d.publisher.Name(),
			"preview":  post.Truncate(sendText, previewLength),
		}).Info("[DRY_RUN] Post simulated")
		return post.Outcome{Kind: post.OutcomeSimulated}
	}

	id, err := d.publisher.Publish(ctx, sendText)
	if err != nil {
		return classifyFailure(err)
	}
	return post.Outcome{Kind: post.OutcomeSent, PostID: id}
}

// fallback phrases for errors that reach us without a failure mark
var (
	duplicatePhrases = []string{"duplicate content", "status is a duplicate"}
	authPhrases      = []string{"unauthorized", "invalid token", "authentication", "bad authentication"}
	permPhrases      = []string{"forbidden", "not permitted", "no rights", "access level"}
	transientPhrases = []string{"timeout", "timed out", "connection reset", "connection refused", "too many requests", "rate limit", "temporarily unavailable"}
)

func classifyFailure(err error) post.Outcome {
	switch {
	case errors.Is(err, post.ErrDuplicateContent):
		return post.Outcome{Kind: post.OutcomeSkippedDuplicate, Err: err}
	case errors.Is(err, post.ErrAuth):
		return failed(post.FailureAuth, err)
	case errors.Is(err, post.ErrPermission):
		return failed(post.FailurePermission, err)
	case errors.Is(err, post.ErrTransient),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return failed(post.FailureTransient, err)
	}

	// No structured signal. Matching on message text is fragile and only
	// used as a last resort.
	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, duplicatePhrases):
		return post.Outcome{Kind: post.OutcomeSkippedDuplicate, Err: err}
	case containsAny(msg, authPhrases):
		return failed(post.FailureAuth, err)
	case containsAny(msg, permPhrases):
		return failed(post.FailurePermission, err)
	case containsAny(msg, transientPhrases):
		return failed(post.FailureTransient, err)
	default:
		return failed(post.FailureUnknown, err)
	}
}

func failed(kind post.FailureKind, err error) post.Outcome {
	return post.Outcome{Kind: post.OutcomeFailed, Failure: kind, Err: err}
}

func containsAny(s string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}
