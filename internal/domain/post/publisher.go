// internal/domain/post/publisher.go
package post

import (
	"context"
	"unicode/utf8"

	"github.com/cockroachdb/errors"
)

// Publisher is the seam to an external social network.
// This decouples the decision logic from any particular client library.
type Publisher interface {
	// Name identifies the platform in logs.
	Name() string
	// MaxLength is the platform limit in Unicode code points.
	MaxLength() int
	// Publish sends text and returns the platform id of the new post.
	// Failures should carry one of the marks below when the platform
	// provides a structured signal for it.
	Publish(ctx context.Context, text string) (string, error)
}

// Failure marks. Publishers attach them with errors.Mark.
var (
	ErrAuth             = errors.New("platform rejected credentials")
	ErrPermission       = errors.New("platform denied write access")
	ErrDuplicateContent = errors.New("platform rejected duplicate content")
	ErrTransient        = errors.New("transient platform failure")
)

// Truncate shortens text to at most max code points without splitting a
// multi-byte character. Text that already fits is returned unchanged.
func Truncate(text string, max int) string {
	if max <= 0 || utf8.RuneCountInString(text) <= max {
		return text
	}
	n := 0
	for i := range text {
		if n == max {
			return text[:i]
		}
		n++
	}
	return text
}
