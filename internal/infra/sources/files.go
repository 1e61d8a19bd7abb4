package sources

import (
	"bufio"
	"context"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"scheduled_poster/internal/domain/schedule"
)

const maxLineBytes = 1 << 20

// FileSource reads the message queue and the schedule from newline-delimited
// text files. Both are re-read on every call.
type FileSource struct {
	messagesPath string
	schedulePath string
	logger       *logrus.Entry
}

func NewFileSource(messagesPath, schedulePath string, logger *logrus.Entry) *FileSource {
	return &FileSource{
		messagesPath: messagesPath,
		schedulePath: schedulePath,
		logger:       logger,
	}
}

// LoadMessages returns one message per non-blank line, surrounding
// whitespace removed.
func (s *FileSource) LoadMessages(ctx context.Context) ([]string, error) {
	lines, err := readLines(ctx, s.messagesPath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read messages")
	}
	return lines, nil
}

// LoadSchedule parses HH:MM records. Malformed lines are logged and skipped,
// lines starting with '#' are ignored and duplicates collapse.
func (s *FileSource) LoadSchedule(ctx context.Context) (schedule.Schedule, error) {
	lines, err := readLines(ctx, s.schedulePath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read schedule")
	}

	seen := make(map[schedule.TimeOfDay]bool, len(lines))
	out := make(schedule.Schedule, 0, len(lines))
	for _, line := range lines {
		if strings.HasPrefix(line, "#") {
			continue
		}
		t, err := schedule.ParseTimeOfDay(line)
		if err != nil {
			s.logger.WithFields(logrus.Fields{
				"path":  s.schedulePath,
				"entry": line,
			}).WithError(err).Warn("Skipping malformed schedule entry")
			continue
		}
		if seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out, nil
}

// readLines returns trimmed, non-blank lines.
func readLines(ctx context.Context, path string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	defer f.Close()

	var out []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	first := true
	for sc.Scan() {
		line := sc.Text()
		if first {
			line = strings.TrimPrefix(line, "\ufeff")
			first = false
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		out = append(out, line)
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrapf(err, "read %s", path)
	}
	return out, nil
}
