package app

import (
	"context"
	"strings"
	"time"

	"scheduled_poster/internal/domain/progress"
	"scheduled_poster/internal/domain/schedule"
)

var istanbul = time.FixedZone("+03", 3*60*60)

type fakeSource struct {
	messages    []string
	targets     schedule.Schedule
	messagesErr error
	scheduleErr error
}

func (f *fakeSource) LoadMessages(ctx context.Context) ([]string, error) {
	return f.messages, f.messagesErr
}

func (f *fakeSource) LoadSchedule(ctx context.Context) (schedule.Schedule, error) {
	return f.targets, f.scheduleErr
}

type memoryRepo struct {
	state   progress.State
	loadErr error
	saveErr error
	saves   int
}

func (r *memoryRepo) Load(ctx context.Context) (progress.State, error) {
	if r.loadErr != nil {
		return progress.State{}, r.loadErr
	}
	return r.state, nil
}

func (r *memoryRepo) Save(ctx context.Context, s progress.State) error {
	if r.saveErr != nil {
		return r.saveErr
	}
	r.saves++
	r.state = s
	return nil
}

type fakeLocker struct {
	busy    bool
	err     error
	locks   int
	unlocks int
}

func (l *fakeLocker) TryLock(ctx context.Context) (func() error, bool, error) {
	if l.err != nil {
		return nil, false, l.err
	}
	if l.busy {
		return nil, false, nil
	}
	l.locks++
	return func() error {
		l.unlocks++
		return nil
	}, true, nil
}

type fakePublisher struct {
	max   int
	id    string
	err   error
	texts []string
}

func (p *fakePublisher) Name() string   { return "fake" }
func (p *fakePublisher) MaxLength() int { return p.max }

func (p *fakePublisher) Publish(ctx context.Context, text string) (string, error) {
	p.texts = append(p.texts, text)
	if p.err != nil {
		return "", p.err
	}
	return p.id, nil
}

func at(hour, minute, second int) time.Time {
	return time.Date(2025, 3, 10, hour, minute, second, 0, istanbul)
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func nine() schedule.Schedule {
	return schedule.Schedule{{Hour: 9, Minute: 0}}
}

func repeat(s string, n int) string {
	return strings.Repeat(s, n)
}
