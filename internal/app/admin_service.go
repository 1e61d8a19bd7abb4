package app

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"scheduled_poster/internal/domain/progress"
	"scheduled_poster/internal/domain/schedule"
)

// Operator-facing errors
var ErrRunInProgress = errors.New("another run holds the lock")
var ErrInvalidCursor = errors.New("cursor must be zero or positive")

// Status is a read-only snapshot for operators.
type Status struct {
	Cursor       int
	QueueLength  int
	Remaining    int
	Exhausted    bool
	LastPostedAt *time.Time
	NextSlot     *time.Time
	Targets      schedule.Schedule
}

// AdminService backs the status and reset commands.
type AdminService struct {
	messages MessageSource
	schedule ScheduleSource
	repo     progress.Repository
	locker   progress.Locker
	opts     Options
	now      func() time.Time
	logger   *logrus.Entry
}

func NewAdminService(messages MessageSource, sched ScheduleSource, repo progress.Repository, locker progress.Locker, opts Options, logger *logrus.Entry) *AdminService {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	return &AdminService{
		messages: messages,
		schedule: sched,
		repo:     repo,
		locker:   locker,
		opts:     opts,
		now:      time.Now,
		logger:   logger,
	}
}

// WithClock replaces the time source. Used by tests.
func (s *AdminService) WithClock(now func() time.Time) *AdminService {
	s.now = now
	return s
}

// Status reports progress without taking the run lock or mutating anything.
func (s *AdminService) Status(ctx context.Context) (*Status, error) {
	messages, err := s.messages.LoadMessages(ctx)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "failed to load messages"), ErrInput)
	}
	targets, err := s.schedule.LoadSchedule(ctx)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "failed to load schedule"), ErrInput)
	}
	state, err := s.repo.Load(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load progress")
	}

	st := &Status{
		Cursor:       state.Cursor,
		QueueLength:  len(messages),
		LastPostedAt: state.LastPostedAt,
		Targets:      targets,
	}
	if st.Remaining = len(messages) - state.Cursor; st.Remaining < 0 {
		st.Remaining = 0
	}
	_, err = progress.NextIndex(state, len(messages), s.opts.OnExhaustion)
	st.Exhausted = errors.Is(err, progress.ErrExhausted)

	if !st.Exhausted {
		if next, ok := schedule.Next(s.now(), targets, s.opts.Location); ok {
			st.NextSlot = &next
		}
	}
	return st, nil
}

// Reset overwrites progress with the given cursor and clears the last post
// time. It is the sanctioned way out of a corrupt state.
func (s *AdminService) Reset(ctx context.Context, cursor int) (progress.State, error) {
	if cursor < 0 {
		return progress.State{}, errors.WithDetailf(ErrInvalidCursor, "got %d", cursor)
	}

	if s.locker != nil {
		unlock, acquired, err := s.locker.TryLock(ctx)
		if err != nil {
			return progress.State{}, errors.Wrap(err, "failed to acquire run lock")
		}
		if !acquired {
			return progress.State{}, ErrRunInProgress
		}
		defer func() {
			if err := unlock(); err != nil {
				s.logger.WithError(err).Warn("Failed to release run lock")
			}
		}()
	}

	next := progress.State{Cursor: cursor}
	if err := s.repo.Save(ctx, next); err != nil {
		return progress.State{}, errors.Wrap(err, "failed to save progress")
	}
	s.logger.WithField("cursor", cursor).Info("Progress reset")
	return next, nil
}
