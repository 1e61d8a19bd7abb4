// internal/app/poster_service.go
package app

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"scheduled_poster/internal/domain/post"
	"scheduled_poster/internal/domain/progress"
	"scheduled_poster/internal/domain/schedule"
)

// ErrInput marks unreadable or malformed message and schedule sources.
var ErrInput = errors.New("input error")

// MessageSource yields the ordered message queue. It is read fresh every run.
type MessageSource interface {
	LoadMessages(ctx context.Context) ([]string, error)
}

// ScheduleSource yields the daily posting targets.
type ScheduleSource interface {
	LoadSchedule(ctx context.Context) (schedule.Schedule, error)
}

// PostDispatcher performs (or simulates) one post.
type PostDispatcher interface {
	Dispatch(ctx context.Context, text string) post.Outcome
}

// RunOutcome is the terminal state of one run.
type RunOutcome string

const (
	RunExhausted        RunOutcome = "exhausted"
	RunNotInWindow      RunOutcome = "not_in_window"
	RunAlreadyHandled   RunOutcome = "already_handled"
	RunBusy             RunOutcome = "busy"
	RunPosted           RunOutcome = "posted"
	RunSimulated        RunOutcome = "simulated"
	RunSkippedDuplicate RunOutcome = "skipped_duplicate"
	RunFailed           RunOutcome = "failed"
)

// RunReport describes what a run decided. Index is -1 when no message was selected.
type RunReport struct {
	RunID        string
	Now          time.Time
	Outcome      RunOutcome
	Index        int
	PostID       string
	Failure      post.FailureKind
	CursorBefore int
	CursorAfter  int
	Matched      *schedule.Match
}

// Options is the engine configuration, fixed for the lifetime of the service.
type Options struct {
	DryRun       bool
	Force        bool
	Tolerance    time.Duration
	Location     *time.Location
	OnExhaustion progress.ExhaustionPolicy
	Timeout      time.Duration // per run; zero means none
}

// PosterService decides whether to post now and advances progress at most
// once per run.
type PosterService struct {
	messages   MessageSource
	schedule   ScheduleSource
	repo       progress.Repository
	locker     progress.Locker
	dispatcher PostDispatcher
	opts       Options
	now        func() time.Time
	logger     *logrus.Entry
}

func NewPosterService(
	messages MessageSource,
	sched ScheduleSource,
	repo progress.Repository,
	locker progress.Locker,
	dispatcher PostDispatcher,
	opts Options,
	logger *logrus.Entry,
) *PosterService {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.OnExhaustion == "" {
		opts.OnExhaustion = progress.ExhaustionStop
	}
	return &PosterService{
		messages:   messages,
		schedule:   sched,
		repo:       repo,
		locker:     locker,
		dispatcher: dispatcher,
		opts:       opts,
		now:        time.Now,
		logger:     logger,
	}
}

// WithClock replaces the time source. Used by tests.
func (s *PosterService) WithClock(now func() time.Time) *PosterService {
	s.now = now
	return s
}

// Run executes one load-decide-dispatch-persist cycle. The returned report is
// never nil. A Failed outcome is also returned as an error.
func (s *PosterService) Run(ctx context.Context) (*RunReport, error) {
	if s.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.Timeout)
		defer cancel()
	}

	report := &RunReport{
		RunID: uuid.NewString(),
		Now:   s.now().In(s.opts.Location),
		Index: -1,
	}
	log := s.logger.WithField("run_id", report.RunID)

	// 1. Serialize against overlapping runs
	if s.locker != nil {
		unlock, acquired, err := s.locker.TryLock(ctx)
		if err != nil {
			return report, errors.Wrap(err, "failed to acquire run lock")
		}
		if !acquired {
			report.Outcome = RunBusy
			s.logTerminal(log, report, "Another run is active; nothing to do")
			return report, nil
		}
		defer func() {
			if err := unlock(); err != nil {
				log.WithError(err).Warn("Failed to release run lock")
			}
		}()
	}

	// 2. Load inputs
	messages, err := s.messages.LoadMessages(ctx)
	if err != nil {
		return report, errors.Mark(errors.Wrap(err, "failed to load messages"), ErrInput)
	}
	targets, err := s.schedule.LoadSchedule(ctx)
	if err != nil {
		return report, errors.Mark(errors.Wrap(err, "failed to load schedule"), ErrInput)
	}

	state, err := s.repo.Load(ctx)
	if err != nil {
		return report, errors.Wrap(err, "failed to load progress")
	}
	report.CursorBefore = state.Cursor
	report.CursorAfter = state.Cursor

	// 3. Exhaustion, an empty queue included
	index, err := progress.NextIndex(state, len(messages), s.opts.OnExhaustion)
	if errors.Is(err, progress.ErrExhausted) {
		report.Outcome = RunExhausted
		s.logTerminal(log.WithField("queue_length", len(messages)), report, "No unsent messages left")
		return report, nil
	}
	if err != nil {
		return report, err
	}

	// 4. Window and slot dedup, both bypassed by force
	if !s.opts.Force {
		matches := schedule.FindAll(report.Now, targets, s.opts.Tolerance, s.opts.Location)
		if len(matches) == 0 {
			report.Outcome = RunNotInWindow
			s.logTerminal(log.WithField("targets", len(targets)), report, "Not within a posting window")
			return report, nil
		}
		report.Matched = &matches[0]

		// A window wider than the trigger period sees several ticks; each
		// slot occurrence is posted once.
		pending := false
		for i := range matches {
			if !progress.HandledSlot(state, matches[i].At, s.opts.Tolerance) {
				report.Matched = &matches[i]
				pending = true
				break
			}
		}

		if !pending || progress.AlreadyHandledThisMinute(state, report.Now, s.opts.Location) {
			report.Outcome = RunAlreadyHandled
			s.logTerminal(log.WithField("last_posted_at", state.LastPostedAt.Format(time.RFC3339)), report,
				"This slot was already handled")
			return report, nil
		}
	} else {
		log.Info("FORCE_POST_NOW set; skipping window and minute checks")
	}

	// 5. Dispatch
	report.Index = index
	outcome := s.dispatcher.Dispatch(ctx, messages[index])
	report.PostID = outcome.PostID
	report.Failure = outcome.Failure

	switch outcome.Kind {
	case post.OutcomeSent:
		report.Outcome = RunPosted
	case post.OutcomeSimulated:
		report.Outcome = RunSimulated
	case post.OutcomeSkippedDuplicate:
		report.Outcome = RunSkippedDuplicate
	default:
		report.Outcome = RunFailed
	}

	if !outcome.Consumed() {
		if outcome.Err == nil {
			outcome.Err = errors.New("dispatcher reported failure without an error")
		}
		entry := log.WithError(outcome.Err).WithField("failure", outcome.Failure)
		if outcome.Failure.Fatal() {
			if hints := errors.GetAllHints(outcome.Err); len(hints) > 0 {
				entry = entry.WithField("hint", hints[0])
			}
		}
		s.logTerminal(entry, report, "Post failed; progress left unchanged for retry")
		return report, errors.Wrapf(outcome.Err, "post failed (%s)", outcome.Failure)
	}

	// 6. Advance and persist
	next := progress.Advance(state, index, report.Now)
	if err := s.repo.Save(ctx, next); err != nil {
		log.WithError(err).WithField("post_id", report.PostID).
			Error("Message was handled but progress could not be saved")
		return report, errors.Wrap(err, "failed to save progress")
	}
	report.CursorAfter = next.Cursor

	entry := log
	if outcome.Kind == post.OutcomeSkippedDuplicate && outcome.Err != nil {
		entry = entry.WithField("reason", outcome.Err.Error())
	}
	s.logTerminal(entry, report, summaries[report.Outcome])
	return report, nil
}

var summaries = map[RunOutcome]string{
	RunPosted:           "Message posted",
	RunSimulated:        "Message simulated (dry run)",
	RunSkippedDuplicate: "Platform rejected duplicate content; message marked as consumed",
}

func (s *PosterService) logTerminal(entry *logrus.Entry, r *RunReport, msg string) {
	fields := logrus.Fields{
		"outcome":       string(r.Outcome),
		"now":           r.Now.Format(time.RFC3339),
		"index":         r.Index,
		"cursor_before": r.CursorBefore,
		"cursor_after":  r.CursorAfter,
	}
	if r.PostID != "" {
		fields["post_id"] = r.PostID
	}
	if r.Matched != nil {
		fields["target"] = r.Matched.Target.String()
	}
	entry = entry.WithFields(fields)

	if r.Outcome == RunFailed {
		entry.Error(msg)
		return
	}
	entry.Info(msg)
}
