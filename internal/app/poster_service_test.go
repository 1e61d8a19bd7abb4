package app

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scheduled_poster/internal/domain/post"
	"scheduled_poster/internal/domain/progress"
	"scheduled_poster/internal/domain/schedule"
	"scheduled_poster/internal/infra/logger"
)

type engineFixture struct {
	source *fakeSource
	repo   *memoryRepo
	locker *fakeLocker
	pub    *fakePublisher
	opts   Options
	dryRun bool
}

func newFixture() *engineFixture {
	return &engineFixture{
		source: &fakeSource{messages: []string{"A", "B"}, targets: nine()},
		repo:   &memoryRepo{},
		locker: &fakeLocker{},
		pub:    &fakePublisher{max: 280, id: "tweet-1"},
		opts: Options{
			Tolerance:    60 * time.Second,
			Location:     istanbul,
			OnExhaustion: progress.ExhaustionStop,
		},
	}
}

func (f *engineFixture) service(now time.Time) *PosterService {
	d := NewDispatcher(f.pub, f.dryRun, logger.Discard())
	return NewPosterService(f.source, f.source, f.repo, f.locker, d, f.opts, logger.Discard()).
		WithClock(fixedClock(now))
}

func TestRunPostsFirstMessageInWindow(t *testing.T) {
	f := newFixture()

	report, err := f.service(at(9, 0, 30)).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RunPosted, report.Outcome)
	assert.Equal(t, 0, report.Index)
	assert.Equal(t, "tweet-1", report.PostID)
	assert.Equal(t, []string{"A"}, f.pub.texts)
	assert.Equal(t, 1, f.repo.state.Cursor)
	require.NotNil(t, f.repo.state.LastPostedAt)
	assert.True(t, f.repo.state.LastPostedAt.Equal(at(9, 0, 30)))
	assert.NotEmpty(t, report.RunID)
	assert.Equal(t, 1, f.locker.locks)
	assert.Equal(t, 1, f.locker.unlocks)
}

func TestRunDryRunSimulatesAndAdvances(t *testing.T) {
	f := newFixture()
	f.dryRun = true

	report, err := f.service(at(9, 0, 30)).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RunSimulated, report.Outcome)
	assert.Empty(t, f.pub.texts)
	assert.Equal(t, 1, f.repo.state.Cursor)
}

func TestRunOutsideWindow(t *testing.T) {
	f := newFixture()

	report, err := f.service(at(9, 5, 0)).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RunNotInWindow, report.Outcome)
	assert.Equal(t, -1, report.Index)
	assert.Equal(t, 0, f.repo.saves)
	assert.Equal(t, 0, f.repo.state.Cursor)
	assert.Empty(t, f.pub.texts)
}

func TestRunWindowBoundary(t *testing.T) {
	f := newFixture()
	report, err := f.service(at(9, 1, 0)).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RunPosted, report.Outcome, "exactly tolerance away still matches")

	f = newFixture()
	report, err = f.service(at(9, 1, 1)).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RunNotInWindow, report.Outcome)
}

func TestRunExhausted(t *testing.T) {
	for _, n := range []int{0, 1, 2, 5} {
		f := newFixture()
		f.source.messages = make([]string, n)
		for i := range f.source.messages {
			f.source.messages[i] = "msg"
		}
		f.repo.state = progress.State{Cursor: n}

		report, err := f.service(at(9, 0, 0)).Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, RunExhausted, report.Outcome, "queue length %d", n)
		assert.Empty(t, f.pub.texts)
		assert.Equal(t, 0, f.repo.saves)
	}
}

func TestRunExhaustedIgnoresScheduleAndForce(t *testing.T) {
	f := newFixture()
	f.repo.state = progress.State{Cursor: 2}
	f.opts.Force = true

	report, err := f.service(at(3, 17, 0)).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RunExhausted, report.Outcome)
	assert.Equal(t, 2, report.CursorAfter)
}

func TestRunRecyclesWhenEnabled(t *testing.T) {
	f := newFixture()
	f.repo.state = progress.State{Cursor: 2}
	f.opts.OnExhaustion = progress.ExhaustionRecycle

	report, err := f.service(at(9, 0, 0)).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RunPosted, report.Outcome)
	assert.Equal(t, 0, report.Index)
	assert.Equal(t, []string{"A"}, f.pub.texts)
	assert.Equal(t, 1, f.repo.state.Cursor)
}

func TestRunTwiceInSameMinute(t *testing.T) {
	f := newFixture()

	first, err := f.service(at(9, 0, 10)).Run(context.Background())
	require.NoError(t, err)
	second, err := f.service(at(9, 0, 50)).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, RunPosted, first.Outcome)
	assert.Equal(t, RunAlreadyHandled, second.Outcome)
	assert.Equal(t, 1, f.repo.state.Cursor)
	assert.Len(t, f.pub.texts, 1)
}

func TestRunPostsOncePerSlotAcrossMinuteTicks(t *testing.T) {
	f := newFixture()
	f.source.messages = []string{"A", "B", "C"}

	var outcomes []RunOutcome
	for _, now := range []time.Time{at(8, 59, 0), at(9, 0, 0), at(9, 1, 0)} {
		report, err := f.service(now).Run(context.Background())
		require.NoError(t, err)
		outcomes = append(outcomes, report.Outcome)
	}

	assert.Equal(t, []RunOutcome{RunPosted, RunAlreadyHandled, RunAlreadyHandled}, outcomes)
	assert.Equal(t, []string{"A"}, f.pub.texts)
	assert.Equal(t, 1, f.repo.state.Cursor)

	// the same slot tomorrow is open again
	report, err := f.service(at(9, 0, 0).AddDate(0, 0, 1)).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RunPosted, report.Outcome)
}

func TestRunAdjacentSlotsEachPostOnce(t *testing.T) {
	f := newFixture()
	f.source.messages = []string{"A", "B", "C"}
	f.source.targets = schedule.Schedule{{Hour: 9, Minute: 0}, {Hour: 9, Minute: 1}}

	var outcomes []RunOutcome
	for _, now := range []time.Time{at(8, 59, 0), at(9, 0, 0), at(9, 1, 0), at(9, 2, 0)} {
		report, err := f.service(now).Run(context.Background())
		require.NoError(t, err)
		outcomes = append(outcomes, report.Outcome)
	}

	assert.Equal(t, []RunOutcome{RunPosted, RunPosted, RunAlreadyHandled, RunAlreadyHandled}, outcomes)
	assert.Equal(t, []string{"A", "B"}, f.pub.texts)
}

func TestRunForceBypassesWindowAndDedup(t *testing.T) {
	f := newFixture()
	f.opts.Force = true

	first, err := f.service(at(14, 30, 0)).Run(context.Background())
	require.NoError(t, err)
	second, err := f.service(at(14, 30, 5)).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, RunPosted, first.Outcome)
	assert.Equal(t, RunPosted, second.Outcome)
	assert.Equal(t, []string{"A", "B"}, f.pub.texts)
	assert.Equal(t, 2, f.repo.state.Cursor)
}

func TestRunEmptyScheduleNeverMatches(t *testing.T) {
	f := newFixture()
	f.source.targets = schedule.Schedule{}

	report, err := f.service(at(9, 0, 0)).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RunNotInWindow, report.Outcome)
}

func TestRunDuplicateContentAdvances(t *testing.T) {
	f := newFixture()
	f.pub.err = errors.Mark(errors.New("x api returned 403: duplicate"), post.ErrDuplicateContent)

	report, err := f.service(at(9, 0, 30)).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RunSkippedDuplicate, report.Outcome)
	assert.Equal(t, 0, report.CursorBefore)
	assert.Equal(t, 1, report.CursorAfter)
	assert.Equal(t, 1, f.repo.state.Cursor)
}

func TestRunFailureLeavesCursor(t *testing.T) {
	cases := map[string]error{
		"transient": errors.Mark(errors.New("503"), post.ErrTransient),
		"auth":      errors.Mark(errors.New("401"), post.ErrAuth),
		"unknown":   errors.New("something odd"),
	}
	for name, pubErr := range cases {
		pubErr := pubErr
		t.Run(name, func(t *testing.T) {
			f := newFixture()
			f.repo.state = progress.State{Cursor: 1}
			f.pub.err = pubErr

			report, err := f.service(at(9, 0, 30)).Run(context.Background())
			require.Error(t, err)
			assert.Equal(t, RunFailed, report.Outcome)
			assert.Equal(t, 1, report.Index)
			assert.Equal(t, 1, report.CursorAfter)
			assert.Equal(t, 0, f.repo.saves)
			assert.Equal(t, 1, f.repo.state.Cursor)
			assert.Equal(t, 1, f.locker.unlocks)
		})
	}
}

func TestRunBusyWhenLockHeld(t *testing.T) {
	f := newFixture()
	f.locker.busy = true

	report, err := f.service(at(9, 0, 30)).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RunBusy, report.Outcome)
	assert.Empty(t, f.pub.texts)
	assert.Equal(t, 0, f.repo.saves)
}

func TestRunLockError(t *testing.T) {
	f := newFixture()
	f.locker.err = errors.New("permission denied")

	_, err := f.service(at(9, 0, 30)).Run(context.Background())
	require.Error(t, err)
	assert.Empty(t, f.pub.texts)
}

func TestRunCorruptStateAborts(t *testing.T) {
	f := newFixture()
	f.repo.loadErr = errors.Mark(errors.New("bad json"), progress.ErrCorruptState)

	_, err := f.service(at(9, 0, 30)).Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, progress.ErrCorruptState))
	assert.Empty(t, f.pub.texts)
	assert.Equal(t, 0, f.repo.saves)
}

func TestRunInputErrors(t *testing.T) {
	f := newFixture()
	f.source.messagesErr = errors.New("open data/tweets.txt: no such file or directory")
	_, err := f.service(at(9, 0, 30)).Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInput))

	f = newFixture()
	f.source.scheduleErr = errors.New("open data/hours.txt: no such file or directory")
	_, err = f.service(at(9, 0, 30)).Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInput))
	assert.Empty(t, f.pub.texts)
}

func TestRunSaveFailure(t *testing.T) {
	f := newFixture()
	f.repo.saveErr = errors.New("disk full")

	report, err := f.service(at(9, 0, 30)).Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, RunPosted, report.Outcome)
	assert.Equal(t, 0, report.CursorAfter)
}

func TestRunMidnightTarget(t *testing.T) {
	f := newFixture()
	f.source.targets = schedule.Schedule{{Hour: 23, Minute: 59}}
	f.opts.Tolerance = 2 * time.Minute

	now := time.Date(2025, 3, 11, 0, 0, 20, 0, istanbul)
	report, err := f.service(now).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RunPosted, report.Outcome)
	require.NotNil(t, report.Matched)
	assert.Equal(t, "23:59", report.Matched.Target.String())
}

func TestRunTruncatesLongMessage(t *testing.T) {
	f := newFixture()
	f.source.messages = []string{repeat("x", 300)}

	_, err := f.service(at(9, 0, 0)).Run(context.Background())
	require.NoError(t, err)
	require.Len(t, f.pub.texts, 1)
	assert.Len(t, f.pub.texts[0], 280)
}
