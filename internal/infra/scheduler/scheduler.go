package scheduler

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"scheduled_poster/internal/app"
)

// Runner is one decision cycle of the poster.
type Runner interface {
	Run(ctx context.Context) (*app.RunReport, error)
}

// PosterScheduler triggers the runner on a cron spec inside a long-lived
// process, standing in for an external job runner.
type PosterScheduler struct {
	cronEngine *cron.Cron
	runner     Runner
	spec       string
	logger     *logrus.Entry
}

func NewPosterScheduler(runner Runner, spec string, loc *time.Location, logger *logrus.Entry) *PosterScheduler {
	if loc == nil {
		loc = time.Local
	}
	return &PosterScheduler{
		cronEngine: cron.New(
			cron.WithLocation(loc),
			// a slow post must not overlap the next trigger
			cron.WithChain(cron.SkipIfStillRunning(cron.PrintfLogger(logger))),
		),
		runner: runner,
		spec:   spec,
		logger: logger,
	}
}

// Start registers the job and starts the cron engine.
func (s *PosterScheduler) Start() error {
	s.logger.WithField("cron_spec", s.spec).Info("Starting poster scheduler")

	if _, err := s.cronEngine.AddFunc(s.spec, s.trigger); err != nil {
		return errors.WithHint(errors.Wrapf(err, "invalid cron spec %q", s.spec),
			"CRON_SPEC takes five fields, e.g. \"* * * * *\"")
	}

	s.cronEngine.Start()
	s.logger.Info("Poster scheduler started")
	return nil
}

func (s *PosterScheduler) trigger() {
	report, err := s.runner.Run(context.Background())
	if err != nil {
		entry := s.logger.WithError(err)
		if report != nil {
			entry = entry.WithField("run_id", report.RunID)
		}
		entry.Error("Scheduled run failed")
	}
}

// Stop stops new triggers and waits for a running job to finish.
func (s *PosterScheduler) Stop() {
	s.logger.Info("Stopping poster scheduler...")
	ctx := s.cronEngine.Stop()
	<-ctx.Done()
	s.logger.Info("Poster scheduler gracefully stopped")
}
