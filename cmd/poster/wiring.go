package main

import (
	"context"
	"database/sql"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"scheduled_poster/internal/app"
	"scheduled_poster/internal/domain/post"
	"scheduled_poster/internal/domain/progress"
	"scheduled_poster/internal/infra/bluesky"
	"scheduled_poster/internal/infra/config"
	idb "scheduled_poster/internal/infra/database"
	"scheduled_poster/internal/infra/lock"
	"scheduled_poster/internal/infra/logger"
	"scheduled_poster/internal/infra/sources"
	"scheduled_poster/internal/infra/statefile"
	"scheduled_poster/internal/infra/telegram"
	"scheduled_poster/internal/infra/twitter"
)

// store bundles the progress backend with its run lock.
type store struct {
	repo   progress.Repository
	locker progress.Locker
	db     *sql.DB
}

func (s *store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func openStore(ctx context.Context, cfg *config.AppConfig, log *logrus.Entry) (*store, error) {
	switch cfg.StateBackend {
	case config.BackendPostgres:
		db, err := idb.NewPostgresConnection(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		repo := idb.NewSQLProgressRepository(db, idb.DialectPostgres, cfg.StateName)
		if err := repo.EnsureSchema(ctx); err != nil {
			db.Close()
			return nil, err
		}
		log.WithField("state_name", cfg.StateName).Info("Using Postgres progress store")
		return &store{repo: repo, locker: idb.NewAdvisoryLocker(db, cfg.StateName), db: db}, nil

	case config.BackendSQLite:
		db, err := idb.NewSQLiteConnection(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		repo := idb.NewSQLProgressRepository(db, idb.DialectSQLite, cfg.StateName)
		if err := repo.EnsureSchema(ctx); err != nil {
			db.Close()
			return nil, err
		}
		log.WithFields(logrus.Fields{"path": cfg.DatabaseURL, "state_name": cfg.StateName}).Info("Using SQLite progress store")
		return &store{repo: repo, locker: lock.NewFileLocker(cfg.LockPath), db: db}, nil

	default:
		log.WithField("path", cfg.StatePath).Debug("Using file progress store")
		return &store{
			repo:   statefile.NewFileRepository(cfg.StatePath),
			locker: lock.NewFileLocker(cfg.LockPath),
		}, nil
	}
}

func newPublisher(cfg *config.AppConfig) (post.Publisher, error) {
	switch cfg.Platform {
	case config.PlatformTwitter:
		return twitter.NewPublisher(cfg.Twitter, logger.Component("twitter")), nil
	case config.PlatformBluesky:
		return bluesky.NewPublisher(cfg.Bluesky, logger.Component("bluesky")), nil
	case config.PlatformTelegram:
		creds := cfg.Telegram
		if cfg.DryRun && creds.Channel == "" {
			// the channel is only needed to address real sends
			creds.Channel = "@dry_run"
		}
		return telegram.NewChannelPublisher(creds, "", logger.Component("telegram"))
	default:
		return nil, errors.Mark(errors.Newf("unknown POST_PLATFORM %q", cfg.Platform), config.ErrConfig)
	}
}

func engineOptions(cfg *config.AppConfig) app.Options {
	return app.Options{
		DryRun:       cfg.DryRun,
		Force:        cfg.ForcePostNow,
		Tolerance:    cfg.Tolerance,
		Location:     cfg.Location,
		OnExhaustion: cfg.OnExhaustion,
		Timeout:      cfg.RunTimeout,
	}
}

func newPosterService(cfg *config.AppConfig, st *store) (*app.PosterService, error) {
	publisher, err := newPublisher(cfg)
	if err != nil {
		return nil, err
	}
	src := sources.NewFileSource(cfg.MessagesPath, cfg.SchedulePath, logger.Component("sources"))
	dispatcher := app.NewDispatcher(publisher, cfg.DryRun, logger.Component("dispatcher"))

	return app.NewPosterService(src, src, st.repo, st.locker, dispatcher, engineOptions(cfg),
		logger.Component("engine").WithField("platform", publisher.Name())), nil
}

func newAdminService(cfg *config.AppConfig, st *store) *app.AdminService {
	src := sources.NewFileSource(cfg.MessagesPath, cfg.SchedulePath, logger.Component("sources"))
	return app.NewAdminService(src, src, st.repo, st.locker, engineOptions(cfg), logger.Component("admin"))
}
