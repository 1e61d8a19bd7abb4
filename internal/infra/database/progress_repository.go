// internal/infra/database/progress_repository.go
package database

import (
	"context"
	"database/sql"
	"regexp"
	"time"

	"github.com/cockroachdb/errors"

	"scheduled_poster/internal/domain/progress"
)

// Dialect selects placeholder syntax. Queries are written with $N.
type Dialect int

const (
	DialectPostgres Dialect = iota
	DialectSQLite
)

var rePlaceholder = regexp.MustCompile(`\$\d+`)

func (d Dialect) rebind(query string) string {
	if d == DialectSQLite {
		return rePlaceholder.ReplaceAllString(query, "?")
	}
	return query
}

const progressSchema = `CREATE TABLE IF NOT EXISTS poster_progress (
	name           TEXT PRIMARY KEY,
	next_index     BIGINT NOT NULL,
	last_posted_at TEXT,
	updated_at     TEXT NOT NULL
)`

// SQLProgressRepository stores one progress row per STATE_NAME, so several
// posting agents can share a database.
type SQLProgressRepository struct {
	db      *sql.DB
	dialect Dialect
	name    string
}

func NewSQLProgressRepository(db *sql.DB, dialect Dialect, name string) *SQLProgressRepository {
	return &SQLProgressRepository{db: db, dialect: dialect, name: name}
}

// EnsureSchema creates the progress table when it does not exist yet.
func (r *SQLProgressRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, progressSchema); err != nil {
		return errors.Wrap(err, "error creating poster_progress table")
	}
	return nil
}

func (r *SQLProgressRepository) Load(ctx context.Context) (progress.State, error) {
	query := r.dialect.rebind(`SELECT next_index, last_posted_at FROM poster_progress WHERE name = $1`)

	var (
		cursor int64
		stamp  sql.NullString
	)
	err := r.db.QueryRowContext(ctx, query, r.name).Scan(&cursor, &stamp)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return progress.State{}, nil
		}
		return progress.State{}, errors.Wrapf(err, "error loading progress %q", r.name)
	}

	s := progress.State{Cursor: int(cursor)}
	if stamp.Valid && stamp.String != "" {
		at, err := time.Parse(time.RFC3339, stamp.String)
		if err != nil {
			return progress.State{}, r.corrupt(errors.Wrapf(err, "invalid last_posted_at %q", stamp.String))
		}
		s.LastPostedAt = &at
	}
	if err := s.Validate(); err != nil {
		return progress.State{}, r.corrupt(err)
	}
	return s, nil
}

func (r *SQLProgressRepository) Save(ctx context.Context, s progress.State) error {
	query := r.dialect.rebind(`INSERT INTO poster_progress (name, next_index, last_posted_at, updated_at)
               VALUES ($1, $2, $3, $4)
               ON CONFLICT (name) DO UPDATE
               SET next_index = excluded.next_index,
                   last_posted_at = excluded.last_posted_at,
                   updated_at = excluded.updated_at`)

	var stamp sql.NullString
	if s.LastPostedAt != nil {
		stamp = sql.NullString{String: s.LastPostedAt.Format(time.RFC3339), Valid: true}
	}
	updatedAt := time.Now().UTC().Format(time.RFC3339)

	if _, err := r.db.ExecContext(ctx, query, r.name, int64(s.Cursor), stamp, updatedAt); err != nil {
		return errors.Wrapf(err, "error saving progress %q", r.name)
	}
	return nil
}

func (r *SQLProgressRepository) corrupt(err error) error {
	err = errors.Mark(errors.Wrapf(err, "progress row %q", r.name), progress.ErrCorruptState)
	return errors.WithHint(err, "fix the poster_progress row, or run `poster reset --cursor N`")
}
