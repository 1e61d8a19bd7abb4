package database

import (
	"context"
	"database/sql"
	"hash/fnv"

	"github.com/cockroachdb/errors"
)

// AdvisoryLocker serializes runs that share a Postgres progress row with a
// session-level advisory lock. The lock lives on one pinned connection.
type AdvisoryLocker struct {
	db  *sql.DB
	key int64
}

func NewAdvisoryLocker(db *sql.DB, name string) *AdvisoryLocker {
	return &AdvisoryLocker{db: db, key: AdvisoryKey(name)}
}

// AdvisoryKey derives the lock key from the progress row name.
func AdvisoryKey(name string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte("scheduled_poster:" + name))
	return int64(h.Sum64())
}

func (l *AdvisoryLocker) TryLock(ctx context.Context) (func() error, bool, error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, false, errors.Wrap(err, "failed to get connection for advisory lock")
	}

	var acquired bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, l.key).Scan(&acquired); err != nil {
		_ = conn.Close()
		return nil, false, errors.Wrap(err, "failed to take advisory lock")
	}
	if !acquired {
		_ = conn.Close()
		return nil, false, nil
	}

	unlock := func() error {
		defer conn.Close()
		// the run context may already be done; unlocking must still happen
		if _, err := conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, l.key); err != nil {
			return errors.Wrap(err, "failed to release advisory lock")
		}
		return nil
	}
	return unlock, true, nil
}
