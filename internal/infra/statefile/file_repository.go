package statefile

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"

	"scheduled_poster/internal/domain/progress"
)

// FileRepository keeps progress in a small, human-readable JSON file:
//
//	{"cursor": 3, "last_posted_at": "2025-03-10T09:00:30+03:00"}
//
// Files written by the earlier scheduler ({"next_index", "last_posted_iso"})
// are still understood and get rewritten in the current layout on the next save.
type FileRepository struct {
	path string
}

func NewFileRepository(path string) *FileRepository {
	return &FileRepository{path: path}
}

// Path returns the location of the progress file.
func (r *FileRepository) Path() string {
	return r.path
}

type diskState struct {
	Cursor       *int    `json:"cursor"`
	LastPostedAt *string `json:"last_posted_at"`

	NextIndex     *int    `json:"next_index"`
	LastPostedISO *string `json:"last_posted_iso"`
}

type diskRecord struct {
	Cursor       int     `json:"cursor"`
	LastPostedAt *string `json:"last_posted_at"`
}

func (r *FileRepository) Load(ctx context.Context) (progress.State, error) {
	if err := ctx.Err(); err != nil {
		return progress.State{}, err
	}
	data, err := os.ReadFile(r.path)
	if errors.Is(err, os.ErrNotExist) {
		return progress.State{}, nil
	}
	if err != nil {
		return progress.State{}, errors.Wrapf(err, "failed to read progress file %s", r.path)
	}

	s, err := decode(data)
	if err != nil {
		err = errors.Mark(errors.Wrapf(err, "progress file %s", r.path), progress.ErrCorruptState)
		return progress.State{}, errors.WithHint(err, "inspect the file and fix it, or run `poster reset --cursor N`")
	}
	return s, nil
}

func decode(data []byte) (progress.State, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return progress.State{}, errors.New("file is empty")
	}
	var d diskState
	if err := json.Unmarshal(data, &d); err != nil {
		return progress.State{}, errors.Wrap(err, "invalid JSON")
	}

	cursor, stamp := d.Cursor, d.LastPostedAt
	if cursor == nil {
		cursor, stamp = d.NextIndex, d.LastPostedISO
	}
	if cursor == nil {
		return progress.State{}, errors.New("no cursor field")
	}

	s := progress.State{Cursor: *cursor}
	if stamp != nil && *stamp != "" {
		at, err := time.Parse(time.RFC3339, *stamp)
		if err != nil {
			return progress.State{}, errors.Wrapf(err, "invalid last post timestamp %q", *stamp)
		}
		s.LastPostedAt = &at
	}
	if err := s.Validate(); err != nil {
		return progress.State{}, err
	}
	return s, nil
}

// Save writes to a temporary file in the same directory and renames it over
// the old one, so an interrupted write leaves the previous state intact.
func (r *FileRepository) Save(ctx context.Context, s progress.State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rec := diskRecord{Cursor: s.Cursor}
	if s.LastPostedAt != nil {
		stamp := s.LastPostedAt.Format(time.RFC3339)
		rec.LastPostedAt = &stamp
	}

	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create %s", dir)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(r.path)+".*.tmp")
	if err != nil {
		return errors.Wrap(err, "failed to create temporary progress file")
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rec); err != nil {
		_ = tmp.Close()
		cleanup()
		return errors.Wrap(err, "failed to encode progress")
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return errors.Wrap(err, "failed to sync progress file")
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return errors.Wrap(err, "failed to close progress file")
	}
	if err := os.Rename(tmpName, r.path); err != nil {
		cleanup()
		return errors.Wrapf(err, "failed to replace %s", r.path)
	}
	return nil
}
