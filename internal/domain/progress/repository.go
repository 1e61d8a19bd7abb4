// internal/domain/progress/repository.go
package progress

import "context"

// Repository persists State between runs.
type Repository interface {
	// Load returns the zero State when nothing was saved yet and an error
	// marked with ErrCorruptState when saved data cannot be parsed.
	Load(ctx context.Context) (State, error)
	// Save replaces the stored State. Readers never observe a partial write.
	Save(ctx context.Context, s State) error
}

// Locker serializes whole runs (load, decide, dispatch, persist).
type Locker interface {
	// TryLock does not wait. acquired is false when another run holds the lock.
	TryLock(ctx context.Context) (unlock func() error, acquired bool, err error)
}
