package store

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/convstream/internal/config"

	"github.com/gofrs/flock"
)

// FileLock is an advisory cross-process lock on a single file.
type FileLock struct {
	fileLock   *flock.Flock
	lockPath   string
	acquiredAt time.Time
	mu         sync.RWMutex
}

type FileLockConfig struct {
	LockTimeout  time.Duration
	LockRetry    time.Duration
	LockMaxRetry int
}

func DefaultFileLockConfig() *FileLockConfig {
	lockTimeout, _ := config.DurationOrDefault(config.DefaultStoreLockTimeout, config.DefaultStoreLockTimeout)
	lockRetry, _ := config.DurationOrDefault(config.DefaultStoreLockRetry, config.DefaultStoreLockRetry)

	return &FileLockConfig{
		LockTimeout:  lockTimeout,
		LockRetry:    lockRetry,
		LockMaxRetry: config.DefaultStoreLockMaxRetry,
	}
}

// FileLockConfigFrom resolves the store section, falling back to defaults for
// empty or invalid values.
func FileLockConfigFrom(cfg config.StoreConfig) *FileLockConfig {
	out := DefaultFileLockConfig()
	if d, err := config.DurationOrDefault(cfg.LockTimeout, config.DefaultStoreLockTimeout); err == nil {
		out.LockTimeout = d
	}
	if d, err := config.DurationOrDefault(cfg.LockRetry, config.DefaultStoreLockRetry); err == nil {
		out.LockRetry = d
	}
	if cfg.LockMaxRetry > 0 {
		out.LockMaxRetry = cfg.LockMaxRetry
	}
	return out
}

func NewFileLock(ctx context.Context, lockPath string, cfg *FileLockConfig) (*FileLock, error) {
	if cfg == nil {
		cfg = DefaultFileLockConfig()
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.LockTimeout)
	defer cancel()

	fl := &FileLock{
		fileLock: flock.New(lockPath),
		lockPath: lockPath,
	}

	if err := fl.acquireWithRetry(ctx, cfg); err != nil {
		return nil, err
	}

	fl.acquiredAt = time.Now()
	slog.Debug("File lock acquired", "path", lockPath)
	return fl, nil
}

func (fl *FileLock) acquireWithRetry(ctx context.Context, cfg *FileLockConfig) error {
	for i := 0; i < cfg.LockMaxRetry; i++ {
		locked, err := fl.fileLock.TryLock()
		if err != nil {
			return fmt.Errorf("failed to attempt lock: %w", err)
		}
		if locked {
			return nil
		}

		if i == cfg.LockMaxRetry-1 {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("lock acquisition cancelled: %w", ctx.Err())
		case <-time.After(cfg.LockRetry):
		}
	}

	return fmt.Errorf("%s is locked by another process (timeout after %v)", fl.lockPath, cfg.LockTimeout)
}

func (fl *FileLock) Unlock() {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if fl.fileLock == nil {
		return
	}

	if err := fl.fileLock.Unlock(); err != nil {
		slog.Error("Failed to release file lock", "path", fl.lockPath, "error", err)
	} else {
		slog.Debug("File lock released",
			"path", fl.lockPath,
			"held_duration_ms", time.Since(fl.acquiredAt).Milliseconds(),
		)
	}

	fl.fileLock = nil
}

func (fl *FileLock) IsLocked() bool {
	fl.mu.RLock()
	defer fl.mu.RUnlock()
	return fl.fileLock != nil
}

func (fl *FileLock) HeldDuration() time.Duration {
	fl.mu.RLock()
	defer fl.mu.RUnlock()
	if fl.acquiredAt.IsZero() {
		return 0
	}
	return time.Since(fl.acquiredAt)
}
