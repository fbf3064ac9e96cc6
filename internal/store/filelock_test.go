package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/convstream/internal/config"

	"github.com/gofrs/flock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func shortLockConfig(timeout time.Duration) *FileLockConfig {
	retry := 10 * time.Millisecond
	maxRetry := int(timeout / retry)
	if maxRetry < 1 {
		maxRetry = 1
	}
	return &FileLockConfig{
		LockTimeout:  timeout,
		LockRetry:    retry,
		LockMaxRetry: maxRetry,
	}
}

func TestNewFileLock(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "labels.json.lock")

	lock, err := NewFileLock(context.Background(), lockPath, nil)
	require.NoError(t, err)
	assert.True(t, lock.IsLocked())

	lock.Unlock()
	assert.False(t, lock.IsLocked())

	lock.Unlock()
	assert.False(t, lock.IsLocked(), "double unlock stays released")
}

func TestFileLockConcurrentAcquire(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "labels.json.lock")
	cfg := shortLockConfig(120 * time.Millisecond)

	lock1, err := NewFileLock(context.Background(), lockPath, cfg)
	require.NoError(t, err)
	defer lock1.Unlock()

	start := time.Now()
	lock2, err := NewFileLock(context.Background(), lockPath, cfg)
	if err == nil {
		lock2.Unlock()
		t.Fatal("Expected second lock acquisition to fail")
	}
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond, "expected retries before failing")
}

func TestFileLockCancelledContext(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "labels.json.lock")

	lock1, err := NewFileLock(context.Background(), lockPath, nil)
	require.NoError(t, err)
	defer lock1.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = NewFileLock(ctx, lockPath, shortLockConfig(time.Second))
	require.ErrorIs(t, err, context.Canceled)
}

func TestFileLockHeldDuration(t *testing.T) {
	lock, err := NewFileLock(context.Background(), filepath.Join(t.TempDir(), "x.lock"), nil)
	require.NoError(t, err)
	defer lock.Unlock()

	time.Sleep(20 * time.Millisecond)
	assert.GreaterOrEqual(t, lock.HeldDuration(), 20*time.Millisecond)
}

func TestFileLockExclusiveAcrossGoroutines(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "labels.json.lock")
	cfg := shortLockConfig(time.Second)

	var wg sync.WaitGroup
	var mu sync.Mutex
	acquired, inCritical, maxConcurrent := 0, 0, 0

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			lock, err := NewFileLock(context.Background(), lockPath, cfg)
			if err != nil {
				return
			}
			defer lock.Unlock()

			mu.Lock()
			acquired++
			inCritical++
			if inCritical > maxConcurrent {
				maxConcurrent = inCritical
			}
			mu.Unlock()

			time.Sleep(5 * time.Millisecond)

			mu.Lock()
			inCritical--
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Greater(t, acquired, 0)
	assert.Equal(t, 1, maxConcurrent)
}

func TestFileLockBlocksRawFlock(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "labels.json.lock")

	lock, err := NewFileLock(context.Background(), lockPath, nil)
	require.NoError(t, err)
	defer lock.Unlock()

	raw := flock.New(lockPath)
	locked, err := raw.TryLock()
	require.NoError(t, err)
	if locked {
		raw.Unlock()
		t.Fatal("Expected flock to fail due to held lock")
	}
}

func TestFileLockConfigFrom(t *testing.T) {
	cfg := FileLockConfigFrom(config.StoreConfig{LockTimeout: "2s", LockRetry: "bogus", LockMaxRetry: 7})
	assert.Equal(t, 2*time.Second, cfg.LockTimeout)
	assert.Equal(t, 100*time.Millisecond, cfg.LockRetry)
	assert.Equal(t, 7, cfg.LockMaxRetry)

	def := FileLockConfigFrom(config.StoreConfig{})
	assert.Equal(t, config.DefaultStoreLockMaxRetry, def.LockMaxRetry)
}
