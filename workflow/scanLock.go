package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/staysync_backend/config"
	"github.com/bsm/redislock"
)

var ErrScanAlreadyRunning = errors.New("a scan is already running for this host")

const scanLockTTL = 60 * time.Second

// AcquireScanLock serializes scan runs per host across instances. The caller
// must Release the returned lock, and should Refresh it on long runs.
func AcquireScanLock(ctx context.Context, hostId string) (*redislock.Lock, error) {
	logger := config.GetLogger()
	locker := config.GetRedisLock()
	if locker == nil {
		config.LogError(logger, "workflow", "AcquireScanLock", "Redis lock not initialized", hostId, errors.New("redis lock is nil"))
		return nil, errors.New("service not ready (redis lock not initialized)")
	}

	lock, err := locker.Obtain(ctx, fmt.Sprintf("scan:%s", hostId), scanLockTTL, nil)
	if err == redislock.ErrNotObtained {
		return nil, ErrScanAlreadyRunning
	} else if err != nil {
		config.LogError(logger, "workflow", "AcquireScanLock", "Error obtaining scan lock", hostId, err)
		return nil, err
	}
	return lock, nil
}

// RefreshScanLock extends a held lock; failures are logged, not fatal, since
// the session tracker still serializes work within this process.
func RefreshScanLock(ctx context.Context, lock *redislock.Lock, hostId string) {
	if lock == nil {
		return
	}
	if err := lock.Refresh(ctx, scanLockTTL, nil); err != nil {
		config.LogError(config.GetLogger(), "workflow", "RefreshScanLock", "Could not refresh scan lock", hostId, err)
	}
}

func ReleaseScanLock(ctx context.Context, lock *redislock.Lock) {
	if lock == nil {
		return
	}
	_ = lock.Release(ctx)
}
