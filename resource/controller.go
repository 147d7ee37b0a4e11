package resource

import (
	"context"
	"errors"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// ErrMemoryLimitExceeded is returned when an arena would exceed the memory budget.
var ErrMemoryLimitExceeded = errors.New("memory limit exceeded")

// Config holds resource limits.
type Config struct {
	// MemoryLimitBytes is the hard limit for arena backing memory.
	// If 0, no hard limit is enforced (only tracking).
	MemoryLimitBytes int64

	// MaxMaintenanceJobs is the maximum number of concurrent defragment or
	// shrink jobs across all allocators of a device. If 0, defaults to 1.
	MaxMaintenanceJobs int64

	// UploadBytesPerSec caps staging upload throughput.
	// If 0, unlimited.
	UploadBytesPerSec int64
}

// Controller manages device-wide resources.
type Controller struct {
	cfg Config

	// Memory
	memSem  *semaphore.Weighted // nil if unlimited
	memUsed atomic.Int64

	// Maintenance
	jobSem *semaphore.Weighted

	// Upload
	uploadLimiter *rate.Limiter
	uploaded      atomic.Int64
}

// NewController creates a new resource controller.
func NewController(cfg Config) *Controller {
	if cfg.MaxMaintenanceJobs <= 0 {
		cfg.MaxMaintenanceJobs = 1
	}

	c := &Controller{
		cfg:    cfg,
		jobSem: semaphore.NewWeighted(cfg.MaxMaintenanceJobs),
	}

	if cfg.MemoryLimitBytes > 0 {
		c.memSem = semaphore.NewWeighted(cfg.MemoryLimitBytes)
	}

	if cfg.UploadBytesPerSec > 0 {
		c.uploadLimiter = rate.NewLimiter(rate.Limit(cfg.UploadBytesPerSec), int(cfg.UploadBytesPerSec))
	}

	return c
}

// AcquireMemory reserves memory, blocking until it is available or ctx is done.
func (c *Controller) AcquireMemory(ctx context.Context, bytes int64) error {
	if c == nil || bytes <= 0 {
		return nil
	}

	if c.memSem != nil {
		if err := c.memSem.Acquire(ctx, bytes); err != nil {
			return err
		}
	}

	c.memUsed.Add(bytes)
	return nil
}

// TryAcquireMemory reserves memory without blocking.
// Returns ErrMemoryLimitExceeded if the limit would be exceeded.
func (c *Controller) TryAcquireMemory(bytes int64) error {
	if c == nil || bytes <= 0 {
		return nil
	}

	if c.memSem != nil && !c.memSem.TryAcquire(bytes) {
		return ErrMemoryLimitExceeded
	}

	c.memUsed.Add(bytes)
	return nil
}

// ReleaseMemory releases reserved memory.
func (c *Controller) ReleaseMemory(bytes int64) {
	if c == nil || bytes <= 0 {
		return
	}

	if c.memSem != nil {
		c.memSem.Release(bytes)
	}
	c.memUsed.Add(-bytes)
}

// MemoryUsage returns the current memory usage in bytes.
func (c *Controller) MemoryUsage() int64 {
	if c == nil {
		return 0
	}
	return c.memUsed.Load()
}

// MemoryLimit returns the configured memory limit in bytes (0 if unlimited).
func (c *Controller) MemoryLimit() int64 {
	if c == nil {
		return 0
	}
	return c.cfg.MemoryLimitBytes
}

// AcquireMaintenance reserves a maintenance slot, blocking while all are busy.
func (c *Controller) AcquireMaintenance(ctx context.Context) error {
	if c == nil {
		return nil
	}
	return c.jobSem.Acquire(ctx, 1)
}

// TryAcquireMaintenance reserves a maintenance slot without blocking.
func (c *Controller) TryAcquireMaintenance() bool {
	if c == nil {
		return true
	}
	return c.jobSem.TryAcquire(1)
}

// ReleaseMaintenance releases a maintenance slot.
func (c *Controller) ReleaseMaintenance() {
	if c == nil {
		return
	}
	c.jobSem.Release(1)
}

// AcquireUpload waits until the upload limit admits bytes. Requests larger
// than the bucket are admitted in bucket-sized installments.
func (c *Controller) AcquireUpload(ctx context.Context, bytes int) error {
	if c == nil || bytes <= 0 {
		return nil
	}
	if c.uploadLimiter != nil {
		burst := c.uploadLimiter.Burst()
		for left := bytes; left > 0; left -= burst {
			if err := c.uploadLimiter.WaitN(ctx, min(left, burst)); err != nil {
				return err
			}
		}
	}
	c.uploaded.Add(int64(bytes))
	return nil
}

// UploadedBytes returns the number of bytes admitted by AcquireUpload.
func (c *Controller) UploadedBytes() int64 {
	if c == nil {
		return 0
	}
	return c.uploaded.Load()
}
