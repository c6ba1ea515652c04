package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/shirou/gopsutil/v3/disk"

	"immortal-outreach/internal/core/ports"
)

// WatchdogConfig drives the housekeeping loop
type WatchdogConfig struct {
	Interval      time.Duration
	ResetHour     int // local hour of the daily counter boundary
	Location      *time.Location
	EvictIdle     time.Duration
	DiskPath      string
	DiskThreshold float64 // purge only at or above this used percent
	Retention     time.Duration
	PurgeBatch    int
}

// DefaultWatchdogConfig returns production settings
func DefaultWatchdogConfig() WatchdogConfig {
	return WatchdogConfig{
		Interval:      10 * time.Minute,
		ResetHour:     0,
		Location:      time.UTC,
		EvictIdle:     30 * time.Minute,
		DiskPath:      "/",
		DiskThreshold: 70,
		Retention:     7 * 24 * time.Hour,
		PurgeBatch:    1000,
	}
}

// Evictor drops idle conversations; implemented by PresenceRegistry
type Evictor interface {
	Evict(idle time.Duration) int
}

// DiskUsageFunc returns the used percent of the filesystem holding path
type DiskUsageFunc func(path string) (float64, error)

// GopsutilDiskUsage reads disk usage through gopsutil
func GopsutilDiskUsage(path string) (float64, error) {
	u, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return u.UsedPercent, nil
}

// Watchdog resets daily identity counters, evicts idle conversations and
// purges archived jobs and webhook logs when the disk fills up.
type Watchdog struct {
	cfg       WatchdogConfig
	pool      *IdentityPool
	evictor   Evictor
	jobs      ports.JobRepository
	webhooks  ports.WebhookRepository
	diskUsage DiskUsageFunc
	now       func() time.Time
}

// NewWatchdog creates a watchdog; nil collaborators skip their step
func NewWatchdog(
	cfg WatchdogConfig,
	pool *IdentityPool,
	evictor Evictor,
	jobs ports.JobRepository,
	webhooks ports.WebhookRepository,
	diskUsage DiskUsageFunc,
) *Watchdog {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if diskUsage == nil {
		diskUsage = GopsutilDiskUsage
	}
	return &Watchdog{
		cfg:       cfg,
		pool:      pool,
		evictor:   evictor,
		jobs:      jobs,
		webhooks:  webhooks,
		diskUsage: diskUsage,
		now:       time.Now,
	}
}

// Run ticks until ctx is cancelled. The first tick runs immediately so a
// boundary missed while the process was down is caught up at start.
func (w *Watchdog) Run(ctx context.Context) {
	slog.Info("Watchdog started", "interval", w.cfg.Interval)

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	w.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("Watchdog stopped")
			return
		case <-ticker.C:
			w.Tick(ctx)
		}
	}
}

// Tick runs one housekeeping pass
func (w *Watchdog) Tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("PANIC recovered in watchdog", "panic", r)
		}
	}()

	w.resetDaily(ctx)
	w.evict()
	w.purge(ctx)
}

// DailyBoundary returns the most recent reset boundary at or before now
func (w *Watchdog) DailyBoundary(now time.Time) time.Time {
	local := now.In(w.cfg.Location)
	b := time.Date(local.Year(), local.Month(), local.Day(), w.cfg.ResetHour, 0, 0, 0, w.cfg.Location)
	if b.After(local) {
		b = b.AddDate(0, 0, -1)
	}
	return b
}

func (w *Watchdog) resetDaily(ctx context.Context) {
	if w.pool == nil {
		return
	}
	boundary := w.DailyBoundary(w.now())
	n, err := w.pool.ResetDaily(ctx, boundary)
	if err != nil {
		slog.Error("Daily counter reset failed", "error", err)
		return
	}
	if n > 0 {
		slog.Info("Daily identity counters reset",
			"identities", n,
			"boundary", boundary,
		)
	}
}

func (w *Watchdog) evict() {
	if w.evictor == nil {
		return
	}
	if n := w.evictor.Evict(w.cfg.EvictIdle); n > 0 {
		slog.Info("Idle conversations evicted", "count", n)
	}
}

func (w *Watchdog) purge(ctx context.Context) {
	used, err := w.diskUsage(w.cfg.DiskPath)
	if err != nil {
		slog.Error("Disk usage check failed", "error", err, "path", w.cfg.DiskPath)
		return
	}
	if used < w.cfg.DiskThreshold {
		slog.Debug("Disk usage OK, no purge needed", "used_percent", used)
		return
	}

	slog.Warn("Disk usage above threshold, purging archives",
		"used_percent", used,
		"threshold", w.cfg.DiskThreshold,
	)
	cutoff := w.now().Add(-w.cfg.Retention)

	if w.jobs != nil {
		n, err := w.jobs.PurgeArchived(ctx, cutoff, w.cfg.PurgeBatch)
		if err != nil {
			slog.Error("Error during job purge", "error", err)
		} else {
			slog.Info("Purged archived jobs", "rows", n)
		}
	}
	if w.webhooks != nil {
		n, err := w.webhooks.PurgeProcessed(ctx, cutoff, w.cfg.PurgeBatch)
		if err != nil {
			slog.Error("Error during webhook log purge", "error", err)
		} else {
			slog.Info("Purged webhook logs", "rows", n)
		}
	}
}
