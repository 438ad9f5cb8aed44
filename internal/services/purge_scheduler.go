package services

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const purgeLockName = "trash-purge"

// PurgeScheduler periodically scans for expired trash and purges it. With a
// Locker, only one instance purges per interval.
type PurgeScheduler struct {
	scanner  *TrashScanner
	purge    *PurgeService
	locker   Locker
	interval time.Duration
	opts     PurgeOptions
	scanMax  int
	log      *zap.Logger
}

func NewPurgeScheduler(scanner *TrashScanner, purge *PurgeService, locker Locker, interval time.Duration, scanLimit int, opts PurgeOptions, log *zap.Logger) *PurgeScheduler {
	if interval <= 0 {
		interval = time.Hour
	}
	return &PurgeScheduler{
		scanner:  scanner,
		purge:    purge,
		locker:   locker,
		interval: interval,
		opts:     opts,
		scanMax:  scanLimit,
		log:      log,
	}
}

// RunOnce does one scan and purge. It returns nil when another instance
// holds the lock.
func (s *PurgeScheduler) RunOnce(ctx context.Context) (*BatchResult, error) {
	if s.locker != nil {
		release, ok, err := s.locker.TryLock(ctx, purgeLockName, s.interval)
		if err != nil {
			return nil, err
		}
		if !ok {
			s.log.Debug("purge skipped, lock held elsewhere")
			return nil, nil
		}
		defer release()
	}

	report, err := s.scanner.Scan(ctx, s.opts.Retention, s.scanMax)
	if err != nil {
		return nil, err
	}
	targets := make([]PurgeTarget, len(report.Owners))
	for i, o := range report.Owners {
		targets[i] = PurgeTarget{OwnerID: o.OwnerID, Count: o.Count}
	}
	batch := s.purge.PurgeAll(ctx, targets, s.opts)
	if batch.Total > 0 {
		s.log.Info("scheduled purge finished", zap.Int("owners", batch.Total), zap.Int("done", batch.Done))
	}
	return batch, nil
}

// Start runs RunOnce now and then every interval until ctx is done.
func (s *PurgeScheduler) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			if _, err := s.RunOnce(ctx); err != nil {
				s.log.Error("scheduled purge failed", zap.Error(err))
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}
