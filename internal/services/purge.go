package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/AnshRaj112/hams-diary/internal/blobstore"
	"github.com/AnshRaj112/hams-diary/internal/docstore"
	"github.com/AnshRaj112/hams-diary/internal/models"
)

const defaultBlobConcurrency = 4

// PurgeResult is what one owner's purge removed. BlobCount is the number of
// blob paths whose deletion was attempted; BlobFailures of those failed.
type PurgeResult struct {
	OwnerID      string `json:"owner_id"`
	DeletedCount int    `json:"deleted_count"`
	BlobCount    int    `json:"blob_count"`
	BlobFailures int    `json:"blob_failures"`
}

type PurgeTarget struct {
	OwnerID string `json:"owner_id"`
	Count   int    `json:"count,omitempty"`
}

type OwnerOutcome struct {
	OwnerID      string `json:"owner_id"`
	OK           bool   `json:"ok"`
	DeletedCount int    `json:"deleted_count"`
	BlobCount    int    `json:"blob_count"`
	BlobFailures int    `json:"blob_failures"`
	Error        string `json:"error,omitempty"`
}

// NewOwnerOutcome reports one owner's purge. A purge that failed part way
// keeps the counts of what it did remove.
func NewOwnerOutcome(res PurgeResult, err error) OwnerOutcome {
	out := OwnerOutcome{
		OwnerID:      res.OwnerID,
		OK:           err == nil,
		DeletedCount: res.DeletedCount,
		BlobCount:    res.BlobCount,
		BlobFailures: res.BlobFailures,
	}
	if err != nil {
		out.Error = err.Error()
	}
	return out
}

// PartialPurgeError is returned by PurgeExpired when some records could not
// be purged. The PurgeResult returned alongside it counts the others.
type PartialPurgeError struct {
	Failed int
	Err    error
}

func (e *PartialPurgeError) Error() string {
	return fmt.Sprintf("%d record(s) not purged: %v", e.Failed, e.Err)
}

func (e *PartialPurgeError) Unwrap() error { return e.Err }

type BatchResult struct {
	Total   int            `json:"total"`
	Done    int            `json:"done"`
	Results []OwnerOutcome `json:"results"`
}

type PurgeOptions struct {
	// Concurrency is how many owners are purged at once. Zero means one.
	Concurrency int
	Retention   time.Duration
	Limit       int
	// OnResult is called once per finished owner. Calls are serialised.
	OnResult func(OwnerOutcome)
}

// PurgeService hard-removes records and the blobs they reference.
type PurgeService struct {
	store   docstore.Store
	scanner *TrashScanner
	diaries *DiaryService
	blobs   blobstore.Store
	events  EventPublisher
	log     *zap.Logger

	blobConcurrency int
}

func NewPurgeService(store docstore.Store, scanner *TrashScanner, diaries *DiaryService, blobs blobstore.Store, events EventPublisher, log *zap.Logger) *PurgeService {
	if events == nil {
		events = NopPublisher{}
	}
	return &PurgeService{
		store:           store,
		scanner:         scanner,
		diaries:         diaries,
		blobs:           blobs,
		events:          events,
		log:             log,
		blobConcurrency: defaultBlobConcurrency,
	}
}

// deleteBlobs removes every path, best effort. It returns how many
// deletions failed.
func (s *PurgeService) deleteBlobs(ctx context.Context, ownerID string, paths []string) int {
	if len(paths) == 0 {
		return 0
	}
	var failures atomic.Int64
	g := new(errgroup.Group)
	g.SetLimit(s.blobConcurrency)
	for _, p := range paths {
		g.Go(func() error {
			if err := s.blobs.Delete(ctx, p); err != nil {
				failures.Add(1)
				s.log.Warn("blob delete failed", zap.String("owner", ownerID), zap.String("path", p), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
	return int(failures.Load())
}

// removeExpired deletes the record document if it is still in the trash.
// The day aggregate is not touched: soft-delete already took the record
// off it.
func (s *PurgeService) removeExpired(ctx context.Context, key docstore.Key) (bool, error) {
	var removed bool
	err := s.store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		removed = false
		rec, err := readRecord(ctx, tx, key)
		if err != nil || rec == nil || !rec.Deleted {
			return err
		}
		removed = true
		return tx.Delete(key)
	})
	return removed, err
}

// PurgeExpired removes the owner's records whose retention window has
// passed, up to limit of them. Running it again after it succeeded finds
// nothing to do.
func (s *PurgeService) PurgeExpired(ctx context.Context, ownerID string, retention time.Duration, limit int) (PurgeResult, error) {
	res := PurgeResult{OwnerID: ownerID}
	recs, err := s.scanner.FindExpiredForOwner(ctx, ownerID, retention, limit)
	if err != nil {
		return res, err
	}

	var errs []error
	for _, rec := range recs {
		key := diaryKey(ownerID, rec.ID)

		// Skip records restored since the scan before touching their blobs.
		current, err := s.store.Get(ctx, key)
		if err != nil {
			errs = append(errs, fmt.Errorf("read %s: %w", rec.ID, err))
			continue
		}
		if !current.Exists() {
			continue
		}
		var fresh models.DiaryRecord
		if err := current.DataTo(&fresh); err != nil {
			s.log.Warn("undecodable diary left in trash", zap.String("owner", ownerID), zap.String("id", rec.ID), zap.Error(err))
			errs = append(errs, fmt.Errorf("decode %s: %w", rec.ID, err))
			continue
		}
		if !fresh.Deleted {
			continue
		}

		paths := CollectBlobPaths(&fresh)
		res.BlobCount += len(paths)
		res.BlobFailures += s.deleteBlobs(ctx, ownerID, paths)

		removed, err := s.removeExpired(ctx, key)
		if err != nil {
			s.log.Error("purge record failed", zap.String("owner", ownerID), zap.String("id", rec.ID), zap.Error(err))
			errs = append(errs, storeErr("purge "+rec.ID, err))
			continue
		}
		if removed {
			res.DeletedCount++
		}
	}

	s.log.Info("purged expired diaries",
		zap.String("owner", ownerID),
		zap.Int("deleted", res.DeletedCount),
		zap.Int("blobs", res.BlobCount),
		zap.Int("blob_failures", res.BlobFailures))

	if len(errs) > 0 {
		err = &PartialPurgeError{Failed: len(errs), Err: errors.Join(errs...)}
	}
	s.publish(ctx, res, err)
	return res, err
}

func (s *PurgeService) publish(ctx context.Context, res PurgeResult, purgeErr error) {
	if res.DeletedCount == 0 && purgeErr == nil {
		return
	}
	ev := PurgeEvent{
		OwnerID:      res.OwnerID,
		DeletedCount: res.DeletedCount,
		BlobCount:    res.BlobCount,
		BlobFailures: res.BlobFailures,
		At:           s.store.Now(),
	}
	if purgeErr != nil {
		ev.Error = purgeErr.Error()
	}
	if err := s.events.PublishPurge(ctx, ev); err != nil {
		s.log.Warn("publish purge event failed", zap.String("owner", res.OwnerID), zap.Error(err))
	}
}

// DeleteForever permanently removes one record at the owner's request,
// whether it is in the trash or live, and then its blobs. A missing record
// is not an error.
func (s *PurgeService) DeleteForever(ctx context.Context, ownerID, id string) (PurgeResult, error) {
	res := PurgeResult{OwnerID: ownerID}
	rec, err := s.diaries.hardDelete(ctx, ownerID, id)
	if err != nil || rec == nil {
		return res, err
	}
	res.DeletedCount = 1
	paths := CollectBlobPaths(rec)
	res.BlobCount = len(paths)
	res.BlobFailures = s.deleteBlobs(ctx, ownerID, paths)
	return res, nil
}

// PurgeAll purges every target owner with bounded concurrency. A failing
// owner is reported and does not stop the others. Cancelling ctx stops
// owners that have not started; owners already running finish.
func (s *PurgeService) PurgeAll(ctx context.Context, targets []PurgeTarget, opts PurgeOptions) *BatchResult {
	conc := opts.Concurrency
	if conc <= 0 {
		conc = 1
	}

	outcomes := make([]*OwnerOutcome, len(targets))
	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(conc)

	for i, t := range targets {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			res, err := s.PurgeExpired(context.WithoutCancel(ctx), t.OwnerID, opts.Retention, opts.Limit)
			out := NewOwnerOutcome(res, err)
			if err != nil {
				s.log.Warn("owner purge failed", zap.String("owner", t.OwnerID), zap.Error(err))
			}

			mu.Lock()
			defer mu.Unlock()
			outcomes[i] = &out
			if opts.OnResult != nil {
				opts.OnResult(out)
			}
			return nil
		})
	}
	_ = g.Wait()

	batch := &BatchResult{Total: len(targets), Results: make([]OwnerOutcome, 0, len(targets))}
	for _, o := range outcomes {
		if o != nil {
			batch.Results = append(batch.Results, *o)
		}
	}
	batch.Done = len(batch.Results)
	return batch
}
