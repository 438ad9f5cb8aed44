package services

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/AnshRaj112/hams-diary/internal/docstore"
	"github.com/AnshRaj112/hams-diary/internal/models"
)

const (
	DefaultRetention       = 24 * time.Hour
	DefaultScanLimit       = 2000
	DefaultOwnerPurgeLimit = 500
)

// ExpiredPage is one page of the cross-owner expired query. Next is an
// opaque cursor token, empty on the last page.
type ExpiredPage struct {
	Cutoff  time.Time             `json:"cutoff"`
	Records []*models.DiaryRecord `json:"records"`
	Next    string                `json:"next,omitempty"`
}

type OwnerSummary struct {
	OwnerID     string `json:"owner_id"`
	DisplayName string `json:"display_name"`
	Email       string `json:"email"`
	Count       int    `json:"count"`
}

type ScanReport struct {
	Cutoff time.Time      `json:"cutoff"`
	Owners []OwnerSummary `json:"owners"`
}

// TrashScanner finds soft-deleted records whose retention window has
// passed. It only reads.
type TrashScanner struct {
	store  docstore.Store
	owners OwnerDirectory
	log    *zap.Logger
}

func NewTrashScanner(store docstore.Store, owners OwnerDirectory, log *zap.Logger) *TrashScanner {
	return &TrashScanner{store: store, owners: owners, log: log}
}

func (s *TrashScanner) cutoff(retention time.Duration) time.Time {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return s.store.Now().Add(-retention)
}

func expiredQuery(ownerID string, cutoff time.Time, limit int) docstore.Query {
	return docstore.Query{
		Collection: models.DiaryCollection,
		Owner:      ownerID,
		Filters: []docstore.Filter{
			docstore.Where(models.FieldDeleted, docstore.Eq, true),
			docstore.Where(models.FieldDeletedAt, docstore.Lte, cutoff),
		},
		OrderBy: []docstore.Order{{Field: models.FieldDeletedAt}},
		Limit:   limit,
	}
}

func decodeRecords(page *docstore.Page) ([]*models.DiaryRecord, error) {
	recs := make([]*models.DiaryRecord, 0, len(page.Docs))
	for _, d := range page.Docs {
		var rec models.DiaryRecord
		if err := d.DataTo(&rec); err != nil {
			return nil, fmt.Errorf("decode %s: %w", d.Key, err)
		}
		recs = append(recs, &rec)
	}
	return recs, nil
}

// FindExpired pages through expired records of every owner, oldest
// deletion first.
func (s *TrashScanner) FindExpired(ctx context.Context, retention time.Duration, limit int, after string) (*ExpiredPage, error) {
	if limit <= 0 {
		limit = DefaultScanLimit
	}
	cursor, err := docstore.DecodeCursor(after)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	cutoff := s.cutoff(retention)
	q := expiredQuery("", cutoff, limit)
	q.After = cursor

	page, err := s.store.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("find expired: %w", err)
	}
	recs, err := decodeRecords(page)
	if err != nil {
		return nil, err
	}
	next, err := docstore.EncodeCursor(page.Next)
	if err != nil {
		return nil, err
	}
	return &ExpiredPage{Cutoff: cutoff, Records: recs, Next: next}, nil
}

// FindExpiredForOwner returns up to limit expired records of one owner.
func (s *TrashScanner) FindExpiredForOwner(ctx context.Context, ownerID string, retention time.Duration, limit int) ([]*models.DiaryRecord, error) {
	if ownerID == "" {
		return nil, validationf("owner id is required")
	}
	if limit <= 0 {
		limit = DefaultOwnerPurgeLimit
	}
	page, err := s.store.Query(ctx, expiredQuery(ownerID, s.cutoff(retention), limit))
	if err != nil {
		return nil, fmt.Errorf("find expired for %s: %w", ownerID, err)
	}
	return decodeRecords(page)
}

// Scan groups one page of expired records by owner, most records first.
// Owner names come from the directory when it answers; otherwise the
// default name is used.
func (s *TrashScanner) Scan(ctx context.Context, retention time.Duration, limit int) (*ScanReport, error) {
	page, err := s.FindExpired(ctx, retention, limit, "")
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int)
	var ids []string
	for _, rec := range page.Records {
		if counts[rec.OwnerID] == 0 {
			ids = append(ids, rec.OwnerID)
		}
		counts[rec.OwnerID]++
	}

	var known map[string]models.Owner
	if s.owners != nil && len(ids) > 0 {
		known, err = s.owners.LookupOwners(ctx, ids)
		if err != nil {
			s.log.Warn("owner lookup failed, using fallback names", zap.Error(err))
			known = nil
		}
	}

	report := &ScanReport{Cutoff: page.Cutoff, Owners: make([]OwnerSummary, 0, len(ids))}
	for _, id := range ids {
		sum := OwnerSummary{OwnerID: id, DisplayName: models.DefaultAuthorName, Count: counts[id]}
		if o, ok := known[id]; ok {
			sum.DisplayName = models.DisplayNameFor(o.DisplayName, o.Email)
			sum.Email = o.Email
		}
		report.Owners = append(report.Owners, sum)
	}
	sort.Slice(report.Owners, func(i, j int) bool {
		a, b := report.Owners[i], report.Owners[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.OwnerID < b.OwnerID
	})
	return report, nil
}
