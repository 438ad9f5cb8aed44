package services

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/AnshRaj112/hams-diary/internal/docstore"
	"github.com/AnshRaj112/hams-diary/internal/models"
)

const (
	DefaultPageSize       = 20
	DefaultByDatePageSize = 50
	DefaultTrashTake      = 100
	MaxPageSize           = 100
)

// CalendarCache keeps month calendars between reads. Implementations may
// lose entries at any time.
//
// A miss returns the month's generation. SetMonth stores days only while the
// generation is unchanged, and InvalidateMonths advances it, so a read that
// raced a write is never cached.
type CalendarCache interface {
	GetMonth(ctx context.Context, ownerID, month string) (days []models.DayAggregate, gen string, ok bool)
	SetMonth(ctx context.Context, ownerID, month, gen string, days []models.DayAggregate)
	InvalidateMonths(ctx context.Context, ownerID string, months []string)
}

// InvalidateOnChange drops cached calendars for every month a mutation
// touched.
func InvalidateOnChange(cache CalendarCache) ChangeHook {
	return func(ctx context.Context, ownerID string, days []string) {
		seen := make(map[string]bool, len(days))
		var months []string
		for _, d := range days {
			if m := models.MonthOf(d); m != "" && !seen[m] {
				seen[m] = true
				months = append(months, m)
			}
		}
		if len(months) > 0 {
			cache.InvalidateMonths(ctx, ownerID, months)
		}
	}
}

type RecordPage struct {
	Items []*models.DiaryRecord `json:"items"`
	Next  string                `json:"next,omitempty"`
}

// ViewService answers the read-only queries behind the diary screens.
type ViewService struct {
	store docstore.Store
	cache CalendarCache
	log   *zap.Logger
}

func NewViewService(store docstore.Store, cache CalendarCache, log *zap.Logger) *ViewService {
	return &ViewService{store: store, cache: cache, log: log}
}

// MonthCalendar returns the owner's day aggregates within a YYYY-MM month,
// earliest day first.
func (v *ViewService) MonthCalendar(ctx context.Context, ownerID, month string) ([]models.DayAggregate, error) {
	start, end, err := models.MonthRange(month)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	var gen string
	if v.cache != nil {
		var days []models.DayAggregate
		var ok bool
		if days, gen, ok = v.cache.GetMonth(ctx, ownerID, month); ok {
			return days, nil
		}
	}

	page, err := v.store.Query(ctx, docstore.Query{
		Collection: models.DiaryDayCollection,
		Owner:      ownerID,
		Filters: []docstore.Filter{
			docstore.Where(models.FieldDay, docstore.Gte, start),
			docstore.Where(models.FieldDay, docstore.Lt, end),
		},
		OrderBy: []docstore.Order{{Field: models.FieldDay}},
	})
	if err != nil {
		return nil, fmt.Errorf("month calendar: %w", err)
	}
	days := make([]models.DayAggregate, 0, len(page.Docs))
	for _, d := range page.Docs {
		var agg models.DayAggregate
		if err := d.DataTo(&agg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", d.Key, err)
		}
		days = append(days, agg)
	}
	if v.cache != nil {
		v.cache.SetMonth(ctx, ownerID, month, gen, days)
	}
	return days, nil
}

func pageSize(n, def int) int {
	if n <= 0 {
		return def
	}
	if n > MaxPageSize {
		return MaxPageSize
	}
	return n
}

var newestFirst = []docstore.Order{
	{Field: models.FieldEntryDate, Desc: true},
	{Field: models.FieldUpdatedAt, Desc: true},
}

func (v *ViewService) page(ctx context.Context, q docstore.Query, after string) (*RecordPage, error) {
	cursor, err := docstore.DecodeCursor(after)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	q.After = cursor
	page, err := v.store.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query diaries: %w", err)
	}
	recs, err := decodeRecords(page)
	if err != nil {
		return nil, err
	}
	next, err := docstore.EncodeCursor(page.Next)
	if err != nil {
		return nil, err
	}
	return &RecordPage{Items: recs, Next: next}, nil
}

func live(extra ...docstore.Filter) []docstore.Filter {
	return append([]docstore.Filter{docstore.Where(models.FieldDeleted, docstore.Eq, false)}, extra...)
}

// List pages through the owner's live records, newest entry date first.
func (v *ViewService) List(ctx context.Context, ownerID string, limit int, after string) (*RecordPage, error) {
	return v.page(ctx, docstore.Query{
		Collection: models.DiaryCollection,
		Owner:      ownerID,
		Filters:    live(),
		OrderBy:    newestFirst,
		Limit:      pageSize(limit, DefaultPageSize),
	}, after)
}

func (v *ViewService) Timeline(ctx context.Context, ownerID string, limit int, after string) (*RecordPage, error) {
	return v.page(ctx, docstore.Query{
		Collection: models.DiaryCollection,
		Owner:      ownerID,
		Filters:    live(docstore.Where(models.FieldShowOnTimeline, docstore.Eq, true)),
		OrderBy: []docstore.Order{
			{Field: models.FieldTimelineDate, Desc: true},
			{Field: models.FieldUpdatedAt, Desc: true},
		},
		Limit: pageSize(limit, DefaultPageSize),
	}, after)
}

func (v *ViewService) Favorites(ctx context.Context, ownerID string, limit int, after string) (*RecordPage, error) {
	return v.page(ctx, docstore.Query{
		Collection: models.DiaryCollection,
		Owner:      ownerID,
		Filters:    live(docstore.Where(models.FieldFavorite, docstore.Eq, true)),
		OrderBy:    newestFirst,
		Limit:      pageSize(limit, DefaultPageSize),
	}, after)
}

func (v *ViewService) ByDate(ctx context.Context, ownerID, day string, limit int, after string) (*RecordPage, error) {
	if _, err := models.ParseDay(day); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return v.page(ctx, docstore.Query{
		Collection: models.DiaryCollection,
		Owner:      ownerID,
		Filters:    live(docstore.Where(models.FieldEntryDate, docstore.Eq, day)),
		OrderBy:    []docstore.Order{{Field: models.FieldUpdatedAt, Desc: true}},
		Limit:      pageSize(limit, DefaultByDatePageSize),
	}, after)
}

// Get returns one record, live or trashed.
func (v *ViewService) Get(ctx context.Context, ownerID, id string) (*models.DiaryRecord, error) {
	snap, err := v.store.Get(ctx, diaryKey(ownerID, id))
	if err != nil {
		return nil, fmt.Errorf("get diary: %w", err)
	}
	if !snap.Exists() {
		return nil, fmt.Errorf("diary %s: %w", id, ErrNotFound)
	}
	var rec models.DiaryRecord
	if err := snap.DataTo(&rec); err != nil {
		return nil, fmt.Errorf("decode diary %s: %w", id, err)
	}
	return &rec, nil
}

// ListTrash returns the owner's soft-deleted records, most recently
// changed first.
func (v *ViewService) ListTrash(ctx context.Context, ownerID string, take int) ([]*models.DiaryRecord, error) {
	page, err := v.store.Query(ctx, docstore.Query{
		Collection: models.DiaryCollection,
		Owner:      ownerID,
		Filters:    []docstore.Filter{docstore.Where(models.FieldDeleted, docstore.Eq, true)},
		OrderBy:    []docstore.Order{{Field: models.FieldUpdatedAt, Desc: true}},
		Limit:      pageSize(take, DefaultTrashTake),
	})
	if err != nil {
		return nil, fmt.Errorf("list trash: %w", err)
	}
	return decodeRecords(page)
}
