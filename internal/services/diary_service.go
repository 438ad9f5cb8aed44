package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/AnshRaj112/hams-diary/internal/docstore"
	"github.com/AnshRaj112/hams-diary/internal/models"
)

// ChangeHook is called after a committed mutation with the days whose
// aggregates it touched.
type ChangeHook func(ctx context.Context, ownerID string, days []string)

// DiaryService owns every write to diary records and day aggregates. Each
// operation runs in one store transaction that reads everything its
// decision depends on before it writes, so a retried attempt recomputes the
// aggregate from fresh reads.
type DiaryService struct {
	store    docstore.Store
	log      *zap.Logger
	onChange ChangeHook
}

type DiaryOption func(*DiaryService)

func WithChangeHook(h ChangeHook) DiaryOption {
	return func(s *DiaryService) { s.onChange = h }
}

func NewDiaryService(store docstore.Store, log *zap.Logger, opts ...DiaryOption) *DiaryService {
	s := &DiaryService{store: store, log: log}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateDiaryInput is the body of a new record. ID may be supplied by
// clients that upload images before the record exists.
type CreateDiaryInput struct {
	ID              string           `json:"id,omitempty"`
	EntryDate       string           `json:"entry_date"`
	Title           string           `json:"title"`
	BodyRich        string           `json:"body_rich"`
	BodyPlain       string           `json:"body_plain"`
	Mood            string           `json:"mood,omitempty"`
	Tags            []string         `json:"tags,omitempty"`
	Favorite        bool             `json:"favorite"`
	ShowOnTimeline  *bool            `json:"show_on_timeline,omitempty"`
	TimelineTitle   string           `json:"timeline_title,omitempty"`
	TimelineSummary string           `json:"timeline_summary,omitempty"`
	TimelineDate    string           `json:"timeline_date,omitempty"`
	ContentImages   []models.BlobRef `json:"content_images,omitempty"`
	Attachments     []models.BlobRef `json:"attachments,omitempty"`
	AuthorName      string           `json:"author_name,omitempty"`
}

// DiaryPatch is a merge patch: nil fields are left alone.
type DiaryPatch struct {
	EntryDate       *string           `json:"entry_date,omitempty"`
	Title           *string           `json:"title,omitempty"`
	BodyRich        *string           `json:"body_rich,omitempty"`
	BodyPlain       *string           `json:"body_plain,omitempty"`
	Mood            *string           `json:"mood,omitempty"`
	Tags            *[]string         `json:"tags,omitempty"`
	Favorite        *bool             `json:"favorite,omitempty"`
	ShowOnTimeline  *bool             `json:"show_on_timeline,omitempty"`
	TimelineTitle   *string           `json:"timeline_title,omitempty"`
	TimelineSummary *string           `json:"timeline_summary,omitempty"`
	TimelineDate    *string           `json:"timeline_date,omitempty"`
	ContentImages   *[]models.BlobRef `json:"content_images,omitempty"`
	Attachments     *[]models.BlobRef `json:"attachments,omitempty"`
}

func diaryKey(ownerID, id string) docstore.Key {
	return docstore.Key{Collection: models.DiaryCollection, Owner: ownerID, ID: id}
}

func dayKey(ownerID, day string) docstore.Key {
	return docstore.Key{Collection: models.DiaryDayCollection, Owner: ownerID, ID: day}
}

func readRecord(ctx context.Context, tx docstore.Tx, key docstore.Key) (*models.DiaryRecord, error) {
	snap, err := tx.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if !snap.Exists() {
		return nil, nil
	}
	var rec models.DiaryRecord
	if err := snap.DataTo(&rec); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return &rec, nil
}

func readDay(ctx context.Context, tx docstore.Tx, key docstore.Key) (*models.DayAggregate, error) {
	snap, err := tx.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if !snap.Exists() {
		return nil, nil
	}
	var agg models.DayAggregate
	if err := snap.DataTo(&agg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return &agg, nil
}

// incrementDay writes agg+1, or a fresh aggregate when agg is nil.
func incrementDay(tx docstore.Tx, key docstore.Key, agg *models.DayAggregate, favorite bool) error {
	now := tx.Now()
	if agg == nil {
		return tx.Set(key, models.DayAggregate{
			Day:         key.ID,
			Count:       1,
			HasFavorite: favorite,
			LastEntryAt: now,
			UpdatedAt:   now,
			CreatedAt:   &now,
		})
	}
	next := *agg
	next.Count++
	next.HasFavorite = next.HasFavorite || favorite
	next.LastEntryAt = now
	next.UpdatedAt = now
	return tx.Set(key, next)
}

// decrementDay removes one live record from agg. The aggregate is deleted
// rather than stored with a zero count.
func decrementDay(tx docstore.Tx, key docstore.Key, agg *models.DayAggregate) error {
	if agg == nil {
		return nil
	}
	if agg.Count <= 1 {
		return tx.Delete(key)
	}
	next := *agg
	next.Count--
	next.UpdatedAt = tx.Now()
	return tx.Set(key, next)
}

func (s *DiaryService) changed(ctx context.Context, ownerID string, days ...string) {
	if s.onChange == nil || len(days) == 0 {
		return
	}
	s.onChange(ctx, ownerID, days)
}

// Create files a new live record and counts it on its day. Creating an id
// that already exists is a no-op, which makes client retries safe.
func (s *DiaryService) Create(ctx context.Context, ownerID string, in CreateDiaryInput) (string, error) {
	if ownerID == "" {
		return "", validationf("owner id is required")
	}
	if _, err := models.ParseDay(in.EntryDate); err != nil {
		return "", fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if in.TimelineDate != "" {
		if _, err := models.ParseDay(in.TimelineDate); err != nil {
			return "", fmt.Errorf("%w: %v", ErrValidation, err)
		}
	}
	id := strings.TrimSpace(in.ID)
	if id == "" {
		id = uuid.NewString()
	}

	recKey, aggKey := diaryKey(ownerID, id), dayKey(ownerID, in.EntryDate)
	var created bool
	err := s.store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		created = false
		existing, err := readRecord(ctx, tx, recKey)
		if err != nil {
			return err
		}
		if existing != nil {
			return nil
		}
		agg, err := readDay(ctx, tx, aggKey)
		if err != nil {
			return err
		}

		now := tx.Now()
		rec := newRecord(ownerID, id, in)
		rec.CreatedAt, rec.UpdatedAt = now, now
		if err := tx.Set(recKey, rec); err != nil {
			return err
		}
		created = true
		return incrementDay(tx, aggKey, agg, in.Favorite)
	})
	if err != nil {
		return "", storeErr("create diary", err)
	}
	if created {
		s.log.Debug("diary created", zap.String("owner", ownerID), zap.String("id", id), zap.String("day", in.EntryDate))
		s.changed(ctx, ownerID, in.EntryDate)
	}
	return id, nil
}

func newRecord(ownerID, id string, in CreateDiaryInput) models.DiaryRecord {
	showOnTimeline := true
	if in.ShowOnTimeline != nil {
		showOnTimeline = *in.ShowOnTimeline
	}
	timelineDate := in.TimelineDate
	if timelineDate == "" {
		timelineDate = in.EntryDate
	}
	author := strings.TrimSpace(in.AuthorName)
	if author == "" {
		author = models.DefaultAuthorName
	}
	return models.DiaryRecord{
		ID:              id,
		OwnerID:         ownerID,
		EntryDate:       in.EntryDate,
		Title:           in.Title,
		BodyRich:        in.BodyRich,
		BodyPlain:       in.BodyPlain,
		Mood:            in.Mood,
		Tags:            nonNil(in.Tags),
		Favorite:        in.Favorite,
		AuthorName:      author,
		ShowOnTimeline:  showOnTimeline,
		TimelineTitle:   in.TimelineTitle,
		TimelineSummary: in.TimelineSummary,
		TimelineDate:    timelineDate,
		ContentImages:   nonNil(in.ContentImages),
		Attachments:     nonNil(in.Attachments),
	}
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// Update applies a merge patch to a live record. Moving the record to
// another day moves its contribution between the two aggregates.
func (s *DiaryService) Update(ctx context.Context, ownerID, id string, patch DiaryPatch) error {
	if patch.EntryDate != nil {
		if _, err := models.ParseDay(*patch.EntryDate); err != nil {
			return fmt.Errorf("%w: %v", ErrValidation, err)
		}
	}
	if patch.TimelineDate != nil && *patch.TimelineDate != "" {
		if _, err := models.ParseDay(*patch.TimelineDate); err != nil {
			return fmt.Errorf("%w: %v", ErrValidation, err)
		}
	}

	recKey := diaryKey(ownerID, id)
	var touched []string
	err := s.store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		touched = nil
		rec, err := readRecord(ctx, tx, recKey)
		if err != nil {
			return err
		}
		if rec == nil {
			return fmt.Errorf("diary %s: %w", id, ErrNotFound)
		}
		if rec.Deleted {
			return fmt.Errorf("diary %s is in the trash: %w", id, ErrInvalidState)
		}

		currentDay := rec.EntryDate
		nextDay := currentDay
		if patch.EntryDate != nil {
			nextDay = *patch.EntryDate
		}
		currentKey, nextKey := dayKey(ownerID, currentDay), dayKey(ownerID, nextDay)

		currentAgg, err := readDay(ctx, tx, currentKey)
		if err != nil {
			return err
		}
		var nextAgg *models.DayAggregate
		if nextDay != currentDay {
			if nextAgg, err = readDay(ctx, tx, nextKey); err != nil {
				return err
			}
		}

		now := tx.Now()
		if err := tx.Update(recKey, patchFields(patch, nextDay, now)); err != nil {
			return err
		}

		if nextDay != currentDay {
			favorite := rec.Favorite
			if patch.Favorite != nil {
				favorite = *patch.Favorite
			}
			if err := decrementDay(tx, currentKey, currentAgg); err != nil {
				return err
			}
			if err := incrementDay(tx, nextKey, nextAgg, favorite); err != nil {
				return err
			}
			touched = []string{currentDay, nextDay}
			return nil
		}

		touched = []string{currentDay}
		if currentAgg == nil {
			// The aggregate went missing while a live record sits on this
			// day; count this record again.
			favorite := rec.Favorite
			if patch.Favorite != nil {
				favorite = *patch.Favorite
			}
			return incrementDay(tx, currentKey, nil, favorite)
		}
		next := *currentAgg
		next.LastEntryAt = now
		next.UpdatedAt = now
		if patch.Favorite != nil && *patch.Favorite {
			next.HasFavorite = true
		}
		return tx.Set(currentKey, next)
	})
	if err != nil {
		return storeErr("update diary", err)
	}
	s.changed(ctx, ownerID, touched...)
	return nil
}

func patchFields(p DiaryPatch, nextDay string, now time.Time) docstore.Fields {
	f := docstore.Fields{models.FieldUpdatedAt: now}
	if p.EntryDate != nil {
		f[models.FieldEntryDate] = *p.EntryDate
	}
	if p.Title != nil {
		f["title"] = *p.Title
	}
	if p.BodyRich != nil {
		f["body_rich"] = *p.BodyRich
	}
	if p.BodyPlain != nil {
		f["body_plain"] = *p.BodyPlain
	}
	if p.Mood != nil {
		f["mood"] = *p.Mood
	}
	if p.Tags != nil {
		f["tags"] = nonNil(*p.Tags)
	}
	if p.Favorite != nil {
		f[models.FieldFavorite] = *p.Favorite
	}
	if p.ShowOnTimeline != nil {
		f[models.FieldShowOnTimeline] = *p.ShowOnTimeline
	}
	if p.TimelineTitle != nil {
		f["timeline_title"] = *p.TimelineTitle
	}
	if p.TimelineSummary != nil {
		f["timeline_summary"] = *p.TimelineSummary
	}
	if p.TimelineDate != nil {
		td := *p.TimelineDate
		if td == "" {
			td = nextDay
		}
		f[models.FieldTimelineDate] = td
	}
	if p.ContentImages != nil {
		f["content_images"] = nonNil(*p.ContentImages)
	}
	if p.Attachments != nil {
		f["attachments"] = nonNil(*p.Attachments)
	}
	return f
}

// HardDelete removes a record outright. A live record is also taken off its
// day; a record already in the trash stopped counting when it was
// soft-deleted.
func (s *DiaryService) HardDelete(ctx context.Context, ownerID, id string) error {
	_, err := s.hardDelete(ctx, ownerID, id)
	return err
}

// hardDelete returns the record as it was before deletion, or nil if it
// did not exist.
func (s *DiaryService) hardDelete(ctx context.Context, ownerID, id string) (*models.DiaryRecord, error) {
	recKey := diaryKey(ownerID, id)
	var removed *models.DiaryRecord
	err := s.store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		removed = nil
		rec, err := readRecord(ctx, tx, recKey)
		if err != nil || rec == nil {
			return err
		}
		var agg *models.DayAggregate
		aggKey := dayKey(ownerID, rec.EntryDate)
		if !rec.Deleted {
			if agg, err = readDay(ctx, tx, aggKey); err != nil {
				return err
			}
		}
		if err := tx.Delete(recKey); err != nil {
			return err
		}
		removed = rec
		if rec.Deleted {
			return nil
		}
		return decrementDay(tx, aggKey, agg)
	})
	if err != nil {
		return nil, storeErr("hard delete diary", err)
	}
	if removed != nil && !removed.Deleted {
		s.changed(ctx, ownerID, removed.EntryDate)
	}
	return removed, nil
}

// SoftDelete moves a live record to the trash and takes it off its day.
func (s *DiaryService) SoftDelete(ctx context.Context, ownerID, id string) error {
	recKey := diaryKey(ownerID, id)
	var day string
	err := s.store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		day = ""
		rec, err := readRecord(ctx, tx, recKey)
		if err != nil || rec == nil || rec.Deleted {
			return err
		}
		aggKey := dayKey(ownerID, rec.EntryDate)
		agg, err := readDay(ctx, tx, aggKey)
		if err != nil {
			return err
		}
		now := tx.Now()
		if err := tx.Update(recKey, docstore.Fields{
			models.FieldDeleted:   true,
			models.FieldDeletedAt: now,
			models.FieldUpdatedAt: now,
		}); err != nil {
			return err
		}
		day = rec.EntryDate
		return decrementDay(tx, aggKey, agg)
	})
	if err != nil {
		return storeErr("soft delete diary", err)
	}
	if day != "" {
		s.changed(ctx, ownerID, day)
	}
	return nil
}

// Restore brings a trashed record back. The day aggregate is incremented
// blindly with an upsert, since SoftDelete already took the record off it.
func (s *DiaryService) Restore(ctx context.Context, ownerID, id string) error {
	recKey := diaryKey(ownerID, id)
	var day string
	err := s.store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		day = ""
		rec, err := readRecord(ctx, tx, recKey)
		if err != nil {
			return err
		}
		if rec == nil {
			return fmt.Errorf("diary %s: %w", id, ErrNotFound)
		}
		if !rec.Deleted {
			return nil
		}
		if _, err := models.ParseDay(rec.EntryDate); err != nil {
			return fmt.Errorf("diary %s has no usable entry date: %w", id, ErrInvalidState)
		}

		now := tx.Now()
		if err := tx.Update(recKey, docstore.Fields{
			models.FieldDeleted:    false,
			models.FieldRestoredAt: now,
			models.FieldUpdatedAt:  now,
		}); err != nil {
			return err
		}
		fields := docstore.Fields{
			models.FieldDay:         rec.EntryDate,
			models.FieldCount:       docstore.Increment(1),
			models.FieldLastEntryAt: now,
			models.FieldUpdatedAt:   now,
			models.FieldCreatedAt:   docstore.OnCreate(now),
		}
		if rec.Favorite {
			fields[models.FieldHasFavorite] = true
		} else {
			fields[models.FieldHasFavorite] = docstore.OnCreate(false)
		}
		day = rec.EntryDate
		return tx.Merge(dayKey(ownerID, rec.EntryDate), fields)
	})
	if err != nil {
		return storeErr("restore diary", err)
	}
	if day != "" {
		s.changed(ctx, ownerID, day)
	}
	return nil
}
