package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/AnshRaj112/hams-diary/internal/blobstore"
	"github.com/AnshRaj112/hams-diary/internal/docstore"
	"github.com/AnshRaj112/hams-diary/internal/models"
)

const owner = "owner-1"

type fixture struct {
	store   *docstore.MemoryStore
	blobs   *blobstore.Memory
	clock   *fakeClock
	diaries *DiaryService
	views   *ViewService
	scanner *TrashScanner
	purge   *PurgeService
}

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newFixture(t *testing.T, opts ...DiaryOption) *fixture {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	store := docstore.NewMemoryStore(
		docstore.WithClock(clock.Now),
		docstore.WithRetryPolicy(docstore.RetryPolicy{MaxRetries: 100, Base: time.Microsecond}),
	)
	log := zap.NewNop()
	blobs := blobstore.NewMemory()
	diaries := NewDiaryService(store, log, opts...)
	scanner := NewTrashScanner(store, nil, log)
	return &fixture{
		store:   store,
		blobs:   blobs,
		clock:   clock,
		diaries: diaries,
		views:   NewViewService(store, nil, log),
		scanner: scanner,
		purge:   NewPurgeService(store, scanner, diaries, blobs, nil, log),
	}
}

func (f *fixture) create(t *testing.T, ownerID, day string, favorite bool) string {
	t.Helper()
	id, err := f.diaries.Create(context.Background(), ownerID, CreateDiaryInput{EntryDate: day, Title: "t", Favorite: favorite})
	require.NoError(t, err)
	return id
}

func (f *fixture) day(t *testing.T, ownerID, day string) *models.DayAggregate {
	t.Helper()
	snap, err := f.store.Get(context.Background(), dayKey(ownerID, day))
	require.NoError(t, err)
	if !snap.Exists() {
		return nil
	}
	var agg models.DayAggregate
	require.NoError(t, snap.DataTo(&agg))
	return &agg
}

func (f *fixture) record(t *testing.T, ownerID, id string) *models.DiaryRecord {
	t.Helper()
	snap, err := f.store.Get(context.Background(), diaryKey(ownerID, id))
	require.NoError(t, err)
	if !snap.Exists() {
		return nil
	}
	var rec models.DiaryRecord
	require.NoError(t, snap.DataTo(&rec))
	return &rec
}

// requireInvariant checks that every day aggregate counts exactly the live
// records on that day and that no day without live records has one.
func (f *fixture) requireInvariant(t *testing.T, ownerID string) {
	t.Helper()
	ctx := context.Background()

	recs, err := f.store.Query(ctx, docstore.Query{Collection: models.DiaryCollection, Owner: ownerID})
	require.NoError(t, err)
	live := make(map[string]int64)
	for _, d := range recs.Docs {
		var rec models.DiaryRecord
		require.NoError(t, d.DataTo(&rec))
		if !rec.Deleted {
			live[rec.EntryDate]++
		}
	}

	days, err := f.store.Query(ctx, docstore.Query{Collection: models.DiaryDayCollection, Owner: ownerID})
	require.NoError(t, err)
	counted := make(map[string]int64)
	for _, d := range days.Docs {
		var agg models.DayAggregate
		require.NoError(t, d.DataTo(&agg))
		require.Positive(t, agg.Count, "stored aggregate %s has count %d", agg.Day, agg.Count)
		counted[agg.Day] = agg.Count
	}
	require.Equal(t, live, counted)
}
