package services

import (
	"context"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/AnshRaj112/hams-diary/internal/models"
)

type mapCache struct {
	mu          sync.Mutex
	months      map[string][]models.DayAggregate
	gens        map[string]int
	invalidated []string
	skipped     int

	// beforeSet runs at the start of SetMonth, outside the lock.
	beforeSet func()
}

func (c *mapCache) GetMonth(_ context.Context, ownerID, month string) ([]models.DayAggregate, string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := ownerID + "/" + month
	days, ok := c.months[k]
	return days, strconv.Itoa(c.gens[k]), ok
}

func (c *mapCache) SetMonth(_ context.Context, ownerID, month, gen string, days []models.DayAggregate) {
	if c.beforeSet != nil {
		c.beforeSet()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	k := ownerID + "/" + month
	if gen != strconv.Itoa(c.gens[k]) {
		c.skipped++
		return
	}
	if c.months == nil {
		c.months = make(map[string][]models.DayAggregate)
	}
	c.months[k] = days
}

func (c *mapCache) InvalidateMonths(_ context.Context, ownerID string, months []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gens == nil {
		c.gens = make(map[string]int)
	}
	for _, m := range months {
		k := ownerID + "/" + m
		delete(c.months, k)
		c.gens[k]++
		c.invalidated = append(c.invalidated, m)
	}
}

func TestViewService_MonthCalendarUsesCache(t *testing.T) {
	cache := &mapCache{}
	f := newFixture(t, WithChangeHook(InvalidateOnChange(cache)))
	views := NewViewService(f.store, cache, zap.NewNop())
	ctx := context.Background()

	f.create(t, owner, "2024-03-02", false)
	f.create(t, owner, "2024-03-31", true)
	f.create(t, owner, "2024-04-01", false)

	days, err := views.MonthCalendar(ctx, owner, "2024-03")
	require.NoError(t, err)
	require.Len(t, days, 2)
	assert.Equal(t, "2024-03-02", days[0].Day)
	assert.True(t, days[1].HasFavorite)

	cached, _, ok := cache.GetMonth(ctx, owner, "2024-03")
	require.True(t, ok)
	assert.Len(t, cached, 2)

	f.create(t, owner, "2024-03-15", false)
	_, _, ok = cache.GetMonth(ctx, owner, "2024-03")
	assert.False(t, ok)
	days, err = views.MonthCalendar(ctx, owner, "2024-03")
	require.NoError(t, err)
	assert.Len(t, days, 3)

	_, err = views.MonthCalendar(ctx, owner, "March")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestViewService_MonthCalendarDropsFillRacingAWrite(t *testing.T) {
	cache := &mapCache{}
	f := newFixture(t, WithChangeHook(InvalidateOnChange(cache)))
	views := NewViewService(f.store, cache, zap.NewNop())
	ctx := context.Background()

	f.create(t, owner, "2024-03-01", false)

	// A write commits after the calendar query but before the fill.
	cache.beforeSet = func() {
		cache.beforeSet = nil
		f.create(t, owner, "2024-03-01", false)
	}
	days, err := views.MonthCalendar(ctx, owner, "2024-03")
	require.NoError(t, err)
	require.Len(t, days, 1)
	assert.Equal(t, int64(1), days[0].Count)
	assert.Equal(t, 1, cache.skipped)

	_, _, ok := cache.GetMonth(ctx, owner, "2024-03")
	assert.False(t, ok, "stale read must not be cached")

	days, err = views.MonthCalendar(ctx, owner, "2024-03")
	require.NoError(t, err)
	require.Len(t, days, 1)
	assert.Equal(t, int64(2), days[0].Count)
	assert.Equal(t, f.day(t, owner, "2024-03-01").Count, days[0].Count)

	cached, _, ok := cache.GetMonth(ctx, owner, "2024-03")
	require.True(t, ok)
	assert.Equal(t, int64(2), cached[0].Count)
}

func TestViewService_ListsExcludeTrash(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.create(t, owner, "2024-03-01", true)
	b := f.create(t, owner, "2024-03-03", false)
	c := f.create(t, owner, "2024-03-02", false)
	require.NoError(t, f.diaries.SoftDelete(ctx, owner, c))
	require.NoError(t, f.diaries.Update(ctx, owner, b, DiaryPatch{ShowOnTimeline: ptr(false)}))

	page, err := f.views.List(ctx, owner, 0, "")
	require.NoError(t, err)
	assert.Equal(t, []string{b, a}, ids(page.Items))

	page, err = f.views.Favorites(ctx, owner, 0, "")
	require.NoError(t, err)
	assert.Equal(t, []string{a}, ids(page.Items))

	page, err = f.views.Timeline(ctx, owner, 0, "")
	require.NoError(t, err)
	assert.Equal(t, []string{a}, ids(page.Items))

	page, err = f.views.ByDate(ctx, owner, "2024-03-02", 0, "")
	require.NoError(t, err)
	assert.Empty(t, page.Items)

	trashed, err := f.views.ListTrash(ctx, owner, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{c}, ids(trashed))

	rec, err := f.views.Get(ctx, owner, c)
	require.NoError(t, err)
	assert.True(t, rec.Deleted)
	_, err = f.views.Get(ctx, owner, "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestViewService_ListPages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		f.create(t, owner, "2024-03-01", false)
	}

	first, err := f.views.List(ctx, owner, 2, "")
	require.NoError(t, err)
	require.Len(t, first.Items, 2)
	require.NotEmpty(t, first.Next)

	second, err := f.views.List(ctx, owner, 2, first.Next)
	require.NoError(t, err)
	require.Len(t, second.Items, 2)
	assert.NotContains(t, ids(second.Items), first.Items[0].ID)

	// Same day, so the newest update comes first.
	assert.True(t, first.Items[0].UpdatedAt.After(first.Items[1].UpdatedAt))
}

func ids(recs []*models.DiaryRecord) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.ID
	}
	return out
}
