package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/AnshRaj112/hams-diary/internal/models"
)

type fakeDirectory struct {
	owners map[string]models.Owner
	err    error
}

func (d *fakeDirectory) EnsureOwner(_ context.Context, p OwnerProfile) (*models.Owner, error) {
	o := models.Owner{OwnerID: p.OwnerID, DisplayName: models.DisplayNameFor(p.Name, p.Email), Email: p.Email}
	if d.owners == nil {
		d.owners = make(map[string]models.Owner)
	}
	d.owners[p.OwnerID] = o
	return &o, nil
}

func (d *fakeDirectory) LookupOwners(_ context.Context, ids []string) (map[string]models.Owner, error) {
	if d.err != nil {
		return nil, d.err
	}
	out := make(map[string]models.Owner)
	for _, id := range ids {
		if o, ok := d.owners[id]; ok {
			out[id] = o
		}
	}
	return out, nil
}

func trash(t *testing.T, f *fixture, ownerID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		id := f.create(t, ownerID, "2024-03-01", false)
		require.NoError(t, f.diaries.SoftDelete(context.Background(), ownerID, id))
	}
}

func TestTrashScanner_FindExpiredRespectsRetention(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	trash(t, f, "a", 2)
	f.clock.Advance(12 * time.Hour)
	trash(t, f, "b", 1)
	f.create(t, "c", "2024-03-01", false)

	f.clock.Advance(13 * time.Hour)
	page, err := f.scanner.FindExpired(ctx, 24*time.Hour, 0, "")
	require.NoError(t, err)
	require.Len(t, page.Records, 2)
	for _, rec := range page.Records {
		assert.Equal(t, "a", rec.OwnerID)
		assert.True(t, rec.Deleted)
	}
	assert.Empty(t, page.Next)

	page, err = f.scanner.FindExpired(ctx, time.Hour, 0, "")
	require.NoError(t, err)
	assert.Len(t, page.Records, 3)
	assert.Equal(t, "a", page.Records[0].OwnerID)
	assert.Equal(t, "b", page.Records[2].OwnerID)
}

func TestTrashScanner_FindExpiredPages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	trash(t, f, "a", 5)
	f.clock.Advance(25 * time.Hour)

	var total int
	after := ""
	for {
		page, err := f.scanner.FindExpired(ctx, 24*time.Hour, 2, after)
		require.NoError(t, err)
		total += len(page.Records)
		if page.Next == "" {
			break
		}
		after = page.Next
	}
	assert.Equal(t, 5, total)

	_, err := f.scanner.FindExpired(ctx, 24*time.Hour, 2, "not a cursor!")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestTrashScanner_ScanGroupsOwners(t *testing.T) {
	f := newFixture(t)
	dir := &fakeDirectory{owners: map[string]models.Owner{
		"b": {OwnerID: "b", DisplayName: "Bea", Email: "bea@example.com"},
		"c": {OwnerID: "c", Email: "cam@example.com"},
	}}
	scanner := NewTrashScanner(f.store, dir, zap.NewNop())
	trash(t, f, "a", 1)
	trash(t, f, "b", 3)
	trash(t, f, "c", 1)
	f.clock.Advance(25 * time.Hour)

	report, err := scanner.Scan(context.Background(), 24*time.Hour, 0)
	require.NoError(t, err)
	assert.Equal(t, []OwnerSummary{
		{OwnerID: "b", DisplayName: "Bea", Email: "bea@example.com", Count: 3},
		{OwnerID: "a", DisplayName: models.DefaultAuthorName, Count: 1},
		{OwnerID: "c", DisplayName: "cam", Email: "cam@example.com", Count: 1},
	}, report.Owners)
}

func TestTrashScanner_ScanFallsBackWhenDirectoryFails(t *testing.T) {
	f := newFixture(t)
	scanner := NewTrashScanner(f.store, &fakeDirectory{err: errors.New("db down")}, zap.NewNop())
	trash(t, f, "a", 1)
	f.clock.Advance(25 * time.Hour)

	report, err := scanner.Scan(context.Background(), 24*time.Hour, 0)
	require.NoError(t, err)
	require.Len(t, report.Owners, 1)
	assert.Equal(t, models.DefaultAuthorName, report.Owners[0].DisplayName)
}

func TestTrashScanner_FindExpiredForOwnerNeedsOwner(t *testing.T) {
	f := newFixture(t)
	_, err := f.scanner.FindExpiredForOwner(context.Background(), "", time.Hour, 0)
	assert.ErrorIs(t, err, ErrValidation)
}
