package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/AnshRaj112/hams-diary/internal/app"
	"github.com/AnshRaj112/hams-diary/internal/blobstore"
	"github.com/AnshRaj112/hams-diary/internal/config"
	"github.com/AnshRaj112/hams-diary/internal/docstore"
	"github.com/AnshRaj112/hams-diary/internal/services"
	"github.com/AnshRaj112/hams-diary/pkg/utils"
)

// memoryApp wires the services over in-memory stores. Its clock starts at
// now and moves with *now.
func memoryApp(now *time.Time) *app.App {
	log := zap.NewNop()
	store := docstore.NewMemoryStore(docstore.WithClock(func() time.Time { return *now }))
	blobs := blobstore.NewMemory()
	diaries := services.NewDiaryService(store, log)
	scanner := services.NewTrashScanner(store, nil, log)
	return &app.App{
		Config: &config.Config{
			TrashRetention:   24 * time.Hour,
			TrashScanLimit:   100,
			TrashOwnerLimit:  100,
			PurgeConcurrency: 2,
		},
		Log:     log,
		Store:   store,
		Blobs:   blobs,
		Diaries: diaries,
		Views:   services.NewViewService(store, nil, log),
		Scanner: scanner,
		Purge:   services.NewPurgeService(store, scanner, diaries, blobs, nil, log),
	}
}

func run(t *testing.T, a *app.App, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand(func(context.Context, *RootOptions) (*app.App, error) {
		require.NotNil(t, a, "command should not need backends")
		return a, nil
	})
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append(args, "--env-file", ""))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func trashOne(t *testing.T, a *app.App, ownerID string) {
	t.Helper()
	ctx := context.Background()
	id, err := a.Diaries.Create(ctx, ownerID, services.CreateDiaryInput{EntryDate: "2024-03-01", Title: "t"})
	require.NoError(t, err)
	require.NoError(t, a.Diaries.SoftDelete(ctx, ownerID, id))
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	assert.Equal(t, "trashctl", cmd.Use)
	for _, name := range []string{"scan", "purge", "purge-all", "hash-key", "owner-token", "admin-token", "unblock-ip"} {
		sub, _, err := cmd.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, sub.Name())
	}
	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)
}

func TestInvalidFormat(t *testing.T) {
	_, err := run(t, nil, "hash-key", "k", "--format", "yaml")
	assert.ErrorContains(t, err, "invalid format")
}

func TestHashKey(t *testing.T) {
	out, err := run(t, nil, "hash-key", "s3cret", "--format", "json")
	require.NoError(t, err)
	var res hashKeyResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Empty(t, res.Key)
	ok, err := utils.VerifyAPIKey("s3cret", res.Hash)
	require.NoError(t, err)
	assert.True(t, ok)

	out, err = run(t, nil, "hash-key", "--generate")
	require.NoError(t, err)
	assert.Contains(t, out, "key:  ")
	assert.Contains(t, out, "hash: $argon2id$")

	_, err = run(t, nil, "hash-key")
	assert.Error(t, err)
	_, err = run(t, nil, "hash-key", "k", "--generate")
	assert.Error(t, err)
}

func TestUnblockIPRejectsGarbage(t *testing.T) {
	_, err := run(t, nil, "unblock-ip", "not-an-ip")
	assert.ErrorContains(t, err, "invalid IP")
}

func TestScanAndPurgeAll(t *testing.T) {
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	a := memoryApp(&now)
	trashOne(t, a, "alice")
	trashOne(t, a, "alice")
	trashOne(t, a, "bob")

	out, err := run(t, a, "scan")
	require.NoError(t, err)
	assert.Contains(t, out, "no expired trash")

	now = now.Add(25 * time.Hour)
	out, err = run(t, a, "scan", "--format", "json")
	require.NoError(t, err)
	var report services.ScanReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	require.Len(t, report.Owners, 2)
	assert.Equal(t, "alice", report.Owners[0].OwnerID)
	assert.Equal(t, 2, report.Owners[0].Count)

	out, err = run(t, a, "purge-all")
	require.NoError(t, err)
	assert.Contains(t, out, "alice: deleted 2 records")
	assert.Contains(t, out, "bob: deleted 1 record,")
	assert.True(t, strings.HasSuffix(strings.TrimSpace(out), "done 2 of 2 owners"))

	out, err = run(t, a, "purge", "alice", "--format", "json")
	require.NoError(t, err)
	var res services.PurgeResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, services.PurgeResult{OwnerID: "alice"}, res)
}

func TestPurgeAllNamedOwners(t *testing.T) {
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	a := memoryApp(&now)
	trashOne(t, a, "alice")
	trashOne(t, a, "bob")
	now = now.Add(48 * time.Hour)

	out, err := run(t, a, "purge-all", "--owner", "bob", "--format", "json")
	require.NoError(t, err)
	var batch services.BatchResult
	require.NoError(t, json.Unmarshal([]byte(out), &batch))
	assert.Equal(t, 1, batch.Total)
	require.Len(t, batch.Results, 1)
	assert.Equal(t, "bob", batch.Results[0].OwnerID)
	assert.Equal(t, 1, batch.Results[0].DeletedCount)

	report, err := a.Scanner.Scan(context.Background(), 24*time.Hour, 10)
	require.NoError(t, err)
	require.Len(t, report.Owners, 1)
	assert.Equal(t, "alice", report.Owners[0].OwnerID)
}
