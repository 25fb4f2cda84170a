package persistence

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupStore(t *testing.T) (*SQLiteStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nested", "terminals.db")
	store, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store, path
}

func intp(i int) *int { return &i }

func TestOpenCreatesSchema(t *testing.T) {
	store, path := setupStore(t)

	assert.FileExists(t, path)

	var count int
	err := store.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='terminals'").Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	require.NoError(t, store.Ping(context.Background()))
}

func TestUpsertAndGet(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()
	created := time.UnixMilli(time.Now().UnixMilli())

	rec := Record{
		ID:            "term_a",
		Name:          "build",
		Cwd:           "/srv",
		Cols:          120,
		Rows:          40,
		Status:        "running",
		CreatedAt:     created,
		TabID:         "tab-1",
		PositionInTab: intp(2),
	}
	require.NoError(t, store.Upsert(ctx, rec))

	got, err := store.Get(ctx, "term_a")
	require.NoError(t, err)
	assert.Equal(t, rec, got)

	rec.Name = "renamed"
	rec.Status = "exited"
	rec.ExitCode = intp(130)
	rec.PositionInTab = nil
	require.NoError(t, store.Upsert(ctx, rec))

	got, err = store.Get(ctx, "term_a")
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name)
	assert.Equal(t, "exited", got.Status)
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, 130, *got.ExitCode)
	assert.Nil(t, got.PositionInTab)
	assert.Equal(t, created, got.CreatedAt)
}

func TestGetMissing(t *testing.T) {
	store, _ := setupStore(t)

	_, err := store.Get(context.Background(), "term_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListOrderAndDelete(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()
	base := time.Now()

	for i, id := range []string{"term_c", "term_a", "term_b"} {
		require.NoError(t, store.Upsert(ctx, Record{
			ID:        id,
			Name:      id,
			Cwd:       "/",
			Cols:      80,
			Rows:      24,
			Status:    "running",
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	records, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "term_c", records[0].ID)
	assert.Equal(t, "term_b", records[2].ID)

	require.NoError(t, store.Delete(ctx, "term_a"))
	require.NoError(t, store.Delete(ctx, "term_a"))

	records, err = store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestReopenKeepsRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "terminals.db")
	ctx := context.Background()

	store, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, store.Upsert(ctx, Record{ID: "term_a", Name: "a", Cwd: "/", Cols: 80, Rows: 24, Status: "running", CreatedAt: time.Now()}))
	require.NoError(t, store.Close())

	store, err = Open(path)
	require.NoError(t, err)
	defer store.Close()

	records, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "a", records[0].Name)
}
