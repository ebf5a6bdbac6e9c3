package cursor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "cursor.json")
	s := NewFileStore(path)
	ctx := context.Background()

	// Nothing persisted yet.
	rec, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, rec)

	saved := Record{Cursor: "1725911162329308", SavedAt: time.Now().UTC()}
	require.NoError(t, s.Save(ctx, saved))

	rec, err = s.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "1725911162329308", rec.Cursor)
}

func TestFileStoreOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cursor.json")
	s := NewFileStore(path)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, Record{Cursor: "100"}))
	require.NoError(t, s.Save(ctx, Record{Cursor: "200"}))

	rec, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "200", rec.Cursor)

	// No stray temp files left behind.
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestFileStoreClear(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cursor.json")
	s := NewFileStore(path)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, Record{Cursor: "100"}))
	require.NoError(t, s.Clear(ctx))

	rec, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, rec)

	// Clearing an already-empty store succeeds.
	assert.NoError(t, s.Clear(ctx))
}

func TestFileStoreCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cursor.json")
	require.NoError(t, os.WriteFile(path, []byte("{garbage"), 0o644))

	_, err := NewFileStore(path).Load(context.Background())
	assert.Error(t, err)
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	rec, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, rec)

	require.NoError(t, s.Save(ctx, Record{Cursor: "42"}))
	rec, err = s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "42", rec.Cursor)

	require.NoError(t, s.Clear(ctx))
	rec, err = s.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestNewStoreSelection(t *testing.T) {
	s, err := NewStore(BackendMemory, "")
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	s, err = NewStore(BackendFile, filepath.Join(t.TempDir(), "c.json"))
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, s)

	_, err = NewStore(BackendFile, "")
	assert.Error(t, err)

	_, err = NewStore(BackendRemoteKV, "")
	assert.Error(t, err)

	_, err = NewStore("bogus", "")
	assert.Error(t, err)
}
