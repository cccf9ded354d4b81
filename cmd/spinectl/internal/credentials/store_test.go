package credentials

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStore(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "spine")
	store, err := NewFileStoreAt(dir)
	require.NoError(t, err)

	_, err = store.Load()
	assert.ErrorIs(t, err, ErrNotLoggedIn)

	creds := &Credentials{Server: "http://localhost:8080", Account: "alice", Token: "abc", Encoding: "UTF-8"}
	require.NoError(t, store.Save(creds))

	info, err := os.Stat(filepath.Join(dir, credentialsFile))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	got, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, creds, got)

	require.NoError(t, store.Delete())
	require.NoError(t, store.Delete())
	_, err = store.Load()
	assert.ErrorIs(t, err, ErrNotLoggedIn)
}

func TestLoad_EmptyToken(t *testing.T) {
	store, err := NewFileStoreAt(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.Save(&Credentials{Server: "x"}))

	_, err = store.Load()
	assert.ErrorIs(t, err, ErrNotLoggedIn)
}

func TestLoad_Corrupt(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStoreAt(dir)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, credentialsFile), []byte("{"), 0600))

	_, err = store.Load()
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotLoggedIn)
}
