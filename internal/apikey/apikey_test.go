package apikey

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCreateAndAuthenticate(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir + "/api_keys.json")
	require.NoError(t, err)

	entry, err := store.Create("ci", nil)
	require.NoError(t, err)
	require.True(t, len(entry.Key) > 8)

	matched, err := store.Authenticate(entry.Key)
	require.NoError(t, err)
	require.Equal(t, entry.ID, matched.ID)
}

func TestAuthenticate_RejectsUnknownOrDisabled(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir + "/api_keys.json")
	require.NoError(t, err)

	_, err = store.Authenticate("sk-doesnotexist")
	require.ErrorIs(t, err, ErrUnauthorized)

	entry, err := store.Create("disable-me", nil)
	require.NoError(t, err)
	require.NoError(t, store.SetEnabled(entry.ID, false))

	_, err = store.Authenticate(entry.Key)
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestList_MasksKeys(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir + "/api_keys.json")
	require.NoError(t, err)

	entry, err := store.Create("masked", nil)
	require.NoError(t, err)

	listed := store.List()
	require.Len(t, listed, 1)
	require.NotEqual(t, entry.Key, listed[0].Key)
	require.Contains(t, listed[0].Key, "***")
}

func TestCreate_RejectsDuplicateName(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir + "/api_keys.json")
	require.NoError(t, err)

	_, err = store.Create("dup", nil)
	require.NoError(t, err)
	_, err = store.Create("dup", nil)
	require.ErrorIs(t, err, ErrNameExists)
}

func TestPersist_RoundTripsAcrossColdStart(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/api_keys.json"
	store, err := NewStore(path)
	require.NoError(t, err)
	entry, err := store.Create("persisted", nil)
	require.NoError(t, err)

	reopened, err := NewStore(path)
	require.NoError(t, err)
	matched, err := reopened.Authenticate(entry.Key)
	require.NoError(t, err)
	require.Equal(t, entry.ID, matched.ID)
}
