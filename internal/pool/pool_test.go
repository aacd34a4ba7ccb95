package pool

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"kirogateway/internal/credential"
)

type noopRefresher struct{}

func (noopRefresher) Refresh(ctx context.Context, cred *credential.Credential, proxy *credential.ProxyConfig) (*credential.Credential, error) {
	out := cred.Clone()
	exp := time.Now().Add(time.Hour)
	out.TokenExpiry = &exp
	out.AccessToken = "refreshed"
	return out, nil
}

func TestReload_SeedsDefaultPool(t *testing.T) {
	dir := t.TempDir()
	m := New(dir+"/credentials.json", dir+"/pools.json", nil, noopRefresher{})
	require.NoError(t, m.Reload())

	pools := m.List()
	require.Len(t, pools, 1)
	require.Equal(t, DefaultPoolID, pools[0].ID)
}

func TestGetPoolForAPIKey_NamedBindingNeverFallsBack(t *testing.T) {
	dir := t.TempDir()
	m := New(dir+"/credentials.json", dir+"/pools.json", nil, noopRefresher{})
	require.NoError(t, m.Reload())

	missing := "does-not-exist"
	_, err := m.GetPoolForAPIKey(&missing)
	require.ErrorIs(t, err, ErrPoolDisabledOrMissing)
}

func TestGetPoolForAPIKey_NilBindingUsesDefault(t *testing.T) {
	dir := t.TempDir()
	m := New(dir+"/credentials.json", dir+"/pools.json", nil, noopRefresher{})
	require.NoError(t, m.Reload())

	rt, err := m.GetPoolForAPIKey(nil)
	require.NoError(t, err)
	require.Equal(t, DefaultPoolID, rt.Config.ID)
}

func TestDelete_RefusesDefaultPool(t *testing.T) {
	dir := t.TempDir()
	m := New(dir+"/credentials.json", dir+"/pools.json", nil, noopRefresher{})
	require.NoError(t, m.Reload())

	err := m.Delete(DefaultPoolID)
	require.ErrorIs(t, err, ErrCannotDeleteDefault)
}

func TestAutoRoute_NoAvailablePoolDoesNotFallBack(t *testing.T) {
	dir := t.TempDir()
	m := New(dir+"/credentials.json", dir+"/pools.json", nil, noopRefresher{})
	require.NoError(t, m.Reload())

	require.NoError(t, m.Create(Config{ID: "fast", Name: "fast", Enabled: true, Mode: credential.SchedulingRoundRobin, Priority: 0}))
	require.NoError(t, m.Create(Config{ID: "slow", Name: "slow", Enabled: true, Mode: credential.SchedulingRoundRobin, Priority: 10}))

	auto := AutoRouteSentinel
	_, err := m.GetPoolForAPIKey(&auto)
	// Neither pool has credentials yet, so auto-routing finds nothing
	// available and must not silently fall back to the default pool.
	require.ErrorIs(t, err, ErrPoolDisabledOrMissing)
}

func writeCredentialsFile(t *testing.T, path string, creds []*credential.Credential) {
	t.Helper()
	data, err := json.MarshalIndent(creds, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))
}

// TestReload_PartitionsCredentialsByPoolID is the central data-model
// invariant: one credentials.json array, grouped into each pool named by
// its own pool_id, with an absent/unknown pool_id folding into default.
func TestReload_PartitionsCredentialsByPoolID(t *testing.T) {
	dir := t.TempDir()
	credsPath := dir + "/credentials.json"
	poolsPath := dir + "/pools.json"

	poolConfigs := []Config{
		{ID: DefaultPoolID, Name: "Default", Enabled: true, Mode: credential.SchedulingRoundRobin},
		{ID: "team-a", Name: "Team A", Enabled: true, Mode: credential.SchedulingRoundRobin},
	}
	data, err := json.MarshalIndent(poolConfigs, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(poolsPath, data, 0o600))

	writeCredentialsFile(t, credsPath, []*credential.Credential{
		{ID: 1, RefreshToken: "a", PoolID: "team-a"},
		{ID: 2, RefreshToken: "b", PoolID: DefaultPoolID},
		{ID: 3, RefreshToken: "c"},                         // absent pool_id -> default
		{ID: 4, RefreshToken: "d", PoolID: "no-such-pool"}, // unknown -> default
	})

	m := New(credsPath, poolsPath, nil, noopRefresher{})
	require.NoError(t, m.Reload())

	teamA, err := m.GetPoolForAPIKey(strPtr("team-a"))
	require.NoError(t, err)
	require.Len(t, teamA.Manager.List(), 1)
	require.Equal(t, int64(1), teamA.Manager.List()[0].ID)

	def, err := m.GetPoolForAPIKey(nil)
	require.NoError(t, err)
	require.Len(t, def.Manager.List(), 3)
}

func strPtr(s string) *string { return &s }
