package health

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"kirogateway/internal/credential"
	"kirogateway/internal/pool"
)

type noopRefresher struct{}

func (noopRefresher) Refresh(_ context.Context, cred *credential.Credential, _ *credential.ProxyConfig) (*credential.Credential, error) {
	return cred.Clone(), nil
}

func freshCredential(id int64) *credential.Credential {
	exp := time.Now().Add(time.Hour)
	return &credential.Credential{
		ID: id, RefreshToken: string(bytes.Repeat([]byte("a"), 120)), AccessToken: "tok",
		TokenExpiry: &exp, AuthMethod: credential.AuthMethodSocial,
	}
}

func newPoolManager(t *testing.T) *pool.Manager {
	t.Helper()
	dir := t.TempDir()
	mgr := pool.New(dir+"/credentials.json", "", nil, noopRefresher{})
	require.NoError(t, mgr.Reload())
	return mgr
}

func TestClassify(t *testing.T) {
	require.Equal(t, StatusUnhealthy, classify(0, 0))
	require.Equal(t, StatusUnhealthy, classify(0, 5))
	require.Equal(t, StatusDegraded, classify(2, 5))
	require.Equal(t, StatusHealthy, classify(3, 5))
	require.Equal(t, StatusHealthy, classify(5, 5))
}

func TestReporter_SnapshotEmptyDefaultPoolIsUnhealthy(t *testing.T) {
	mgr := newPoolManager(t)
	r := New(mgr)

	report := r.Snapshot()
	require.Equal(t, StatusUnhealthy, report.Status)
	require.Len(t, report.Pools, 1)
	require.Equal(t, pool.DefaultPoolID, report.Pools[0].ID)
	require.Equal(t, 0, report.Pools[0].Total)
}

func TestReporter_SnapshotWithCredentialsIsHealthy(t *testing.T) {
	mgr := newPoolManager(t)
	rt, err := mgr.GetPoolForAPIKey(nil)
	require.NoError(t, err)
	_, err = rt.Manager.AddCredential(freshCredential(1))
	require.NoError(t, err)

	r := New(mgr)
	report := r.Snapshot()
	require.Equal(t, StatusHealthy, report.Status)
	require.Equal(t, 1, report.Pools[0].Available)
	require.Equal(t, 1, report.Pools[0].Total)
}
