package appconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.json"))
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0", cfg.Host)
	require.Equal(t, 8080, cfg.Port)
	require.Equal(t, "us-east-1", cfg.Region)
}

func TestSaveAndLoad_RoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	original := &Config{Host: "127.0.0.1", Port: 9090, Region: "eu-west-1"}
	require.NoError(t, Save(path, original))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, original.Host, loaded.Host)
	require.Equal(t, original.Port, loaded.Port)
	require.Equal(t, original.Region, loaded.Region)
}

func TestLoad_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("host: 10.0.0.1\nport: 1234\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "10.0.0.1", cfg.Host)
	require.Equal(t, 1234, cfg.Port)
}

func TestHistoryConfig_Defaults(t *testing.T) {
	var h *HistoryConfig
	require.Equal(t, 40, h.GetMaxMessages())
	require.Equal(t, 2, h.GetStripImagesAfter())

	max := 10
	h = &HistoryConfig{MaxMessages: &max}
	require.Equal(t, 10, h.GetMaxMessages())
	require.Equal(t, 2, h.GetStripImagesAfter())
}

func TestSessionCacheConfig_Defaults(t *testing.T) {
	var s *SessionCacheConfig
	require.Equal(t, 10000, s.GetCapacity())
	require.Equal(t, time.Hour, s.GetTTL())
}

func TestStore_ReloadPreservesHostPort(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, Save(path, &Config{Host: "1.2.3.4", Port: 5555, Region: "us-west-2"}))

	store, err := NewStore(path)
	require.NoError(t, err)
	require.Equal(t, "1.2.3.4", store.Get().Host)

	require.NoError(t, Save(path, &Config{Host: "9.9.9.9", Port: 1, Region: "ap-south-1"}))
	require.NoError(t, store.Reload())

	require.Equal(t, "1.2.3.4", store.Get().Host)
	require.Equal(t, 5555, store.Get().Port)
	require.Equal(t, "ap-south-1", store.Get().Region)
}
