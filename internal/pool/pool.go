// Package pool groups credentials into named pools, each with its own
// scheduling policy and proxy, and routes API keys to the pool their
// binding names (or to an auto-selected or default pool).
package pool

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"kirogateway/internal/credential"
)

// DefaultPoolID is reserved: it always exists and can never be deleted.
const DefaultPoolID = "default"

// AutoRouteSentinel is the pool binding value meaning "pick the best
// available pool by ascending priority" rather than a named pool.
const AutoRouteSentinel = "__auto__"

var (
	ErrPoolNotFound          = errors.New("pool: not found")
	ErrPoolExists            = errors.New("pool: already exists")
	ErrCannotDeleteDefault   = errors.New("pool: cannot delete the default pool")
	ErrPoolDisabledOrMissing = errors.New("pool: disabled or missing")
)

// Config is the persisted shape of one pool.
type Config struct {
	ID        string                    `json:"id"`
	Name      string                    `json:"name"`
	Enabled   bool                      `json:"enabled"`
	Mode      credential.SchedulingMode `json:"scheduling_mode"`
	Proxy     *credential.ProxyConfig   `json:"proxy,omitempty"`
	Priority  int                       `json:"priority"`
	CreatedAt time.Time                 `json:"created_at"`
}

// Runtime pairs a pool's config with the live CredentialManager serving it.
type Runtime struct {
	Config  Config
	Manager *credential.Manager
}

// Manager owns every pool in the process.
type Manager struct {
	mu    sync.RWMutex
	pools map[string]*Runtime

	credentialsPath string
	poolsPath       string
	globalProxy     *credential.ProxyConfig
	refresher       credential.Refresher
}

// New constructs a PoolManager. credentialsPath is the single
// config/credentials.json file holding every credential, each tagged with
// the pool_id it belongs to; poolsPath is pools.json.
func New(credentialsPath, poolsPath string, globalProxy *credential.ProxyConfig, refresher credential.Refresher) *Manager {
	return &Manager{
		pools:           make(map[string]*Runtime),
		credentialsPath: credentialsPath,
		poolsPath:       poolsPath,
		globalProxy:     globalProxy,
		refresher:       refresher,
	}
}

// effectiveProxy resolves credential > pool > global precedence.
func (m *Manager) effectiveProxy(pool Config, cred *credential.Credential) *credential.ProxyConfig {
	if cred != nil && cred.Proxy != nil {
		return cred.Proxy
	}
	if pool.Proxy != nil {
		return pool.Proxy
	}
	return m.globalProxy
}

// Reload loads pools.json (seeding the default pool if absent), loads the
// single credentials.json file, and partitions each credential into the
// pool its own pool_id names — an absent or unknown pool_id falls back to
// the default pool, matching the original pool_manager's
// credentials_by_pool.entry(cred.pool_id...) grouping.
func (m *Manager) Reload() error {
	configs, err := loadPoolConfigs(m.poolsPath)
	if err != nil {
		return err
	}
	hasDefault := false
	for _, c := range configs {
		if c.ID == DefaultPoolID {
			hasDefault = true
		}
	}
	if !hasDefault {
		configs = append(configs, Config{
			ID: DefaultPoolID, Name: "Default", Enabled: true,
			Mode: credential.SchedulingRoundRobin, CreatedAt: time.Now(),
		})
		if err := savePoolConfigs(m.poolsPath, configs); err != nil {
			log.WithError(err).Warn("pool: failed to persist seeded default pool")
		}
	}

	allCreds, err := credential.Load(m.credentialsPath)
	if err != nil {
		log.WithError(err).Warn("pool: failed to load credentials")
		allCreds = nil
	}

	knownIDs := make(map[string]bool, len(configs))
	for _, c := range configs {
		knownIDs[c.ID] = true
	}
	byID := make(map[string][]*credential.Credential, len(configs))
	for _, cred := range allCreds {
		poolID := cred.PoolID
		if poolID == "" || !knownIDs[poolID] {
			poolID = DefaultPoolID
		}
		cred.PoolID = poolID
		byID[poolID] = append(byID[poolID], cred)
	}

	next := make(map[string]*Runtime, len(configs))
	for _, c := range configs {
		mgr := credential.NewManager(c.Mode, m.refresher, "", byID[c.ID])
		mgr.SetChangeHook(m.persistCredentials)
		next[c.ID] = &Runtime{Config: c, Manager: mgr}
	}

	m.mu.Lock()
	m.pools = next
	m.mu.Unlock()
	// Write back any pool_id normalisation (stray/missing ids folded into
	// default) so the on-disk file matches in-memory partitioning.
	go m.persistCredentials()
	return nil
}

// GetPoolForAPIKey resolves a binding (nil = default, AutoRouteSentinel =
// lowest-priority enabled pool with availability, name = that exact pool)
// to a Runtime. A named binding that is unusable never silently falls back.
func (m *Manager) GetPoolForAPIKey(binding *string) (*Runtime, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if binding == nil {
		rt, ok := m.pools[DefaultPoolID]
		if !ok || !rt.Config.Enabled {
			return nil, ErrPoolDisabledOrMissing
		}
		return rt, nil
	}
	if *binding == AutoRouteSentinel {
		var candidates []*Runtime
		for _, rt := range m.pools {
			if rt.Config.Enabled {
				candidates = append(candidates, rt)
			}
		}
		sort.Slice(candidates, func(i, j int) bool {
			if candidates[i].Config.Priority != candidates[j].Config.Priority {
				return candidates[i].Config.Priority < candidates[j].Config.Priority
			}
			return candidates[i].Config.ID < candidates[j].Config.ID
		})
		for _, rt := range candidates {
			if rt.Manager.AvailableCount() > 0 {
				return rt, nil
			}
		}
		return nil, ErrPoolDisabledOrMissing
	}
	rt, ok := m.pools[*binding]
	if !ok || !rt.Config.Enabled {
		return nil, ErrPoolDisabledOrMissing
	}
	return rt, nil
}

// List returns every pool's config.
func (m *Manager) List() []Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Config, 0, len(m.pools))
	for _, rt := range m.pools {
		out = append(out, rt.Config)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Create adds a new, empty pool.
func (m *Manager) Create(cfg Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.pools[cfg.ID]; exists {
		return ErrPoolExists
	}
	cfg.CreatedAt = time.Now()
	mgr := credential.NewManager(cfg.Mode, m.refresher, "", nil)
	mgr.SetChangeHook(m.persistCredentials)
	m.pools[cfg.ID] = &Runtime{Config: cfg, Manager: mgr}
	return m.persistConfigsLocked()
}

// Delete removes a pool. The default pool can never be deleted.
func (m *Manager) Delete(id string) error {
	if id == DefaultPoolID {
		return ErrCannotDeleteDefault
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.pools[id]; !exists {
		return ErrPoolNotFound
	}
	delete(m.pools, id)
	return m.persistConfigsLocked()
}

// SetEnabled toggles a pool's availability for routing.
func (m *Manager) SetEnabled(id string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rt, ok := m.pools[id]
	if !ok {
		return ErrPoolNotFound
	}
	rt.Config.Enabled = enabled
	return m.persistConfigsLocked()
}

func (m *Manager) persistConfigsLocked() error {
	configs := make([]Config, 0, len(m.pools))
	for _, rt := range m.pools {
		configs = append(configs, rt.Config)
	}
	sort.Slice(configs, func(i, j int) bool { return configs[i].ID < configs[j].ID })
	return savePoolConfigs(m.poolsPath, configs)
}

// persistCredentials re-serializes every pool's live credential set into
// the single shared credentials.json file, tagging each credential with
// its owning pool's id. Registered as every per-pool Manager's change
// hook, since no individual Manager can see the other pools' entries.
func (m *Manager) persistCredentials() {
	if m.credentialsPath == "" {
		return
	}
	m.mu.RLock()
	var all []*credential.Credential
	for poolID, rt := range m.pools {
		for _, c := range rt.Manager.List() {
			c.PoolID = poolID
			all = append(all, c)
		}
	}
	m.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	data, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		log.WithError(err).Warn("pool: failed to marshal credentials for persistence")
		return
	}
	if err := os.MkdirAll(filepath.Dir(m.credentialsPath), 0o700); err != nil {
		log.WithError(err).Warn("pool: failed to create credentials directory")
		return
	}
	tmp := m.credentialsPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		log.WithError(err).Warn("pool: failed to write credentials temp file")
		return
	}
	if err := os.Rename(tmp, m.credentialsPath); err != nil {
		log.WithError(err).Warn("pool: failed to rename credentials temp file")
	}
}

func loadPoolConfigs(path string) ([]Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var configs []Config
	if err := json.Unmarshal(data, &configs); err != nil {
		return nil, err
	}
	return configs, nil
}

func savePoolConfigs(path string, configs []Config) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(configs, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
