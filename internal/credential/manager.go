package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// refreshStatusCoder is implemented by internal/tokenrefresher's
// RefreshError; declared here (not imported) so this package keeps no
// transport dependency.
type refreshStatusCoder interface {
	HTTPStatus() int
}

// transientRefreshError reports whether err is a throttled or server-side
// upstream failure (429/5xx) rather than an irrecoverable auth rejection.
// Transient failures should be retried against the next credential without
// disabling this one.
func transientRefreshError(err error) bool {
	var sc refreshStatusCoder
	if !errors.As(err, &sc) {
		return false
	}
	status := sc.HTTPStatus()
	return status == http.StatusTooManyRequests || status >= 500
}

// SchedulingMode selects how acquireContext picks among available
// credentials when no sticky session applies.
type SchedulingMode string

const (
	SchedulingRoundRobin   SchedulingMode = "round_robin"
	SchedulingPriorityFill SchedulingMode = "priority_fill"
)

const (
	sessionMapCapacity = 10_000
	sessionMapTTL      = time.Hour
)

// Refresher performs the actual OAuth refresh HTTP call. Implemented by
// internal/tokenrefresher; kept as an interface here so the scheduling core
// has no transport dependency.
type Refresher interface {
	Refresh(ctx context.Context, cred *Credential, proxy *ProxyConfig) (*Credential, error)
}

// CallContext is what acquireContext hands to a caller: a usable access
// token plus enough identity to report the outcome back.
type CallContext struct {
	ID          int64
	AccessToken string
	ProfileArn  string
	Proxy       *ProxyConfig
	Region      string
}

var (
	ErrAllCredentialsUnavailable = errors.New("credential: all credentials unavailable")
	ErrCredentialNotFound        = errors.New("credential: not found")
	ErrCredentialStillEnabled    = errors.New("credential: cannot delete an enabled credential")
)

// Manager owns one pool's fleet of credentials: scheduling, sticky
// sessions, failure accounting, token refresh coalescing, and persistence.
type Manager struct {
	mu        sync.RWMutex // guards entries + currentID
	entries   []*Credential
	currentID int64

	mode SchedulingMode

	refreshGroup singleflight.Group
	refresher    Refresher

	sessions *lru.LRU[string, int64]

	rrCounter atomic.Uint64

	persistPath string
	changeHook  func()
}

// NewManager constructs a Manager over an initial credential set.
func NewManager(mode SchedulingMode, refresher Refresher, persistPath string, initial []*Credential) *Manager {
	if mode == "" {
		mode = SchedulingRoundRobin
	}
	m := &Manager{
		mode:        mode,
		refresher:   refresher,
		persistPath: persistPath,
		sessions:    lru.NewLRU[string, int64](sessionMapCapacity, nil, sessionMapTTL),
	}
	m.entries = append(m.entries, initial...)
	if len(initial) > 0 {
		m.currentID = initial[0].ID
	}
	return m
}

// SetChangeHook registers a callback fired (asynchronously) alongside this
// Manager's own file persistence on every mutation. pool.Manager uses this
// to re-persist the single shared credentials file across every pool,
// since no individual Manager can see another pool's entries.
func (m *Manager) SetChangeHook(fn func()) {
	m.mu.Lock()
	m.changeHook = fn
	m.mu.Unlock()
}

// notifyChanged persists this manager's own file (if configured) and fires
// the change hook (if registered). Every mutating method calls this
// exactly once instead of reaching for persist()/changeHook directly.
func (m *Manager) notifyChanged() {
	go m.persist()
	m.mu.RLock()
	hook := m.changeHook
	m.mu.RUnlock()
	if hook != nil {
		go hook()
	}
}

// SetSchedulingMode swaps the scheduling policy and resets rotation
// fairness, matching every entry-set mutation.
func (m *Manager) SetSchedulingMode(mode SchedulingMode) {
	m.mu.Lock()
	m.mode = mode
	m.mu.Unlock()
	m.rrCounter.Store(0)
}

// List returns a defensive snapshot of every credential, enabled or not.
func (m *Manager) List() []*Credential {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Credential, 0, len(m.entries))
	for _, c := range m.entries {
		out = append(out, c.Clone())
	}
	return out
}

// GetByID returns a snapshot of one credential.
func (m *Manager) GetByID(id int64) (*Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.entries {
		if c.ID == id {
			return c.Clone(), nil
		}
	}
	return nil, ErrCredentialNotFound
}

// AvailableCount reports how many credentials are currently schedulable.
func (m *Manager) AvailableCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, c := range m.entries {
		if !c.Disabled {
			n++
		}
	}
	return n
}

func (m *Manager) availableLocked() []*Credential {
	out := make([]*Credential, 0, len(m.entries))
	for _, c := range m.entries {
		if !c.Disabled {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// selfHealLocked clears auto-disables (TooManyFailures/TokenRefreshFailed)
// when no credential is otherwise available. Manual and QuotaExceeded
// disables are never touched. Must be called with mu held for writing.
func (m *Manager) selfHealLocked() bool {
	healed := false
	for _, c := range m.entries {
		if c.Disabled && c.DisabledReason.autoHealable() {
			c.Disabled = false
			c.DisabledReason = DisabledReasonNone
			c.FailureCount = 0
			healed = true
		}
	}
	if healed {
		m.rrCounter.Store(0)
	}
	return healed
}

// pickLocked selects a target credential id per the scheduling mode,
// self-healing first if nothing is otherwise available. Must be called
// with mu held for writing (self-heal mutates entries).
func (m *Manager) pickLocked() (int64, bool) {
	avail := m.availableLocked()
	if len(avail) == 0 {
		if !m.selfHealLocked() {
			return 0, false
		}
		avail = m.availableLocked()
		if len(avail) == 0 {
			return 0, false
		}
	}

	switch m.mode {
	case SchedulingPriorityFill:
		best := avail[0]
		for _, c := range avail[1:] {
			if c.Priority < best.Priority || (c.Priority == best.Priority && c.ID < best.ID) {
				best = c
			}
		}
		return best.ID, true
	default: // round robin
		idx := int(m.rrCounter.Add(1)-1) % len(avail)
		return avail[idx].ID, true
	}
}

func (m *Manager) findLocked(id int64) *Credential {
	for _, c := range m.entries {
		if c.ID == id {
			return c
		}
	}
	return nil
}

// AcquireContext resolves a usable CallContext, honouring sticky sessions
// and self-healing, and coalescing token refreshes per credential id.
func (m *Manager) AcquireContext(ctx context.Context, sessionID string) (*CallContext, error) {
	tried := make(map[int64]bool)
	total := m.totalCount()
	if total == 0 {
		return nil, ErrAllCredentialsUnavailable
	}

	for attempt := 0; attempt < total+1; attempt++ {
		targetID, ok := m.targetID(sessionID, tried)
		if !ok {
			return nil, ErrAllCredentialsUnavailable
		}
		tried[targetID] = true

		cred, err := m.GetByID(targetID)
		if err != nil || cred.Disabled {
			continue
		}

		token, profileArn, proxy, region, err := m.ensureToken(ctx, cred)
		if err != nil {
			if transientRefreshError(err) {
				log.WithFields(log.Fields{"credential_id": targetID, "error": err}).
					Warn("credential: token refresh throttled or unavailable upstream, trying next credential")
				continue
			}
			m.mu.Lock()
			if c := m.findLocked(targetID); c != nil {
				c.Disabled = true
				c.DisabledReason = DisabledReasonTokenRefreshFailed
				c.TokenRefreshFailureCount++
			}
			m.advanceCurrentLocked()
			m.mu.Unlock()
			m.rrCounter.Store(0)
			log.WithFields(log.Fields{"credential_id": targetID, "error": err}).
				Warn("credential: token refresh failed, disabling and trying next")
			continue
		}

		if sessionID != "" {
			m.sessions.Add(sessionID, targetID)
		}
		return &CallContext{ID: targetID, AccessToken: token, ProfileArn: profileArn, Proxy: proxy, Region: region}, nil
	}
	return nil, ErrAllCredentialsUnavailable
}

func (m *Manager) totalCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// targetID resolves the next credential to try: sticky session first, the
// already-tried set excluded thereafter, falling back to the scheduler.
func (m *Manager) targetID(sessionID string, tried map[int64]bool) (int64, bool) {
	if sessionID != "" && len(tried) == 0 {
		if id, ok := m.sessions.Get(sessionID); ok {
			m.mu.RLock()
			c := m.findLocked(id)
			avail := c != nil && !c.Disabled
			m.mu.RUnlock()
			if avail {
				return id, true
			}
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	// Prefer the scheduler's pick, but skip ids we've already tried and
	// failed this acquisition (e.g. token refresh failed).
	for i := 0; i < len(m.entries)+1; i++ {
		id, ok := m.pickLocked()
		if !ok {
			return 0, false
		}
		if !tried[id] {
			return id, true
		}
		// Everything available has been tried; no progress possible.
		allTried := true
		for _, c := range m.availableLocked() {
			if !tried[c.ID] {
				allTried = false
				break
			}
		}
		if allTried {
			return 0, false
		}
	}
	return 0, false
}

// ensureToken implements the double-checked-locking refresh contract:
// fast-path return when fresh, else a singleflight-coalesced refresh keyed
// by credential id so concurrent callers against the same stale credential
// issue exactly one HTTPS request.
func (m *Manager) ensureToken(ctx context.Context, snapshot *Credential) (token, profileArn string, proxy *ProxyConfig, region string, err error) {
	now := time.Now()
	if !snapshot.isExpired(now) && !snapshot.isExpiringSoon(now) {
		return snapshot.AccessToken, snapshot.ProfileArn, snapshot.Proxy, snapshot.Region, nil
	}

	key := fmt.Sprintf("%d", snapshot.ID)
	v, err, _ := m.refreshGroup.Do(key, func() (interface{}, error) {
		m.mu.RLock()
		current := m.findLocked(snapshot.ID)
		var currentCopy *Credential
		if current != nil {
			currentCopy = current.Clone()
		}
		m.mu.RUnlock()
		if currentCopy == nil {
			return nil, ErrCredentialNotFound
		}
		if now := time.Now(); !currentCopy.isExpired(now) && !currentCopy.isExpiringSoon(now) {
			// Another caller already refreshed it while we waited.
			return currentCopy, nil
		}
		if verr := currentCopy.Validate(); verr != nil {
			return nil, verr
		}
		refreshed, rerr := m.refresher.Refresh(ctx, currentCopy, currentCopy.Proxy)
		if rerr != nil {
			return nil, rerr
		}
		m.mu.Lock()
		if c := m.findLocked(snapshot.ID); c != nil {
			refreshed.ID = c.ID
			refreshed.Disabled = c.Disabled
			refreshed.DisabledReason = c.DisabledReason
			refreshed.SuccessCount = c.SuccessCount
			refreshed.FailureCount = c.FailureCount
			refreshed.TokenRefreshCount = c.TokenRefreshCount + 1
			refreshed.LastTokenRefreshMs = time.Now().UnixMilli()
			*c = *refreshed
		}
		m.mu.Unlock()
		m.notifyChanged()
		return refreshed, nil
	})
	if err != nil {
		return "", "", nil, "", err
	}
	refreshed := v.(*Credential)
	return refreshed.AccessToken, refreshed.ProfileArn, refreshed.Proxy, refreshed.Region, nil
}

// advanceCurrentLocked moves currentID to the lowest-priority available
// entry (ties broken by lowest id). It never self-heals, so a credential
// that was just disabled stays disabled.
func (m *Manager) advanceCurrentLocked() {
	avail := m.availableLocked()
	if len(avail) == 0 {
		return
	}
	best := avail[0]
	for _, c := range avail[1:] {
		if c.Priority < best.Priority || (c.Priority == best.Priority && c.ID < best.ID) {
			best = c
		}
	}
	m.currentID = best.ID
}

// ReportSuccess clears the consecutive-failure counter and updates call
// bookkeeping. Callers must call exactly one of ReportSuccess/
// ReportFailure/ReportQuotaExhausted per acquired context.
func (m *Manager) ReportSuccess(id int64, responseMs int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c := m.findLocked(id); c != nil {
		c.FailureCount = 0
		c.SuccessCount++
		c.LastCallMs = time.Now().UnixMilli()
		c.TotalResponseMs += responseMs
	}
}

// ReportFailure increments the consecutive-failure counter, disabling the
// credential at the threshold. Returns whether any credential remains
// available afterward.
func (m *Manager) ReportFailure(id int64) bool {
	m.mu.Lock()
	disabledNow := false
	if c := m.findLocked(id); c != nil {
		c.FailureCount++
		if c.FailureCount >= consecutiveFailureLimit && !c.Disabled {
			c.Disabled = true
			c.DisabledReason = DisabledReasonTooManyFailures
			disabledNow = true
		}
	}
	m.advanceCurrentLocked()
	avail := len(m.availableLocked()) > 0
	m.mu.Unlock()
	if disabledNow {
		m.rrCounter.Store(0)
		m.notifyChanged()
	}
	return avail
}

// ReportQuotaExhausted disables the credential unconditionally — quota
// exhaustion has no retry budget, unlike transient failures.
func (m *Manager) ReportQuotaExhausted(id int64) bool {
	m.mu.Lock()
	if c := m.findLocked(id); c != nil {
		c.Disabled = true
		c.DisabledReason = DisabledReasonQuotaExceeded
		c.FailureCount = consecutiveFailureLimit
	}
	m.advanceCurrentLocked()
	avail := len(m.availableLocked()) > 0
	m.mu.Unlock()
	m.rrCounter.Store(0)
	m.notifyChanged()
	return avail
}

// SetDisabled is the admin toggle: disabling sets reason=Manual; enabling
// clears the reason and the failure counter.
func (m *Manager) SetDisabled(id int64, disabled bool) error {
	m.mu.Lock()
	c := m.findLocked(id)
	if c == nil {
		m.mu.Unlock()
		return ErrCredentialNotFound
	}
	c.Disabled = disabled
	if disabled {
		c.DisabledReason = DisabledReasonManual
	} else {
		c.DisabledReason = DisabledReasonNone
		c.FailureCount = 0
	}
	m.advanceCurrentLocked()
	m.mu.Unlock()
	m.rrCounter.Store(0)
	m.notifyChanged()
	return nil
}

// SetPriority updates a credential's scheduling priority and immediately
// re-selects the current default credential.
func (m *Manager) SetPriority(id int64, priority int) error {
	m.mu.Lock()
	c := m.findLocked(id)
	if c == nil {
		m.mu.Unlock()
		return ErrCredentialNotFound
	}
	c.Priority = priority
	m.advanceCurrentLocked()
	m.mu.Unlock()
	m.rrCounter.Store(0)
	m.notifyChanged()
	return nil
}

// ResetAndEnable clears the failure counter and any auto-applied disable.
func (m *Manager) ResetAndEnable(id int64) error {
	return m.SetDisabled(id, false)
}

// AddCredential validates and trial-refreshes a new credential, then
// appends the refreshed credential with the next available id.
func (m *Manager) AddCredential(cred *Credential) (*Credential, error) {
	if err := cred.Validate(); err != nil {
		return nil, err
	}
	if m.refresher != nil {
		refreshed, err := m.refresher.Refresh(context.Background(), cred, cred.Proxy)
		if err != nil {
			return nil, err
		}
		cred = refreshed
	}
	m.mu.Lock()
	var maxID int64
	for _, c := range m.entries {
		if c.ID > maxID {
			maxID = c.ID
		}
	}
	cred.ID = maxID + 1
	m.entries = append(m.entries, cred)
	m.mu.Unlock()
	m.rrCounter.Store(0)
	m.notifyChanged()
	return cred.Clone(), nil
}

// DeleteCredential removes a credential that has already been disabled.
func (m *Manager) DeleteCredential(id int64) error {
	m.mu.Lock()
	for i, c := range m.entries {
		if c.ID == id {
			if !c.Disabled {
				m.mu.Unlock()
				return ErrCredentialStillEnabled
			}
			m.entries = append(m.entries[:i], m.entries[i+1:]...)
			m.mu.Unlock()
			m.rrCounter.Store(0)
			m.notifyChanged()
			return nil
		}
	}
	m.mu.Unlock()
	return ErrCredentialNotFound
}

// persist writes the current credential set to disk atomically (write to
// a temp sibling, then rename). Failures are logged, never propagated —
// the in-memory state of record always wins.
func (m *Manager) persist() {
	if m.persistPath == "" {
		return
	}
	snapshot := m.List()
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		log.WithError(err).Warn("credential: failed to marshal credentials for persistence")
		return
	}
	dir := filepath.Dir(m.persistPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		log.WithError(err).Warn("credential: failed to create credentials directory")
		return
	}
	tmp := m.persistPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		log.WithError(err).Warn("credential: failed to write credentials temp file")
		return
	}
	if err := os.Rename(tmp, m.persistPath); err != nil {
		log.WithError(err).Warn("credential: failed to rename credentials temp file")
	}
}

// Persist forces a synchronous persistence write (used by admin handlers
// that want the response to reflect a durable state).
func (m *Manager) Persist() {
	m.persist()
}

// Load reads a credential set from disk, backfilling ids and machine ids
// for entries missing them, canonicalising auth_method aliases
// (builder-id/iam -> idc), and rewrites the file once if anything changed.
func Load(path string) ([]*Credential, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var creds []*Credential
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("credential: parsing %s: %w", path, err)
	}
	var maxID int64
	changed := false
	for _, c := range creds {
		if c.ID > maxID {
			maxID = c.ID
		}
	}
	for _, c := range creds {
		if c.AuthMethod == "" && c.ClientID != "" && c.ClientSecret != "" {
			c.AuthMethod = AuthMethodIdc
			changed = true
		}
		if c.ID == 0 {
			maxID++
			c.ID = maxID
			changed = true
		}
		if c.MachineID == "" {
			c.MachineID = deriveMachineID(c.RefreshToken)
			changed = true
		}
		if canon := CanonicalizeAuthMethod(string(c.AuthMethod)); canon != c.AuthMethod {
			c.AuthMethod = canon
			changed = true
		}
	}
	if changed {
		out, merr := json.MarshalIndent(creds, "", "  ")
		if merr == nil {
			_ = os.WriteFile(path, out, 0o600)
		}
	}
	return creds, nil
}
