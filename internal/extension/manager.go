package extension

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ayoto/extensions/internal/extension/audit"
	"github.com/ayoto/extensions/internal/extension/codec"
	"github.com/ayoto/extensions/internal/extension/sandbox"
	"github.com/ayoto/extensions/internal/extension/signing"
	"github.com/ayoto/extensions/internal/kvstore"
)

// State is the lifecycle position of a loaded extension.
type State string

const (
	StateUnloaded State = "unloaded"
	StateLoading  State = "loading"
	StateActive   State = "active"
	StateError    State = "error"
)

// DefaultMaxExtensions caps how many extensions a host keeps loaded.
const DefaultMaxExtensions = 50

// loaded is the runtime record for one extension.
type loaded struct {
	manifest *Manifest
	state    State
	enabled  bool
	loadedAt time.Time
	warnings []string
	// lastErr captures why a load failed; set only in the error state.
	lastErr string

	inst    *sandbox.Instance
	net     *NetworkClient
	storage *StorageAPI
	cancel  context.CancelFunc
}

// Info is the externally visible snapshot of a loaded extension.
type Info struct {
	Manifest    *Manifest `json:"manifest"`
	State       State     `json:"state"`
	Enabled     bool      `json:"enabled"`
	LoadedAt    time.Time `json:"loadedAt"`
	Warnings    []string  `json:"warnings"`
	Permissions []string  `json:"permissions"`
	// Error is the captured load failure when State is "error".
	Error string `json:"error,omitempty"`
}

// Manager owns the full extension lifecycle: parsing and verifying
// packages, auditing and sandboxing their code, granting permissions,
// and dispatching capability calls into active instances.
type Manager struct {
	mu   sync.RWMutex
	exts map[string]*loaded

	perms       *PermissionManager
	store       kvstore.Store
	scraper     *Scraper
	logger      *slog.Logger
	metrics     *metrics
	hostVersion string
	maxLoaded   int
	quota       int

	trustedKeys      []*ecdsa.PublicKey
	requireSignature bool
	decryptionKey    []byte
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithStore sets the storage backend shared by all extensions.
func WithStore(s kvstore.Store) Option {
	return func(m *Manager) { m.store = s }
}

// WithHostVersion sets the app version used for compatibility checks.
func WithHostVersion(v string) Option {
	return func(m *Manager) { m.hostVersion = v }
}

// WithMaxExtensions caps concurrently loaded extensions.
func WithMaxExtensions(n int) Option {
	return func(m *Manager) { m.maxLoaded = n }
}

// WithStorageQuota sets the per-extension storage allowance in bytes.
func WithStorageQuota(bytes int) Option {
	return func(m *Manager) { m.quota = bytes }
}

// WithTrustedKeys sets the signature verification keys.
func WithTrustedKeys(keys ...*ecdsa.PublicKey) Option {
	return func(m *Manager) { m.trustedKeys = keys }
}

// WithRequireSignature rejects unsigned packages.
func WithRequireSignature(require bool) Option {
	return func(m *Manager) { m.requireSignature = require }
}

// WithDecryptionKey supplies the key for encrypted packages.
func WithDecryptionKey(key []byte) Option {
	return func(m *Manager) { m.decryptionKey = key }
}

// NewManager builds a Manager with in-memory storage and defaults
// unless options say otherwise.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		exts:        make(map[string]*loaded),
		scraper:     NewScraper(),
		logger:      slog.Default(),
		hostVersion: "1.0.0",
		maxLoaded:   DefaultMaxExtensions,
		quota:       DefaultStorageQuota,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "extension-manager")
	if m.store == nil {
		m.store = kvstore.NewMemoryStore()
	}
	m.perms = NewPermissionManager(m.logger)
	m.metrics = getMetrics()
	return m
}

func failResult(id string, warnings []string, format string, args ...any) *LoadResult {
	return &LoadResult{
		ExtensionID: id,
		Errors:      []string{fmt.Sprintf(format, args...)},
		Warnings:    append([]string{}, warnings...),
	}
}

// LoadPackage parses, verifies, audits, and activates an extension
// package. It never returns a Go error: every failure mode lands in the
// LoadResult so callers always get the full error and warning breakdown.
// Loading an ID that is already active replaces it: the old instance is
// shut down first, then the new one starts.
func (m *Manager) LoadPackage(ctx context.Context, data []byte) *LoadResult {
	return m.recordLoad(m.loadPackage(ctx, data))
}

// LoadSource activates an extension from an already-parsed manifest and
// raw source code, bypassing the package container. Development
// installs and registries that keep manifest and code as separate files
// use this; it shares the validation, audit, and sandbox pipeline with
// LoadPackage. An integrity hash in the manifest is verified against
// the source when present.
func (m *Manager) LoadSource(ctx context.Context, manifest *Manifest, code string) *LoadResult {
	return m.recordLoad(m.loadSource(ctx, manifest, code))
}

func (m *Manager) recordLoad(res *LoadResult) *LoadResult {
	outcome := "error"
	if res.Success {
		outcome = "ok"
	}
	m.metrics.loadsTotal.WithLabelValues(outcome).Inc()
	return res
}

// capacityPrecheck enforces the load cap before any validation work
// runs, so a host at capacity sheds further loads cheaply. Replacements
// are exempt: they free their own slot.
func (m *Manager) capacityPrecheck(id string) *LoadResult {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.exts) < m.maxLoaded {
		return nil
	}
	if _, replacing := m.exts[id]; replacing {
		return nil
	}
	return failResult(id, nil, "%v: %d of %d slots in use", ErrCapacity, len(m.exts), m.maxLoaded)
}

func (m *Manager) loadPackage(ctx context.Context, data []byte) *LoadResult {
	m.mu.RLock()
	atCapacity := len(m.exts) >= m.maxLoaded
	m.mu.RUnlock()
	if atCapacity {
		// Only the manifest ID is peeked; an unparseable blob cannot be
		// a replacement, so it too is shed without further work.
		id, _ := codec.PeekID(data)
		if res := m.capacityPrecheck(id); res != nil {
			return res
		}
	}

	pkg, err := codec.Parse(data, codec.ParseOptions{
		DecryptionKey:    m.decryptionKey,
		TrustedKeys:      m.trustedKeys,
		RequireSignature: m.requireSignature,
	})
	if err != nil {
		return failResult("", nil, "parse package: %v", err)
	}
	return m.activate(ctx, pkg.Manifest, pkg.Code, append([]string{}, pkg.Warnings...), pkg.Signature != nil)
}

func (m *Manager) loadSource(ctx context.Context, manifest *Manifest, code string) *LoadResult {
	if manifest == nil {
		return failResult("", nil, "load from source: manifest is required")
	}
	if res := m.capacityPrecheck(manifest.ID); res != nil {
		return res
	}

	code = signing.NormalizeSource(code)
	var warnings []string
	if manifest.Security.IntegrityHash == "" {
		warnings = append(warnings, "manifest carries no integrity hash; tampering cannot be detected")
	} else if err := signing.VerifyIntegrity(code, manifest.Security.IntegrityHash); err != nil {
		return failResult(manifest.ID, warnings, "source integrity: %v", err)
	}
	return m.activate(ctx, manifest, code, warnings, false)
}

// activate runs the shared load pipeline: manifest validation,
// compatibility check, security audit, permission grant, sandbox
// instantiation, registration.
func (m *Manager) activate(ctx context.Context, manifest *Manifest, code string, warnings []string, signed bool) *LoadResult {
	id := manifest.ID

	if vr := Validate(manifest); !vr.Valid {
		r := failResult(id, append(warnings, vr.Warnings...), "manifest invalid")
		r.Errors = append(r.Errors, vr.Errors...)
		return r
	} else {
		warnings = append(warnings, vr.Warnings...)
	}

	if compatible, err := manifest.CompatibleWith(m.hostVersion); err != nil {
		return failResult(id, warnings, "compatibility check: %v", err)
	} else if !compatible {
		return failResult(id, warnings, "extension requires app version between %q and %q, host is %s",
			manifest.MinAppVersion, manifest.MaxAppVersion, m.hostVersion)
	}

	report := audit.Scan(code)
	for _, issue := range report.Issues {
		m.metrics.auditFindings.WithLabelValues(string(issue.Severity)).Inc()
		if issue.Severity == audit.SeverityWarning {
			warnings = append(warnings, fmt.Sprintf("audit line %d: %s", issue.Line, issue.Message))
		}
	}
	if blocking := report.Blocking(); len(blocking) > 0 {
		r := failResult(id, warnings, "code failed the security audit with %d blocking findings", len(blocking))
		for _, issue := range blocking {
			r.Errors = append(r.Errors, fmt.Sprintf("audit line %d [%s]: %s", issue.Line, issue.Rule, issue.Message))
		}
		return r
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if old, exists := m.exts[id]; exists {
		m.logger.Info("replacing loaded extension", "extension", id, "old_version", old.manifest.Version, "new_version", manifest.Version)
		m.shutdownLocked(id, old)
	} else if len(m.exts) >= m.maxLoaded {
		return failResult(id, warnings, "%v: %d of %d slots in use", ErrCapacity, len(m.exts), m.maxLoaded)
	}

	dropped := m.perms.Grant(id, manifest.Permissions)
	for _, p := range dropped {
		warnings = append(warnings, fmt.Sprintf("permission %q not granted: not recognized", p))
	}

	// Extension lifetime context, cancelled on unload. Deliberately not
	// derived from the load ctx, which only covers the load call.
	extCtx, cancel := context.WithCancel(context.Background())

	l := &loaded{
		manifest: manifest,
		state:    StateLoading,
		enabled:  true,
		loadedAt: time.Now(),
		warnings: warnings,
		net:      NewNetworkClient(manifest, m.perms, m.logger),
		storage:  NewStorageAPI(id, m.perms, m.store, m.quota, m.logger),
		cancel:   cancel,
	}
	m.exts[id] = l

	// Post-grant failures roll the grant back but leave the record
	// registered in the error state, message captured, until the next
	// load of this ID replaces it.
	fail := func(format string, args ...any) *LoadResult {
		msg := fmt.Sprintf(format, args...)
		if l.inst != nil {
			l.inst.Close()
			l.inst = nil
		}
		cancel()
		m.perms.Revoke(id)
		l.state = StateError
		l.lastErr = msg
		m.metrics.loadedGauge.Set(float64(len(m.exts)))
		m.logger.Warn("extension failed to load", "extension", id, "error", msg)
		return failResult(id, warnings, "%s", msg)
	}

	inst, err := sandbox.Instantiate(code, sandbox.Options{
		ExtensionID: id,
		Logger:      m.logger,
		Bindings:    buildBindings(extCtx, manifest, l.net, l.storage, m.scraper, m.hostVersion),
	})
	if err != nil {
		return fail("sandbox: %v", err)
	}
	l.inst = inst

	if inst.Has("initialize") {
		if _, err := inst.Call(ctx, "initialize"); err != nil {
			return fail("initialize failed: %v", err)
		}
	}

	l.state = StateActive
	m.metrics.loadedGauge.Set(float64(len(m.exts)))

	m.logger.Info("extension loaded",
		"extension", id, "version", manifest.Version, "type", manifest.PluginType,
		"signed", signed, "warnings", len(warnings))

	return &LoadResult{Success: true, ExtensionID: id, Errors: []string{}, Warnings: warnings}
}

// shutdownLocked tears an instance down: run its shutdown hook
// best-effort, close the sandbox, cancel its context, revoke its
// grants. Hook failures are logged and never block teardown.
// Caller holds mu.
func (m *Manager) shutdownLocked(id string, l *loaded) {
	if l.inst != nil {
		if l.inst.Has("shutdown") {
			hctx, hcancel := context.WithTimeout(context.Background(), 5*time.Second)
			if _, err := l.inst.Call(hctx, "shutdown"); err != nil {
				m.logger.Warn("shutdown hook failed", "extension", id, "error", err)
			}
			hcancel()
		}
		l.inst.Close()
	}
	l.cancel()
	l.state = StateUnloaded
	m.perms.Revoke(id)
	delete(m.exts, id)
}

// Unload removes an extension. Unloading an unknown ID succeeds with a
// warning so retry loops stay idempotent.
func (m *Manager) Unload(id string) *LoadResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.exts[id]
	if !ok {
		return &LoadResult{
			Success:     true,
			ExtensionID: id,
			Errors:      []string{},
			Warnings:    []string{fmt.Sprintf("extension %s was not loaded", id)},
		}
	}
	m.shutdownLocked(id, l)
	m.metrics.loadedGauge.Set(float64(len(m.exts)))
	m.logger.Info("extension unloaded", "extension", id)
	return &LoadResult{Success: true, ExtensionID: id, Errors: []string{}, Warnings: []string{}}
}

// Shutdown unloads everything. Used on host exit.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, l := range m.exts {
		m.shutdownLocked(id, l)
	}
	m.metrics.loadedGauge.Set(0)
	m.logger.Info("extension manager shut down")
}

// Enable re-enables a disabled extension.
func (m *Manager) Enable(id string) error {
	return m.setEnabled(id, true)
}

// Disable keeps the extension loaded but rejects capability calls.
func (m *Manager) Disable(id string) error {
	return m.setEnabled(id, false)
}

func (m *Manager) setEnabled(id string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.exts[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	l.enabled = enabled
	m.logger.Info("extension toggled", "extension", id, "enabled", enabled)
	return nil
}

func (m *Manager) infoLocked(id string, l *loaded) Info {
	return Info{
		Manifest:    l.manifest,
		State:       l.state,
		Enabled:     l.enabled,
		LoadedAt:    l.loadedAt,
		Warnings:    append([]string{}, l.warnings...),
		Permissions: m.perms.Grants(id),
		Error:       l.lastErr,
	}
}

// Get returns the snapshot for one extension.
func (m *Manager) Get(id string) (Info, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.exts[id]
	if !ok {
		return Info{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return m.infoLocked(id, l), nil
}

// List returns every loaded extension, sorted by ID.
func (m *Manager) List() []Info {
	return m.list(func(*loaded) bool { return true })
}

// ListEnabled returns the extensions accepting capability calls.
func (m *Manager) ListEnabled() []Info {
	return m.list(func(l *loaded) bool { return l.enabled && l.state == StateActive })
}

// ListByCapability returns the enabled extensions advertising the given
// capability flag.
func (m *Manager) ListByCapability(pick func(Capabilities) bool) []Info {
	return m.list(func(l *loaded) bool {
		return l.enabled && l.state == StateActive && pick(l.manifest.Capabilities)
	})
}

func (m *Manager) list(keep func(*loaded) bool) []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Info, 0, len(m.exts))
	for id, l := range m.exts {
		if keep(l) {
			out = append(out, m.infoLocked(id, l))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Manifest.ID < out[j].Manifest.ID })
	return out
}

// call dispatches one capability invocation. The capability flag is
// checked before touching the sandbox, so an unset flag yields
// ErrNotSupported instead of a missing-function fault.
func (m *Manager) call(ctx context.Context, id, capability string, enabled func(Capabilities) bool, fn string, args ...any) (json.RawMessage, error) {
	m.mu.RLock()
	l, ok := m.exts[id]
	if !ok {
		m.mu.RUnlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !l.enabled {
		m.mu.RUnlock()
		return nil, fmt.Errorf("%w: %s", ErrDisabled, id)
	}
	if l.state != StateActive {
		m.mu.RUnlock()
		return nil, fmt.Errorf("%w: %s is %s", ErrNotActive, id, l.state)
	}
	if !enabled(l.manifest.Capabilities) {
		m.mu.RUnlock()
		return nil, fmt.Errorf("%w: %s does not declare %s", ErrNotSupported, id, capability)
	}
	inst := l.inst
	m.mu.RUnlock()

	start := time.Now()
	raw, err := inst.Call(ctx, fn, args...)
	m.metrics.callDuration.WithLabelValues(capability).Observe(time.Since(start).Seconds())
	if err != nil {
		m.metrics.callsTotal.WithLabelValues(capability, "error").Inc()
		return nil, err
	}
	m.metrics.callsTotal.WithLabelValues(capability, "ok").Inc()
	return raw, nil
}

func callTyped[T any](m *Manager, ctx context.Context, id, capability string, enabled func(Capabilities) bool, fn string, args ...any) (*T, error) {
	raw, err := m.call(ctx, id, capability, enabled, fn, args...)
	if err != nil {
		return nil, err
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("extension %s returned malformed %s result: %w", id, capability, err)
	}
	return &out, nil
}

// Search queries a provider extension.
func (m *Manager) Search(ctx context.Context, id, query string, page int) (*MediaList, error) {
	return callTyped[MediaList](m, ctx, id, "search",
		func(c Capabilities) bool { return c.Search }, "search", query, page)
}

// GetPopular lists currently popular media from a provider.
func (m *Manager) GetPopular(ctx context.Context, id string, page int) (*MediaList, error) {
	return callTyped[MediaList](m, ctx, id, "getPopular",
		func(c Capabilities) bool { return c.GetPopular }, "getPopular", page)
}

// GetLatest lists recently updated media from a provider.
func (m *Manager) GetLatest(ctx context.Context, id string, page int) (*MediaList, error) {
	return callTyped[MediaList](m, ctx, id, "getLatest",
		func(c Capabilities) bool { return c.GetLatest }, "getLatest", page)
}

// GetMediaDetails fetches the full record for one media entry.
func (m *Manager) GetMediaDetails(ctx context.Context, id, mediaID string) (*Media, error) {
	return callTyped[Media](m, ctx, id, "getMediaDetails",
		func(c Capabilities) bool { return c.GetMediaDetails }, "getMediaDetails", mediaID)
}

// GetEpisodes lists episodes for a media entry.
func (m *Manager) GetEpisodes(ctx context.Context, id, mediaID string, page int) (*EpisodeList, error) {
	return callTyped[EpisodeList](m, ctx, id, "getEpisodes",
		func(c Capabilities) bool { return c.GetEpisodes }, "getEpisodes", mediaID, page)
}

// GetStreams resolves the stream sources for an episode.
func (m *Manager) GetStreams(ctx context.Context, id, episodeID string) (*StreamSourceList, error) {
	return callTyped[StreamSourceList](m, ctx, id, "getStreams",
		func(c Capabilities) bool { return c.GetStreams }, "getStreams", episodeID)
}

// ExtractStream resolves a hoster page URL into a playable source.
func (m *Manager) ExtractStream(ctx context.Context, id, pageURL string) (*StreamSource, error) {
	return callTyped[StreamSource](m, ctx, id, "extractStream",
		func(c Capabilities) bool { return c.ExtractStream }, "extractStream", pageURL)
}

// GetHosterInfo lists the hosters an extractor extension supports.
func (m *Manager) GetHosterInfo(ctx context.Context, id string) ([]HosterInfo, error) {
	raw, err := m.call(ctx, id, "getHosterInfo",
		func(c Capabilities) bool { return c.GetHosterInfo }, "getHosterInfo")
	if err != nil {
		return nil, err
	}
	var out []HosterInfo
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("extension %s returned malformed hoster info: %w", id, err)
	}
	return out, nil
}

// Permissions exposes the permission registry, mainly for host UIs that
// show or revoke grants.
func (m *Manager) Permissions() *PermissionManager {
	return m.perms
}
