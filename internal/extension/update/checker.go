// Package update checks GitHub for newer versions of loaded
// extensions. The cheap path fetches the raw manifest from the
// repository and compares versions; when that is unavailable it falls
// back to the releases API. Results are cached so UI-triggered checks
// do not hammer GitHub.
package update

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/go-github/github"
	"github.com/robfig/cron/v3"

	"github.com/ayoto/extensions/internal/extension"
	pkgext "github.com/ayoto/extensions/pkg/extension"
)

// ErrNoRepository means the manifest declares no checkable repository.
var ErrNoRepository = errors.New("extension declares no github repository")

// DefaultCacheTTL is how long a lookup result is reused.
const DefaultCacheTTL = 10 * time.Minute

// defaultRawBase serves raw file contents for public repositories.
const defaultRawBase = "https://raw.githubusercontent.com"

// UpdateInfo is the outcome of one check.
type UpdateInfo struct {
	ExtensionID     string    `json:"extensionId"`
	CurrentVersion  string    `json:"currentVersion"`
	LatestVersion   string    `json:"latestVersion"`
	UpdateAvailable bool      `json:"updateAvailable"`
	DownloadURL     string    `json:"downloadUrl,omitempty"`
	ReleaseNotes    string    `json:"releaseNotes,omitempty"`
	CheckedAt       time.Time `json:"checkedAt"`
}

// remoteVersion is what a repository lookup yields, before being
// compared against any particular installed version.
type remoteVersion struct {
	version     string
	downloadURL string
	notes       string
	fetchedAt   time.Time
}

// Lister enumerates the extensions eligible for checking. The manager
// satisfies it.
type Lister interface {
	List() []extension.Info
}

// Checker performs and schedules update checks.
type Checker struct {
	gh       *github.Client
	http     *http.Client
	rawBase  string
	cacheTTL time.Duration
	logger   *slog.Logger
	lister   Lister

	mu    sync.Mutex
	cache map[string]remoteVersion
	subs  []func(UpdateInfo)
	cron  *cron.Cron
}

// Option configures a Checker.
type Option func(*Checker)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Checker) { c.logger = l }
}

// WithGitHubClient substitutes the API client, used by tests to point
// at a local server.
func WithGitHubClient(gh *github.Client) Option {
	return func(c *Checker) { c.gh = gh }
}

// WithRawBase overrides the raw-content host, used by tests.
func WithRawBase(base string) Option {
	return func(c *Checker) { c.rawBase = strings.TrimRight(base, "/") }
}

// WithCacheTTL overrides how long lookups are reused.
func WithCacheTTL(ttl time.Duration) Option {
	return func(c *Checker) { c.cacheTTL = ttl }
}

// NewChecker builds a checker over the given extension lister.
func NewChecker(lister Lister, opts ...Option) *Checker {
	c := &Checker{
		http:     &http.Client{Timeout: 15 * time.Second},
		rawBase:  defaultRawBase,
		cacheTTL: DefaultCacheTTL,
		logger:   slog.Default(),
		lister:   lister,
		cache:    make(map[string]remoteVersion),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.gh == nil {
		c.gh = github.NewClient(c.http)
	}
	c.logger = c.logger.With("component", "update-checker")
	return c
}

// Check looks up the latest published version for one extension.
func (c *Checker) Check(ctx context.Context, info extension.Info) (*UpdateInfo, error) {
	repo := info.Manifest.Repository
	if repo == nil || repo.Type != pkgext.RepoGitHub || repo.Owner == "" || repo.Repo == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoRepository, info.Manifest.ID)
	}

	remote, err := c.lookup(ctx, repo)
	if err != nil {
		return nil, err
	}

	out := &UpdateInfo{
		ExtensionID:    info.Manifest.ID,
		CurrentVersion: info.Manifest.Version,
		LatestVersion:  remote.version,
		DownloadURL:    remote.downloadURL,
		ReleaseNotes:   remote.notes,
		CheckedAt:      time.Now(),
	}

	current, err := semver.NewVersion(info.Manifest.Version)
	if err != nil {
		return nil, fmt.Errorf("installed version %q of %s: %w", info.Manifest.Version, info.Manifest.ID, err)
	}
	latest, err := semver.NewVersion(remote.version)
	if err != nil {
		return nil, fmt.Errorf("published version %q of %s/%s: %w", remote.version, repo.Owner, repo.Repo, err)
	}
	out.UpdateAvailable = latest.GreaterThan(current)
	return out, nil
}

// lookup resolves the latest version for a repository, serving from
// cache within the TTL.
func (c *Checker) lookup(ctx context.Context, repo *pkgext.Repository) (remoteVersion, error) {
	key := repo.Owner + "/" + repo.Repo

	c.mu.Lock()
	cached, ok := c.cache[key]
	c.mu.Unlock()
	if ok && time.Since(cached.fetchedAt) < c.cacheTTL {
		return cached, nil
	}

	remote, rawErr := c.fromRawManifest(ctx, repo)
	if rawErr != nil {
		var relErr error
		remote, relErr = c.fromLatestRelease(ctx, repo)
		if relErr != nil {
			return remoteVersion{}, fmt.Errorf("check %s: raw manifest: %v; releases: %w", key, rawErr, relErr)
		}
	}
	remote.fetchedAt = time.Now()

	c.mu.Lock()
	c.cache[key] = remote
	c.mu.Unlock()

	c.logger.Debug("repository version resolved", "repo", key, "version", remote.version)
	return remote, nil
}

// fromRawManifest fetches the manifest straight off the default branch.
// One small text request instead of an API call, and it works without
// any release having been published.
func (c *Checker) fromRawManifest(ctx context.Context, repo *pkgext.Repository) (remoteVersion, error) {
	branch := repo.Branch
	if branch == "" {
		branch = "main"
	}
	path := repo.ManifestPath
	if path == "" {
		path = "manifest.json"
	}
	url := fmt.Sprintf("%s/%s/%s/%s/%s", c.rawBase, repo.Owner, repo.Repo, branch, path)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return remoteVersion{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return remoteVersion{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return remoteVersion{}, fmt.Errorf("fetch %s: status %d", url, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return remoteVersion{}, err
	}

	m, err := pkgext.ParseManifest(data)
	if err != nil {
		return remoteVersion{}, err
	}
	if m.Version == "" {
		return remoteVersion{}, fmt.Errorf("remote manifest has no version")
	}
	return remoteVersion{version: m.Version}, nil
}

// fromLatestRelease asks the releases API. The tag is the version,
// with a leading "v" tolerated; the first .aypk asset is the download.
func (c *Checker) fromLatestRelease(ctx context.Context, repo *pkgext.Repository) (remoteVersion, error) {
	release, _, err := c.gh.Repositories.GetLatestRelease(ctx, repo.Owner, repo.Repo)
	if err != nil {
		return remoteVersion{}, fmt.Errorf("latest release: %w", err)
	}
	tag := strings.TrimPrefix(release.GetTagName(), "v")
	if tag == "" {
		return remoteVersion{}, fmt.Errorf("latest release has no tag")
	}

	out := remoteVersion{version: tag, notes: release.GetBody()}
	for _, asset := range release.Assets {
		if strings.HasSuffix(asset.GetName(), ".aypk") {
			out.downloadURL = asset.GetBrowserDownloadURL()
			break
		}
	}
	return out, nil
}

// CheckAll checks every listed extension. Extensions without a
// repository are skipped; other failures are logged and skipped so one
// dead repo never hides the rest.
func (c *Checker) CheckAll(ctx context.Context) []UpdateInfo {
	var out []UpdateInfo
	for _, info := range c.lister.List() {
		res, err := c.Check(ctx, info)
		if err != nil {
			if !errors.Is(err, ErrNoRepository) {
				c.logger.Warn("update check failed", "extension", info.Manifest.ID, "error", err)
			}
			continue
		}
		out = append(out, *res)
	}
	return out
}

// Subscribe registers a callback invoked for each available update
// found by the scheduled checks.
func (c *Checker) Subscribe(fn func(UpdateInfo)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = append(c.subs, fn)
}

// Start schedules periodic background checks.
func (c *Checker) Start(interval time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cron != nil {
		return fmt.Errorf("update checker already started")
	}
	c.cron = cron.New()
	_, err := c.cron.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		c.runScheduled(ctx)
	})
	if err != nil {
		c.cron = nil
		return fmt.Errorf("schedule update checks: %w", err)
	}
	c.cron.Start()
	c.logger.Info("scheduled update checks", "interval", interval)
	return nil
}

func (c *Checker) runScheduled(ctx context.Context) {
	results := c.CheckAll(ctx)

	c.mu.Lock()
	subs := append([]func(UpdateInfo){}, c.subs...)
	c.mu.Unlock()

	for _, res := range results {
		if !res.UpdateAvailable {
			continue
		}
		c.logger.Info("update available",
			"extension", res.ExtensionID, "current", res.CurrentVersion, "latest", res.LatestVersion)
		for _, fn := range subs {
			fn(res)
		}
	}
}

// Stop halts the scheduled checks.
func (c *Checker) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cron != nil {
		c.cron.Stop()
		c.cron = nil
	}
}
