package update

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-github/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ayoto/extensions/internal/extension"
	pkgext "github.com/ayoto/extensions/pkg/extension"
)

type staticLister []extension.Info

func (l staticLister) List() []extension.Info { return l }

func infoFor(id, version string, repo *pkgext.Repository) extension.Info {
	return extension.Info{
		Manifest: &pkgext.Manifest{
			ID:         id,
			Name:       "Update Fixture",
			Version:    version,
			PluginType: pkgext.TypeMediaProvider,
			Repository: repo,
		},
	}
}

func ghRepo() *pkgext.Repository {
	return &pkgext.Repository{Type: pkgext.RepoGitHub, Owner: "acme", Repo: "ext"}
}

func githubClientFor(t *testing.T, srv *httptest.Server) *github.Client {
	t.Helper()
	gh := github.NewClient(srv.Client())
	base, err := url.Parse(srv.URL + "/")
	require.NoError(t, err)
	gh.BaseURL = base
	return gh
}

func TestCheckViaRawManifest(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "/acme/ext/main/manifest.json", r.URL.Path)
		fmt.Fprint(w, `{"id": "up-ext", "name": "X", "version": "1.4.0", "pluginType": "media-provider"}`)
	}))
	defer srv.Close()

	c := NewChecker(staticLister(nil), WithRawBase(srv.URL))

	res, err := c.Check(context.Background(), infoFor("up-ext", "1.2.0", ghRepo()))
	require.NoError(t, err)
	assert.True(t, res.UpdateAvailable)
	assert.Equal(t, "1.4.0", res.LatestVersion)
	assert.Equal(t, "1.2.0", res.CurrentVersion)

	// Same repo again: served from cache.
	res, err = c.Check(context.Background(), infoFor("up-ext", "1.4.0", ghRepo()))
	require.NoError(t, err)
	assert.False(t, res.UpdateAvailable, "1.4.0 is current")
	assert.Equal(t, int32(1), hits.Load(), "second check must hit the cache")
}

func TestCheckHonorsBranchAndPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/acme/ext/develop/pkg/manifest.json", r.URL.Path)
		fmt.Fprint(w, `{"version": "0.2.0"}`)
	}))
	defer srv.Close()

	repo := ghRepo()
	repo.Branch = "develop"
	repo.ManifestPath = "pkg/manifest.json"

	c := NewChecker(staticLister(nil), WithRawBase(srv.URL))
	res, err := c.Check(context.Background(), infoFor("up-ext", "0.1.0", repo))
	require.NoError(t, err)
	assert.True(t, res.UpdateAvailable)
}

func TestCheckFallsBackToReleases(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/acme/ext/main/manifest.json":
			http.NotFound(w, r)
		case "/repos/acme/ext/releases/latest":
			fmt.Fprint(w, `{
				"tag_name": "v2.1.0",
				"body": "bug fixes",
				"assets": [
					{"name": "readme.txt", "browser_download_url": "https://dl.example/readme.txt"},
					{"name": "up-ext-2.1.0.aypk", "browser_download_url": "https://dl.example/up-ext-2.1.0.aypk"}
				]
			}`)
		default:
			t.Errorf("unexpected request %s", r.URL.Path)
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewChecker(staticLister(nil),
		WithRawBase(srv.URL),
		WithGitHubClient(githubClientFor(t, srv)),
	)

	res, err := c.Check(context.Background(), infoFor("up-ext", "2.0.0", ghRepo()))
	require.NoError(t, err)
	assert.True(t, res.UpdateAvailable)
	assert.Equal(t, "2.1.0", res.LatestVersion, "leading v is stripped")
	assert.Equal(t, "https://dl.example/up-ext-2.1.0.aypk", res.DownloadURL)
	assert.Equal(t, "bug fixes", res.ReleaseNotes)
}

func TestCheckWithoutRepository(t *testing.T) {
	c := NewChecker(staticLister(nil))

	_, err := c.Check(context.Background(), infoFor("no-repo", "1.0.0", nil))
	assert.ErrorIs(t, err, ErrNoRepository)

	_, err = c.Check(context.Background(), infoFor("wrong-kind", "1.0.0",
		&pkgext.Repository{Type: "gitlab", Owner: "a", Repo: "b"}))
	assert.ErrorIs(t, err, ErrNoRepository)
}

func TestCacheExpiry(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		fmt.Fprint(w, `{"version": "3.0.0"}`)
	}))
	defer srv.Close()

	c := NewChecker(staticLister(nil), WithRawBase(srv.URL), WithCacheTTL(time.Nanosecond))

	_, err := c.Check(context.Background(), infoFor("x", "1.0.0", ghRepo()))
	require.NoError(t, err)
	time.Sleep(time.Millisecond)
	_, err = c.Check(context.Background(), infoFor("x", "1.0.0", ghRepo()))
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load(), "expired cache entries are refetched")
}

func TestCheckAllSkipsFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/acme/good/main/manifest.json":
			fmt.Fprint(w, `{"version": "9.0.0"}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	deadRepo := &pkgext.Repository{Type: pkgext.RepoGitHub, Owner: "acme", Repo: "dead"}
	goodRepo := &pkgext.Repository{Type: pkgext.RepoGitHub, Owner: "acme", Repo: "good"}

	lister := staticLister{
		infoFor("no-repo", "1.0.0", nil),
		infoFor("dead", "1.0.0", deadRepo),
		infoFor("good", "1.0.0", goodRepo),
	}
	c := NewChecker(lister,
		WithRawBase(srv.URL),
		WithGitHubClient(githubClientFor(t, srv)),
	)

	results := c.CheckAll(context.Background())
	require.Len(t, results, 1)
	assert.Equal(t, "good", results[0].ExtensionID)
	assert.True(t, results[0].UpdateAvailable)
}

func TestScheduledChecksNotifySubscribers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"version": "2.0.0"}`)
	}))
	defer srv.Close()

	lister := staticLister{infoFor("sub-ext", "1.0.0", ghRepo())}
	c := NewChecker(lister, WithRawBase(srv.URL))

	got := make(chan UpdateInfo, 1)
	c.Subscribe(func(info UpdateInfo) { got <- info })

	c.runScheduled(context.Background())

	select {
	case info := <-got:
		assert.Equal(t, "sub-ext", info.ExtensionID)
		assert.Equal(t, "2.0.0", info.LatestVersion)
	default:
		t.Fatal("subscriber was not notified")
	}
}

func TestStartStop(t *testing.T) {
	c := NewChecker(staticLister(nil))
	require.NoError(t, c.Start(time.Hour))
	assert.Error(t, c.Start(time.Hour), "double start")
	c.Stop()
	require.NoError(t, c.Start(time.Hour))
	c.Stop()
}
