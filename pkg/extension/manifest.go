// Package extension defines the public authoring surface for Ayoto
// extensions: the manifest descriptor every package must carry, the
// permission and capability vocabulary, and the typed results extension
// capability calls produce.
package extension

import (
	"encoding/json"
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// PluginType classifies what an extension contributes to the host.
type PluginType string

// Recognized plugin types. Anything else is a validation error.
const (
	TypeMediaProvider  PluginType = "media-provider"
	TypeStreamProvider PluginType = "stream-provider"
	TypeUtility        PluginType = "utility"
	TypeTheme          PluginType = "theme"
	TypeIntegration    PluginType = "integration"
)

// Recognized permission strings. Unknown entries in a manifest are
// dropped at grant time and reported as validation warnings, so future
// permissions never block loading on older hosts.
const (
	PermNetworkHTTP   = "network:http"
	PermStorageLocal  = "storage:local"
	PermNotifications = "notifications:show"
	PermPlayerControl = "player:control"
	PermMetadataRead  = "metadata:read"
)

// RecognizedPermissions lists every permission the host understands.
var RecognizedPermissions = []string{
	PermNetworkHTTP,
	PermStorageLocal,
	PermNotifications,
	PermPlayerControl,
	PermMetadataRead,
}

// IsRecognizedPermission reports whether perm is in the recognized set.
func IsRecognizedPermission(perm string) bool {
	for _, p := range RecognizedPermissions {
		if p == perm {
			return true
		}
	}
	return false
}

// RepoGitHub is the single remote kind the update checker supports.
const RepoGitHub = "github"

// Manifest is the declarative descriptor embedded in every extension
// package. It is the only configuration surface an extension author
// writes by hand.
type Manifest struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Version     string     `json:"version"`
	Description string     `json:"description,omitempty"`
	PluginType  PluginType `json:"pluginType"`

	Author     *Author     `json:"author,omitempty"`
	Repository *Repository `json:"repository,omitempty"`

	Permissions  []string     `json:"permissions,omitempty"`
	Capabilities Capabilities `json:"capabilities"`
	Config       Config       `json:"config"`
	Security     Security     `json:"security"`

	MinAppVersion string `json:"minAppVersion,omitempty"`
	MaxAppVersion string `json:"maxAppVersion,omitempty"`

	Keywords           []string `json:"keywords,omitempty"`
	SupportedLanguages []string `json:"supportedLanguages,omitempty"`
	Icon               string   `json:"icon,omitempty"`
	Homepage           string   `json:"homepage,omitempty"`
}

// Author identifies who wrote the extension.
type Author struct {
	Name   string `json:"name"`
	Email  string `json:"email,omitempty"`
	URL    string `json:"url,omitempty"`
	GitHub string `json:"github,omitempty"`
}

// Repository points the update checker at the extension's release source.
type Repository struct {
	Type         string `json:"type"`
	Owner        string `json:"owner"`
	Repo         string `json:"repo"`
	Branch       string `json:"branch,omitempty"`
	ManifestPath string `json:"manifestPath,omitempty"`
}

// Capabilities advertises which optional operations the extension
// implements. The host checks the flag before invoking; a call against
// an unset flag yields a "not supported" result, never a missing-method
// fault.
type Capabilities struct {
	Search          bool `json:"search"`
	GetPopular      bool `json:"getPopular"`
	GetLatest       bool `json:"getLatest"`
	GetEpisodes     bool `json:"getEpisodes"`
	GetStreams      bool `json:"getStreams"`
	GetMediaDetails bool `json:"getMediaDetails"`
	ExtractStream   bool `json:"extractStream"`
	GetHosterInfo   bool `json:"getHosterInfo"`
}

// Any reports whether at least one capability is enabled.
func (c Capabilities) Any() bool {
	return c.Search || c.GetPopular || c.GetLatest || c.GetEpisodes ||
		c.GetStreams || c.GetMediaDetails || c.ExtractStream || c.GetHosterInfo
}

// Config carries per-extension runtime tuning.
type Config struct {
	// RateLimitMS is the minimum interval between network calls issued
	// by the extension, in milliseconds. Zero means the host default.
	RateLimitMS int64 `json:"rateLimitMs,omitempty"`
	// TimeoutMS bounds a single network call. Zero means the host default.
	TimeoutMS int64  `json:"timeoutMs,omitempty"`
	BaseURL   string `json:"baseUrl,omitempty"`
	UserAgent string `json:"userAgent,omitempty"`
}

// Security declares the sandboxing contract for the extension's code.
type Security struct {
	Sandboxed bool `json:"sandboxed"`
	// AllowedDomains restricts outbound network calls. Entries are
	// exact hostnames or "*.domain" wildcard subdomain patterns. Empty
	// means unrestricted.
	AllowedDomains []string `json:"allowedDomains,omitempty"`
	CSP            bool     `json:"csp,omitempty"`
	// IntegrityHash is "sha256-" + base64 of the code payload digest,
	// injected by the package builder.
	IntegrityHash string `json:"integrityHash,omitempty"`
}

// ParseManifest decodes a manifest from JSON without validating it.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("invalid manifest JSON: %w", err)
	}
	return &m, nil
}

// ParsedVersion returns the manifest version as a semver value.
func (m *Manifest) ParsedVersion() (*semver.Version, error) {
	v, err := semver.NewVersion(m.Version)
	if err != nil {
		return nil, fmt.Errorf("invalid extension version %q: %w", m.Version, err)
	}
	return v, nil
}

// CompatibleWith reports whether the extension declares support for the
// given host version. An empty minAppVersion means no constraint.
func (m *Manifest) CompatibleWith(hostVersion string) (bool, error) {
	host, err := semver.NewVersion(hostVersion)
	if err != nil {
		return false, fmt.Errorf("invalid host version %q: %w", hostVersion, err)
	}
	if m.MinAppVersion != "" {
		min, err := semver.NewVersion(m.MinAppVersion)
		if err != nil {
			return false, fmt.Errorf("invalid minAppVersion %q: %w", m.MinAppVersion, err)
		}
		if host.LessThan(min) {
			return false, nil
		}
	}
	if m.MaxAppVersion != "" {
		max, err := semver.NewVersion(m.MaxAppVersion)
		if err != nil {
			return false, fmt.Errorf("invalid maxAppVersion %q: %w", m.MaxAppVersion, err)
		}
		if host.GreaterThan(max) {
			return false, nil
		}
	}
	return true, nil
}
