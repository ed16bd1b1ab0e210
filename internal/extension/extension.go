// Package extension hosts the extension runtime: the manager that owns
// lifecycle and capability dispatch, the permission gate, and the
// resource surfaces (network, storage, scraping) handed to sandboxed
// code. Public authoring types live in pkg/extension and are re-exported
// here so internal packages use one import.
package extension

import (
	pkgext "github.com/ayoto/extensions/pkg/extension"
)

// Re-exported authoring types.
type (
	Manifest         = pkgext.Manifest
	Author           = pkgext.Author
	Repository       = pkgext.Repository
	Capabilities     = pkgext.Capabilities
	Security         = pkgext.Security
	ValidationResult = pkgext.ValidationResult
	LoadResult       = pkgext.LoadResult
	PluginType       = pkgext.PluginType

	Media            = pkgext.Media
	MediaList        = pkgext.MediaList
	Episode          = pkgext.Episode
	EpisodeList      = pkgext.EpisodeList
	StreamSource     = pkgext.StreamSource
	StreamSourceList = pkgext.StreamSourceList
	HosterInfo       = pkgext.HosterInfo
)

// Re-exported permission vocabulary.
const (
	PermNetworkHTTP   = pkgext.PermNetworkHTTP
	PermStorageLocal  = pkgext.PermStorageLocal
	PermNotifications = pkgext.PermNotifications
	PermPlayerControl = pkgext.PermPlayerControl
	PermMetadataRead  = pkgext.PermMetadataRead
)

// IsRecognizedPermission re-exports the vocabulary check.
var IsRecognizedPermission = pkgext.IsRecognizedPermission

// Validate re-exports manifest validation.
var Validate = pkgext.Validate

// ParseManifest re-exports manifest decoding.
var ParseManifest = pkgext.ParseManifest
