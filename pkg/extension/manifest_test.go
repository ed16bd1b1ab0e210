package extension

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseManifest(t *testing.T) {
	m, err := ParseManifest([]byte(`{
		"id": "demo-provider",
		"name": "Demo",
		"version": "2.0.0-beta.1",
		"pluginType": "media-provider",
		"capabilities": {"search": true},
		"config": {"rateLimitMs": 250}
	}`))
	require.NoError(t, err)
	assert.Equal(t, "demo-provider", m.ID)
	assert.Equal(t, TypeMediaProvider, m.PluginType)
	assert.True(t, m.Capabilities.Search)
	assert.EqualValues(t, 250, m.Config.RateLimitMS)

	_, err = ParseManifest([]byte(`{broken`))
	assert.Error(t, err)
}

func TestParsedVersionOrdering(t *testing.T) {
	a := &Manifest{Version: "1.2.3"}
	b := &Manifest{Version: "1.10.0"}
	va, err := a.ParsedVersion()
	require.NoError(t, err)
	vb, err := b.ParsedVersion()
	require.NoError(t, err)
	// Numeric ordering, not lexicographic: 1.10.0 > 1.2.3.
	assert.True(t, vb.GreaterThan(va))

	pre := &Manifest{Version: "2.0.0-rc.1"}
	vpre, err := pre.ParsedVersion()
	require.NoError(t, err)
	release, _ := (&Manifest{Version: "2.0.0"}).ParsedVersion()
	assert.True(t, vpre.LessThan(release))
}

func TestCompatibleWith(t *testing.T) {
	tests := []struct {
		name string
		min  string
		max  string
		host string
		want bool
	}{
		{"no constraints", "", "", "1.0.0", true},
		{"above min", "1.0.0", "", "1.5.0", true},
		{"below min", "2.0.0", "", "1.5.0", false},
		{"at min", "1.5.0", "", "1.5.0", true},
		{"below max", "", "2.0.0", "1.5.0", true},
		{"above max", "", "1.4.0", "1.5.0", false},
		{"inside range", "1.0.0", "2.0.0", "1.5.0", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &Manifest{MinAppVersion: tt.min, MaxAppVersion: tt.max}
			got, err := m.CompatibleWith(tt.host)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	m := &Manifest{MinAppVersion: "not-a-version"}
	_, err := m.CompatibleWith("1.0.0")
	assert.Error(t, err)
}

func TestIsRecognizedPermission(t *testing.T) {
	assert.True(t, IsRecognizedPermission(PermNetworkHTTP))
	assert.True(t, IsRecognizedPermission(PermStorageLocal))
	assert.False(t, IsRecognizedPermission("camera:record"))
	assert.False(t, IsRecognizedPermission(""))
}
