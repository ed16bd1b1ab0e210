package codec

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ayoto/extensions/internal/extension/signing"
	"github.com/ayoto/extensions/pkg/extension"
)

func testManifest() *extension.Manifest {
	return &extension.Manifest{
		ID:           "demo-provider",
		Name:         "Demo Provider",
		Version:      "1.0.0",
		Description:  "test fixture",
		PluginType:   extension.TypeMediaProvider,
		Capabilities: extension.Capabilities{Search: true},
	}
}

const testCode = "module.exports = { search: function(q) { return { items: [] }; } };"

func TestBuildParseRoundTrip(t *testing.T) {
	assets := map[string]Asset{
		"icon.png": {Data: "aWNvbg==", MimeType: "image/png"},
	}
	data, err := Build(testManifest(), testCode, assets, BuildOptions{Builder: "test"})
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, Magic))

	pkg, err := Parse(data, ParseOptions{})
	require.NoError(t, err)

	assert.Equal(t, "demo-provider", pkg.Manifest.ID)
	assert.False(t, pkg.Legacy)
	assert.Equal(t, FormatVersion, pkg.Header.Version)

	// The builder normalizes the source and injects its hash.
	assert.True(t, strings.HasPrefix(pkg.Code, `"use strict";`))
	assert.True(t, strings.Contains(pkg.Code, "module.exports"))
	assert.True(t, strings.HasPrefix(pkg.Manifest.Security.IntegrityHash, signing.HashPrefix))

	require.Contains(t, pkg.Assets, "icon.png")
	assert.Equal(t, "image/png", pkg.Assets["icon.png"].MimeType)

	require.NotNil(t, pkg.Metadata)
	assert.Equal(t, "test", pkg.Metadata.Builder)
	assert.NotEmpty(t, pkg.Metadata.BuildID)
	assert.Empty(t, pkg.Warnings)
}

func TestBuildRejectsInvalidManifest(t *testing.T) {
	m := testManifest()
	m.Version = "not-semver"
	_, err := Build(m, testCode, nil, BuildOptions{})
	assert.Error(t, err)

	_, err = Build(nil, testCode, nil, BuildOptions{})
	assert.ErrorIs(t, err, ErrBadFormat)
	_, err = Build(testManifest(), "", nil, BuildOptions{})
	assert.ErrorIs(t, err, ErrBadFormat)
}

// findCodeSection returns the absolute offset of the code payload.
func findCodeSection(t *testing.T, data []byte) (start, length int) {
	t.Helper()
	off := HeaderSize
	for off < len(data) {
		tag := SectionType(data[off])
		l := int(binary.LittleEndian.Uint32(data[off+1 : off+5]))
		off += 5
		if tag == SectionCode {
			return off, l
		}
		off += l
	}
	t.Fatal("no code section found")
	return 0, 0
}

func TestParseDetectsTampering(t *testing.T) {
	data, err := Build(testManifest(), testCode, nil, BuildOptions{})
	require.NoError(t, err)

	start, length := findCodeSection(t, data)
	require.Positive(t, length)
	tampered := append([]byte{}, data...)
	tampered[start+length/2] ^= 0x01

	_, err = Parse(tampered, ParseOptions{})
	assert.ErrorIs(t, err, ErrTampered)
}

func TestParseLegacyWrappedHeader(t *testing.T) {
	data, err := Build(testManifest(), testCode, nil, BuildOptions{})
	require.NoError(t, err)

	// Legacy builders wrapped the header as section 0, shifting the
	// magic to offset 5.
	legacy := make([]byte, 0, len(data)+5)
	legacy = append(legacy, byte(SectionHeader))
	legacy = binary.LittleEndian.AppendUint32(legacy, HeaderSize)
	legacy = append(legacy, data...)

	pkg, err := Parse(legacy, ParseOptions{})
	require.NoError(t, err)
	assert.True(t, pkg.Legacy)
	assert.Equal(t, "demo-provider", pkg.Manifest.ID)
	require.NotEmpty(t, pkg.Warnings)
	assert.Contains(t, pkg.Warnings[0], "deprecated")
}

func TestPeekID(t *testing.T) {
	data, err := Build(testManifest(), testCode, nil, BuildOptions{})
	require.NoError(t, err)

	id, err := PeekID(data)
	require.NoError(t, err)
	assert.Equal(t, "demo-provider", id)

	_, err = PeekID([]byte("not a package"))
	assert.ErrorIs(t, err, ErrBadFormat)
}

func TestPeekIDSkipsDecryption(t *testing.T) {
	key := bytes.Repeat([]byte{7}, signing.KeySize)
	data, err := Build(testManifest(), testCode, nil, BuildOptions{EncryptionKey: key})
	require.NoError(t, err)

	// The manifest section is plaintext, so no key is needed.
	id, err := PeekID(data)
	require.NoError(t, err)
	assert.Equal(t, "demo-provider", id)
}

func TestParseRejectsGarbage(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want string
	}{
		{"empty", nil, "empty"},
		{"truncated", []byte("AYP"), ""},
		{"zip file", append([]byte{0x50, 0x4b, 0x03, 0x04}, make([]byte, 32)...), "zip"},
		{"json manifest", []byte(`{"id": "demo", "version": "1.0.0", "padding": "xxxx"}`), "JSON"},
		{"random", bytes.Repeat([]byte{0xde, 0xad}, 16), ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.data, ParseOptions{})
			require.ErrorIs(t, err, ErrBadFormat)
			if tt.want != "" {
				assert.Contains(t, err.Error(), tt.want)
			}
		})
	}
}

func TestParseRejectsTruncatedSection(t *testing.T) {
	data, err := Build(testManifest(), testCode, nil, BuildOptions{})
	require.NoError(t, err)
	_, err = Parse(data[:len(data)-10], ParseOptions{})
	assert.ErrorIs(t, err, ErrBadFormat)
}

func TestParseRejectsNewerFormatVersion(t *testing.T) {
	data, err := Build(testManifest(), testCode, nil, BuildOptions{})
	require.NoError(t, err)
	bumped := append([]byte{}, data...)
	binary.LittleEndian.PutUint16(bumped[4:6], FormatVersion+1)
	_, err = Parse(bumped, ParseOptions{})
	require.ErrorIs(t, err, ErrBadFormat)
	assert.Contains(t, err.Error(), "newer")
}

func TestParseSkipsUnknownSections(t *testing.T) {
	data, err := Build(testManifest(), testCode, nil, BuildOptions{})
	require.NoError(t, err)

	extended := append([]byte{}, data...)
	extended = append(extended, 0x7f)
	extended = binary.LittleEndian.AppendUint32(extended, 3)
	extended = append(extended, 'x', 'y', 'z')

	pkg, err := Parse(extended, ParseOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, pkg.Warnings)
	assert.Contains(t, pkg.Warnings[0], "unknown section")
}

func TestCompressionRoundTrip(t *testing.T) {
	data, err := Build(testManifest(), testCode, nil, BuildOptions{Compress: true})
	require.NoError(t, err)

	pkg, err := Parse(data, ParseOptions{})
	require.NoError(t, err)
	assert.Equal(t, CompressionGzip, pkg.Header.Compression)
	assert.True(t, pkg.Metadata.Compressed)
	assert.Contains(t, pkg.Code, "module.exports")
	// Integrity still verifies over the decompressed text.
	require.NoError(t, signing.VerifyIntegrity(pkg.Code, pkg.Manifest.Security.IntegrityHash))
}

func TestEncryptionRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, signing.KeySize)
	data, err := Build(testManifest(), testCode, nil, BuildOptions{EncryptionKey: key})
	require.NoError(t, err)

	// The code payload must not appear in clear anywhere in the blob.
	assert.NotContains(t, string(data), "module.exports")

	_, err = Parse(data, ParseOptions{})
	assert.ErrorIs(t, err, ErrNoDecryptionKey)

	pkg, err := Parse(data, ParseOptions{DecryptionKey: key})
	require.NoError(t, err)
	assert.Contains(t, pkg.Code, "module.exports")
	assert.True(t, pkg.Metadata.Encrypted)

	wrong := bytes.Repeat([]byte{0x41}, signing.KeySize)
	_, err = Parse(data, ParseOptions{DecryptionKey: wrong})
	assert.ErrorIs(t, err, ErrTampered)
}

func TestSignatureVerification(t *testing.T) {
	key, err := signing.GenerateKey()
	require.NoError(t, err)
	data, err := Build(testManifest(), testCode, nil, BuildOptions{SigningKey: key})
	require.NoError(t, err)

	// Trusted key matches.
	pkg, err := Parse(data, ParseOptions{TrustedKeys: []*ecdsa.PublicKey{&key.PublicKey}})
	require.NoError(t, err)
	require.NotNil(t, pkg.Signature)
	assert.NotEqual(t, uint16(0), pkg.Header.Flags&FlagSigned)

	// No trusted keys: embedded-key check passes with a warning.
	pkg, err = Parse(data, ParseOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, pkg.Warnings)
	assert.Contains(t, pkg.Warnings[0], "embedded key")

	// Wrong trusted key fails.
	other, err := signing.GenerateKey()
	require.NoError(t, err)
	_, err = Parse(data, ParseOptions{TrustedKeys: []*ecdsa.PublicKey{&other.PublicKey}})
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestRequireSignature(t *testing.T) {
	unsigned, err := Build(testManifest(), testCode, nil, BuildOptions{})
	require.NoError(t, err)
	_, err = Parse(unsigned, ParseOptions{RequireSignature: true})
	assert.ErrorIs(t, err, ErrBadSignature)

	key, err := signing.GenerateKey()
	require.NoError(t, err)
	signed, err := Build(testManifest(), testCode, nil, BuildOptions{SigningKey: key})
	require.NoError(t, err)

	// Signed but no trusted keys configured still fails a strict host.
	_, err = Parse(signed, ParseOptions{RequireSignature: true})
	assert.ErrorIs(t, err, ErrBadSignature)

	_, err = Parse(signed, ParseOptions{
		RequireSignature: true,
		TrustedKeys:      []*ecdsa.PublicKey{&key.PublicKey},
	})
	assert.NoError(t, err)
}

func TestDescribe(t *testing.T) {
	assert.Contains(t, Describe(nil), "empty")
	assert.Contains(t, Describe([]byte{0x50, 0x4b, 0x03, 0x04, 0, 0}), "zip")
	assert.Contains(t, Describe([]byte{0x1f, 0x8b, 0x08}), "gzip")
	assert.Contains(t, Describe([]byte(`{"a": 1}`)), "JSON")
	assert.Contains(t, Describe([]byte("console.log('hi')")), "text")
}
