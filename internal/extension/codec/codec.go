// Package codec builds and parses the .aypk binary container that
// bundles an extension's manifest, code, assets, signature, and build
// metadata into a single distributable blob.
package codec

import (
	"bytes"
	"compress/gzip"
	"crypto/ecdsa"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/ayoto/extensions/internal/extension/signing"
	"github.com/ayoto/extensions/pkg/extension"
)

// Magic identifies an extension package. Offset 0 in the standard
// layout, offset 5 in the legacy wrapped-header layout.
var Magic = []byte("AYPK")

// FormatVersion is the current container format version.
const FormatVersion uint16 = 1

// HeaderSize is the fixed byte length of the package header.
const HeaderSize = 16

// Header flag bits.
const (
	FlagEncrypted uint16 = 1 << 0
	FlagSigned    uint16 = 1 << 1
)

// SectionType tags a length-prefixed chunk within the package.
type SectionType byte

// Section type tags. SectionHeader only ever appears in the legacy
// layout, where the header itself was mistakenly wrapped as a section.
const (
	SectionHeader    SectionType = 0
	SectionManifest  SectionType = 1
	SectionCode      SectionType = 2
	SectionAssets    SectionType = 3
	SectionSignature SectionType = 4
	SectionMetadata  SectionType = 5
)

// CompressionKind selects the code section compression.
type CompressionKind byte

const (
	CompressionNone CompressionKind = 0
	CompressionGzip CompressionKind = 1
)

// EncryptionKind selects the code section encryption.
type EncryptionKind byte

const (
	EncryptionNone   EncryptionKind = 0
	EncryptionAESGCM EncryptionKind = 1
)

// Error taxonomy. Format errors mean the blob is not a usable package;
// integrity errors mean it parsed but the code does not match its
// manifest hash, which is treated as tamper evidence; signature errors
// mean an attached signature failed verification.
var (
	ErrBadFormat    = errors.New("package format error")
	ErrTampered     = errors.New("package integrity error")
	ErrBadSignature = errors.New("package signature error")
	// ErrNoDecryptionKey is returned for packages flagged encrypted when
	// the caller supplied no key. Packages built by older hosts that
	// discarded the generated key can never be decrypted.
	ErrNoDecryptionKey = errors.New("package is encrypted and no decryption key was provided")
)

// Header is the decoded 16-byte package header.
type Header struct {
	Version     uint16
	Flags       uint16
	Compression CompressionKind
	Encryption  EncryptionKind
}

// Asset is one entry of the assets section.
type Asset struct {
	Data     string `json:"data"` // base64
	MimeType string `json:"mimeType"`
}

// Metadata is the build-provenance section.
type Metadata struct {
	BuiltAt    time.Time `json:"builtAt"`
	Builder    string    `json:"builder,omitempty"`
	BuildID    string    `json:"buildId"`
	Encrypted  bool      `json:"encrypted"`
	Compressed bool      `json:"compressed"`
}

// Package is a fully parsed extension package.
type Package struct {
	Header   Header
	Manifest *extension.Manifest
	// Code is the decoded (decrypted, decompressed) source text.
	Code      string
	Assets    map[string]Asset
	Signature *signing.Envelope
	Metadata  *Metadata
	// Legacy reports that the deprecated wrapped-header layout was used.
	Legacy bool
	// Warnings collects non-fatal findings (legacy layout, missing
	// integrity hash, unverifiable signature).
	Warnings []string
}

// BuildOptions configures package building.
type BuildOptions struct {
	Builder  string
	Compress bool
	// EncryptionKey enables AES-256-GCM encryption of the code section.
	// The caller owns the key; building never generates one, because a
	// generated-and-discarded key produces a package nobody can open.
	EncryptionKey []byte
	SigningKey    *ecdsa.PrivateKey
}

// ParseOptions configures package parsing and verification.
type ParseOptions struct {
	DecryptionKey []byte
	// TrustedKeys, when non-empty, are required to match an attached
	// signature. When empty, an attached signature is checked against
	// its embedded key only and a warning is recorded.
	TrustedKeys      []*ecdsa.PublicKey
	RequireSignature bool
}

// Build assembles a package from a manifest and source text. The source
// gets the strict directive prepended, its integrity hash injected into
// the manifest, and the manifest validated before anything is emitted.
func Build(m *extension.Manifest, code string, assets map[string]Asset, opts BuildOptions) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: no manifest", ErrBadFormat)
	}
	if code == "" {
		return nil, fmt.Errorf("%w: no code", ErrBadFormat)
	}

	normalized := signing.NormalizeSource(code)

	manifest := *m
	manifest.Security.Sandboxed = true
	manifest.Security.IntegrityHash = signing.HashSource(normalized)

	if res := extension.Validate(&manifest); !res.Valid {
		return nil, fmt.Errorf("manifest validation failed: %v", res.Errors)
	}

	manifestJSON, err := json.Marshal(&manifest)
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}

	hdr := Header{Version: FormatVersion}
	codeBytes := []byte(normalized)

	if opts.Compress {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(codeBytes); err != nil {
			return nil, fmt.Errorf("compress code: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("compress code: %w", err)
		}
		codeBytes = buf.Bytes()
		hdr.Compression = CompressionGzip
	}

	var sigJSON []byte
	if opts.SigningKey != nil {
		env, err := signing.NewEnvelope(opts.SigningKey, []byte(normalized))
		if err != nil {
			return nil, fmt.Errorf("sign code: %w", err)
		}
		sigJSON, err = json.Marshal(env)
		if err != nil {
			return nil, fmt.Errorf("encode signature: %w", err)
		}
		hdr.Flags |= FlagSigned
	}

	if opts.EncryptionKey != nil {
		codeBytes, err = signing.Encrypt(opts.EncryptionKey, codeBytes)
		if err != nil {
			return nil, fmt.Errorf("encrypt code: %w", err)
		}
		hdr.Flags |= FlagEncrypted
		hdr.Encryption = EncryptionAESGCM
	}

	meta := Metadata{
		BuiltAt:    time.Now().UTC(),
		Builder:    opts.Builder,
		BuildID:    uuid.NewString(),
		Encrypted:  hdr.Encryption != EncryptionNone,
		Compressed: hdr.Compression != CompressionNone,
	}
	metaJSON, err := json.Marshal(&meta)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}

	var out bytes.Buffer
	writeHeader(&out, hdr)
	writeSection(&out, SectionManifest, manifestJSON)
	writeSection(&out, SectionCode, codeBytes)
	if len(assets) > 0 {
		assetJSON, err := json.Marshal(assets)
		if err != nil {
			return nil, fmt.Errorf("encode assets: %w", err)
		}
		writeSection(&out, SectionAssets, assetJSON)
	}
	if sigJSON != nil {
		writeSection(&out, SectionSignature, sigJSON)
	}
	writeSection(&out, SectionMetadata, metaJSON)

	return out.Bytes(), nil
}

func writeHeader(w *bytes.Buffer, hdr Header) {
	w.Write(Magic)
	var u16 [2]byte
	binary.LittleEndian.PutUint16(u16[:], hdr.Version)
	w.Write(u16[:])
	binary.LittleEndian.PutUint16(u16[:], hdr.Flags)
	w.Write(u16[:])
	w.WriteByte(byte(hdr.Compression))
	w.WriteByte(byte(hdr.Encryption))
	w.Write(make([]byte, 6)) // reserved
}

func writeSection(w *bytes.Buffer, t SectionType, payload []byte) {
	w.WriteByte(byte(t))
	var u32 [4]byte
	binary.LittleEndian.PutUint32(u32[:], uint32(len(payload)))
	w.Write(u32[:])
	w.Write(payload)
}

// Parse decodes and verifies a package blob. Integrity is always
// checked when the manifest carries a hash; signature verification
// follows ParseOptions.
func Parse(data []byte, opts ParseOptions) (*Package, error) {
	pkg := &Package{Assets: map[string]Asset{}}

	start, err := locateHeader(data, pkg)
	if err != nil {
		return nil, err
	}

	hdr, err := readHeader(data[start:])
	if err != nil {
		return nil, err
	}
	pkg.Header = hdr

	sections, err := walkSections(data, start+HeaderSize, pkg)
	if err != nil {
		return nil, err
	}

	manifestRaw, ok := sections[SectionManifest]
	if !ok {
		return nil, fmt.Errorf("%w: required manifest section is missing", ErrBadFormat)
	}
	codeRaw, ok := sections[SectionCode]
	if !ok {
		return nil, fmt.Errorf("%w: required code section is missing", ErrBadFormat)
	}

	m, err := extension.ParseManifest(manifestRaw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFormat, err)
	}
	pkg.Manifest = m

	code, err := decodeCode(codeRaw, hdr, opts.DecryptionKey)
	if err != nil {
		return nil, err
	}
	pkg.Code = code

	if m.Security.IntegrityHash == "" {
		pkg.Warnings = append(pkg.Warnings, "manifest carries no integrity hash; tampering cannot be detected")
	} else if err := signing.VerifyIntegrity(code, m.Security.IntegrityHash); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTampered, err)
	}

	if raw, ok := sections[SectionAssets]; ok {
		if err := json.Unmarshal(raw, &pkg.Assets); err != nil {
			pkg.Warnings = append(pkg.Warnings, fmt.Sprintf("assets section unreadable: %v", err))
		}
	}
	if raw, ok := sections[SectionMetadata]; ok {
		var meta Metadata
		if err := json.Unmarshal(raw, &meta); err != nil {
			pkg.Warnings = append(pkg.Warnings, fmt.Sprintf("metadata section unreadable: %v", err))
		} else {
			pkg.Metadata = &meta
		}
	}

	if err := verifySignature(pkg, sections, opts); err != nil {
		return nil, err
	}

	return pkg, nil
}

// PeekID reads just the extension ID out of a package's manifest
// section, skipping validation, decoding, and signature checks. Callers
// use it for cheap replace-vs-new decisions before committing to a full
// parse.
func PeekID(data []byte) (string, error) {
	pkg := &Package{}
	start, err := locateHeader(data, pkg)
	if err != nil {
		return "", err
	}
	if _, err := readHeader(data[start:]); err != nil {
		return "", err
	}
	sections, err := walkSections(data, start+HeaderSize, pkg)
	if err != nil {
		return "", err
	}
	raw, ok := sections[SectionManifest]
	if !ok {
		return "", fmt.Errorf("%w: required manifest section is missing", ErrBadFormat)
	}
	var peek struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &peek); err != nil {
		return "", fmt.Errorf("%w: manifest section is not JSON: %v", ErrBadFormat, err)
	}
	return peek.ID, nil
}

func locateHeader(data []byte, pkg *Package) (int, error) {
	if len(data) < HeaderSize {
		return 0, fmt.Errorf("%w: %s", ErrBadFormat, Describe(data))
	}
	if bytes.Equal(data[:4], Magic) {
		return 0, nil
	}
	// Legacy layout: the header was wrapped as a section (type 0,
	// length 16) at offset 0, shifting the magic to offset 5.
	if len(data) >= HeaderSize+5 &&
		SectionType(data[0]) == SectionHeader &&
		binary.LittleEndian.Uint32(data[1:5]) == HeaderSize &&
		bytes.Equal(data[5:9], Magic) {
		pkg.Legacy = true
		pkg.Warnings = append(pkg.Warnings, "package uses the deprecated wrapped-header layout; rebuild it with a current builder")
		return 5, nil
	}
	return 0, fmt.Errorf("%w: %s", ErrBadFormat, Describe(data))
}

func readHeader(data []byte) (Header, error) {
	hdr := Header{
		Version:     binary.LittleEndian.Uint16(data[4:6]),
		Flags:       binary.LittleEndian.Uint16(data[6:8]),
		Compression: CompressionKind(data[8]),
		Encryption:  EncryptionKind(data[9]),
	}
	if hdr.Version > FormatVersion {
		return hdr, fmt.Errorf("%w: format version %d is newer than supported version %d", ErrBadFormat, hdr.Version, FormatVersion)
	}
	if hdr.Compression > CompressionGzip {
		return hdr, fmt.Errorf("%w: unknown compression kind %d", ErrBadFormat, hdr.Compression)
	}
	if hdr.Encryption > EncryptionAESGCM {
		return hdr, fmt.Errorf("%w: unknown encryption kind %d", ErrBadFormat, hdr.Encryption)
	}
	return hdr, nil
}

func walkSections(data []byte, off int, pkg *Package) (map[SectionType][]byte, error) {
	sections := make(map[SectionType][]byte)
	for off < len(data) {
		if off+5 > len(data) {
			return nil, fmt.Errorf("%w: truncated section wrapper at offset %d", ErrBadFormat, off)
		}
		t := SectionType(data[off])
		length := int(binary.LittleEndian.Uint32(data[off+1 : off+5]))
		off += 5
		if off+length > len(data) {
			return nil, fmt.Errorf("%w: section %d declares %d bytes but only %d remain", ErrBadFormat, t, length, len(data)-off)
		}
		payload := data[off : off+length]
		off += length

		switch t {
		case SectionManifest, SectionCode, SectionAssets, SectionSignature, SectionMetadata:
			sections[t] = payload
		default:
			pkg.Warnings = append(pkg.Warnings, fmt.Sprintf("skipping unknown section type %d (%d bytes)", t, length))
		}
	}
	return sections, nil
}

func decodeCode(raw []byte, hdr Header, key []byte) (string, error) {
	if hdr.Flags&FlagEncrypted != 0 || hdr.Encryption != EncryptionNone {
		if key == nil {
			return "", ErrNoDecryptionKey
		}
		plain, err := signing.Decrypt(key, raw)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrTampered, err)
		}
		raw = plain
	}
	if hdr.Compression == CompressionGzip {
		zr, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return "", fmt.Errorf("%w: corrupt gzip stream: %v", ErrBadFormat, err)
		}
		defer zr.Close()
		raw, err = io.ReadAll(zr)
		if err != nil {
			return "", fmt.Errorf("%w: corrupt gzip stream: %v", ErrBadFormat, err)
		}
	}
	return string(raw), nil
}

func verifySignature(pkg *Package, sections map[SectionType][]byte, opts ParseOptions) error {
	raw, present := sections[SectionSignature]
	if !present {
		if opts.RequireSignature {
			return fmt.Errorf("%w: signature required but package carries none", ErrBadSignature)
		}
		return nil
	}

	var env signing.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("%w: unreadable signature section: %v", ErrBadSignature, err)
	}
	pkg.Signature = &env

	if err := signing.VerifyEnvelope(&env, []byte(pkg.Code), opts.TrustedKeys); err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if len(opts.TrustedKeys) == 0 {
		if opts.RequireSignature {
			return fmt.Errorf("%w: signature required but no trusted keys configured", ErrBadSignature)
		}
		pkg.Warnings = append(pkg.Warnings, "signature verified against its embedded key only; no trusted keys configured")
	}
	return nil
}
