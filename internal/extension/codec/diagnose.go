package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"unicode"
)

// Describe renders a short forensic summary of a blob that failed the
// magic check: total size, a hex+ASCII dump of the first 16 bytes, and
// a guess at what the file actually is. Load failures caused by people
// shipping zips or raw JS as .aypk are common enough that the error
// message has to do the diagnosis for them.
func Describe(data []byte) string {
	if len(data) == 0 {
		return "file is empty"
	}

	n := len(data)
	if n > HeaderSize {
		n = HeaderSize
	}
	head := data[:n]

	var hexDump, asciiDump strings.Builder
	for i, b := range head {
		if i > 0 {
			hexDump.WriteByte(' ')
		}
		fmt.Fprintf(&hexDump, "%02x", b)
		if b >= 0x20 && b < 0x7f {
			asciiDump.WriteByte(b)
		} else {
			asciiDump.WriteByte('.')
		}
	}

	return fmt.Sprintf("not an extension package (magic %q not found): %d bytes, starts with [%s] %q, looks like %s",
		Magic, len(data), hexDump.String(), asciiDump.String(), guessContent(data))
}

// guessContent sniffs well-known signatures so the error can say "this
// is a zip archive" instead of just "bad magic".
func guessContent(data []byte) string {
	switch {
	case bytes.HasPrefix(data, []byte{0x50, 0x4b, 0x03, 0x04}),
		bytes.HasPrefix(data, []byte{0x50, 0x4b, 0x05, 0x06}):
		return "a zip archive (packages are not zips; rebuild with the package builder)"
	case bytes.HasPrefix(data, []byte{0x1f, 0x8b}):
		return "a raw gzip stream"
	case bytes.HasPrefix(data, []byte{0x89, 0x50, 0x4e, 0x47}):
		return "a PNG image"
	case bytes.HasPrefix(data, []byte{0xff, 0xd8, 0xff}):
		return "a JPEG image"
	case json.Valid(data):
		return "plain JSON (a bare manifest is not a package)"
	case isMostlyText(data):
		return "plain text, possibly unpackaged source code"
	default:
		return "unrecognized binary data"
	}
}

func isMostlyText(data []byte) bool {
	n := len(data)
	if n > 512 {
		n = 512
	}
	printable := 0
	for _, r := range string(data[:n]) {
		if r == '\n' || r == '\r' || r == '\t' || unicode.IsPrint(r) {
			printable++
		}
	}
	return printable*10 >= n*9
}
