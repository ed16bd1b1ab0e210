// Package audit statically scans extension source for constructs the
// sandbox refuses to run. The scan is line-oriented and pattern-based:
// it will never prove code safe, but it catches the dynamic-evaluation
// and host-escape idioms that account for nearly every hostile or
// broken package seen in the wild, and it reports them with line
// numbers before the code ever reaches a runtime.
package audit

import (
	"fmt"
	"regexp"
	"strings"
)

// Severity ranks a finding. High findings block loading; warnings
// surface in the load result but do not block.
type Severity string

const (
	SeverityHigh    Severity = "high"
	SeverityWarning Severity = "warning"
)

// Issue is a single finding with its location.
type Issue struct {
	Severity Severity `json:"severity"`
	Rule     string   `json:"rule"`
	Message  string   `json:"message"`
	Line     int      `json:"line"`
	Snippet  string   `json:"snippet,omitempty"`
}

// Report is the outcome of a scan.
type Report struct {
	Issues []Issue `json:"issues"`
}

// Passed reports whether the source is loadable: no high findings.
func (r *Report) Passed() bool {
	for _, i := range r.Issues {
		if i.Severity == SeverityHigh {
			return false
		}
	}
	return true
}

// Blocking returns only the high-severity findings.
func (r *Report) Blocking() []Issue {
	var out []Issue
	for _, i := range r.Issues {
		if i.Severity == SeverityHigh {
			out = append(out, i)
		}
	}
	return out
}

type rule struct {
	name     string
	pattern  *regexp.Regexp
	severity Severity
	message  string
}

// The deny rules match identifiers only at a non-member position: a
// leading non-word, non-dot character (or line start). This keeps
// sandbox-provided members like http.fetch() legal while the bare
// global fetch() stays banned.
var rules = []rule{
	{"eval", regexp.MustCompile(`(?:^|[^.\w])eval\s*\(`), SeverityHigh,
		"dynamic evaluation via eval() is not permitted"},
	{"function-constructor", regexp.MustCompile(`(?:^|[^.\w])(?:new\s+Function|Function)\s*\(`), SeverityHigh,
		"dynamic evaluation via the Function constructor is not permitted"},
	{"settimeout-string", regexp.MustCompile(`(?:^|[^.\w])set(?:Timeout|Interval)\s*\(\s*["'` + "`" + `]`), SeverityHigh,
		"string arguments to timers are implicit eval and are not permitted"},
	{"document", regexp.MustCompile(`(?:^|[^.\w])document\s*[.\[]`), SeverityHigh,
		"DOM access is not available inside the sandbox"},
	{"window", regexp.MustCompile(`(?:^|[^.\w])window\s*[.\[]`), SeverityHigh,
		"the window object is not available inside the sandbox"},
	{"globalthis", regexp.MustCompile(`(?:^|[^.\w])globalThis\s*[.\[]`), SeverityHigh,
		"globalThis access is not permitted"},
	{"require", regexp.MustCompile(`(?:^|[^.\w])require\s*\(`), SeverityHigh,
		"module loading via require() is not available"},
	{"dynamic-import", regexp.MustCompile(`(?:^|[^.\w])import\s*\(`), SeverityHigh,
		"dynamic import() is not available"},
	{"xhr", regexp.MustCompile(`(?:^|[^.\w])XMLHttpRequest\b`), SeverityHigh,
		"XMLHttpRequest is not available; use the provided http binding"},
	{"fetch", regexp.MustCompile(`(?:^|[^.\w])fetch\s*\(`), SeverityHigh,
		"the global fetch is not available; use the provided http binding"},
	{"websocket", regexp.MustCompile(`(?:^|[^.\w])WebSocket\b`), SeverityHigh,
		"WebSocket is not available inside the sandbox"},
	{"webstorage", regexp.MustCompile(`(?:^|[^.\w])(?:localStorage|sessionStorage|indexedDB)\b`), SeverityHigh,
		"browser storage is not available; use the provided storage binding"},
	{"script-tag", regexp.MustCompile(`(?i)<script\b`), SeverityHigh,
		"script tag injection is not permitted"},
	{"javascript-url", regexp.MustCompile(`(?i)javascript\s*:`), SeverityHigh,
		"javascript: URLs are not permitted"},
	{"html-injection", regexp.MustCompile(`(?:innerHTML|outerHTML)\s*=|insertAdjacentHTML\s*\(`), SeverityHigh,
		"HTML injection sinks are not available inside the sandbox"},
	{"process", regexp.MustCompile(`(?:^|[^.\w])process\s*[.\[]`), SeverityHigh,
		"the process object is not available inside the sandbox"},

	{"hex-escape-run", regexp.MustCompile(`(?:\\x[0-9a-fA-F]{2}){8,}`), SeverityWarning,
		"long run of hex escapes suggests obfuscated strings"},
	{"unicode-escape-run", regexp.MustCompile(`(?:\\u[0-9a-fA-F]{4}){8,}`), SeverityWarning,
		"long run of unicode escapes suggests obfuscated strings"},
	{"base64-blob", regexp.MustCompile(`["'` + "`" + `][A-Za-z0-9+/]{120,}={0,2}["'` + "`" + `]`), SeverityWarning,
		"large base64 literal; embedded payloads should ship as assets"},
}

// maxLineLength past which a line is flagged as likely minified or
// obfuscated. Legitimate hand-written extension code stays well under.
const maxLineLength = 1000

// Scan audits source text and returns every finding in document order.
func Scan(source string) *Report {
	rep := &Report{Issues: []Issue{}}
	for n, line := range strings.Split(source, "\n") {
		lineNo := n + 1
		for _, ru := range rules {
			if loc := ru.pattern.FindStringIndex(line); loc != nil {
				rep.Issues = append(rep.Issues, Issue{
					Severity: ru.severity,
					Rule:     ru.name,
					Message:  ru.message,
					Line:     lineNo,
					Snippet:  snippet(line, loc[0]),
				})
			}
		}
		if len(line) > maxLineLength {
			rep.Issues = append(rep.Issues, Issue{
				Severity: SeverityWarning,
				Rule:     "long-line",
				Message:  fmt.Sprintf("line is %d characters; minified or obfuscated code is discouraged", len(line)),
				Line:     lineNo,
			})
		}
	}
	return rep
}

// snippet clips the matched region of a line for the issue report.
func snippet(line string, start int) string {
	s := strings.TrimSpace(line)
	if len(s) <= 80 {
		return s
	}
	// Center the clip on the match where possible.
	from := start - 20
	if from < 0 {
		from = 0
	}
	if from+80 > len(line) {
		from = len(line) - 80
	}
	return strings.TrimSpace(line[from : from+80])
}
