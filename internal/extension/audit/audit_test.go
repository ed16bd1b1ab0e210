package audit

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScanBlocksDynamicEvaluation(t *testing.T) {
	tests := []struct {
		name string
		code string
		rule string
	}{
		{"eval", `var x = eval("1+1");`, "eval"},
		{"new Function", `var f = new Function("return 1");`, "function-constructor"},
		{"bare Function", `var f = Function("return 1");`, "function-constructor"},
		{"string timer", `setTimeout("doThing()", 100);`, "settimeout-string"},
		{"document", `document.cookie = "x";`, "document"},
		{"window", `window.open("http://evil");`, "window"},
		{"globalThis", `globalThis.fetch("x");`, "globalthis"},
		{"require", `var fs = require("fs");`, "require"},
		{"dynamic import", `import("module").then(m => m);`, "dynamic-import"},
		{"xhr", `var r = new XMLHttpRequest();`, "xhr"},
		{"bare fetch", `fetch("https://example.com");`, "fetch"},
		{"websocket", `var ws = new WebSocket("wss://x");`, "websocket"},
		{"localStorage", `localStorage.setItem("k", "v");`, "webstorage"},
		{"script tag", `el.html = "<script>alert(1)</script>";`, "script-tag"},
		{"javascript url", `a.href = "javascript:void(0)";`, "javascript-url"},
		{"innerHTML", `el.innerHTML = data;`, "html-injection"},
		{"process", `process.env.HOME;`, "process"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rep := Scan(tt.code)
			require.False(t, rep.Passed(), "expected blocking finding")
			found := false
			for _, issue := range rep.Blocking() {
				if issue.Rule == tt.rule {
					found = true
					assert.Equal(t, 1, issue.Line)
				}
			}
			assert.True(t, found, "rule %s not among %v", tt.rule, rep.Issues)
		})
	}
}

// Member access on sandbox bindings must stay legal: http.fetch is the
// sanctioned API even though bare fetch is banned.
func TestScanAllowsBindingMembers(t *testing.T) {
	code := strings.Join([]string{
		`var resp = http.fetch("https://example.com", { method: "GET" });`,
		`var all = http.allSettled([{url: "https://example.com"}]);`,
		`storage.set("key", "value");`,
		`var evaluation = "the word eval inside an identifier";`,
		`var medieval = 1;`,
		`setTimeout(function() { tick(); }, 500);`,
	}, "\n")
	rep := Scan(code)
	assert.True(t, rep.Passed(), "unexpected findings: %v", rep.Issues)
}

func TestScanWarningsDoNotBlock(t *testing.T) {
	b64 := strings.Repeat("QUJDRA", 30) // >120 base64 chars
	code := strings.Join([]string{
		`var blob = "` + b64 + `";`,
		`var hexes = "\x41\x42\x43\x44\x45\x46\x47\x48\x49";`,
		`var unis = "\u0041\u0042\u0043\u0044\u0045\u0046\u0047\u0048";`,
	}, "\n")

	rep := Scan(code)
	assert.True(t, rep.Passed())
	require.Len(t, rep.Issues, 3)
	for _, issue := range rep.Issues {
		assert.Equal(t, SeverityWarning, issue.Severity)
	}
	assert.Empty(t, rep.Blocking())
}

func TestScanFlagsLongLines(t *testing.T) {
	rep := Scan("var x = 1;" + strings.Repeat(" ", 1200) + "// padded")
	assert.True(t, rep.Passed())
	require.NotEmpty(t, rep.Issues)
	assert.Equal(t, "long-line", rep.Issues[0].Rule)
}

func TestScanReportsLineNumbers(t *testing.T) {
	code := "var a = 1;\nvar b = 2;\nvar c = eval(\"3\");\n"
	rep := Scan(code)
	blocking := rep.Blocking()
	require.Len(t, blocking, 1)
	assert.Equal(t, 3, blocking[0].Line)
	assert.Contains(t, blocking[0].Snippet, "eval")
}

func TestScanCleanSource(t *testing.T) {
	code := `"use strict";
module.exports = {
  search: function(query, page) {
    var resp = http.get("https://api.example.com/search?q=" + query, {});
    if (!resp.ok) { return { items: [] }; }
    return JSON.parse(resp.body);
  }
};`
	rep := Scan(code)
	assert.True(t, rep.Passed())
	assert.Empty(t, rep.Issues)
}
