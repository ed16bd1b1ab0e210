package extension

import (
	"fmt"
	"html"
	"regexp"
	"strings"
	"sync"

	"github.com/microcosm-cc/bluemonday"
)

// Scraper is the HTML text-extraction surface handed to provider
// extensions. It deliberately does not build a DOM: providers scrape
// listing pages with a handful of shallow selectors, and a regex-based
// scan over the raw markup handles that without giving extension code a
// parser to abuse. Supported selectors are "tag", ".class",
// "tag.class", and "#id".
type Scraper struct{}

// NewScraper returns the shared scraping surface. It is stateless and
// safe for concurrent use.
func NewScraper() *Scraper { return &Scraper{} }

var stripPolicy = bluemonday.StrictPolicy()

// voidTags never carry inner content, so no closing tag is searched.
var voidTags = map[string]bool{
	"area": true, "base": true, "br": true, "col": true, "embed": true,
	"hr": true, "img": true, "input": true, "link": true, "meta": true,
	"source": true, "track": true, "wbr": true,
}

type selector struct {
	tag   string
	id    string
	class string
}

func parseSelector(s string) (selector, error) {
	s = strings.TrimSpace(s)
	switch {
	case s == "":
		return selector{}, fmt.Errorf("empty selector")
	case strings.HasPrefix(s, "#"):
		return selector{id: s[1:]}, nil
	case strings.HasPrefix(s, "."):
		return selector{class: s[1:]}, nil
	case strings.Contains(s, "."):
		tag, class, _ := strings.Cut(s, ".")
		return selector{tag: tag, class: class}, nil
	default:
		return selector{tag: s}, nil
	}
}

// openPattern builds the regex matching an opening tag for the
// selector. The tag name is always the first capture group so the
// closing-tag search knows what to look for.
func (sel selector) openPattern() (*regexp.Regexp, error) {
	tag := `[a-zA-Z][a-zA-Z0-9-]*`
	if sel.tag != "" {
		tag = regexp.QuoteMeta(strings.ToLower(sel.tag))
	}
	var expr string
	switch {
	case sel.id != "":
		expr = fmt.Sprintf(`(?is)<(%s)\b[^>]*\bid\s*=\s*["']%s["'][^>]*>`, tag, regexp.QuoteMeta(sel.id))
	case sel.class != "":
		expr = fmt.Sprintf(`(?is)<(%s)\b[^>]*\bclass\s*=\s*["'][^"']*\b%s\b[^"']*["'][^>]*>`, tag, regexp.QuoteMeta(sel.class))
	default:
		expr = fmt.Sprintf(`(?is)<(%s)\b[^>]*>`, tag)
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("selector does not compile: %w", err)
	}
	return re, nil
}

type element struct {
	openTag string
	inner   string
}

// maxMatches bounds how many elements a single extraction walks, so a
// pathological page cannot stall a capability call.
const maxMatches = 500

// findElements scans markup for selector matches. Closing tags are
// located by a forward scan that counts same-named nested openings,
// which handles the nesting depth real listing pages have.
func findElements(markup, rawSel string) ([]element, error) {
	sel, err := parseSelector(rawSel)
	if err != nil {
		return nil, err
	}
	re, err := sel.openPattern()
	if err != nil {
		return nil, err
	}

	var out []element
	offset := 0
	for len(out) < maxMatches {
		loc := re.FindStringSubmatchIndex(markup[offset:])
		if loc == nil {
			break
		}
		openStart, openEnd := offset+loc[0], offset+loc[1]
		tagName := strings.ToLower(markup[offset+loc[2] : offset+loc[3]])
		openTag := markup[openStart:openEnd]

		if voidTags[tagName] || strings.HasSuffix(openTag, "/>") {
			out = append(out, element{openTag: openTag})
			offset = openEnd
			continue
		}

		inner, after := innerContent(markup, openEnd, tagName)
		out = append(out, element{openTag: openTag, inner: inner})
		offset = after
	}
	return out, nil
}

// innerContent returns the content between an opening tag ending at
// `from` and its matching close, plus the scan position after the close.
func innerContent(markup string, from int, tagName string) (string, int) {
	lower := strings.ToLower(markup)
	openToken := "<" + tagName
	closeToken := "</" + tagName
	depth := 1
	pos := from
	for depth > 0 {
		nextClose := strings.Index(lower[pos:], closeToken)
		if nextClose < 0 {
			// Unclosed element: take the rest of the document.
			return markup[from:], len(markup)
		}
		nextClose += pos
		// Count same-named openings before this close.
		scan := pos
		for {
			nextOpen := strings.Index(lower[scan:nextClose], openToken)
			if nextOpen < 0 {
				break
			}
			abs := scan + nextOpen
			rest := lower[abs+len(openToken):]
			if len(rest) > 0 && (rest[0] == '>' || rest[0] == ' ' || rest[0] == '\t' || rest[0] == '\n' || rest[0] == '/') {
				depth++
			}
			scan = abs + len(openToken)
		}
		depth--
		pos = nextClose + len(closeToken)
		if depth == 0 {
			end := strings.IndexByte(markup[nextClose:], '>')
			if end < 0 {
				return markup[from:nextClose], len(markup)
			}
			return markup[from:nextClose], nextClose + end + 1
		}
	}
	return "", from
}

// ExtractText returns the text content of the first selector match,
// with nested tags stripped and entities decoded. The bool reports
// whether anything matched.
func (s *Scraper) ExtractText(markup, sel string) (string, bool, error) {
	els, err := findElements(markup, sel)
	if err != nil {
		return "", false, err
	}
	if len(els) == 0 {
		return "", false, nil
	}
	return s.StripTags(els[0].inner), true, nil
}

// ExtractAll returns the text content of every selector match.
func (s *Scraper) ExtractAll(markup, sel string) ([]string, error) {
	els, err := findElements(markup, sel)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(els))
	for _, el := range els {
		out = append(out, s.StripTags(el.inner))
	}
	return out, nil
}

var attrPatterns sync.Map

func attrPattern(attr string) *regexp.Regexp {
	if re, ok := attrPatterns.Load(attr); ok {
		return re.(*regexp.Regexp)
	}
	re := regexp.MustCompile(fmt.Sprintf(`(?i)\b%s\s*=\s*["']([^"']*)["']`, regexp.QuoteMeta(attr)))
	attrPatterns.Store(attr, re)
	return re
}

// ExtractAttribute returns an attribute value from the first selector
// match.
func (s *Scraper) ExtractAttribute(markup, sel, attr string) (string, bool, error) {
	els, err := findElements(markup, sel)
	if err != nil {
		return "", false, err
	}
	re := attrPattern(attr)
	for _, el := range els {
		if m := re.FindStringSubmatch(el.openTag); m != nil {
			return html.UnescapeString(m[1]), true, nil
		}
	}
	return "", false, nil
}

// ExtractAllAttributes returns the attribute value from every selector
// match that carries it.
func (s *Scraper) ExtractAllAttributes(markup, sel, attr string) ([]string, error) {
	els, err := findElements(markup, sel)
	if err != nil {
		return nil, err
	}
	re := attrPattern(attr)
	out := make([]string, 0, len(els))
	for _, el := range els {
		if m := re.FindStringSubmatch(el.openTag); m != nil {
			out = append(out, html.UnescapeString(m[1]))
		}
	}
	return out, nil
}

// Link pairs an anchor's target with its visible text.
type Link struct {
	Href string `json:"href"`
	Text string `json:"text"`
}

// ExtractLinks returns every anchor with an href.
func (s *Scraper) ExtractLinks(markup string) ([]Link, error) {
	els, err := findElements(markup, "a")
	if err != nil {
		return nil, err
	}
	re := attrPattern("href")
	out := make([]Link, 0, len(els))
	for _, el := range els {
		m := re.FindStringSubmatch(el.openTag)
		if m == nil {
			continue
		}
		out = append(out, Link{
			Href: html.UnescapeString(m[1]),
			Text: s.StripTags(el.inner),
		})
	}
	return out, nil
}

// ExtractImages returns the src of every img tag.
func (s *Scraper) ExtractImages(markup string) ([]string, error) {
	return s.ExtractAllAttributes(markup, "img", "src")
}

var whitespaceRun = regexp.MustCompile(`\s+`)

// StripTags reduces markup to its text: the sanitizer removes every
// element, entities are decoded, and whitespace is collapsed.
func (s *Scraper) StripTags(markup string) string {
	text := stripPolicy.Sanitize(markup)
	text = html.UnescapeString(text)
	return strings.TrimSpace(whitespaceRun.ReplaceAllString(text, " "))
}

// DecodeEntities decodes HTML entities without touching tags.
func (s *Scraper) DecodeEntities(text string) string {
	return html.UnescapeString(text)
}

// ExtractJSON pulls the JSON object assigned to a named variable out of
// inline script text, e.g. `window.__DATA__ = {...};`. The scan
// balances braces and honors string literals, which is enough for the
// embedded state blobs streaming sites ship.
func (s *Scraper) ExtractJSON(markup, varName string) (string, bool) {
	idx := strings.Index(markup, varName)
	if idx < 0 {
		return "", false
	}
	rest := markup[idx+len(varName):]
	eq := strings.IndexByte(rest, '=')
	if eq < 0 {
		return "", false
	}
	rest = strings.TrimLeft(rest[eq+1:], " \t\r\n")
	if rest == "" || (rest[0] != '{' && rest[0] != '[') {
		return "", false
	}

	opener, closer := rest[0], byte('}')
	if opener == '[' {
		closer = ']'
	}
	depth := 0
	inString := false
	var quote byte
	for i := 0; i < len(rest); i++ {
		c := rest[i]
		if inString {
			switch c {
			case '\\':
				i++
			case quote:
				inString = false
			}
			continue
		}
		switch c {
		case '"', '\'':
			inString = true
			quote = c
		case opener:
			depth++
		case closer:
			depth--
			if depth == 0 {
				return rest[:i+1], true
			}
		}
	}
	return "", false
}
