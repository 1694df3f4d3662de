package ap

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
)

// spanClasses are the microformat classes fediverse software puts on spans
// (mentions, hashtags, ellipsized links). Anything else is dropped.
var spanClasses = regexp.MustCompile(`^(?:h-card|hashtag|mention|invisible)(?: (?:h-card|hashtag|mention|invisible))*$`)

// Sanitizer cleans remote HTML before it is stored or rendered.
type Sanitizer struct {
	content *bluemonday.Policy
	strict  *bluemonday.Policy
}

// NewSanitizer builds the content policy: a small allowlist of formatting
// tags, http(s)-or-relative links with forced rel, and microformat span
// classes. Script-like elements lose their content entirely, not just their
// tags.
func NewSanitizer() *Sanitizer {
	p := bluemonday.NewPolicy()
	p.AllowElements(
		"p", "br", "hr",
		"h1", "h2", "h3", "h4", "h5", "h6",
		"em", "strong", "del",
		"code", "pre", "blockquote",
		"ul", "ol", "li",
		"span", "a",
	)
	p.AllowAttrs("href").OnElements("a")
	p.AllowURLSchemes("http", "https")
	p.AllowRelativeURLs(true)
	p.RequireNoFollowOnLinks(true)
	p.RequireNoReferrerOnLinks(true)
	p.AllowAttrs("class").Matching(spanClasses).OnElements("span")
	p.SkipElementsContent(
		"script", "style", "iframe", "object", "embed",
		"form", "input", "textarea", "svg", "math",
	)
	return &Sanitizer{content: p, strict: bluemonday.StrictPolicy()}
}

// relAttr matches the rel attribute the policy emits on sanitized anchors.
var relAttr = regexp.MustCompile(`rel="[^"]*"`)

// Sanitize cleans an HTML fragment for storage.
func (s *Sanitizer) Sanitize(html string) string {
	out := s.content.Sanitize(html)
	// The policy API has no switch for noopener, so it is appended to every
	// emitted rel list that lacks it, regardless of token order.
	return relAttr.ReplaceAllStringFunc(out, func(m string) string {
		val := strings.TrimSuffix(strings.TrimPrefix(m, `rel="`), `"`)
		for _, tok := range strings.Fields(val) {
			if tok == "noopener" {
				return m
			}
		}
		return `rel="` + val + ` noopener"`
	})
}

// SanitizeDisplayName strips all markup and control characters from a remote
// display name, trims it, and caps it at 100 runes.
func (s *Sanitizer) SanitizeDisplayName(name string) string {
	out := s.strict.Sanitize(name)
	out = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, out)
	out = strings.TrimSpace(out)
	runes := []rune(out)
	if len(runes) > 100 {
		out = string(runes[:100])
	}
	return out
}
