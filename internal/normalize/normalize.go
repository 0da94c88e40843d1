package normalize

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/tinytelemetry/errtally/internal/model"
)

// DefaultNoisyMarkers are substrings of messages known to carry volatile
// values (ids, amounts, timestamps). Only messages containing one of them
// go through substitution; everything else is grouped verbatim.
var DefaultNoisyMarkers = []string{
	"Account updating status was cleaned",
	"Syncing for more than",
	"Contentanalytics api key not working",
	"Advert api key not working",
	"Subscription turnover is higher than calculated for user",
	"currentDate",
	"puppet service is inactive",
	"Load average is too high",
	"Recurrent payment failed",
	"SQLSTATE",
	"ServiceTransactionReportJob failed",
	"cURL error",
	"Unknown transaction type",
	"paymentFailed",
	"DEBUG",
	"Syncing ozon transactions for account",
	"Ozon API response error for account",
	"Orders integrity fail",
	"Failed to download image",
	"Partner not found",
	"Account is blocked",
	"The given data was invalid",
	"Tinkoff payment error",
	"Subscription changed for user",
	"Disk space is critically low",
}

// Substitution rewrites every match of Match with Replace. A Bounded
// substitution only rewrites matches that stand on Unicode word boundaries
// at both ends, so digits glued to Cyrillic or Latin letters are kept.
type Substitution struct {
	Name    string
	Match   *regexp.Regexp
	Replace string
	Bounded bool
}

// Substitutions is the ordered rewrite table applied to noisy messages.
// Later entries must not re-match the placeholders of earlier ones.
var Substitutions = []Substitution{
	{Name: "vol", Match: regexp.MustCompile(`vol\d+`), Replace: "vol<num>"},
	{Name: "part", Match: regexp.MustCompile(`part\d+`), Replace: "part<num>"},
	{Name: "object", Match: regexp.MustCompile(`\{.*?\}`), Replace: "{}"},
	{Name: "email", Match: regexp.MustCompile(`[\p{L}\p{N}_.\-]+@[\p{L}\p{N}_.\-]+`), Replace: "<email>"},
	{Name: "datetime", Match: regexp.MustCompile(`\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}`), Replace: "<datetime>"},
	{Name: "hash", Match: regexp.MustCompile(`[a-f0-9]{32,64}`), Replace: "<hash>", Bounded: true},
	{Name: "float", Match: regexp.MustCompile(`\d+\.\d+`), Replace: "<float>", Bounded: true},
	{Name: "long-int", Match: regexp.MustCompile(`\d{4,}`), Replace: "<num>", Bounded: true},
	{Name: "int", Match: regexp.MustCompile(`\d+`), Replace: "<num>", Bounded: true},
}

// Apply rewrites text. Bounded matches start and end on word characters,
// so a candidate that fails a boundary check cannot succeed by shrinking;
// the scan resumes one rune after its start instead.
func (s Substitution) Apply(text string) string {
	if !s.Bounded {
		return s.Match.ReplaceAllLiteralString(text, s.Replace)
	}
	var b strings.Builder
	last, pos := 0, 0
	for pos < len(text) {
		loc := s.Match.FindStringIndex(text[pos:])
		if loc == nil {
			break
		}
		start, end := pos+loc[0], pos+loc[1]
		if end > start && atBoundary(text, start) && atBoundary(text, end) {
			b.WriteString(text[last:start])
			b.WriteString(s.Replace)
			last, pos = end, end
			continue
		}
		_, size := utf8.DecodeRuneInString(text[start:])
		pos = start + size
	}
	if last == 0 {
		return text
	}
	b.WriteString(text[last:])
	return b.String()
}

// atBoundary reports whether byte offset i of text sits between a word
// rune and a non-word rune, with letters and digits of any script counting
// as word runes.
func atBoundary(text string, i int) bool {
	before, after := false, false
	if i > 0 {
		r, _ := utf8.DecodeLastRuneInString(text[:i])
		before = isWordRune(r)
	}
	if i < len(text) {
		r, _ := utf8.DecodeRuneInString(text[i:])
		after = isWordRune(r)
	}
	return before != after
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsNumber(r)
}

var prefixRegex = regexp.MustCompile(`^\[.*?\]\s*`)

// Config controls a Normalizer. Zero fields fall back to package defaults.
type Config struct {
	AppRoot      string
	NoisyMarkers []string
}

// Result is the outcome of normalizing one message.
type Result struct {
	Cleaned string
	Address string
	Pattern string
	Noisy   bool
}

// Normalizer turns raw message text into grouping keys.
type Normalizer struct {
	markers     []string
	addressExpr *regexp.Regexp
}

// New builds a Normalizer. An optional Config overrides the defaults.
func New(conf ...Config) *Normalizer {
	var c Config
	if len(conf) > 0 {
		c = conf[0]
	}
	if c.AppRoot == "" {
		c.AppRoot = model.DefaultAppRoot
	}
	if !strings.HasSuffix(c.AppRoot, "/") {
		c.AppRoot += "/"
	}
	markers := c.NoisyMarkers
	if len(markers) == 0 {
		markers = DefaultNoisyMarkers
	}
	cleaned := make([]string, 0, len(markers))
	for _, m := range markers {
		if m = strings.TrimSpace(m); m != "" {
			cleaned = append(cleaned, m)
		}
	}
	return &Normalizer{
		markers:     cleaned,
		addressExpr: regexp.MustCompile(regexp.QuoteMeta(c.AppRoot) + `([^\s:]+\.php):(\d+)`),
	}
}

// Normalize cleans text, extracts its source address and derives its pattern.
func (n *Normalizer) Normalize(text string) Result {
	cleaned := CleanText(text)
	noisy := n.IsNoisy(cleaned)
	return Result{
		Cleaned: cleaned,
		Address: n.ExtractAddress(text),
		Pattern: n.pattern(cleaned, noisy),
		Noisy:   noisy,
	}
}

// Pattern derives the grouping key of already cleaned text.
// Applying it to its own output returns the output unchanged.
func (n *Normalizer) Pattern(cleaned string) string {
	return n.pattern(cleaned, n.IsNoisy(cleaned))
}

func (n *Normalizer) pattern(cleaned string, noisy bool) string {
	if !noisy {
		return strings.TrimSpace(cleaned)
	}
	out := cleaned
	for _, s := range Substitutions {
		out = s.Apply(out)
	}
	return strings.TrimSpace(out)
}

// IsNoisy reports whether text contains any configured noisy marker.
func (n *Normalizer) IsNoisy(text string) bool {
	for _, m := range n.markers {
		if strings.Contains(text, m) {
			return true
		}
	}
	return false
}

// ExtractAddress returns "<path>.php:<line>" relative to the application
// root, or "" when text carries no such location.
func (n *Normalizer) ExtractAddress(text string) string {
	m := n.addressExpr.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	return m[1] + ":" + m[2]
}

// CleanText strips one leading bracketed prefix such as "[2025-06-01 10:00:00]".
func CleanText(text string) string {
	return strings.TrimSpace(prefixRegex.ReplaceAllLiteralString(text, ""))
}
