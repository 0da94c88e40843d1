package normalize

import (
	"strings"
	"testing"
)

func TestCleanText(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"[2025-06-01 10:00:00] production.ERROR: boom", "production.ERROR: boom"},
		{"[x]boom", "boom"},
		{"  plain text  ", "plain text"},
		{"no [bracket] at start", "no [bracket] at start"},
		{"[a] [b] twice", "[b] twice"},
		{"[only]", ""},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := CleanText(tt.input); got != tt.expected {
				t.Errorf("CleanText(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestExtractAddress(t *testing.T) {
	n := New()
	tests := []struct {
		input    string
		expected string
	}{
		{"Error at /var/www/app.sellerdata.ru/app/relative/path.php:123", "relative/path.php:123"},
		{"/var/www/app.sellerdata.ru/app/Jobs/Sync.php:7 failed", "Jobs/Sync.php:7"},
		{"in /var/www/app.sellerdata.ru/app/a.php:12 and /var/www/app.sellerdata.ru/app/b.php:34", "a.php:12"},
		{"/var/www/app.sellerdata.ru/app/relative/path.php", ""},
		{"/var/www/app.sellerdata.ru/app/relative/path.php:abc", ""},
		{"/var/www/app.sellerdata.ru/app/relative/path.js:12", ""},
		{"/var/www/other/app/relative/path.php:123", ""},
		{"relative/path.php:123", ""},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := n.ExtractAddress(tt.input); got != tt.expected {
				t.Errorf("ExtractAddress(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestExtractAddressCustomRoot(t *testing.T) {
	n := New(Config{AppRoot: "/srv/shop"})
	if got := n.ExtractAddress("at /srv/shop/src/Order.php:55"); got != "src/Order.php:55" {
		t.Errorf("got %q, want src/Order.php:55", got)
	}
	if got := n.ExtractAddress("at /var/www/app.sellerdata.ru/app/x.php:1"); got != "" {
		t.Errorf("default root should not match a custom normalizer, got %q", got)
	}
}

func TestPatternSubstitutions(t *testing.T) {
	n := New()
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"vol and part", "cURL error on vol4821 part17", "cURL error on vol<num> part<num>"},
		{"json object", `cURL error {"code": 42, "id": 7} tail`, "cURL error {} tail"},
		{"email", "Partner not found: ops.team-1@example.co.uk", "Partner not found: <email>"},
		{"datetime", "Syncing for more than 2025-06-01 10:11:12 hours", "Syncing for more than <datetime> hours"},
		{"hash", "Failed to download image d41d8cd98f00b204e9800998ecf8427e", "Failed to download image <hash>"},
		{"float", "Load average is too high: 12.75", "Load average is too high: <float>"},
		{"long int", "Account is blocked 1234567", "Account is blocked <num>"},
		{"short int", "Account is blocked 42 times", "Account is blocked <num> times"},
		{"date before ints", "currentDate 2024-01-02 03:04:05 id 9", "currentDate <datetime> id <num>"},
		{"embedded digits kept", "SQLSTATE abc123 x", "SQLSTATE abc123 x"},
		{"trimmed", "  DEBUG 5  ", "DEBUG <num>"},
		{"cyrillic email", "cURL error user@пример.рф", "cURL error <email>"},
		{"cyrillic local part", "Partner not found: иван.петров@почта.рф now", "Partner not found: <email> now"},
		{"digits glued to cyrillic", "cURL error для аккаунта123 и 4567", "cURL error для аккаунта123 и <num>"},
		{"digits after cyrillic space", "Account is blocked: счёт 42", "Account is blocked: счёт <num>"},
		{"float glued to letters", "Load average is too high: ср1.5 и 2.25", "Load average is too high: ср1.<num> и <float>"},
		{"hash inside longer hex run", "Failed to download image " + strings.Repeat("a", 70), "Failed to download image " + strings.Repeat("a", 70)},
		{"adjacent numbers", "DEBUG 1 2 3", "DEBUG <num> <num> <num>"},
		{"number at punctuation", "DEBUG (42),7.", "DEBUG (<num>),<num>."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := n.Pattern(tt.input); got != tt.expected {
				t.Errorf("Pattern(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestPatternNonNoisyIsVerbatim(t *testing.T) {
	n := New()
	inputs := []string{
		"production.ERROR: Undefined index 42 in {foo}",
		"  user bob@example.com failed 2025-06-01 10:11:12  ",
		"hash d41d8cd98f00b204e9800998ecf8427e",
		"",
	}
	for _, in := range inputs {
		if got := n.Pattern(in); got != strings.TrimSpace(in) {
			t.Errorf("Pattern(%q) = %q, want verbatim trim", in, got)
		}
	}
}

func TestPatternIdempotent(t *testing.T) {
	n := New()
	inputs := []string{
		"cURL error on vol4821",
		"cURL error 28: Operation timed out after 30001 milliseconds with 0 bytes received",
		`SQLSTATE[42000]: Syntax error {"a":{"b":1}} at 3.14 and 2025-01-01 00:00:00`,
		"Subscription changed for user 1.2.3 mail a.b@c.d id deadbeefdeadbeefdeadbeefdeadbeef",
		"Load average is too high vol{x}12 part 9",
		"DEBUG {Load average is too high} 77",
	}
	for _, in := range inputs {
		once := n.Pattern(in)
		if twice := n.Pattern(once); twice != once {
			t.Errorf("Pattern not idempotent for %q: %q then %q", in, once, twice)
		}
	}
}

func TestNormalizeGroupsVolatileCurlErrors(t *testing.T) {
	n := New()
	a := n.Normalize("[2025-06-01 10:00:00] cURL error on vol4821")
	b := n.Normalize("[2025-06-01 11:30:00] cURL error on vol9910")
	if !a.Noisy || !b.Noisy {
		t.Fatalf("expected both messages to be noisy: %+v %+v", a, b)
	}
	if a.Pattern != "cURL error on vol<num>" || b.Pattern != a.Pattern {
		t.Errorf("patterns = %q, %q; want both %q", a.Pattern, b.Pattern, "cURL error on vol<num>")
	}
	if a.Cleaned != "cURL error on vol4821" {
		t.Errorf("Cleaned = %q", a.Cleaned)
	}
}

func TestNormalizeResult(t *testing.T) {
	n := New()
	got := n.Normalize("[2025-06-01] production.ERROR: Call to a member function id() on null at /var/www/app.sellerdata.ru/app/Http/Kernel.php:88")
	if got.Noisy {
		t.Error("expected non-noisy message")
	}
	if got.Address != "Http/Kernel.php:88" {
		t.Errorf("Address = %q", got.Address)
	}
	want := "production.ERROR: Call to a member function id() on null at /var/www/app.sellerdata.ru/app/Http/Kernel.php:88"
	if got.Pattern != want {
		t.Errorf("Pattern = %q, want %q", got.Pattern, want)
	}

	empty := n.Normalize("[2025-06-01 10:00:00]   ")
	if empty.Pattern != "" {
		t.Errorf("empty message produced pattern %q", empty.Pattern)
	}
}

func TestCustomNoisyMarkers(t *testing.T) {
	n := New(Config{NoisyMarkers: []string{"queue lag", "  "}})
	if !n.IsNoisy("queue lag 1200ms") {
		t.Error("custom marker not honoured")
	}
	if n.IsNoisy("cURL error 7") {
		t.Error("default markers should be replaced by custom ones")
	}
	if n.IsNoisy("anything") {
		t.Error("blank marker must not match everything")
	}
	if got := n.Pattern("queue lag 1200 ms"); got != "queue lag <num> ms" {
		t.Errorf("Pattern = %q", got)
	}
}

func TestDefaultNoisyMarkerCount(t *testing.T) {
	if len(DefaultNoisyMarkers) != 25 {
		t.Errorf("len(DefaultNoisyMarkers) = %d, want 25", len(DefaultNoisyMarkers))
	}
}
