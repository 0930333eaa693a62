package speech

import (
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"
)

// DefaultDedupWindow is how long an identical final is suppressed.
const DefaultDedupWindow = 1200 * time.Millisecond

const edgePunct = "，。！？、,.!?;:"

// Sanitize collapses whitespace, trims, and strips leading and trailing
// punctuation.
func Sanitize(text string) string {
	s := strings.Join(strings.Fields(text), " ")
	s = strings.TrimLeft(s, edgePunct)
	return strings.TrimRight(s, edgePunct)
}

// Key is the comparison key for deduplication: sanitized, lowercased, with
// all whitespace and punctuation removed.
func Key(text string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) || strings.ContainsRune(edgePunct, r) {
			return -1
		}
		return unicode.ToLower(r)
	}, Sanitize(text))
}

// Deduper suppresses a final transcript whose key equals the last accepted
// key within Window.
type Deduper struct {
	Window time.Duration
	Now    func() time.Time

	mu      sync.Mutex
	lastKey string
	lastAt  time.Time
}

func NewDeduper(window time.Duration) *Deduper {
	if window <= 0 {
		window = DefaultDedupWindow
	}
	return &Deduper{Window: window, Now: time.Now}
}

// Accept returns the sanitized text and whether it should become a turn.
// Keys of one rune or less are never accepted.
func (d *Deduper) Accept(raw string) (string, bool) {
	clean := Sanitize(raw)
	key := Key(clean)
	if utf8.RuneCountInString(key) <= 1 {
		return clean, false
	}
	now := time.Now()
	if d.Now != nil {
		now = d.Now()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if key == d.lastKey && now.Sub(d.lastAt) <= d.Window {
		return clean, false
	}
	d.lastKey = key
	d.lastAt = now
	return clean, true
}
