// Package rewrite applies a light wording pass to forwarded text so reposted
// deals do not read as verbatim copies, and appends the configured hashtags.
package rewrite

import (
	"math/rand"
	"regexp"
	"strings"
	"sync"
	"unicode"
)

// synonyms maps a lowercase word to its replacement pool. The table is small
// on purpose: only promo filler words are touched, never product wording.
var synonyms = map[string][]string{
	"buy":     {"grab", "get"},
	"today":   {"right now", "today only"},
	"deal":    {"offer", "bargain"},
	"cheap":   {"affordable", "budget-friendly"},
	"amazing": {"great", "excellent"},
	"offer":   {"deal", "promo"},
	"now":     {"right away", "now"},
	"best":    {"top", "finest"},
	"price":   {"price tag", "cost"},
}

var wordRe = regexp.MustCompile(`[A-Za-z']+`)

// Rewriter replaces a fraction of known words with synonyms. Level 0 leaves
// the text untouched, level 1 replaces every known word.
type Rewriter struct {
	mu    sync.Mutex
	rnd   *rand.Rand
	level float64
}

// New seeds from src; pass a fixed-seed source in tests for deterministic
// output.
func New(level float64, src rand.Source) *Rewriter {
	if level < 0 {
		level = 0
	}
	if level > 1 {
		level = 1
	}
	return &Rewriter{rnd: rand.New(src), level: level}
}

// SetLevel adjusts the replacement fraction at runtime.
func (r *Rewriter) SetLevel(level float64) {
	if level < 0 {
		level = 0
	}
	if level > 1 {
		level = 1
	}
	r.mu.Lock()
	r.level = level
	r.mu.Unlock()
}

// Rewrite returns text with some known words swapped for synonyms. URLs are
// never touched: any token containing "://" is passed through verbatim.
func (r *Rewriter) Rewrite(text string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.level == 0 || text == "" {
		return text
	}
	parts := strings.Split(text, " ")
	for i, part := range parts {
		if strings.Contains(part, "://") {
			continue
		}
		parts[i] = wordRe.ReplaceAllStringFunc(part, func(w string) string {
			pool, ok := synonyms[strings.ToLower(w)]
			if !ok || r.rnd.Float64() >= r.level {
				return w
			}
			repl := pool[r.rnd.Intn(len(pool))]
			return matchCase(w, repl)
		})
	}
	return strings.Join(parts, " ")
}

// WithHashtags appends the tag line below the text. Tags are normalized to a
// leading '#'; empty input returns text unchanged.
func WithHashtags(text string, tags []string) string {
	var clean []string
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if !strings.HasPrefix(t, "#") {
			t = "#" + t
		}
		clean = append(clean, t)
	}
	if len(clean) == 0 {
		return text
	}
	if text == "" {
		return strings.Join(clean, " ")
	}
	return text + "\n\n" + strings.Join(clean, " ")
}

// matchCase carries the original word's leading capitalization over to the
// replacement.
func matchCase(orig, repl string) string {
	if orig == "" || repl == "" {
		return repl
	}
	r := []rune(orig)
	if unicode.IsUpper(r[0]) {
		out := []rune(repl)
		out[0] = unicode.ToUpper(out[0])
		return string(out)
	}
	return repl
}
