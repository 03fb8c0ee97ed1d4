package rewrite

import (
	"math/rand"
	"strings"
	"testing"
)

func TestRewriteLevelZeroIsIdentity(t *testing.T) {
	r := New(0, rand.NewSource(1))
	in := "Buy this amazing deal today"
	if got := r.Rewrite(in); got != in {
		t.Fatalf("level 0 changed text: %q", got)
	}
}

func TestRewriteLevelOneReplacesKnownWords(t *testing.T) {
	r := New(1, rand.NewSource(1))
	got := r.Rewrite("buy cheap")
	// "buy" maps to grab/get and "cheap" to affordable/budget-friendly;
	// neither pool contains the source word.
	for _, w := range []string{"buy", "cheap"} {
		for _, tok := range strings.Fields(got) {
			if tok == w {
				t.Fatalf("word %q survived full rewrite: %q", w, got)
			}
		}
	}
	if got == "buy cheap" {
		t.Fatalf("full rewrite changed nothing: %q", got)
	}
}

func TestRewriteKeepsCase(t *testing.T) {
	r := New(1, rand.NewSource(1))
	got := r.Rewrite("Buy")
	first := []rune(got)[0]
	if first < 'A' || first > 'Z' {
		t.Fatalf("capitalization lost: %q", got)
	}
}

func TestRewriteNeverTouchesURLs(t *testing.T) {
	r := New(1, rand.NewSource(1))
	url := "https://amazon.com/dp/B000123456?tag=deal-today"
	got := r.Rewrite("buy " + url)
	if !strings.Contains(got, url) {
		t.Fatalf("URL mangled: %q", got)
	}
}

func TestWithHashtags(t *testing.T) {
	got := WithHashtags("text", []string{"deals", "#offers", " ", ""})
	want := "text\n\n#deals #offers"
	if got != want {
		t.Fatalf("WithHashtags = %q want %q", got, want)
	}
	if got := WithHashtags("text", nil); got != "text" {
		t.Fatalf("empty tags changed text: %q", got)
	}
	if got := WithHashtags("", []string{"deals"}); got != "#deals" {
		t.Fatalf("empty text = %q", got)
	}
}
