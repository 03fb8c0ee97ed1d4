package telegram

import (
	"strings"
	"testing"
)

func TestSplitTextShort(t *testing.T) {
	got := splitText("hello", 100)
	if len(got) != 1 || got[0] != "hello" {
		t.Fatalf("got %v", got)
	}
}

func TestSplitTextPrefersNewlines(t *testing.T) {
	text := strings.Repeat("line one\n", 20)
	chunks := splitText(text, 50)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for _, c := range chunks {
		if len([]rune(c)) > 50 {
			t.Fatalf("chunk too long: %d", len([]rune(c)))
		}
		if strings.Contains(c, "line one\nline") && !strings.HasSuffix(c, "one") {
			continue
		}
	}
	// Chunks must reassemble to the original lines.
	joined := strings.Join(chunks, "\n") + "\n"
	if strings.ReplaceAll(joined, "\n", "") != strings.ReplaceAll(text, "\n", "") {
		t.Fatal("content lost while splitting")
	}
}

func TestSplitTextNoNewlines(t *testing.T) {
	text := strings.Repeat("x", 120)
	chunks := splitText(text, 50)
	if len(chunks) != 3 {
		t.Fatalf("chunks = %d", len(chunks))
	}
	if strings.Join(chunks, "") != text {
		t.Fatal("content lost")
	}
}
