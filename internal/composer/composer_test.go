package composer

import (
	"strings"
	"testing"
)

func TestSummaryPrompt(t *testing.T) {
	msgs := New(0).Summary("we agreed to ship on friday")
	if len(msgs) != 2 || msgs[0].Role != "system" || msgs[1].Content != "we agreed to ship on friday" {
		t.Fatalf("messages = %+v", msgs)
	}
}

func TestMergeSummaries(t *testing.T) {
	msgs := New(0).MergeSummaries([]string{"first part ", "second part"})
	user := msgs[1].Content
	if !strings.Contains(user, "[Section 1]\nfirst part") || !strings.Contains(user, "[Section 2]\nsecond part") {
		t.Errorf("user content = %q", user)
	}
}

func TestTranslationPrompt(t *testing.T) {
	msgs := New(0).Translation("hello", "es")
	if !strings.Contains(msgs[0].Content, "Spanish") {
		t.Errorf("system prompt = %q, want Spanish", msgs[0].Content)
	}
	if msgs[1].Content != "hello" {
		t.Errorf("user content = %q", msgs[1].Content)
	}
}

func TestLanguageName(t *testing.T) {
	tests := map[string]string{
		"de":    "German",
		"fr":    "French",
		"!!bad": "!!bad",
	}
	for code, want := range tests {
		if got := LanguageName(code); got != want {
			t.Errorf("LanguageName(%q) = %q, want %q", code, got, want)
		}
	}
}

func TestSplit_FitsInOnePiece(t *testing.T) {
	parts := New(100).Split("  short text  ")
	if len(parts) != 1 || parts[0] != "short text" {
		t.Fatalf("parts = %q", parts)
	}
}

func TestSplit_ParagraphBoundaries(t *testing.T) {
	para := strings.Repeat("word ", 30) // 150 bytes
	text := para + "\n\n" + para + "\n\n" + para
	parts := New(50).Split(text) // 200 byte pieces

	if len(parts) != 3 {
		t.Fatalf("got %d parts, want 3: %q", len(parts), parts)
	}
	for _, p := range parts {
		if EstimateTokens(p) > 50 {
			t.Errorf("part over budget: %d tokens", EstimateTokens(p))
		}
		if p != strings.TrimSpace(para) {
			t.Errorf("part = %q, want one paragraph", p)
		}
	}
}

func TestSplit_NoSeparators(t *testing.T) {
	text := strings.Repeat("ж", 300) // 600 bytes of 2-byte runes
	parts := New(25).Split(text)    // 100 byte pieces

	if strings.Join(parts, "") != text {
		t.Fatal("split lost or corrupted text")
	}
	for _, p := range parts {
		if !strings.HasPrefix(p, "ж") {
			t.Fatalf("part %q starts mid-rune", p)
		}
	}
}
