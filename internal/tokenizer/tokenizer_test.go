package tokenizer

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

// modelPath returns the path to the real tokenizer model, skipping if absent.
func modelPath(t *testing.T) string {
	t.Helper()
	// Walk up from the package dir to find models/tokenizer.model.
	dir, err := filepath.Abs(".")
	if err != nil {
		t.Fatalf("abs path: %v", err)
	}

	for {
		candidate := filepath.Join(dir, "models", "tokenizer.model")

		_, err = os.Stat(candidate)
		if err == nil {
			return candidate
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}

		dir = parent
	}

	t.Skip("models/tokenizer.model not found; skipping tokenizer tests")

	return ""
}

func TestNewSentencePieceTokenizer_ValidModel(t *testing.T) {
	path := modelPath(t)

	tok, err := NewSentencePieceTokenizer(path)
	if err != nil {
		t.Fatalf("NewSentencePieceTokenizer(%q): %v", path, err)
	}

	if tok == nil {
		t.Fatal("expected non-nil tokenizer")
	}
}

func TestNewSentencePieceTokenizer_MissingFile(t *testing.T) {
	_, err := NewSentencePieceTokenizer("/nonexistent/tokenizer.model")
	if err == nil {
		t.Fatal("expected error for missing model file")
	}
}

func TestNewSentencePieceTokenizer_EmptyPath(t *testing.T) {
	_, err := NewSentencePieceTokenizer("")
	if err == nil {
		t.Fatal("expected error for empty path")
	}

	if !errors.Is(err, ErrEmptyPath) {
		t.Errorf("expected ErrEmptyPath, got: %v", err)
	}
}

func TestEncode_CaptionNonEmpty(t *testing.T) {
	path := modelPath(t)

	tok, err := NewSentencePieceTokenizer(path)
	if err != nil {
		t.Fatalf("NewSentencePieceTokenizer: %v", err)
	}

	ids, err := tok.Encode("A cat meowing on a wooden floor.")
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	if len(ids) == 0 {
		t.Fatal("Encode returned no tokens for a non-empty caption")
	}

	for i, id := range ids {
		if id < 0 {
			t.Errorf("token[%d] = %d, want >= 0", i, id)
		}
	}
}

func TestEncode_Deterministic(t *testing.T) {
	path := modelPath(t)

	tok, err := NewSentencePieceTokenizer(path)
	if err != nil {
		t.Fatalf("NewSentencePieceTokenizer: %v", err)
	}

	const caption = "Birds chirping in the distance"

	first, err := tok.Encode(caption)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	second, err := tok.Encode(caption)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	if !equalInt64(first, second) {
		t.Errorf("Encode(%q) not deterministic: %v vs %v", caption, first, second)
	}
}

func TestEncode_EmptyString(t *testing.T) {
	path := modelPath(t)

	tok, err := NewSentencePieceTokenizer(path)
	if err != nil {
		t.Fatalf("NewSentencePieceTokenizer: %v", err)
	}

	got, err := tok.Encode("")
	if err != nil {
		t.Fatalf("Encode(\"\") should not error: %v", err)
	}

	if len(got) != 0 {
		t.Errorf("Encode(\"\") = %v, want empty slice", got)
	}
}

func TestEncode_ImplementsInterface(t *testing.T) {
	path := modelPath(t)

	tok, err := NewSentencePieceTokenizer(path)
	if err != nil {
		t.Fatalf("NewSentencePieceTokenizer: %v", err)
	}

	var _ Tokenizer = tok
}

func equalInt64(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}

	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}

	return true
}
