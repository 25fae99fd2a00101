package chat

import (
	"strings"
	"testing"
)

func TestValidateText(t *testing.T) {
	if err := ValidateContent("hello", KindText); err != nil {
		t.Fatalf("unexpected error for valid text: %v", err)
	}
}

func TestValidateTextEmpty(t *testing.T) {
	if err := ValidateContent("", KindText); err == nil {
		t.Fatal("expected error for empty text")
	}
}

func TestValidateTextTooManyBytes(t *testing.T) {
	text := strings.Repeat("a", MaxMessageBytes+1)
	if err := ValidateContent(text, KindText); err == nil {
		t.Fatal("expected error for oversized text")
	}
}

func TestValidateTextTooManyChars(t *testing.T) {
	// Two-byte runes: stays under the byte limit but over the char limit.
	text := strings.Repeat("é", MaxTextChars+1)
	if err := ValidateContent(text, KindText); err == nil {
		t.Fatal("expected error for too many characters")
	}
}

func TestValidateTextInvalidUTF8(t *testing.T) {
	if err := ValidateContent(string([]byte{0xff, 0xfe}), KindText); err == nil {
		t.Fatal("expected error for invalid UTF-8")
	}
}

func TestValidateImageRef(t *testing.T) {
	if err := ValidateContent("/files/ab12/photo.jpg", KindImage); err != nil {
		t.Fatalf("unexpected error for valid image ref: %v", err)
	}
}

func TestValidateImageRefRejectsNonPath(t *testing.T) {
	cases := []string{"", "photo.jpg", "http://example.com/x.png", strings.Repeat("/a", MaxImagePath)}
	for _, ref := range cases {
		if err := ValidateContent(ref, KindImage); err == nil {
			t.Errorf("expected error for image ref %q", ref)
		}
	}
}

func TestValidateUnknownKind(t *testing.T) {
	if err := ValidateContent("hello", Kind("video")); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}
