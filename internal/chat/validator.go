package chat

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	MaxMessageBytes = 4096 // 4KB max frame payload
	MaxTextChars    = 2000 // max character count
	MaxImagePath    = 512  // max uploaded-file reference length
)

// ValidateContent checks that message content meets the requirements for
// its kind before it is sent or persisted.
func ValidateContent(content string, kind Kind) error {
	switch kind {
	case KindText:
		return validateText(content)
	case KindImage:
		return validateImageRef(content)
	default:
		return fmt.Errorf("unknown message kind %q", kind)
	}
}

func validateText(text string) error {
	if len(text) == 0 {
		return fmt.Errorf("message text is empty")
	}
	if len(text) > MaxMessageBytes {
		return fmt.Errorf("message exceeds %d byte limit", MaxMessageBytes)
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return fmt.Errorf("message exceeds %d character limit", MaxTextChars)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("message contains invalid UTF-8")
	}
	return nil
}

// validateImageRef checks the opaque file reference returned by the upload
// endpoint. Binary content never travels through the chat channel.
func validateImageRef(ref string) error {
	if len(ref) == 0 {
		return fmt.Errorf("image reference is empty")
	}
	if len(ref) > MaxImagePath {
		return fmt.Errorf("image reference exceeds %d byte limit", MaxImagePath)
	}
	if !strings.HasPrefix(ref, "/") {
		return fmt.Errorf("image reference must be a server file path")
	}
	return nil
}
