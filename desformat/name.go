package desformat

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// ErrInvalidName is returned when add() is given a file name that fails
// validation (spec §6.1 / §7 "InvalidName").
var ErrInvalidName = fmt.Errorf("invalid name")

// ValidateName checks a candidate file name against the DES naming rules:
// nonempty, valid UTF-8, at most MaxNameLength bytes, NUL-free, no
// leading/trailing whitespace, and no path-traversal sequences.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidName)
	}
	if len(name) > MaxNameLength {
		return fmt.Errorf("%w: name %d bytes exceeds max %d", ErrInvalidName, len(name), MaxNameLength)
	}
	if !utf8.ValidString(name) {
		return fmt.Errorf("%w: name is not valid UTF-8", ErrInvalidName)
	}
	if strings.ContainsRune(name, 0) {
		return fmt.Errorf("%w: name contains NUL", ErrInvalidName)
	}
	if trimmed := strings.TrimSpace(name); trimmed != name {
		return fmt.Errorf("%w: name has leading/trailing whitespace", ErrInvalidName)
	}
	if strings.Contains(name, "..") {
		return fmt.Errorf("%w: name contains path-traversal sequence", ErrInvalidName)
	}
	return nil
}
