// Package httpheader checks header fields supplied through configuration
// before they reach an HTTP client.
package httpheader

import (
	"errors"
	"fmt"
	"strings"
)

var ErrInvalid = errors.New("invalid header")

// Validate reports whether name is an RFC 9110 token and value carries no
// control characters other than horizontal tab.
func Validate(name, value string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty name", ErrInvalid)
	case strings.TrimSpace(name) != name:
		return fmt.Errorf("%w: %q has surrounding whitespace", ErrInvalid, name)
	case strings.IndexFunc(name, func(r rune) bool { return !isTokenRune(r) }) >= 0:
		return fmt.Errorf("%w: %q is not a valid field name", ErrInvalid, name)
	case strings.IndexFunc(value, isCtlRune) >= 0:
		return fmt.Errorf("%w: %q has a control character in its value", ErrInvalid, name)
	}
	return nil
}

func isTokenRune(r rune) bool {
	switch {
	case r >= '0' && r <= '9', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		return true
	}
	return strings.ContainsRune("!#$%&'*+-.^_`|~", r)
}

func isCtlRune(r rune) bool {
	return (r < 0x20 && r != '\t') || r == 0x7f
}
