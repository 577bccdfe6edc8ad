// Package roomname normalizes and validates room names. Server routing, the
// status endpoint and the client workflow all go through Normalize, so a name
// means the same room everywhere.
package roomname

import (
	"errors"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"collabtext/journalsync/internal/syncerr"
)

// MaxLen bounds a normalized name in runes. Names double as directory names.
const MaxLen = 128

// ErrInvalidRoomName is wrapped by every rejection.
var ErrInvalidRoomName = errors.New("invalid room name")

// Normalize case-folds raw and checks it against lowercase letters, digits and '-'.
// "My-Room-1" and "my-room-1" normalize to the same name.
func Normalize(raw string) (string, error) {
	name := norm.NFC.String(cases.Fold().String(strings.TrimSpace(raw)))
	if name == "" {
		return "", invalid("empty name")
	}
	n := 0
	for _, r := range name {
		n++
		if !allowed(r) {
			return "", invalid("character %q not allowed", r)
		}
	}
	if n > MaxLen {
		return "", invalid("longer than %d characters", MaxLen)
	}
	return name, nil
}

// Valid reports whether raw normalizes cleanly.
func Valid(raw string) bool {
	_, err := Normalize(raw)
	return err == nil
}

func allowed(r rune) bool {
	switch {
	case r == '-':
		return true
	case unicode.IsDigit(r):
		return true
	case unicode.IsLetter(r):
		return !unicode.IsUpper(r) && !unicode.IsTitle(r)
	}
	return false
}

func invalid(format string, args ...any) error {
	return syncerr.Newf(syncerr.KindConfig, "room name", "%w: "+format, append([]any{ErrInvalidRoomName}, args...)...)
}
