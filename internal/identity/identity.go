// Package identity turns raw member names into stable comparison keys.
//
// Upstream sources spell the same person differently ("Jo_hn", "jo hn",
// "JO-HN"). Comparison keys strip everything except letters and digits so
// those spellings collapse together. The price is that distinct names such
// as "Noob Man" and "NoobMan" also share a key; callers that store keys
// should log when that happens.
package identity

import (
	"fmt"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"
)

// MaxLength is the longest name, in runes, that will be normalized
const MaxLength = 255

// Mode selects how aggressively Normalize strips separators
type Mode int

const (
	// Comparison keeps only letters and digits
	Comparison Mode = iota
	// Display keeps words apart, turning underscores and hyphens into spaces
	Display
)

// Normalize returns the lowercase key for name in the given mode. Names
// longer than MaxLength once trimmed, or with no letters or digits, yield "".
func Normalize(name string, mode Mode) string {
	collapsed := Canonical(name)
	if collapsed == "" || utf8.RuneCountInString(collapsed) > MaxLength {
		return ""
	}

	var b strings.Builder
	b.Grow(len(collapsed))
	switch mode {
	case Display:
		collapsed = strings.Join(strings.FieldsFunc(collapsed, isDisplaySeparator), " ")
		for _, r := range collapsed {
			b.WriteRune(unicode.ToLower(r))
		}
	default:
		for _, r := range collapsed {
			r = unicode.ToLower(r)
			if isAlnum(r) {
				b.WriteRune(r)
			}
		}
	}

	out := b.String()
	if !strings.ContainsFunc(out, isAlnum) {
		return ""
	}
	return out
}

// Key is shorthand for Normalize(name, Comparison)
func Key(name string) string {
	return Normalize(name, Comparison)
}

// Canonical trims name and collapses runs of whitespace to single spaces.
// Case is preserved.
func Canonical(name string) string {
	return strings.Join(strings.FieldsFunc(name, isSpace), " ")
}

// AreSameUser reports whether two names refer to the same member.
// Two empty inputs compare equal; callers should treat that as unknown.
func AreSameUser(a, b string) bool {
	if a == "" || b == "" {
		return a == b
	}
	ka, kb := Key(a), Key(b)
	if ka == "" || kb == "" {
		return false
	}
	return ka == kb
}

// Validate checks that name is acceptable as a username.
// The reason is empty when ok is true.
func Validate(name string) (ok bool, reason string) {
	if name == "" {
		return false, "Username is empty"
	}
	if n := utf8.RuneCountInString(Canonical(name)); n > MaxLength {
		return false, fmt.Sprintf("Username too long: %d characters (max %d)", n, MaxLength)
	}

	invalid := map[rune]struct{}{}
	for _, r := range name {
		if r > unicode.MaxASCII || isAlnum(r) || r == ' ' || r == '_' || r == '-' {
			continue
		}
		invalid[r] = struct{}{}
	}
	if len(invalid) > 0 {
		chars := make([]string, 0, len(invalid))
		for r := range invalid {
			chars = append(chars, string(r))
		}
		sort.Strings(chars)
		return false, "Username contains invalid characters: " + strings.Join(chars, ", ")
	}

	if !strings.ContainsFunc(name, isAlnum) {
		return false, "Username must contain at least one letter or digit"
	}
	return true, ""
}

func isAlnum(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsNumber(r)
}

// isSpace extends unicode.IsSpace with the zero-width characters that
// show up in copy-pasted names.
func isSpace(r rune) bool {
	return unicode.IsSpace(r) || (r >= '\u2000' && r <= '\u200b') || r == '\ufeff'
}

func isDisplaySeparator(r rune) bool {
	return r == ' ' || r == '_' || r == '-'
}
