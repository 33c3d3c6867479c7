// Package normalize canonicalises raw contact fields (phones, emails, display
// names) into the forms the matcher and directory client expect.
package normalize

import (
	"regexp"
	"strings"
)

var emailPattern = regexp.MustCompile(`^[^@]+@[^@]+\.[^@]+$`)

// Phone strips everything but digits from raw, applies the Russian
// leading-8-to-7 and leading-00-international-prefix corrections, and
// returns "" when fewer than 10 digits remain.
func Phone(raw string) string {
	var digits strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	d := digits.String()

	if strings.HasPrefix(d, "00") {
		d = d[2:]
	}
	if len(d) == 11 && d[0] == '8' {
		d = "7" + d[1:]
	}
	if len(d) < 10 {
		return ""
	}
	return "+" + d
}

// Email trims and lowercases raw and returns "" if it does not look like an
// email address.
func Email(raw string) string {
	e := strings.ToLower(strings.TrimSpace(raw))
	if !emailPattern.MatchString(e) {
		return ""
	}
	return e
}

// DisplayName splits raw on the first run of whitespace into (display,
// given, family). family is "" when raw is a single token.
func DisplayName(raw string) (display, given, family string) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", "", ""
	}
	fields := strings.Fields(trimmed)
	given = fields[0]
	if len(fields) > 1 {
		family = strings.Join(fields[1:], " ")
	}
	return trimmed, given, family
}

// Unique preserves first-seen order and drops empty strings.
func Unique(seq []string) []string {
	seen := make(map[string]struct{}, len(seq))
	out := make([]string, 0, len(seq))
	for _, s := range seq {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
