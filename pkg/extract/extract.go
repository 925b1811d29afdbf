// Package extract finds contact email addresses in free text such as profile
// READMEs.
package extract

import (
	"regexp"
	"strings"
)

var emailPattern = regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)

// edgeChars are stripped from both ends of a match. Markdown links and angle
// bracket addresses leave them attached.
const edgeChars = `"<>[]()`

// Email returns the first address-shaped token in text.
func Email(text string) (string, bool) {
	m := emailPattern.FindString(text)
	if m == "" {
		return "", false
	}
	m = strings.Trim(m, edgeChars)
	if m == "" {
		return "", false
	}
	return m, true
}

// AllEmails returns every distinct address in text, in order of first appearance.
func AllEmails(text string) []string {
	matches := emailPattern.FindAllString(text, -1)
	if len(matches) == 0 {
		return nil
	}

	seen := make(map[string]struct{}, len(matches))
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		m = strings.Trim(m, edgeChars)
		if m == "" {
			continue
		}
		if _, dup := seen[m]; dup {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	return out
}
