package strategy

import (
	"fmt"
	"strings"
	"unicode"
)

// usernameTakenSignals are the observed substrings in rename-task failure
// descriptions that mean the requested username is taken. The provider
// does not document an authoritative catalog; extend here as new wording
// shows up.
var usernameTakenSignals = []string{
	"already taken",
	"username is taken",
	"not available",
	"already in use",
}

// IsUsernameTaken matches a task failure description against the known
// username-taken wordings, case-insensitively.
func IsUsernameTaken(failDesc string) bool {
	desc := strings.ToLower(failDesc)
	for _, signal := range usernameTakenSignals {
		if strings.Contains(desc, signal) {
			return true
		}
	}
	return false
}

// maxUsernameCandidates bounds the alternatives generated per account.
const maxUsernameCandidates = 6

// GenerateUsernameCandidates derives rename alternatives from the display
// name: the sanitized original request first, then numbered variants of
// the sanitized display name. No usable base yields no candidates.
func GenerateUsernameCandidates(displayName, original string) []string {
	base := sanitizeUsername(displayName)
	if base == "" {
		base = sanitizeUsername(original)
	}

	seen := make(map[string]bool)
	var out []string
	add := func(candidate string) {
		if candidate != "" && !seen[candidate] {
			seen[candidate] = true
			out = append(out, candidate)
		}
	}

	add(sanitizeUsername(original))
	if base == "" {
		return out
	}
	for i := 1; len(out) < maxUsernameCandidates; i++ {
		add(fmt.Sprintf("%s_%d", base, i))
	}
	return out
}

// sanitizeUsername lowercases and strips everything but letters, digits,
// and underscores.
func sanitizeUsername(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
