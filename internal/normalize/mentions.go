package normalize

import (
	"regexp"
	"strings"
)

// Handles are word characters between 2 and 25 runes, the upstream
// username bounds.
var mentionRe = regexp.MustCompile(`@(\w{2,25})\b`)

const maxMentions = 10

// ExtractMentions returns the unique @handles found in text, lowercased,
// in order of first occurrence, capped at maxMentions.
func ExtractMentions(text string) []string {
	if text == "" || !strings.Contains(text, "@") {
		return nil
	}

	matches := mentionRe.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}

	seen := make(map[string]struct{}, len(matches))
	var out []string
	for _, m := range matches {
		handle := strings.ToLower(m[1])
		if _, ok := seen[handle]; ok {
			continue
		}
		seen[handle] = struct{}{}
		out = append(out, handle)
		if len(out) >= maxMentions {
			break
		}
	}
	return out
}
