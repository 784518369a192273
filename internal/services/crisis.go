package services

import (
	"regexp"
	"strings"
)

// Crisis-indicator phrases checked synchronously at submission time, before
// the content becomes visible. No I/O: a match only controls whether the
// supportive-resources banner shows immediately, so high recall matters more
// than precision. The score-weighted classifier gives a stricter second
// opinion later.
var crisisPatterns = []string{
	`\b(suicid\w*|kill\s*(my)?self|end\s*(my)?\s*life|want\s*to\s*die)\b`,
	`\b(self[- ]?harm|cutting\s*myself|hurt\s*myself)\b`,
	`\b(don'?t\s*want\s*to\s*live|no\s*reason\s*to\s*live)\b`,
	`\b(overdos\w*|take\s*pills|slit\s*wrist)\b`,
}

var crisisRE = regexp.MustCompile(`(?i)` + strings.Join(crisisPatterns, "|"))

// ScanCrisis reports whether text contains an obvious crisis indicator.
// Returns on the first match; empty text is never a match.
func ScanCrisis(text string) bool {
	if text == "" {
		return false
	}
	return crisisRE.MatchString(text)
}
