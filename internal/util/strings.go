package util

import "strings"

// TokenLogLength is how many leading characters of a code or token may appear in logs.
const TokenLogLength = 8

// SafeTruncate returns at most maxLen leading bytes of s. A negative maxLen yields "".
//
//	SafeTruncate("very-long-token-abc123", 8) // "very-lon"
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// TokenPrefix truncates a credential for logging.
func TokenPrefix(s string) string {
	return SafeTruncate(s, TokenLogLength)
}

// JoinList encodes a list as a comma-separated column value.
func JoinList(items []string) string {
	return strings.Join(items, ",")
}

// SplitList decodes a comma-separated column value, trimming blanks and
// dropping empty elements.
func SplitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
