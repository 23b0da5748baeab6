package audit

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var angleBracketRe = regexp.MustCompile(`^[<\s]*(.*?)[>\s]*$`)

const listIDMatchGroups = 2

// normalizeListID reduces `"Name" <list.example.com>` to list.example.com.
func normalizeListID(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if i := strings.LastIndex(raw, "<"); i > 0 {
		raw = raw[i:]
	}
	if matches := angleBracketRe.FindStringSubmatch(raw); len(matches) == listIDMatchGroups {
		raw = matches[1]
	}
	raw = strings.TrimSpace(raw)
	raw = strings.TrimSuffix(raw, ">")
	raw = strings.TrimPrefix(raw, "<")
	raw = strings.Trim(raw, "\" ")
	return strings.ToLower(raw)
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n-1]) + "…"
}
