package respparse

import "strings"

// extractBalancedObject returns the first balanced {...} substring at or after
// from, handling strings and escape sequences so braces inside quoted text do
// not confuse the scan.
func extractBalancedObject(s string, from int) (string, bool) {
	start := strings.IndexByte(s[from:], '{')
	if start < 0 {
		return "", false
	}
	start += from

	depth := 0
	inString := false
	escape := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			if escape {
				escape = false
				continue
			}
			switch c {
			case '\\':
				escape = true
			case '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

// firstFencedBlock returns the content of the first ``` or ~~~ fenced code
// block, without the fence lines. An optional language tag is skipped.
func firstFencedBlock(s string) (string, bool) {
	for _, fence := range []string{"```", "~~~"} {
		i := strings.Index(s, fence)
		if i < 0 {
			continue
		}
		rest := s[i+len(fence):]
		nl := strings.IndexByte(rest, '\n')
		if nl < 0 {
			continue
		}
		content := rest[nl+1:]
		end := strings.Index(content, fence)
		if end < 0 {
			continue
		}
		return strings.TrimSpace(content[:end]), true
	}
	return "", false
}
