package sandbox

import (
	"strings"
	"unicode/utf8"
)

// Sanitize normalizes captured output for the caller: invalid UTF-8 is replaced
// and the result holds at most maxLength characters.
func Sanitize(output string, maxLength int) string {
	if output == "" || maxLength <= 0 {
		return ""
	}

	output = strings.ToValidUTF8(output, "\uFFFD")
	if len(output) <= maxLength || utf8.RuneCountInString(output) <= maxLength {
		return output
	}

	n := 0
	for i := range output {
		if n == maxLength {
			return output[:i]
		}
		n++
	}
	return output
}
