package messaging

import "strings"

// NormalizeE164 ensures the value begins with + and only contains digits afterward.
// Ten-digit numbers are assumed to be North American.
func NormalizeE164(value string) string {
	digits := digitsOnly(strings.TrimSpace(value))
	switch {
	case digits == "":
		return ""
	case len(digits) == 10:
		return "+1" + digits
	}
	return "+" + digits
}

func digitsOnly(value string) string {
	var b strings.Builder
	for _, r := range value {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
