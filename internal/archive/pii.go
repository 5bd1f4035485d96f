package archive

import (
	"crypto/sha256"
	"fmt"
	"regexp"
)

var (
	emailRe = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phoneRe = regexp.MustCompile(`(?:\+?1[-.\s]?)?\(?[0-9]{3}\)?[-.\s]?[0-9]{3}[-.\s]?[0-9]{4}`)
	dobRe   = regexp.MustCompile(`\b[0-9]{1,2}[/-][0-9]{1,2}[/-](?:19|20)?[0-9]{2}\b`)
)

// HashPhone returns the hex-encoded SHA-256 hash of a phone number.
func HashPhone(phone string) string {
	if phone == "" {
		return ""
	}
	h := sha256.Sum256([]byte(phone))
	return fmt.Sprintf("%x", h)
}

// ScrubPII replaces emails, phone numbers and dates of birth with placeholders.
// Names are kept so transcripts stay reviewable.
func ScrubPII(text string) string {
	text = emailRe.ReplaceAllString(text, "[EMAIL]")
	text = phoneRe.ReplaceAllString(text, "[PHONE]")
	text = dobRe.ReplaceAllString(text, "[DATE]")
	return text
}

// ScrubEntries applies PII scrubbing to all entries in place.
func ScrubEntries(entries []Entry) {
	for i := range entries {
		entries[i].Text = ScrubPII(entries[i].Text)
	}
}
