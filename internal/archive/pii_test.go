package archive

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScrubPII(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"call me at (555) 123-4567", "call me at [PHONE]"},
		{"my email is jane.doe@example.com", "my email is [EMAIL]"},
		{"born 4/12/1988", "born [DATE]"},
		{"Jane Doe, tuesday morning", "Jane Doe, tuesday morning"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ScrubPII(tt.in))
	}
}

func TestScrubEntries(t *testing.T) {
	entries := []Entry{{Role: "caller", Text: "it's 555-123-4567"}, {Role: "assistant", Text: "Thanks"}}
	ScrubEntries(entries)
	assert.Equal(t, "it's [PHONE]", entries[0].Text)
	assert.Equal(t, "Thanks", entries[1].Text)
}

func TestHashPhone(t *testing.T) {
	assert.Len(t, HashPhone("+15551234567"), 64)
	assert.Equal(t, HashPhone("+15551234567"), HashPhone("+15551234567"))
	assert.Empty(t, HashPhone(""))
}
