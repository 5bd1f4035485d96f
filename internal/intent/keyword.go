// Package intent classifies the opening utterance of a call into a booking action.
package intent

import (
	"context"
	"regexp"

	"github.com/wolfman30/clinic-voice-booking/internal/dialogue"
)

type keywordRule struct {
	action     dialogue.Action
	confidence float64
	pattern    *regexp.Regexp
}

// Rules are checked in order; cancel and reschedule come before book because
// "cancel my appointment" also mentions an appointment.
var keywordRules = []keywordRule{
	{dialogue.ActionEscalate, 0.9, regexp.MustCompile(`(?i)\b(speak|talk)\s+(to|with)\b|\b(operator|receptionist|front\s+desk|representative|real\s+person|human)\b`)},
	{dialogue.ActionReschedule, 0.85, regexp.MustCompile(`(?i)\b(reschedul\w*|re-schedul\w*|move|change|push\s+back|switch)\b.*\b(appointment|appt|visit|booking|time|it)\b|\breschedul\w*\b`)},
	{dialogue.ActionCancel, 0.85, regexp.MustCompile(`(?i)\b(cancel\w*|call\s+off|can't\s+make\s+it|cannot\s+make\s+it|won't\s+make\s+it)\b`)},
	{dialogue.ActionBook, 0.8, regexp.MustCompile(`(?i)\b(book\w*|schedul\w*|make\s+an?\s+appointment|set\s+up|new\s+appointment|come\s+in|see\s+(the\s+)?(doctor|dentist|provider)|appointment|consult\w*|check-?up|cleaning)\b`)},
}

// KeywordClassifier is the deterministic last resort when no language model is
// reachable.
type KeywordClassifier struct{}

var _ dialogue.IntentClassifier = KeywordClassifier{}

// ClassifyIntent never fails.
func (KeywordClassifier) ClassifyIntent(_ context.Context, text string) (dialogue.Intent, error) {
	for _, rule := range keywordRules {
		if rule.pattern.MatchString(text) {
			return dialogue.Intent{Action: rule.action, Confidence: rule.confidence}, nil
		}
	}
	return dialogue.Intent{Action: dialogue.ActionUnknown}, nil
}
