package intent

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/wolfman30/clinic-voice-booking/internal/dialogue"
)

const systemPrompt = `You route phone calls for a clinic's appointment line.
Classify the caller's first sentence into exactly one action:
- "book": wants a new appointment
- "reschedule": wants to move an existing appointment
- "cancel": wants to cancel an existing appointment
- "escalate": asks for a person, has a billing/medical question, or anything the line cannot handle
- "unknown": unclear
Reply with JSON only: {"action": "<action>", "confidence": <0.0-1.0>}`

const maxCallerChars = 500

func userPrompt(text string) string {
	text = strings.TrimSpace(text)
	if len(text) > maxCallerChars {
		text = text[:maxCallerChars]
	}
	return "Caller said: " + text
}

// parseIntent reads the model's JSON reply. Models sometimes wrap JSON in prose or
// code fences, so the outermost object is extracted first.
func parseIntent(raw string) (dialogue.Intent, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return dialogue.Intent{}, errors.New("intent: response contained no JSON object")
	}
	var decoded struct {
		Action     string  `json:"action"`
		Confidence float64 `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(raw[start:end+1]), &decoded); err != nil {
		return dialogue.Intent{}, fmt.Errorf("intent: decode response: %w", err)
	}
	action := dialogue.Action(strings.ToLower(strings.TrimSpace(decoded.Action)))
	switch action {
	case dialogue.ActionBook, dialogue.ActionReschedule, dialogue.ActionCancel, dialogue.ActionEscalate, dialogue.ActionUnknown:
	default:
		return dialogue.Intent{}, fmt.Errorf("intent: unsupported action %q", decoded.Action)
	}
	conf := decoded.Confidence
	if conf < 0 {
		conf = 0
	}
	if conf > 1 {
		conf = 1
	}
	return dialogue.Intent{Action: action, Confidence: conf}, nil
}
