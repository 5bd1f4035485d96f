package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/wolfman30/clinic-voice-booking/internal/dialogue"
)

// ApologyText is spoken when the engine cannot produce a response.
const ApologyText = "I'm sorry, something went wrong on our end. Please call back in a few minutes, or we'll text you a link to finish booking. Goodbye."

// callFinishedText answers a redelivery that arrives after the call was finalized.
const callFinishedText = "Thanks for calling. Goodbye."

// callEngine is the dialogue engine surface the telephony adapters drive.
type callEngine interface {
	HandleTurn(ctx context.Context, in dialogue.Turn) (dialogue.Response, error)
	EndCall(ctx context.Context, callID, reason string) error
	Session(ctx context.Context, callID string) (*dialogue.Session, error)
	MergeCollected(ctx context.Context, callID string, fields map[string]string) (*dialogue.Session, error)
}

// processedTracker records webhook deliveries that already produced a response.
type processedTracker interface {
	AlreadyProcessed(ctx context.Context, provider, eventID string) (bool, error)
	MarkProcessed(ctx context.Context, provider, eventID string) (bool, error)
}

// webhookObserver records webhook counts and latency.
type webhookObserver interface {
	ObserveInbound(provider, status string, seconds float64)
}

type noopObserver struct{}

func (noopObserver) ObserveInbound(string, string, float64) {}

// speakable turns an engine result into what the transport should say. A failed
// turn whose response has no text becomes an apology and a hang-up.
func speakable(resp dialogue.Response, err error) (dialogue.Response, string) {
	if err == nil {
		return resp, "ok"
	}
	if resp.Text == "" {
		return dialogue.Response{Text: ApologyText, EndCall: true, State: resp.State}, "error"
	}
	return resp, "degraded"
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
