package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/wolfman30/clinic-voice-booking/internal/dialogue"
	"github.com/wolfman30/clinic-voice-booking/internal/events"
	"github.com/wolfman30/clinic-voice-booking/internal/messaging"
	"github.com/wolfman30/clinic-voice-booking/pkg/logging"
)

// VoiceAIEvent is the Telnyx AI Assistant webhook-tool payload. The assistant
// calls the tool with each transcribed caller utterance.
type VoiceAIEvent struct {
	AssistantID string `json:"assistant_id,omitempty"`
	// ConversationID groups turns within a single call.
	ConversationID string         `json:"conversation_id,omitempty"`
	EventType      string         `json:"event_type,omitempty"`
	From           string         `json:"from,omitempty"`
	To             string         `json:"to,omitempty"`
	Payload        VoiceAIPayload `json:"payload,omitempty"`
}

// VoiceAIPayload carries the tool invocation details.
type VoiceAIPayload struct {
	ToolName string `json:"tool_name,omitempty"`
	// ToolCallID must be echoed back so Telnyx can correlate the result.
	ToolCallID string `json:"tool_call_id,omitempty"`
	// Arguments: "transcript", "digits" and "route", all optional.
	Arguments map[string]string `json:"arguments,omitempty"`
}

// VoiceAIResponse is the JSON body returned to Telnyx for TTS.
type VoiceAIResponse struct {
	ToolCallID string `json:"tool_call_id"`
	Response   string `json:"response"`
	EndCall    bool   `json:"end_call"`
	State      string `json:"state,omitempty"`
}

// VoiceAIErrorResponse is returned when the event cannot be processed.
type VoiceAIErrorResponse struct {
	ToolCallID string `json:"tool_call_id,omitempty"`
	Error      string `json:"error"`
}

// VoiceAIHandler adapts Telnyx Voice AI tool calls to the dialogue engine.
type VoiceAIHandler struct {
	engine      callEngine
	processed   processedTracker
	assistantID string
	metrics     webhookObserver
	logger      *logging.Logger
}

// VoiceAIHandlerConfig configures the VoiceAIHandler.
type VoiceAIHandlerConfig struct {
	Engine callEngine
	// Processed records tool_call_ids that already produced a response. Optional.
	Processed processedTracker
	// AssistantID, when set, rejects events from any other assistant.
	AssistantID string
	Metrics     webhookObserver
	Logger      *logging.Logger
}

func NewVoiceAIHandler(cfg VoiceAIHandlerConfig) *VoiceAIHandler {
	if cfg.Engine == nil {
		panic("handlers: voice ai handler requires an engine")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = noopObserver{}
	}
	return &VoiceAIHandler{
		engine:      cfg.Engine,
		processed:   cfg.Processed,
		assistantID: cfg.AssistantID,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
	}
}

// HandleVoiceAI is the HTTP handler for POST /webhooks/telnyx/voice-ai.
func (h *VoiceAIHandler) HandleVoiceAI(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		h.logger.Error("voice-ai: failed to read body", "error", err)
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	var event VoiceAIEvent
	if err := json.Unmarshal(body, &event); err != nil {
		h.logger.Error("voice-ai: failed to parse event", "error", err)
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	toolCallID := event.Payload.ToolCallID

	if h.assistantID != "" && event.AssistantID != h.assistantID {
		h.logger.Warn("voice-ai: assistant ID mismatch", "got", event.AssistantID)
		h.writeError(w, toolCallID, "unauthorized", http.StatusForbidden)
		return
	}
	callID := strings.TrimSpace(event.ConversationID)
	if callID == "" {
		h.writeError(w, toolCallID, "conversation_id required", http.StatusBadRequest)
		return
	}
	// An empty transcript on the first tool call produces the greeting.
	args := event.Payload.Arguments
	transcript := strings.TrimSpace(args["transcript"])
	digits := strings.TrimSpace(args["digits"])

	log := h.logger.With("call_id", callID, "tool_call_id", toolCallID)
	if toolCallID != "" && h.processed != nil {
		done, err := h.processed.AlreadyProcessed(ctx, events.ProviderTelnyxVoice, toolCallID)
		if err != nil {
			log.Warn("voice-ai: processed lookup failed", "error", err)
		} else if done {
			h.replay(w, r, callID, toolCallID, log)
			return
		}
	}

	turn := dialogue.Turn{
		CallID:      callID,
		TurnID:      toolCallID,
		Speech:      transcript,
		Digits:      digits,
		CallerPhone: messaging.NormalizeE164(event.From),
		ClinicPhone: messaging.NormalizeE164(event.To),
		Route:       args["route"],
	}
	resp, status := speakable(h.engine.HandleTurn(ctx, turn))
	if status != "ok" {
		log.Error("voice-ai: turn failed", "status", status)
	} else if toolCallID != "" && h.processed != nil {
		if _, err := h.processed.MarkProcessed(ctx, events.ProviderTelnyxVoice, toolCallID); err != nil {
			log.Warn("voice-ai: mark processed failed", "error", err)
		}
	}
	h.metrics.ObserveInbound("telnyx", status, time.Since(start).Seconds())
	h.writeResponse(w, toolCallID, resp)
}

// replay answers a redelivered tool call from the stored session.
func (h *VoiceAIHandler) replay(w http.ResponseWriter, r *http.Request, callID, toolCallID string, log *logging.Logger) {
	sess, err := h.engine.Session(r.Context(), callID)
	switch {
	case err == nil && sess.LastTurnID == toolCallID && sess.LastResponse != nil:
		log.Info("voice-ai: redelivered tool call replayed")
		h.writeResponse(w, toolCallID, *sess.LastResponse)
	case err == nil:
		// Superseded by a later turn; the caller already heard something newer.
		log.Info("voice-ai: stale redelivery ignored")
		h.writeResponse(w, toolCallID, dialogue.Response{State: sess.State})
	case errors.Is(err, dialogue.ErrSessionNotFound):
		h.writeResponse(w, toolCallID, dialogue.Response{Text: callFinishedText, EndCall: true})
	default:
		log.Error("voice-ai: replay lookup failed", "error", err)
		resp, _ := speakable(dialogue.Response{}, err)
		h.writeResponse(w, toolCallID, resp)
	}
}

func (h *VoiceAIHandler) writeResponse(w http.ResponseWriter, toolCallID string, resp dialogue.Response) {
	writeJSON(w, http.StatusOK, VoiceAIResponse{
		ToolCallID: toolCallID,
		Response:   resp.Text,
		EndCall:    resp.EndCall,
		State:      string(resp.State),
	})
}

func (h *VoiceAIHandler) writeError(w http.ResponseWriter, toolCallID, msg string, code int) {
	writeJSON(w, code, VoiceAIErrorResponse{ToolCallID: toolCallID, Error: msg})
}
