package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/clinic-voice-booking/internal/dialogue"
	"github.com/wolfman30/clinic-voice-booking/pkg/logging"
)

func voiceAIRequest(t *testing.T, event VoiceAIEvent) *http.Request {
	t.Helper()
	body, err := json.Marshal(event)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/telnyx/voice-ai", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func toolCall(id, transcript string) VoiceAIEvent {
	return VoiceAIEvent{
		AssistantID:    "asst-1",
		ConversationID: "conv-1",
		EventType:      "tool_call",
		From:           "5555550100",
		To:             "+15555550000",
		Payload: VoiceAIPayload{
			ToolName:   "clinic_scheduler",
			ToolCallID: id,
			Arguments:  map[string]string{"transcript": transcript},
		},
	}
}

func decodeVoiceAI(t *testing.T, rec *httptest.ResponseRecorder) VoiceAIResponse {
	t.Helper()
	var out VoiceAIResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestVoiceAIHandlesTurn(t *testing.T) {
	eng := &stubEngine{resp: dialogue.Response{Text: "Am I speaking with Jane?", State: dialogue.StateVerifying}}
	processed := newMemoryProcessed()
	h := NewVoiceAIHandler(VoiceAIHandlerConfig{Engine: eng, Processed: processed, AssistantID: "asst-1", Logger: logging.Discard()})

	rec := httptest.NewRecorder()
	h.HandleVoiceAI(rec, voiceAIRequest(t, toolCall("tc-1", "I'd like to book")))

	require.Equal(t, http.StatusOK, rec.Code)
	out := decodeVoiceAI(t, rec)
	assert.Equal(t, "tc-1", out.ToolCallID)
	assert.Equal(t, "Am I speaking with Jane?", out.Response)
	assert.False(t, out.EndCall)
	assert.Equal(t, "VERIFYING", out.State)

	require.Len(t, eng.turns, 1)
	assert.Equal(t, "conv-1", eng.turns[0].CallID)
	assert.Equal(t, "tc-1", eng.turns[0].TurnID)
	assert.Equal(t, "+15555550100", eng.turns[0].CallerPhone)
	assert.True(t, processed.seen["telnyx_voice|tc-1"])
}

func TestVoiceAIReplaysProcessedToolCall(t *testing.T) {
	last := dialogue.Response{Text: "Am I speaking with Jane?", State: dialogue.StateVerifying}
	eng := &stubEngine{session: &dialogue.Session{CallID: "conv-1", LastTurnID: "tc-1", LastResponse: &last}}
	processed := newMemoryProcessed()
	processed.seen["telnyx_voice|tc-1"] = true
	h := NewVoiceAIHandler(VoiceAIHandlerConfig{Engine: eng, Processed: processed, Logger: logging.Discard()})

	rec := httptest.NewRecorder()
	h.HandleVoiceAI(rec, voiceAIRequest(t, toolCall("tc-1", "I'd like to book")))

	assert.Empty(t, eng.turns)
	assert.Equal(t, "Am I speaking with Jane?", decodeVoiceAI(t, rec).Response)
}

func TestVoiceAIProcessedAfterCallFinished(t *testing.T) {
	eng := &stubEngine{}
	processed := newMemoryProcessed()
	processed.seen["telnyx_voice|tc-9"] = true
	h := NewVoiceAIHandler(VoiceAIHandlerConfig{Engine: eng, Processed: processed, Logger: logging.Discard()})

	rec := httptest.NewRecorder()
	h.HandleVoiceAI(rec, voiceAIRequest(t, toolCall("tc-9", "bye")))

	out := decodeVoiceAI(t, rec)
	assert.True(t, out.EndCall)
	assert.Equal(t, callFinishedText, out.Response)
}

func TestVoiceAIProcessedLookupFailureStillHandlesTurn(t *testing.T) {
	eng := &stubEngine{resp: dialogue.Response{Text: "ok"}}
	processed := newMemoryProcessed()
	processed.err = errors.New("db down")
	h := NewVoiceAIHandler(VoiceAIHandlerConfig{Engine: eng, Processed: processed, Logger: logging.Discard()})

	rec := httptest.NewRecorder()
	h.HandleVoiceAI(rec, voiceAIRequest(t, toolCall("tc-1", "hello")))
	assert.Equal(t, "ok", decodeVoiceAI(t, rec).Response)
	assert.Len(t, eng.turns, 1)
}

func TestVoiceAIEngineErrorApologizes(t *testing.T) {
	eng := &stubEngine{err: errors.New("store unavailable")}
	processed := newMemoryProcessed()
	h := NewVoiceAIHandler(VoiceAIHandlerConfig{Engine: eng, Processed: processed, Logger: logging.Discard()})

	rec := httptest.NewRecorder()
	h.HandleVoiceAI(rec, voiceAIRequest(t, toolCall("tc-2", "hello")))

	out := decodeVoiceAI(t, rec)
	assert.True(t, out.EndCall)
	assert.Equal(t, ApologyText, out.Response)
	assert.Empty(t, processed.seen)
}

func TestVoiceAIRejectsWrongAssistant(t *testing.T) {
	eng := &stubEngine{}
	h := NewVoiceAIHandler(VoiceAIHandlerConfig{Engine: eng, AssistantID: "asst-2", Logger: logging.Discard()})

	rec := httptest.NewRecorder()
	h.HandleVoiceAI(rec, voiceAIRequest(t, toolCall("tc-1", "hello")))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, eng.turns)
}

func TestVoiceAIBadRequests(t *testing.T) {
	h := NewVoiceAIHandler(VoiceAIHandlerConfig{Engine: &stubEngine{}, Logger: logging.Discard()})

	rec := httptest.NewRecorder()
	h.HandleVoiceAI(rec, httptest.NewRequest(http.MethodPost, "/webhooks/telnyx/voice-ai", bytes.NewReader([]byte("{"))))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	event := toolCall("tc-1", "hello")
	event.ConversationID = ""
	rec = httptest.NewRecorder()
	h.HandleVoiceAI(rec, voiceAIRequest(t, event))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestVoiceAIWithEngine(t *testing.T) {
	h := NewVoiceAIHandler(VoiceAIHandlerConfig{Engine: newRealEngine(t), Processed: newMemoryProcessed(), Logger: logging.Discard()})

	rec := httptest.NewRecorder()
	h.HandleVoiceAI(rec, voiceAIRequest(t, toolCall("tc-0", "")))
	assert.Contains(t, decodeVoiceAI(t, rec).Response, "Thanks for calling Test Clinic")

	rec = httptest.NewRecorder()
	h.HandleVoiceAI(rec, voiceAIRequest(t, toolCall("tc-1", "I need to book an appointment")))
	out := decodeVoiceAI(t, rec)
	assert.Equal(t, "VERIFYING", out.State)
	assert.Contains(t, out.Response, "Jane")

	rec = httptest.NewRecorder()
	h.HandleVoiceAI(rec, voiceAIRequest(t, toolCall("tc-1", "I need to book an appointment")))
	assert.Equal(t, out, decodeVoiceAI(t, rec))
}
