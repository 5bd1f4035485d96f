package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/clinic-voice-booking/internal/dialogue"
	"github.com/wolfman30/clinic-voice-booking/internal/messaging"
	"github.com/wolfman30/clinic-voice-booking/pkg/logging"
)

const testBaseURL = "https://voice.example.com"

func twilioRequest(path string, form url.Values) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func callForm(speech, digits string) url.Values {
	return url.Values{
		"CallSid":      {"CA123"},
		"From":         {"+15555550100"},
		"To":           {"(555) 555-0000"},
		"SpeechResult": {speech},
		"Digits":       {digits},
	}
}

func TestTwilioVoiceGathersWhileListening(t *testing.T) {
	eng := &stubEngine{resp: dialogue.Response{Text: "Which works better?", State: dialogue.StateOfferingSlots}}
	h := NewTwilioVoiceHandler(TwilioVoiceConfig{Engine: eng, PublicBaseURL: testBaseURL + "/", Logger: logging.Discard()})

	rec := httptest.NewRecorder()
	h.HandleVoice(rec, twilioRequest("/webhooks/twilio/voice?route=SEARCHING&turn=3", callForm("the first one", "")))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/xml", rec.Header().Get("Content-Type"))
	body := rec.Body.String()
	assert.Contains(t, body, `<Gather input="speech dtmf"`)
	assert.Contains(t, body, `action="https://voice.example.com/webhooks/twilio/voice?route=OFFERING_SLOTS&amp;turn=4"`)
	assert.Contains(t, body, "Which works better?")
	assert.NotContains(t, body, "<Hangup>")

	require.Len(t, eng.turns, 1)
	turn := eng.turns[0]
	assert.Equal(t, "CA123", turn.CallID)
	assert.Equal(t, "CA123:3", turn.TurnID)
	assert.Equal(t, "SEARCHING", turn.Route)
	assert.Equal(t, "+15555550000", turn.ClinicPhone)
	assert.Equal(t, "the first one", turn.Speech)
}

func TestTwilioVoiceGatherPostsOnSilence(t *testing.T) {
	eng := &stubEngine{resp: dialogue.Response{Text: "What name is it under?", State: dialogue.StateManualSearch}}
	h := NewTwilioVoiceHandler(TwilioVoiceConfig{Engine: eng, PublicBaseURL: testBaseURL, Logger: logging.Discard()})

	rec := httptest.NewRecorder()
	h.HandleVoice(rec, twilioRequest("/webhooks/twilio/voice?route=MANUAL_SEARCH&turn=2", callForm("", "")))

	body := rec.Body.String()
	assert.Contains(t, body, `actionOnEmptyResult="true"`)
	assert.Contains(t, body, `<Redirect method="POST">https://voice.example.com/webhooks/twilio/voice?route=MANUAL_SEARCH&amp;turn=3</Redirect>`)
	assert.Less(t, strings.Index(body, "</Gather>"), strings.Index(body, "<Redirect"))

	require.Len(t, eng.turns, 1)
	assert.Empty(t, eng.turns[0].Speech)
	assert.Equal(t, "CA123:2", eng.turns[0].TurnID)
}

type recordingMessenger struct {
	kinds []dialogue.MessageKind
}

func (m *recordingMessenger) SendConfirmation(_ context.Context, _ string, d dialogue.ConfirmationDetails) error {
	m.kinds = append(m.kinds, d.Kind)
	return nil
}

func TestTwilioVoiceSilenceReachesSafetyValve(t *testing.T) {
	messenger := &recordingMessenger{}
	engine, err := dialogue.NewEngine(dialogue.Config{
		Store:     dialogue.NewMemoryStore(),
		Scheduler: nopScheduler{},
		Messenger: messenger,
		Logger:    logging.Discard(),
	})
	require.NoError(t, err)
	h := NewTwilioVoiceHandler(TwilioVoiceConfig{Engine: engine, PublicBaseURL: testBaseURL, Logger: logging.Discard()})

	post := func(path string, form url.Values) string {
		rec := httptest.NewRecorder()
		h.HandleVoice(rec, twilioRequest(path, form))
		require.Equal(t, http.StatusOK, rec.Code)
		return rec.Body.String()
	}

	post("/webhooks/twilio/voice", callForm("", ""))
	body := post("/webhooks/twilio/voice?route=INITIAL&turn=1", callForm("", "1"))
	require.Contains(t, body, "route=MANUAL_SEARCH")

	body = post("/webhooks/twilio/voice?route=MANUAL_SEARCH&turn=2", callForm("", ""))
	assert.Contains(t, body, "<Gather")
	assert.NotContains(t, body, "<Hangup>")

	body = post("/webhooks/twilio/voice?route=MANUAL_SEARCH&turn=3", callForm("", ""))
	assert.Contains(t, body, "text you a link")
	assert.Contains(t, body, "<Hangup>")
	assert.Equal(t, []dialogue.MessageKind{dialogue.MessageHandoffLink}, messenger.kinds)
}

type nopScheduler struct{}

func (nopScheduler) GetAvailability(context.Context, dialogue.AvailabilityQuery) ([]dialogue.Slot, error) {
	return nil, nil
}

func (nopScheduler) CreateAppointment(context.Context, dialogue.BookingRequest) (string, error) {
	return "", errors.New("not implemented")
}

func (nopScheduler) RescheduleAppointment(context.Context, string, dialogue.Slot) error {
	return errors.New("not implemented")
}

func (nopScheduler) CancelAppointment(context.Context, string) error {
	return errors.New("not implemented")
}

func (nopScheduler) FindUpcomingAppointment(context.Context, string) (*dialogue.Appointment, error) {
	return nil, nil
}

func TestTwilioVoiceHangsUpOnEndCall(t *testing.T) {
	eng := &stubEngine{resp: dialogue.Response{Text: "Goodbye!", EndCall: true, State: dialogue.StateCompleted}}
	h := NewTwilioVoiceHandler(TwilioVoiceConfig{Engine: eng, Logger: logging.Discard()})

	rec := httptest.NewRecorder()
	h.HandleVoice(rec, twilioRequest("/webhooks/twilio/voice", callForm("yes", "")))

	body := rec.Body.String()
	assert.Contains(t, body, "Goodbye!")
	assert.Contains(t, body, "<Hangup>")
	assert.NotContains(t, body, "<Gather")
}

func TestTwilioVoiceEngineErrorApologizes(t *testing.T) {
	eng := &stubEngine{err: errors.New("store unavailable")}
	h := NewTwilioVoiceHandler(TwilioVoiceConfig{Engine: eng, Logger: logging.Discard()})

	rec := httptest.NewRecorder()
	h.HandleVoice(rec, twilioRequest("/webhooks/twilio/voice", callForm("hello", "")))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "something went wrong")
	assert.Contains(t, rec.Body.String(), "<Hangup>")
}

func TestTwilioVoiceTurnIDWithoutCounterIsStable(t *testing.T) {
	eng := &stubEngine{resp: dialogue.Response{Text: "Hi"}}
	h := NewTwilioVoiceHandler(TwilioVoiceConfig{Engine: eng, Logger: logging.Discard()})

	for i := 0; i < 2; i++ {
		h.HandleVoice(httptest.NewRecorder(), twilioRequest("/webhooks/twilio/voice", callForm("", "")))
	}
	h.HandleVoice(httptest.NewRecorder(), twilioRequest("/webhooks/twilio/voice", callForm("", "1")))

	require.Len(t, eng.turns, 3)
	assert.Equal(t, eng.turns[0].TurnID, eng.turns[1].TurnID)
	assert.NotEqual(t, eng.turns[0].TurnID, eng.turns[2].TurnID)
	assert.Equal(t, "1", eng.turns[2].Digits)
}

func TestTwilioVoiceSignature(t *testing.T) {
	eng := &stubEngine{resp: dialogue.Response{Text: "Hi"}}
	h := NewTwilioVoiceHandler(TwilioVoiceConfig{Engine: eng, AuthToken: "secret", PublicBaseURL: testBaseURL, Logger: logging.Discard()})
	form := callForm("", "")

	rec := httptest.NewRecorder()
	h.HandleVoice(rec, twilioRequest("/webhooks/twilio/voice", form))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req := twilioRequest("/webhooks/twilio/voice", form)
	req.Header.Set("X-Twilio-Signature", messaging.TwilioSignature("secret", testBaseURL+"/webhooks/twilio/voice", form))
	rec = httptest.NewRecorder()
	h.HandleVoice(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, eng.turns, 1)
}

func TestTwilioVoiceMissingCallSid(t *testing.T) {
	h := NewTwilioVoiceHandler(TwilioVoiceConfig{Engine: &stubEngine{}, Logger: logging.Discard()})
	rec := httptest.NewRecorder()
	h.HandleVoice(rec, twilioRequest("/webhooks/twilio/voice", url.Values{"SpeechResult": {"hi"}}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTwilioStatusEndsCallOnce(t *testing.T) {
	eng := &stubEngine{}
	processed := newMemoryProcessed()
	h := NewTwilioVoiceHandler(TwilioVoiceConfig{Engine: eng, Processed: processed, Logger: logging.Discard()})
	form := url.Values{"CallSid": {"CA123"}, "CallStatus": {"completed"}}

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		h.HandleStatus(rec, twilioRequest("/webhooks/twilio/voice/status", form))
		assert.Equal(t, http.StatusNoContent, rec.Code)
	}
	assert.Equal(t, []string{"CA123|provider:completed"}, eng.ended)
}

func TestTwilioStatusIgnoresInProgress(t *testing.T) {
	eng := &stubEngine{}
	h := NewTwilioVoiceHandler(TwilioVoiceConfig{Engine: eng, Logger: logging.Discard()})
	rec := httptest.NewRecorder()
	h.HandleStatus(rec, twilioRequest("/webhooks/twilio/voice/status", url.Values{"CallSid": {"CA1"}, "CallStatus": {"in-progress"}}))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, eng.ended)
}

func TestTwilioStatusEndCallFailure(t *testing.T) {
	eng := &stubEngine{endErr: errors.New("boom")}
	processed := newMemoryProcessed()
	h := NewTwilioVoiceHandler(TwilioVoiceConfig{Engine: eng, Processed: processed, Logger: logging.Discard()})
	form := url.Values{"CallSid": {"CA9"}, "CallStatus": {"no-answer"}}

	rec := httptest.NewRecorder()
	h.HandleStatus(rec, twilioRequest("/webhooks/twilio/voice/status", form))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Empty(t, processed.seen)
}

func TestTwilioVoiceWithEngine(t *testing.T) {
	h := NewTwilioVoiceHandler(TwilioVoiceConfig{Engine: newRealEngine(t), PublicBaseURL: testBaseURL, Logger: logging.Discard()})

	rec := httptest.NewRecorder()
	h.HandleVoice(rec, twilioRequest("/webhooks/twilio/voice", callForm("", "")))
	assert.Contains(t, rec.Body.String(), "Thanks for calling Test Clinic")
	assert.Contains(t, rec.Body.String(), "route=INITIAL&amp;turn=1")

	rec = httptest.NewRecorder()
	h.HandleVoice(rec, twilioRequest("/webhooks/twilio/voice?route=INITIAL&turn=1", callForm("", "1")))
	assert.Contains(t, rec.Body.String(), "Jane")
	assert.Contains(t, rec.Body.String(), "route=VERIFYING&amp;turn=2")

	// Twilio retrying the same Gather action gets the same answer.
	replay := httptest.NewRecorder()
	h.HandleVoice(replay, twilioRequest("/webhooks/twilio/voice?route=INITIAL&turn=1", callForm("", "1")))
	assert.Equal(t, rec.Body.String(), replay.Body.String())
}

func TestHangupTwiML(t *testing.T) {
	body, err := HangupTwiML(DefaultVoice, "Sorry & goodbye")
	require.NoError(t, err)
	doc := string(body)
	assert.True(t, strings.HasPrefix(doc, "<?xml"))
	assert.Contains(t, doc, `<Say voice="Polly.Joanna">Sorry &amp; goodbye</Say>`)
	assert.Contains(t, doc, "<Hangup></Hangup>")
	assert.NotContains(t, doc, "<Gather")
}
