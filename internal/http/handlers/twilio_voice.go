package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/xml"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/wolfman30/clinic-voice-booking/internal/dialogue"
	"github.com/wolfman30/clinic-voice-booking/internal/events"
	"github.com/wolfman30/clinic-voice-booking/internal/messaging"
	"github.com/wolfman30/clinic-voice-booking/pkg/logging"
)

// DefaultVoice is the Twilio text-to-speech voice used when none is configured.
const DefaultVoice = "Polly.Joanna"

// twimlResponse is the TwiML document returned to Twilio.
type twimlResponse struct {
	XMLName  xml.Name       `xml:"Response"`
	Gather   *twimlGather   `xml:"Gather,omitempty"`
	Redirect *twimlRedirect `xml:"Redirect,omitempty"`
	Say      *twimlSay      `xml:"Say,omitempty"`
	Hangup   *struct{}      `xml:"Hangup,omitempty"`
}

// twimlGather posts to Action even when the caller says nothing, so silence
// reaches the engine as an empty turn instead of ending the call.
type twimlGather struct {
	Input               string   `xml:"input,attr"`
	Action              string   `xml:"action,attr"`
	Method              string   `xml:"method,attr"`
	SpeechTimeout       string   `xml:"speechTimeout,attr"`
	NumDigits           int      `xml:"numDigits,attr"`
	ActionOnEmptyResult bool     `xml:"actionOnEmptyResult,attr"`
	Say                 twimlSay `xml:"Say"`
}

// twimlRedirect runs when a Gather finishes without posting its action.
type twimlRedirect struct {
	Method string `xml:"method,attr"`
	URL    string `xml:",chardata"`
}

type twimlSay struct {
	Voice string `xml:"voice,attr,omitempty"`
	Text  string `xml:",chardata"`
}

// TwilioVoiceHandler adapts Twilio programmable voice webhooks to the dialogue engine.
type TwilioVoiceHandler struct {
	engine        callEngine
	processed     processedTracker
	authToken     string
	publicBaseURL string
	voice         string
	metrics       webhookObserver
	logger        *logging.Logger
}

// TwilioVoiceConfig configures the TwilioVoiceHandler.
type TwilioVoiceConfig struct {
	Engine callEngine
	// Processed dedupes status callbacks. Optional.
	Processed processedTracker
	// AuthToken enables X-Twilio-Signature validation when set.
	AuthToken string
	// PublicBaseURL is the externally visible origin used for signatures and
	// Gather action URLs.
	PublicBaseURL string
	Voice         string
	Metrics       webhookObserver
	Logger        *logging.Logger
}

func NewTwilioVoiceHandler(cfg TwilioVoiceConfig) *TwilioVoiceHandler {
	if cfg.Engine == nil {
		panic("handlers: twilio voice handler requires an engine")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = noopObserver{}
	}
	if cfg.Voice == "" {
		cfg.Voice = DefaultVoice
	}
	return &TwilioVoiceHandler{
		engine:        cfg.Engine,
		processed:     cfg.Processed,
		authToken:     cfg.AuthToken,
		publicBaseURL: strings.TrimRight(cfg.PublicBaseURL, "/"),
		voice:         cfg.Voice,
		metrics:       cfg.Metrics,
		logger:        cfg.Logger,
	}
}

// HandleVoice is the HTTP handler for POST /webhooks/twilio/voice.
func (h *TwilioVoiceHandler) HandleVoice(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if !h.authorized(r) {
		h.logger.Warn("twilio voice: invalid signature", "path", r.URL.Path)
		h.metrics.ObserveInbound("twilio", "unauthorized", time.Since(start).Seconds())
		http.Error(w, "invalid signature", http.StatusForbidden)
		return
	}
	callSID := strings.TrimSpace(r.PostForm.Get("CallSid"))
	if callSID == "" {
		http.Error(w, "missing CallSid", http.StatusBadRequest)
		return
	}

	q := r.URL.Query()
	turn := dialogue.Turn{
		CallID:      callSID,
		Speech:      r.PostForm.Get("SpeechResult"),
		Digits:      strings.TrimSpace(r.PostForm.Get("Digits")),
		CallerPhone: messaging.NormalizeE164(r.PostForm.Get("From")),
		ClinicPhone: messaging.NormalizeE164(r.PostForm.Get("To")),
		Route:       q.Get("route"),
	}
	turn.TurnID = twilioTurnID(callSID, q.Get("turn"), turn)

	resp, status := speakable(h.engine.HandleTurn(r.Context(), turn))
	if status != "ok" {
		h.logger.Error("twilio voice: turn failed", "call_id", callSID, "status", status)
	}
	h.metrics.ObserveInbound("twilio", status, time.Since(start).Seconds())
	h.writeTwiML(w, resp, nextTurn(q.Get("turn")))
}

// HandleStatus is the HTTP handler for POST /webhooks/twilio/voice/status.
func (h *TwilioVoiceHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if !h.authorized(r) {
		http.Error(w, "invalid signature", http.StatusForbidden)
		return
	}
	callSID := r.PostForm.Get("CallSid")
	callStatus := r.PostForm.Get("CallStatus")
	if callSID == "" {
		http.Error(w, "missing CallSid", http.StatusBadRequest)
		return
	}
	if !terminalCallStatus(callStatus) {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	eventID := callSID + ":" + callStatus
	if h.processed != nil {
		done, err := h.processed.AlreadyProcessed(r.Context(), events.ProviderTwilioStatus, eventID)
		if err != nil {
			h.logger.Warn("twilio status: processed lookup failed", "error", err, "call_id", callSID)
		} else if done {
			w.WriteHeader(http.StatusNoContent)
			return
		}
	}

	if err := h.engine.EndCall(r.Context(), callSID, "provider:"+callStatus); err != nil {
		h.logger.Error("twilio status: end call failed", "error", err, "call_id", callSID)
		h.metrics.ObserveInbound("twilio_status", "error", time.Since(start).Seconds())
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if h.processed != nil {
		if _, err := h.processed.MarkProcessed(r.Context(), events.ProviderTwilioStatus, eventID); err != nil {
			h.logger.Warn("twilio status: mark processed failed", "error", err, "call_id", callSID)
		}
	}
	h.metrics.ObserveInbound("twilio_status", "ok", time.Since(start).Seconds())
	w.WriteHeader(http.StatusNoContent)
}

func (h *TwilioVoiceHandler) authorized(r *http.Request) bool {
	if h.authToken == "" {
		return true
	}
	return messaging.ValidateTwilioSignature(r, h.authToken, h.publicBaseURL+r.URL.RequestURI())
}

func (h *TwilioVoiceHandler) writeTwiML(w http.ResponseWriter, resp dialogue.Response, turn int) {
	doc := twimlResponse{}
	say := twimlSay{Voice: h.voice, Text: resp.Text}
	if resp.EndCall {
		doc.Say = &say
		doc.Hangup = &struct{}{}
	} else {
		action := url.Values{}
		action.Set("route", string(resp.State))
		action.Set("turn", strconv.Itoa(turn))
		actionURL := h.publicBaseURL + "/webhooks/twilio/voice?" + action.Encode()
		doc.Gather = &twimlGather{
			Input:               "speech dtmf",
			Action:              actionURL,
			Method:              http.MethodPost,
			SpeechTimeout:       "auto",
			NumDigits:           1,
			ActionOnEmptyResult: true,
			Say:                 say,
		}
		doc.Redirect = &twimlRedirect{Method: http.MethodPost, URL: actionURL}
	}
	body, err := marshalTwiML(doc)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// HangupTwiML renders a document that speaks text and ends the call.
func HangupTwiML(voice, text string) ([]byte, error) {
	return marshalTwiML(twimlResponse{
		Say:    &twimlSay{Voice: voice, Text: text},
		Hangup: &struct{}{},
	})
}

func marshalTwiML(doc twimlResponse) ([]byte, error) {
	body, err := xml.Marshal(doc)
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), body...), nil
}

// twilioTurnID identifies a delivery. Twilio retries the same Gather action URL,
// so the turn counter it carries is stable across redeliveries.
func twilioTurnID(callSID, turnParam string, t dialogue.Turn) string {
	if turnParam != "" {
		return callSID + ":" + turnParam
	}
	sum := sha256.Sum256([]byte(strings.Join([]string{callSID, t.Speech, t.Digits, t.Route}, "\x1f")))
	return callSID + ":" + hex.EncodeToString(sum[:8])
}

func nextTurn(turnParam string) int {
	n, err := strconv.Atoi(turnParam)
	if err != nil || n < 0 {
		return 1
	}
	return n + 1
}

func terminalCallStatus(status string) bool {
	switch status {
	case "completed", "busy", "failed", "no-answer", "canceled":
		return true
	}
	return false
}
