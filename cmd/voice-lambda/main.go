package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"github.com/wolfman30/clinic-voice-booking/internal/http/handlers"
	"github.com/wolfman30/clinic-voice-booking/pkg/logging"
)

// routeKind says how a failed forward is answered so the caller is never left
// in silence.
type routeKind int

const (
	routeTwilioVoice routeKind = iota + 1
	routeTwilioStatus
	routeTelnyxVoiceAI
)

var routes = map[string]routeKind{
	"/webhooks/twilio/voice":        routeTwilioVoice,
	"/webhooks/twilio/voice/status": routeTwilioStatus,
	"/webhooks/telnyx/voice-ai":     routeTelnyxVoiceAI,
}

// forwardedHeaders are passed through to the API so it can verify provider
// signatures and correlate logs.
var forwardedHeaders = []string{
	"content-type",
	"x-twilio-signature",
	"telnyx-timestamp",
	"telnyx-signature-ed25519",
	"x-request-id",
}

type config struct {
	upstreamBaseURL string
	upstreamTimeout time.Duration
	voice           string
}

func loadConfig() (config, error) {
	baseURL := strings.TrimSpace(os.Getenv("UPSTREAM_BASE_URL"))
	if baseURL == "" {
		return config{}, errors.New("UPSTREAM_BASE_URL is required")
	}

	// Twilio waits up to 15s for TwiML; answer before it gives up.
	timeout := 8 * time.Second
	if raw := strings.TrimSpace(os.Getenv("UPSTREAM_TIMEOUT")); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return config{}, fmt.Errorf("invalid UPSTREAM_TIMEOUT: %w", err)
		}
		timeout = parsed
	}

	voice := strings.TrimSpace(os.Getenv("TWILIO_VOICE"))
	if voice == "" {
		voice = handlers.DefaultVoice
	}

	return config{
		upstreamBaseURL: strings.TrimRight(baseURL, "/"),
		upstreamTimeout: timeout,
		voice:           voice,
	}, nil
}

type proxy struct {
	cfg    config
	client *http.Client
	logger *logging.Logger
}

func main() {
	logger := logging.New(os.Getenv("LOG_LEVEL"))
	cfg, err := loadConfig()
	if err != nil {
		logger.Error("voice lambda misconfigured", "error", err)
		os.Exit(1)
	}

	p := &proxy{cfg: cfg, client: &http.Client{Timeout: cfg.upstreamTimeout}, logger: logger}
	lambda.Start(p.handle)
}

func (p *proxy) handle(ctx context.Context, evt events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	method := strings.ToUpper(strings.TrimSpace(evt.RequestContext.HTTP.Method))
	path := strings.TrimSpace(evt.RawPath)
	if path == "" {
		path = strings.TrimSpace(evt.RequestContext.HTTP.Path)
	}

	if path == "/health" || path == "/_health" {
		return events.APIGatewayV2HTTPResponse{StatusCode: http.StatusOK, Body: "ok"}, nil
	}
	if method != http.MethodPost {
		return events.APIGatewayV2HTTPResponse{StatusCode: http.StatusMethodNotAllowed}, nil
	}
	kind, ok := routes[path]
	if !ok {
		return events.APIGatewayV2HTTPResponse{StatusCode: http.StatusNotFound}, nil
	}

	body, err := decodeBody(evt)
	if err != nil {
		return events.APIGatewayV2HTTPResponse{StatusCode: http.StatusBadRequest, Body: "invalid body"}, nil
	}

	log := p.logger.With("path", path, "request_id", evt.RequestContext.RequestID)
	resp, err := p.forward(ctx, path, evt, body)
	if err != nil {
		log.Error("upstream forward failed", "error", err)
		return p.fallback(kind, body), nil
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		log.Warn("upstream returned server error", "status", resp.StatusCode)
		return p.fallback(kind, body), nil
	}
	return resp, nil
}

func (p *proxy) forward(ctx context.Context, path string, evt events.APIGatewayV2HTTPRequest, body []byte) (events.APIGatewayV2HTTPResponse, error) {
	upstreamURL := p.cfg.upstreamBaseURL + path
	if qs := strings.TrimSpace(evt.RawQueryString); qs != "" {
		upstreamURL += "?" + qs
	}

	reqCtx, cancel := context.WithTimeout(ctx, p.cfg.upstreamTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, upstreamURL, bytes.NewReader(body))
	if err != nil {
		return events.APIGatewayV2HTTPResponse{}, err
	}
	for _, h := range forwardedHeaders {
		copyHeader(req.Header, evt.Headers, h)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return events.APIGatewayV2HTTPResponse{}, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return events.APIGatewayV2HTTPResponse{}, fmt.Errorf("read upstream body: %w", err)
	}
	out := events.APIGatewayV2HTTPResponse{
		StatusCode: resp.StatusCode,
		Body:       string(respBody),
		Headers:    map[string]string{},
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		out.Headers["content-type"] = ct
	}
	return out, nil
}

// fallback answers the provider directly when the API is unreachable. Voice
// routes apologize and hang up; status callbacks are acknowledged with 503 so
// the provider retries them.
func (p *proxy) fallback(kind routeKind, body []byte) events.APIGatewayV2HTTPResponse {
	switch kind {
	case routeTwilioVoice:
		doc, err := handlers.HangupTwiML(p.cfg.voice, handlers.ApologyText)
		if err != nil {
			return events.APIGatewayV2HTTPResponse{StatusCode: http.StatusBadGateway}
		}
		return events.APIGatewayV2HTTPResponse{
			StatusCode: http.StatusOK,
			Body:       string(doc),
			Headers:    map[string]string{"content-type": "application/xml"},
		}
	case routeTelnyxVoiceAI:
		var evt handlers.VoiceAIEvent
		_ = json.Unmarshal(body, &evt)
		doc, err := json.Marshal(handlers.VoiceAIResponse{
			ToolCallID: evt.Payload.ToolCallID,
			Response:   handlers.ApologyText,
			EndCall:    true,
		})
		if err != nil {
			return events.APIGatewayV2HTTPResponse{StatusCode: http.StatusBadGateway}
		}
		return events.APIGatewayV2HTTPResponse{
			StatusCode: http.StatusOK,
			Body:       string(doc),
			Headers:    map[string]string{"content-type": "application/json"},
		}
	default:
		return events.APIGatewayV2HTTPResponse{StatusCode: http.StatusServiceUnavailable}
	}
}

func decodeBody(evt events.APIGatewayV2HTTPRequest) ([]byte, error) {
	if !evt.IsBase64Encoded {
		return []byte(evt.Body), nil
	}
	return base64.StdEncoding.DecodeString(evt.Body)
}

func headerValue(headers map[string]string, key string) string {
	for k, v := range headers {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}

func copyHeader(dst http.Header, src map[string]string, header string) {
	if value := strings.TrimSpace(headerValue(src, header)); value != "" {
		dst.Set(header, value)
	}
}
