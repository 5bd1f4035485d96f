package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/clinic-voice-booking/pkg/logging"
)

var telnyxSendTracer = otel.Tracer("clinic.internal.messaging.telnyx_send")

const telnyxMessagesURL = "https://api.telnyx.com/v2/messages"

// TelnyxSender posts SMS messages using Telnyx's V2 API.
type TelnyxSender struct {
	apiKey             string
	messagingProfileID string
	endpoint           string
	httpClient         *http.Client
	logger             *logging.Logger
	backoff            func(attempt int) time.Duration
}

var _ Sender = (*TelnyxSender)(nil)

// NewTelnyxSender builds a sender for Telnyx V2 API.
func NewTelnyxSender(apiKey, messagingProfileID string, logger *logging.Logger) *TelnyxSender {
	if logger == nil {
		logger = logging.Default()
	}
	return &TelnyxSender{
		apiKey:             apiKey,
		messagingProfileID: messagingProfileID,
		endpoint:           telnyxMessagesURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger:  logger,
		backoff: jitterBackoff,
	}
}

// Send dispatches a single SMS via Telnyx, retrying transient failures.
func (s *TelnyxSender) Send(ctx context.Context, msg SMS) error {
	if s.apiKey == "" {
		return errors.New("messaging: telnyx api key missing")
	}
	if msg.To == "" {
		return errors.New("messaging: to required")
	}
	if msg.From == "" {
		return errors.New("messaging: from required")
	}
	if strings.TrimSpace(msg.Body) == "" {
		return errors.New("messaging: body required")
	}

	ctx, span := telnyxSendTracer.Start(ctx, "messaging.telnyx.send")
	defer span.End()
	span.SetAttributes(
		attribute.String("clinic.call_id", msg.CallID),
		attribute.String("clinic.to", logging.MaskPhone(msg.To)),
	)

	payload := map[string]string{
		"from": msg.From,
		"to":   msg.To,
		"text": msg.Body,
	}
	if s.messagingProfileID != "" {
		payload["messaging_profile_id"] = s.messagingProfileID
	}
	bodyBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("messaging: failed to marshal telnyx payload: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= maxSendAttempts; attempt++ {
		var retry bool
		retry, lastErr = s.post(ctx, bodyBytes)
		if lastErr == nil {
			s.logger.Info("telnyx sms sent", "call_id", msg.CallID, "to", logging.MaskPhone(msg.To))
			return nil
		}
		if !retry || attempt == maxSendAttempts {
			break
		}
		if err := sleepCtx(ctx, s.backoff(attempt)); err != nil {
			lastErr = err
			break
		}
	}

	span.RecordError(lastErr)
	s.logger.Error("failed to send telnyx sms", "error", lastErr, "call_id", msg.CallID, "to", logging.MaskPhone(msg.To))
	return lastErr
}

// post reports whether a failed attempt is worth retrying.
func (s *TelnyxSender) post(ctx context.Context, body []byte) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return true, err
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return false, nil
	}

	var errorBody struct {
		Errors []struct {
			Code   string `json:"code"`
			Title  string `json:"title"`
			Detail string `json:"detail"`
		} `json:"errors"`
	}
	if len(respBody) > 0 && json.Unmarshal(respBody, &errorBody) == nil && len(errorBody.Errors) > 0 {
		e := errorBody.Errors[0]
		err = fmt.Errorf("telnyx send failed: status %d code %s: %s", resp.StatusCode, e.Code, strings.TrimSpace(e.Title+" "+e.Detail))
	} else {
		err = fmt.Errorf("telnyx send failed: status %d", resp.StatusCode)
	}
	return retryableStatus(resp.StatusCode), err
}

// retryableStatus is true for throttling and server errors.
func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}
