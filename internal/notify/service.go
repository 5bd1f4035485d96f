// Package notify alerts clinic staff when a call needs human follow-up.
package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/wolfman30/clinic-voice-booking/internal/dialogue"
	"github.com/wolfman30/clinic-voice-booking/pkg/logging"
)

// AlertService emails operator alerts raised by the dialogue engine.
type AlertService struct {
	email      EmailSender
	to         string
	clinicName string
	loc        *time.Location
	logger     *logging.Logger

	// Repeated alerts of one kind for one call are sent once.
	mu   sync.Mutex
	sent map[string]time.Time
	now  func() time.Time
}

var _ dialogue.Alerter = (*AlertService)(nil)

const alertDedupeWindow = 30 * time.Minute

// NewAlertService builds the alerter. With no sender or recipient, alerts are
// only logged.
func NewAlertService(email EmailSender, to, clinicName string, loc *time.Location, logger *logging.Logger) *AlertService {
	if logger == nil {
		logger = logging.Default()
	}
	if loc == nil {
		loc = time.UTC
	}
	return &AlertService{
		email:      email,
		to:         strings.TrimSpace(to),
		clinicName: clinicName,
		loc:        loc,
		logger:     logger,
		sent:       map[string]time.Time{},
		now:        time.Now,
	}
}

// RaiseAlert logs the alert and emails it to the configured recipient.
func (s *AlertService) RaiseAlert(ctx context.Context, alert dialogue.Alert) error {
	s.logger.Warn("operator alert",
		"kind", alert.Kind,
		"call_id", alert.CallID,
		"caller", logging.MaskPhone(alert.CallerPhone),
		"objective", alert.Objective,
		"state", alert.State,
		"detail", alert.Detail,
	)
	if s.email == nil || s.to == "" {
		return nil
	}
	if s.duplicate(alert) {
		s.logger.Debug("notify: duplicate alert suppressed", "kind", alert.Kind, "call_id", alert.CallID)
		return nil
	}
	msg := EmailMessage{
		To:      s.to,
		Subject: s.subject(alert),
		Body:    s.body(alert),
	}
	if err := s.email.Send(ctx, msg); err != nil {
		return fmt.Errorf("notify: send alert: %w", err)
	}
	return nil
}

func (s *AlertService) duplicate(alert dialogue.Alert) bool {
	key := alert.CallID + "|" + alert.Kind
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, at := range s.sent {
		if now.Sub(at) > alertDedupeWindow {
			delete(s.sent, k)
		}
	}
	if _, ok := s.sent[key]; ok {
		return true
	}
	s.sent[key] = now
	return false
}

func (s *AlertService) subject(alert dialogue.Alert) string {
	clinic := s.clinicName
	if clinic == "" {
		clinic = "Clinic"
	}
	return fmt.Sprintf("[%s] Call needs follow-up: %s", clinic, humanize(alert.Kind))
}

func (s *AlertService) body(alert dialogue.Alert) string {
	at := alert.At
	if at.IsZero() {
		at = s.now()
	}
	var b strings.Builder
	fmt.Fprintf(&b, "A phone call could not be completed automatically.\n\n")
	fmt.Fprintf(&b, "Problem:   %s\n", humanize(alert.Kind))
	fmt.Fprintf(&b, "Caller:    %s\n", orDash(alert.CallerPhone))
	fmt.Fprintf(&b, "Request:   %s\n", orDash(string(alert.Objective)))
	fmt.Fprintf(&b, "Step:      %s\n", orDash(string(alert.State)))
	fmt.Fprintf(&b, "Time:      %s\n", at.In(s.loc).Format("Mon Jan 2 3:04 PM MST"))
	fmt.Fprintf(&b, "Call ID:   %s\n", alert.CallID)
	if alert.Detail != "" {
		fmt.Fprintf(&b, "\nDetail: %s\n", alert.Detail)
	}
	b.WriteString("\nPlease call the patient back.\n")
	return b.String()
}

func humanize(kind string) string {
	if kind == "" {
		return "unknown"
	}
	return strings.ReplaceAll(kind, "_", " ")
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
