package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/wolfman30/clinic-voice-booking/internal/dialogue"
	"github.com/wolfman30/clinic-voice-booking/internal/messaging/templates"
	"github.com/wolfman30/clinic-voice-booking/pkg/logging"
)

// DefaultTemplates are the SMS bodies keyed by message kind.
var DefaultTemplates = map[string]string{
	string(dialogue.MessageBookingConfirmation): "Hi {{.FirstName}}, you're booked at {{.ClinicName}} for {{.When}}." +
		"{{if .ClinicPhone}} Call {{.ClinicPhone}} if you need to make changes.{{end}}",
	string(dialogue.MessageRescheduleConfirmation): "Hi {{.FirstName}}, your appointment at {{.ClinicName}} has been moved to {{.When}}." +
		"{{if .ClinicPhone}} Call {{.ClinicPhone}} with any questions.{{end}}",
	string(dialogue.MessageCancelConfirmation): "Hi {{.FirstName}}, your appointment at {{.ClinicName}}{{if .When}} on {{.When}}{{end}} has been cancelled.",
	string(dialogue.MessageHandoffLink): "Thanks for calling {{.ClinicName}}." +
		"{{if .Link}} You can finish here: {{.Link}}{{else if .ClinicPhone}} Our team will follow up, or call {{.ClinicPhone}}.{{else}} Our team will follow up shortly.{{end}}",
}

// ConfirmationMessenger renders confirmation texts and sends them through a Sender.
// It implements dialogue.Messenger.
type ConfirmationMessenger struct {
	sender   Sender
	renderer *templates.Renderer
	from     string
	logger   *logging.Logger
}

var _ dialogue.Messenger = (*ConfirmationMessenger)(nil)

// NewConfirmationMessenger uses DefaultTemplates when tmpl is nil. from is the
// fallback sender number when the call did not report the clinic line.
func NewConfirmationMessenger(sender Sender, from string, tmpl map[string]string, logger *logging.Logger) (*ConfirmationMessenger, error) {
	if sender == nil {
		return nil, errors.New("messaging: sender is required")
	}
	if tmpl == nil {
		tmpl = DefaultTemplates
	}
	renderer, err := templates.New(tmpl)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &ConfirmationMessenger{sender: sender, renderer: renderer, from: from, logger: logger}, nil
}

type confirmationData struct {
	FirstName   string
	PatientName string
	ClinicName  string
	ClinicPhone string
	When        string
	Link        string
}

// Body renders the message text for details.
func (m *ConfirmationMessenger) Body(details dialogue.ConfirmationDetails) (string, error) {
	data := confirmationData{
		FirstName:   firstName(details.PatientName),
		PatientName: details.PatientName,
		ClinicName:  details.ClinicName,
		ClinicPhone: details.ClinicPhone,
		When:        details.When,
		Link:        details.Link,
	}
	if data.ClinicName == "" {
		data.ClinicName = "the clinic"
	}
	body, err := m.renderer.Render(string(details.Kind), data)
	if err != nil {
		return "", fmt.Errorf("messaging: render %s: %w", details.Kind, err)
	}
	return strings.TrimSpace(body), nil
}

// SendConfirmation texts the caller. The clinic line the caller dialed is used as
// the sender so replies reach the clinic.
func (m *ConfirmationMessenger) SendConfirmation(ctx context.Context, phone string, details dialogue.ConfirmationDetails) error {
	to := NormalizeE164(phone)
	if to == "" {
		return errors.New("messaging: caller phone required")
	}
	body, err := m.Body(details)
	if err != nil {
		return err
	}
	from := NormalizeE164(details.ClinicPhone)
	if from == "" {
		from = m.from
	}
	m.logger.Debug("sending confirmation sms", "call_id", details.CallID, "kind", details.Kind, "to", logging.MaskPhone(to))
	return m.sender.Send(ctx, SMS{To: to, From: from, Body: body, CallID: details.CallID})
}

func firstName(full string) string {
	fields := strings.Fields(full)
	if len(fields) == 0 {
		return "there"
	}
	return fields[0]
}
