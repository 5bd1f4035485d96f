package messaging

import (
	"context"
	"fmt"
	"strings"

	"github.com/wolfman30/clinic-voice-booking/pkg/logging"
)

const (
	// SMSProviderAuto tries Telnyx first, then Twilio.
	SMSProviderAuto = "auto"
	// SMSProviderTelnyx forces the Telnyx sender when credentials exist.
	SMSProviderTelnyx = "telnyx"
	// SMSProviderTwilio forces the Twilio sender when credentials exist.
	SMSProviderTwilio = "twilio"
	// SMSProviderLog writes messages to the log instead of sending them.
	SMSProviderLog = "log"
)

// ProviderSelectionConfig captures the credentials required to build outbound senders.
type ProviderSelectionConfig struct {
	Preference       string
	TelnyxAPIKey     string
	TelnyxProfileID  string
	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFromNumber string
}

// BuildSender instantiates a Sender based on the preferred provider. It returns the
// sender, the provider that was selected, and a reason when no provider could be
// initialized.
func BuildSender(cfg ProviderSelectionConfig, logger *logging.Logger) (Sender, string, string) {
	if logger == nil {
		logger = logging.Default()
	}
	preference := strings.ToLower(strings.TrimSpace(cfg.Preference))
	if preference == "" {
		preference = SMSProviderAuto
	}
	if preference == SMSProviderLog {
		return NewLogSender(logger), SMSProviderLog, ""
	}

	missing := map[string]string{}
	var telnyxSender, twilioSender Sender

	if cfg.TelnyxAPIKey != "" {
		telnyxSender = NewTelnyxSender(cfg.TelnyxAPIKey, cfg.TelnyxProfileID, logger)
	} else {
		missing[SMSProviderTelnyx] = "TELNYX_API_KEY missing"
	}

	if cfg.TwilioAccountSID != "" && cfg.TwilioAuthToken != "" {
		twilioSender = NewTwilioSender(cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.TwilioFromNumber, logger)
	} else {
		var reasons []string
		if cfg.TwilioAccountSID == "" {
			reasons = append(reasons, "TWILIO_ACCOUNT_SID missing")
		}
		if cfg.TwilioAuthToken == "" {
			reasons = append(reasons, "TWILIO_AUTH_TOKEN missing")
		}
		missing[SMSProviderTwilio] = strings.Join(reasons, ", ")
	}

	switch preference {
	case SMSProviderTelnyx:
		if telnyxSender != nil {
			return telnyxSender, SMSProviderTelnyx, ""
		}
		return nil, "", missing[SMSProviderTelnyx]
	case SMSProviderTwilio:
		if twilioSender != nil {
			return twilioSender, SMSProviderTwilio, ""
		}
		return nil, "", missing[SMSProviderTwilio]
	case SMSProviderAuto:
	default:
		return nil, "", fmt.Sprintf("unknown SMS provider %q", preference)
	}

	switch {
	case telnyxSender != nil && twilioSender != nil:
		return NewFailoverSender(telnyxSender, SMSProviderTelnyx, twilioSender, SMSProviderTwilio, logger), SMSProviderTelnyx + "+" + SMSProviderTwilio, ""
	case telnyxSender != nil:
		return telnyxSender, SMSProviderTelnyx, ""
	case twilioSender != nil:
		return twilioSender, SMSProviderTwilio, ""
	}
	return nil, "", fmt.Sprintf("%s: %s; %s: %s",
		SMSProviderTelnyx, missing[SMSProviderTelnyx],
		SMSProviderTwilio, missing[SMSProviderTwilio])
}

// LogSender logs outbound messages. Used in development and by the call simulator.
type LogSender struct {
	logger *logging.Logger
}

var _ Sender = (*LogSender)(nil)

func NewLogSender(logger *logging.Logger) *LogSender {
	if logger == nil {
		logger = logging.Default()
	}
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(_ context.Context, msg SMS) error {
	s.logger.Info("sms (not sent)", "call_id", msg.CallID, "to", logging.MaskPhone(msg.To), "body", msg.Body)
	return nil
}
