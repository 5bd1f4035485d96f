package bootstrap

import (
	"fmt"

	appconfig "github.com/wolfman30/clinic-voice-booking/internal/config"
	"github.com/wolfman30/clinic-voice-booking/internal/messaging"
	"github.com/wolfman30/clinic-voice-booking/pkg/logging"
)

// BuildMessenger creates the confirmation SMS messenger. When no SMS provider is
// configured the messages are logged instead of sent.
func BuildMessenger(cfg *appconfig.Config, logger *logging.Logger) (*messaging.ConfirmationMessenger, string, error) {
	if cfg == nil {
		return nil, "", fmt.Errorf("bootstrap: config is required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	sender, provider, reason := messaging.BuildSender(messaging.ProviderSelectionConfig{
		Preference:       cfg.SMSProvider,
		TelnyxAPIKey:     cfg.TelnyxAPIKey,
		TelnyxProfileID:  cfg.TelnyxMessagingProfileID,
		TwilioAccountSID: cfg.TwilioAccountSID,
		TwilioAuthToken:  cfg.TwilioAuthToken,
		TwilioFromNumber: cfg.TwilioFromNumber,
	}, logger)
	if sender == nil {
		logger.Warn("sms disabled, confirmations will be logged", "reason", reason)
		sender, provider = messaging.NewLogSender(logger), messaging.SMSProviderLog
	}

	from := cfg.TelnyxFromNumber
	if provider == messaging.SMSProviderTwilio || from == "" {
		from = cfg.TwilioFromNumber
	}
	messenger, err := messaging.NewConfirmationMessenger(sender, from, nil, logger)
	if err != nil {
		return nil, provider, fmt.Errorf("bootstrap: confirmation messenger: %w", err)
	}
	return messenger, provider, nil
}
