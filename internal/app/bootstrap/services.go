package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/wolfman30/clinic-voice-booking/internal/archive"
	appconfig "github.com/wolfman30/clinic-voice-booking/internal/config"
	"github.com/wolfman30/clinic-voice-booking/internal/dialogue"
	"github.com/wolfman30/clinic-voice-booking/internal/events"
	"github.com/wolfman30/clinic-voice-booking/internal/intent"
	"github.com/wolfman30/clinic-voice-booking/internal/notify"
	"github.com/wolfman30/clinic-voice-booking/internal/scheduling"
	"github.com/wolfman30/clinic-voice-booking/pkg/logging"
)

// schedulingBackend is what the engine needs from the scheduling system.
type schedulingBackend interface {
	dialogue.Scheduler
	dialogue.PatientDirectory
}

// BuildScheduler returns the FHIR scheduling client when credentials are set and
// the in-memory calendar otherwise.
func BuildScheduler(cfg *appconfig.Config, logger *logging.Logger) (schedulingBackend, string, error) {
	if cfg == nil {
		return nil, "", fmt.Errorf("bootstrap: config is required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	if strings.TrimSpace(cfg.SchedulerBaseURL) == "" {
		logger.Warn("no scheduling system configured; using in-memory calendar")
		return scheduling.NewMemoryScheduler(scheduling.MemoryConfig{Location: cfg.Location()}), "memory", nil
	}
	client, err := scheduling.New(scheduling.Config{
		BaseURL:      cfg.SchedulerBaseURL,
		ClientID:     cfg.SchedulerClientID,
		ClientSecret: cfg.SchedulerClientSecret,
		Timeout:      cfg.SchedulerTimeout,
		Logger:       logger,
	})
	if err != nil {
		return nil, "", fmt.Errorf("bootstrap: scheduler: %w", err)
	}
	return client, "fhir", nil
}

// BuildClassifier chains Bedrock, then Gemini, then the keyword classifier.
// Providers without configuration are skipped.
func BuildClassifier(ctx context.Context, cfg *appconfig.Config, awsCfg *aws.Config, logger *logging.Logger) (*intent.Chain, func(), error) {
	if cfg == nil {
		return nil, nil, fmt.Errorf("bootstrap: config is required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	closeFn := func() {}
	chain := intent.NewChain(logger)
	if cfg.BedrockModelID != "" && awsCfg != nil {
		chain = chain.Then("bedrock", intent.NewBedrockClassifier(bedrockruntime.NewFromConfig(*awsCfg), cfg.BedrockModelID))
	}
	if cfg.GeminiAPIKey != "" {
		gemini, err := intent.NewGeminiClassifier(ctx, cfg.GeminiAPIKey, cfg.GeminiModelID)
		if err != nil {
			logger.Warn("gemini classifier unavailable", "error", err)
		} else {
			chain = chain.Then("gemini", gemini)
			closeFn = func() { _ = gemini.Close() }
		}
	}
	chain = chain.Then("keyword", intent.KeywordClassifier{})
	logger.Info("intent classifier chain built", "providers", chain.Len())
	return chain, closeFn, nil
}

// BuildAlerter emails operator alerts through SendGrid or SES, falling back to
// log-only alerts.
func BuildAlerter(cfg *appconfig.Config, awsCfg *aws.Config, logger *logging.Logger) *notify.AlertService {
	if logger == nil {
		logger = logging.Default()
	}
	var email notify.EmailSender
	switch {
	case cfg.SendGridAPIKey != "":
		email = notify.NewSendGridSender(notify.SendGridConfig{
			APIKey:    cfg.SendGridAPIKey,
			FromEmail: cfg.SendGridFromEmail,
			FromName:  cfg.SendGridFromName,
		}, logger)
	case cfg.SESFromEmail != "" && awsCfg != nil:
		email = notify.NewSESSender(sesv2.NewFromConfig(*awsCfg), notify.SESConfig{
			FromEmail: cfg.SESFromEmail,
			FromName:  cfg.SendGridFromName,
		}, logger)
	default:
		email = notify.NewLogEmailSender(logger)
	}
	return notify.NewAlertService(email, cfg.AlertEmail, cfg.ClinicName, cfg.Location(), logger)
}

// BuildOutcomeRecorders returns every configured sink for finished calls: the
// Postgres ledger, the SQS event stream and the S3 transcript archive.
func BuildOutcomeRecorders(cfg *appconfig.Config, db *sql.DB, awsCfg *aws.Config, logger *logging.Logger) dialogue.OutcomeRecorders {
	if logger == nil {
		logger = logging.Default()
	}
	var recorders dialogue.OutcomeRecorders
	if db != nil {
		recorders = append(recorders, events.NewOutcomeStore(db))
	}
	if awsCfg != nil && cfg.OutcomeQueueURL != "" {
		recorders = append(recorders, events.NewOutcomePublisher(sqs.NewFromConfig(*awsCfg), cfg.OutcomeQueueURL))
	}
	if awsCfg != nil && cfg.TranscriptBucket != "" {
		s3Client := s3.NewFromConfig(*awsCfg, func(o *s3.Options) {
			o.UsePathStyle = cfg.AWSEndpointOverride != ""
		})
		recorders = append(recorders, archive.NewTranscriptStore(s3Client, cfg.TranscriptBucket, logger))
	}
	logger.Info("call outcome sinks configured", "count", len(recorders))
	return recorders
}
