package bootstrap

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"

	appconfig "github.com/wolfman30/clinic-voice-booking/internal/config"
	"github.com/wolfman30/clinic-voice-booking/internal/dialogue"
	"github.com/wolfman30/clinic-voice-booking/pkg/logging"
)

// EngineDeps are the shared resources the dialogue engine is built from.
type EngineDeps struct {
	Config  *appconfig.Config
	Store   dialogue.SessionStore
	DB      *sql.DB
	AWS     *aws.Config
	Metrics dialogue.Metrics
	Logger  *logging.Logger
}

// Runtime is a fully wired dialogue engine plus what was chosen for it.
type Runtime struct {
	Engine      *dialogue.Engine
	Scheduler   string
	SMSProvider string

	closers []func()
}

// Close releases clients opened for the engine.
func (r *Runtime) Close() {
	if r == nil {
		return
	}
	for _, fn := range r.closers {
		fn()
	}
}

// BuildEngine wires scheduler, classifier, messenger, alerts and outcome sinks
// into a dialogue engine.
func BuildEngine(ctx context.Context, deps EngineDeps) (*Runtime, error) {
	cfg := deps.Config
	if cfg == nil {
		return nil, fmt.Errorf("bootstrap: config is required")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("bootstrap: session store is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.Default()
	}

	scheduler, schedulerKind, err := BuildScheduler(cfg, logger)
	if err != nil {
		return nil, err
	}
	classifier, closeClassifier, err := BuildClassifier(ctx, cfg, deps.AWS, logger)
	if err != nil {
		return nil, err
	}
	messenger, provider, err := BuildMessenger(cfg, logger)
	if err != nil {
		closeClassifier()
		return nil, err
	}

	engine, err := dialogue.NewEngine(dialogue.Config{
		Store:      deps.Store,
		Scheduler:  scheduler,
		Directory:  scheduler,
		Classifier: classifier,
		Messenger:  messenger,
		Alerter:    BuildAlerter(cfg, deps.AWS, logger),
		Outcomes:   BuildOutcomeRecorders(cfg, deps.DB, deps.AWS, logger),
		Metrics:    deps.Metrics,
		Logger:     logger,

		ClinicName:      cfg.ClinicName,
		Location:        cfg.Location(),
		HandoffLinkBase: cfg.HandoffLinkBase,
		AppointmentTypes: dialogue.AppointmentTypes{
			New:       cfg.AppointmentTypeNew,
			Returning: cfg.AppointmentTypeReturning,
		},
		SafetyValveTurns:          cfg.SafetyValveTurns,
		IntentConfidenceThreshold: cfg.IntentConfidenceThreshold,
	})
	if err != nil {
		closeClassifier()
		return nil, fmt.Errorf("bootstrap: dialogue engine: %w", err)
	}

	logger.Info("dialogue engine ready",
		"scheduler", schedulerKind,
		"sms_provider", provider,
		"clinic", cfg.ClinicName,
	)
	return &Runtime{
		Engine:      engine,
		Scheduler:   schedulerKind,
		SMSProvider: provider,
		closers:     []func(){closeClassifier},
	}, nil
}
