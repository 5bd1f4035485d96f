package intent

import (
	"context"
	"errors"
	"fmt"

	"github.com/wolfman30/clinic-voice-booking/internal/dialogue"
	"github.com/wolfman30/clinic-voice-booking/pkg/logging"
)

// Chain tries each classifier in order and returns the first answer. Each
// provider is called once per utterance.
type Chain struct {
	classifiers []namedClassifier
	logger      *logging.Logger
}

type namedClassifier struct {
	name string
	dialogue.IntentClassifier
}

var _ dialogue.IntentClassifier = (*Chain)(nil)

// NewChain builds an empty chain; add providers with Then.
func NewChain(logger *logging.Logger) *Chain {
	if logger == nil {
		logger = logging.Default()
	}
	return &Chain{logger: logger}
}

// Then appends a provider. Nil classifiers are skipped so optional providers can
// be passed unconditionally.
func (c *Chain) Then(name string, classifier dialogue.IntentClassifier) *Chain {
	if classifier != nil {
		c.classifiers = append(c.classifiers, namedClassifier{name: name, IntentClassifier: classifier})
	}
	return c
}

// Len reports how many providers are configured.
func (c *Chain) Len() int { return len(c.classifiers) }

func (c *Chain) ClassifyIntent(ctx context.Context, text string) (dialogue.Intent, error) {
	var errs []error
	for i, cl := range c.classifiers {
		intent, err := cl.ClassifyIntent(ctx, text)
		if err == nil {
			if i > 0 {
				c.logger.Info("intent fallback succeeded", "provider", cl.name)
			}
			return intent, nil
		}
		c.logger.Warn("intent provider failed, attempting fallback",
			"provider", cl.name,
			"error", err.Error(),
			"fallback_available", i < len(c.classifiers)-1,
		)
		errs = append(errs, fmt.Errorf("%s: %w", cl.name, err))
	}
	if len(errs) == 0 {
		return dialogue.Intent{}, errors.New("intent: no classifiers configured")
	}
	return dialogue.Intent{}, errors.Join(errs...)
}
