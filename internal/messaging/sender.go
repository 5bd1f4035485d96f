// Package messaging sends appointment confirmations and hand-off links to callers
// over SMS.
package messaging

import (
	"context"
	"math/rand"
	"time"
)

// SMS is one outbound text message.
type SMS struct {
	To     string
	From   string
	Body   string
	CallID string
}

// Sender delivers a single SMS through a provider.
type Sender interface {
	Send(ctx context.Context, msg SMS) error
}

const maxSendAttempts = 3

func jitterBackoff(int) time.Duration {
	return time.Duration(200+rand.Intn(300)) * time.Millisecond
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
