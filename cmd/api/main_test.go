package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	appconfig "github.com/wolfman30/clinic-voice-booking/internal/config"
	"github.com/wolfman30/clinic-voice-booking/internal/dialogue"
	"github.com/wolfman30/clinic-voice-booking/pkg/logging"
)

func TestSetupMetricsExposesMetrics(t *testing.T) {
	handler, webhooks, turns := setupMetrics()
	if handler == nil || webhooks == nil || turns == nil {
		t.Fatalf("expected non-nil handler and metrics")
	}

	webhooks.ObserveInbound("twilio_voice", "ok", 0.05)
	turns.ObserveTurn(dialogue.StateInitial, "ok", 0.01)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	body := rr.Body.String()
	for _, name := range []string{"clinic_voice_inbound_webhook_total", "clinic_dialogue_turns_total", "go_goroutines"} {
		if !strings.Contains(body, name) {
			t.Fatalf("expected %s to be exported", name)
		}
	}
}

func TestConnectPostgresPoolEmptyURLReturnsNil(t *testing.T) {
	logger := logging.New("error")
	if pool := connectPostgresPool(context.Background(), "", logger); pool != nil {
		t.Fatalf("expected nil pool for empty URL")
	}
}

func TestProcessedTrackerForNilPool(t *testing.T) {
	if tracker := processedTrackerFor(nil); tracker != nil {
		t.Fatalf("expected nil tracker without a pool")
	}
}

func TestLoadAWSConfigDisabledWithoutRegion(t *testing.T) {
	if cfg := loadAWSConfig(context.Background(), &appconfig.Config{}, logging.New("error")); cfg != nil {
		t.Fatalf("expected nil AWS config without a region")
	}
}

func TestLoadAWSConfigWithStaticCredentials(t *testing.T) {
	t.Setenv("AWS_EC2_METADATA_DISABLED", "true")
	cfg := loadAWSConfig(context.Background(), &appconfig.Config{
		AWSRegion:           "us-east-1",
		AWSAccessKeyID:      "test",
		AWSSecretAccessKey:  "test",
		AWSEndpointOverride: "http://localhost:4566",
	}, logging.New("error"))
	if cfg == nil || cfg.Region != "us-east-1" {
		t.Fatalf("expected AWS config for us-east-1, got %+v", cfg)
	}
}

func TestReadinessChecks(t *testing.T) {
	if checks := readinessChecks(nil, nil); len(checks) != 0 {
		t.Fatalf("expected no checks, got %d", len(checks))
	}

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	checks := readinessChecks(nil, rdb)
	check, ok := checks["redis"]
	if !ok {
		t.Fatalf("expected redis check")
	}
	if err := check(context.Background()); err != nil {
		t.Fatalf("expected redis ready, got %v", err)
	}
	mr.Close()
	if err := check(context.Background()); err == nil {
		t.Fatalf("expected redis check to fail after shutdown")
	}
}

type stubPurger struct {
	mu      sync.Mutex
	cutoffs []time.Time
	err     error
}

func (s *stubPurger) PurgeBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cutoffs = append(s.cutoffs, cutoff)
	return 3, s.err
}

func (s *stubPurger) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cutoffs)
}

func TestPurgeProcessedEvents(t *testing.T) {
	purger := &stubPurger{err: errors.New("db down")}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		purgeProcessedEvents(ctx, purger, time.Hour, 5*time.Millisecond, logging.New("error"))
		close(done)
	}()

	deadline := time.After(time.Second)
	for purger.calls() < 2 {
		select {
		case <-deadline:
			t.Fatalf("expected purge to keep running after errors")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done

	purger.mu.Lock()
	defer purger.mu.Unlock()
	if cutoff := purger.cutoffs[0]; time.Since(cutoff) < time.Hour {
		t.Fatalf("expected cutoff at least an hour old, got %s", cutoff)
	}
}

func TestPurgeProcessedEventsDisabled(t *testing.T) {
	purger := &stubPurger{}
	purgeProcessedEvents(context.Background(), purger, 0, time.Millisecond, logging.New("error"))
	if purger.calls() != 0 {
		t.Fatalf("expected no purge with zero retention")
	}
}
