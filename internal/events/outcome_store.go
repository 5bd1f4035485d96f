package events

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/wolfman30/clinic-voice-booking/internal/dialogue"
)

// ErrOutcomeNotFound is returned by OutcomeStore.Get for unknown calls.
var ErrOutcomeNotFound = errors.New("events: call outcome not found")

// OutcomeStore writes finished calls to the call_outcomes ledger.
type OutcomeStore struct {
	db *sql.DB
}

var _ dialogue.OutcomeRecorder = (*OutcomeStore)(nil)

func NewOutcomeStore(db *sql.DB) *OutcomeStore {
	if db == nil {
		panic("events: sql db required")
	}
	return &OutcomeStore{db: db}
}

// RecordOutcome inserts the call's outcome. A call is recorded at most once.
func (s *OutcomeStore) RecordOutcome(ctx context.Context, sess *dialogue.Session) error {
	return s.Insert(ctx, NewCallOutcome(sess))
}

// Insert writes o, ignoring a second write for the same call.
func (s *OutcomeStore) Insert(ctx context.Context, o CallOutcomeV1) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO call_outcomes (
			id, call_id, caller_phone, clinic_phone, objective, outcome, final_state,
			appointment_id, patient_id, states_visited, turn_count, recovery_level,
			alerts, started_at, ended_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (call_id) DO NOTHING
	`, o.EventID, o.CallID, o.CallerPhone, o.ClinicPhone, o.Objective, o.Outcome, o.FinalState,
		o.AppointmentID, o.PatientID, pq.Array(o.StatesVisited), o.TurnCount, o.RecoveryLevel,
		pq.Array(o.Alerts), o.StartedAt, o.EndedAt)
	if err != nil {
		return fmt.Errorf("events: insert call outcome: %w", err)
	}
	return nil
}

// Get returns the recorded outcome for callID.
func (s *OutcomeStore) Get(ctx context.Context, callID string) (CallOutcomeV1, error) {
	var o CallOutcomeV1
	err := s.db.QueryRowContext(ctx, `
		SELECT id, call_id, caller_phone, clinic_phone, objective, outcome, final_state,
		       appointment_id, patient_id, states_visited, turn_count, recovery_level,
		       alerts, started_at, ended_at
		FROM call_outcomes
		WHERE call_id = $1
	`, callID).Scan(&o.EventID, &o.CallID, &o.CallerPhone, &o.ClinicPhone, &o.Objective, &o.Outcome, &o.FinalState,
		&o.AppointmentID, &o.PatientID, pq.Array(&o.StatesVisited), &o.TurnCount, &o.RecoveryLevel,
		pq.Array(&o.Alerts), &o.StartedAt, &o.EndedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return CallOutcomeV1{}, ErrOutcomeNotFound
	}
	if err != nil {
		return CallOutcomeV1{}, fmt.Errorf("events: get call outcome: %w", err)
	}
	return o, nil
}
