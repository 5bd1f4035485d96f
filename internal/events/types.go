// Package events records finished calls and deduplicates webhook deliveries.
package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/clinic-voice-booking/internal/dialogue"
)

// CallOutcomeV1 is the durable record of a finished call, written to the
// call_outcomes ledger and published to the outcome queue.
type CallOutcomeV1 struct {
	EventID       string    `json:"event_id"`
	CallID        string    `json:"call_id"`
	CallerPhone   string    `json:"caller_phone,omitempty"`
	ClinicPhone   string    `json:"clinic_phone,omitempty"`
	Objective     string    `json:"objective,omitempty"`
	Outcome       string    `json:"outcome"`
	FinalState    string    `json:"final_state"`
	AppointmentID string    `json:"appointment_id,omitempty"`
	PatientID     string    `json:"patient_id,omitempty"`
	StatesVisited []string  `json:"states_visited"`
	TurnCount     int       `json:"turn_count"`
	RecoveryLevel string    `json:"recovery_level"`
	Alerts        []string  `json:"alerts,omitempty"`
	StartedAt     time.Time `json:"started_at"`
	EndedAt       time.Time `json:"ended_at"`
}

// NewCallOutcome summarizes sess.
func NewCallOutcome(sess *dialogue.Session) CallOutcomeV1 {
	objective := sess.FinalObjective
	if objective == dialogue.ObjectiveNone {
		objective = sess.LockedObjective
	}
	visited := make([]string, 0, len(sess.StatesVisited))
	for _, st := range sess.StatesVisited {
		visited = append(visited, string(st))
	}
	outcome := sess.Outcome
	if outcome == "" {
		outcome = "abandoned"
	}
	return CallOutcomeV1{
		EventID:       uuid.NewString(),
		CallID:        sess.CallID,
		CallerPhone:   sess.CallerPhone,
		ClinicPhone:   sess.ClinicPhone,
		Objective:     string(objective),
		Outcome:       outcome,
		FinalState:    string(sess.State),
		AppointmentID: sess.AppointmentID,
		PatientID:     sess.Get(dialogue.FieldPatientID),
		StatesVisited: visited,
		TurnCount:     sess.TurnCount,
		RecoveryLevel: sess.RecoveryLevel.String(),
		Alerts:        append([]string(nil), sess.AlertsRaised...),
		StartedAt:     sess.CreatedAt.UTC(),
		EndedAt:       sess.UpdatedAt.UTC(),
	}
}
