package dialogue

import (
	"time"
)

// State is a dialogue state machine state.
type State string

const (
	StateInitial          State = "INITIAL"
	StateVerifying        State = "VERIFYING"
	StateManualSearch     State = "MANUAL_SEARCH"
	StateSearching        State = "SEARCHING"
	StateSoftBooking      State = "SOFT_BOOKING"
	StateOfferingSlots    State = "OFFERING_SLOTS"
	StateSlotSelected     State = "SLOT_SELECTED"
	StateConfirmingCancel State = "CONFIRMING_CANCEL"
	StateCompleted        State = "COMPLETED"
	StateSafetyValve      State = "SAFETY_VALVE"
	StateGoodbye          State = "GOODBYE"
)

// Terminal reports whether no further dialogue happens in this state.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateSafetyValve, StateGoodbye:
		return true
	}
	return false
}

// Objective is the caller goal locked for the current attempt.
type Objective string

const (
	ObjectiveNone       Objective = ""
	ObjectiveBook       Objective = "book"
	ObjectiveReschedule Objective = "reschedule"
	ObjectiveCancel     Objective = "cancel"
)

// RecoveryLevel is the escalation ladder position for the call.
type RecoveryLevel int

const (
	LevelDirectMatch    RecoveryLevel = 1
	LevelIdentityPivot  RecoveryLevel = 2
	LevelSearchFallback RecoveryLevel = 3
	LevelSafetyValve    RecoveryLevel = 4
)

func (l RecoveryLevel) String() string {
	switch l {
	case LevelDirectMatch:
		return "direct_match"
	case LevelIdentityPivot:
		return "identity_pivot"
	case LevelSearchFallback:
		return "search_fallback"
	case LevelSafetyValve:
		return "safety_valve"
	}
	return "unknown"
}

// Collected field keys.
const (
	FieldName            = "name"
	FieldPatientID       = "patient_id"
	FieldPatientType     = "patient_type"
	FieldAppointmentRef  = "appointment_ref"
	FieldAppointmentTime = "appointment_time"
	FieldTimePreference  = "time_preference"
	FieldReason          = "reason"
	FieldContactConfirm  = "contact_confirmed"
	FieldRestartReason   = "restart_reason"
)

// Identity is the presumed or confirmed patient for the call.
type Identity struct {
	Verified    bool   `json:"verified"`
	MatchedName string `json:"matched_name,omitempty"`
	MatchedID   string `json:"matched_id,omitempty"`
	Scrubbed    bool   `json:"scrubbed,omitempty"`
}

// Slot is a bookable time offered by the scheduling system.
type Slot struct {
	ID           string    `json:"id"`
	Start        time.Time `json:"start"`
	End          time.Time `json:"end"`
	ProviderID   string    `json:"provider_id,omitempty"`
	ProviderName string    `json:"provider_name,omitempty"`
}

// TranscriptEntry is one utterance in the call transcript.
type TranscriptEntry struct {
	Role      string    `json:"role"` // "caller" or "assistant"
	Text      string    `json:"text"`
	State     State     `json:"state,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const maxTranscriptEntries = 60

// Session is the persisted state of one telephone call across its webhook turns.
type Session struct {
	CallID      string `json:"call_id"`
	CallerPhone string `json:"caller_phone,omitempty"`
	ClinicPhone string `json:"clinic_phone,omitempty"`

	State               State         `json:"state"`
	LockedObjective     Objective     `json:"locked_objective,omitempty"`
	FinalObjective      Objective     `json:"final_objective,omitempty"`
	TurnsInCurrentState int           `json:"turns_in_current_state"`
	RecoveryLevel       RecoveryLevel `json:"recovery_level"`

	Identity  *Identity         `json:"identity,omitempty"`
	Collected map[string]string `json:"collected,omitempty"`

	CandidateSlots []Slot `json:"candidate_slots,omitempty"`
	SelectedSlot   *Slot  `json:"selected_slot,omitempty"`
	// SlotRetries counts unknown slot choices within the current offering.
	SlotRetries int `json:"slot_retries,omitempty"`
	// IntentRetries counts unrecognized top-level intents in INITIAL.
	IntentRetries      int  `json:"intent_retries,omitempty"`
	Greeted            bool `json:"greeted,omitempty"`
	AwaitingManualName bool `json:"awaiting_manual_name,omitempty"`

	// Side-effect idempotency flags.
	AppointmentCreated  bool     `json:"appointment_created,omitempty"`
	AppointmentID       string   `json:"appointment_id,omitempty"`
	RescheduleCompleted bool     `json:"reschedule_completed,omitempty"`
	CancelCompleted     bool     `json:"cancel_completed,omitempty"`
	ConfirmationSent    bool     `json:"confirmation_sent,omitempty"`
	HandoffSent         bool     `json:"handoff_sent,omitempty"`
	AlertsRaised        []string `json:"alerts_raised,omitempty"`
	OutcomeRecorded     bool     `json:"outcome_recorded,omitempty"`

	Ended         bool    `json:"ended,omitempty"`
	Outcome       string  `json:"outcome,omitempty"`
	StatesVisited []State `json:"states_visited,omitempty"`

	LastTurnID        string    `json:"last_turn_id,omitempty"`
	LastResponse      *Response `json:"last_response,omitempty"`
	LastUtterance     string    `json:"last_utterance,omitempty"`
	LastStateChangeAt time.Time `json:"last_state_change_at"`
	TurnCount         int       `json:"turn_count"`

	Transcript []TranscriptEntry `json:"transcript,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	// Version is bumped by stores on every write for optimistic concurrency.
	Version int64 `json:"version"`
}

// NewSession creates the session for the first webhook of a call.
func NewSession(callID, callerPhone, clinicPhone string, now time.Time) *Session {
	return &Session{
		CallID:            callID,
		CallerPhone:       callerPhone,
		ClinicPhone:       clinicPhone,
		State:             StateInitial,
		RecoveryLevel:     LevelDirectMatch,
		Collected:         map[string]string{},
		StatesVisited:     []State{StateInitial},
		LastStateChangeAt: now,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

// Get returns a collected field.
func (s *Session) Get(key string) string {
	if s.Collected == nil {
		return ""
	}
	return s.Collected[key]
}

// Set stores a collected field; an empty value deletes it.
func (s *Session) Set(key, value string) {
	if s.Collected == nil {
		s.Collected = map[string]string{}
	}
	if value == "" {
		delete(s.Collected, key)
		return
	}
	s.Collected[key] = value
}

// transition moves to next, resetting the stuck counter.
func (s *Session) transition(next State, now time.Time) {
	if s.State != next {
		s.StatesVisited = append(s.StatesVisited, next)
	}
	s.State = next
	s.TurnsInCurrentState = 0
	s.SlotRetries = 0
	s.LastStateChangeAt = now
}

// escalate raises the recovery level. Levels never decrease here.
func (s *Session) escalate(level RecoveryLevel) {
	if level > s.RecoveryLevel {
		s.RecoveryLevel = level
	}
}

// recovered returns the call to the base flow after a successful recovery action.
func (s *Session) recovered() {
	s.RecoveryLevel = LevelDirectMatch
}

func (s *Session) alertRaised(kind string) bool {
	for _, k := range s.AlertsRaised {
		if k == kind {
			return true
		}
	}
	return false
}

func (s *Session) appendTranscript(role, text string, now time.Time) {
	if text == "" {
		return
	}
	s.Transcript = append(s.Transcript, TranscriptEntry{Role: role, Text: text, State: s.State, Timestamp: now})
	if len(s.Transcript) > maxTranscriptEntries {
		s.Transcript = s.Transcript[len(s.Transcript)-maxTranscriptEntries:]
	}
}

// ObjectiveComplete reports whether the locked objective's completion flag is set.
func (s *Session) ObjectiveComplete() bool {
	switch s.LockedObjective {
	case ObjectiveBook:
		return s.AppointmentCreated
	case ObjectiveReschedule:
		return s.RescheduleCompleted
	case ObjectiveCancel:
		return s.CancelCompleted
	}
	return false
}

// GoodbyeAllowed reports whether the call may end now. It must be consulted before
// any call-ending response.
func GoodbyeAllowed(s *Session) bool {
	if s == nil || s.LockedObjective == ObjectiveNone {
		return true
	}
	if s.State == StateCompleted || s.State == StateSafetyValve {
		return true
	}
	return s.ObjectiveComplete()
}

// Clone returns a deep copy of the session.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	if s.Identity != nil {
		id := *s.Identity
		c.Identity = &id
	}
	if s.Collected != nil {
		c.Collected = make(map[string]string, len(s.Collected))
		for k, v := range s.Collected {
			c.Collected[k] = v
		}
	}
	c.CandidateSlots = append([]Slot(nil), s.CandidateSlots...)
	if s.SelectedSlot != nil {
		sl := *s.SelectedSlot
		c.SelectedSlot = &sl
	}
	c.AlertsRaised = append([]string(nil), s.AlertsRaised...)
	c.StatesVisited = append([]State(nil), s.StatesVisited...)
	c.Transcript = append([]TranscriptEntry(nil), s.Transcript...)
	if s.LastResponse != nil {
		r := *s.LastResponse
		c.LastResponse = &r
	}
	return &c
}
