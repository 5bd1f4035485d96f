package dialogue

import (
	"context"
	"errors"
	"time"
)

// ErrSessionNotFound is returned when a call has no persisted session.
var ErrSessionNotFound = errors.New("dialogue: session not found")

// ErrSlotTaken is wrapped by schedulers that reject a booking because the slot
// was claimed between revalidation and commit.
var ErrSlotTaken = errors.New("dialogue: slot no longer available")

// SessionStore persists Call Sessions keyed by call id.
type SessionStore interface {
	// Get returns nil, nil when the call has no session.
	Get(ctx context.Context, callID string) (*Session, error)
	// Update re-reads the latest session (nil when absent) immediately before writing
	// whatever fn returns. Implementations retry fn when a concurrent write wins.
	Update(ctx context.Context, callID string, fn func(current *Session) (*Session, error)) (*Session, error)
	Delete(ctx context.Context, callID string) error
}

// AvailabilityQuery asks the scheduling system for free slots.
type AvailabilityQuery struct {
	Start             time.Time
	End               time.Time
	AppointmentTypeID string
	ProviderID        string
}

// BookingRequest commits a slot for a caller.
type BookingRequest struct {
	// IdempotencyKey lets the scheduling system collapse redelivered commits.
	IdempotencyKey    string
	Slot              Slot
	AppointmentTypeID string
	PatientID         string
	PatientName       string
	Phone             string
	Notes             string
}

// Appointment is an existing booking.
type Appointment struct {
	ID           string
	PatientID    string
	Start        time.Time
	End          time.Time
	ProviderName string
}

// Scheduler is the third-party scheduling system.
type Scheduler interface {
	GetAvailability(ctx context.Context, q AvailabilityQuery) ([]Slot, error)
	CreateAppointment(ctx context.Context, req BookingRequest) (string, error)
	RescheduleAppointment(ctx context.Context, appointmentID string, slot Slot) error
	CancelAppointment(ctx context.Context, appointmentID string) error
	// FindUpcomingAppointment returns nil, nil when the patient has none.
	FindUpcomingAppointment(ctx context.Context, patientID string) (*Appointment, error)
}

// Patient is a record in the clinic's patient directory.
type Patient struct {
	ID    string
	Name  string
	Phone string
}

// PatientDirectory resolves callers to patient records.
type PatientDirectory interface {
	// FindByPhone returns nil, nil when no patient uses the phone.
	FindByPhone(ctx context.Context, phone string) (*Patient, error)
	SearchByName(ctx context.Context, name, phone string) ([]Patient, error)
}

// Action is a top-level caller intent.
type Action string

const (
	ActionBook       Action = "book"
	ActionReschedule Action = "reschedule"
	ActionCancel     Action = "cancel"
	ActionEscalate   Action = "escalate"
	ActionUnknown    Action = "unknown"
)

// Objective maps a booking action onto the objective it locks.
func (a Action) Objective() Objective {
	switch a {
	case ActionBook:
		return ObjectiveBook
	case ActionReschedule:
		return ObjectiveReschedule
	case ActionCancel:
		return ObjectiveCancel
	}
	return ObjectiveNone
}

// Intent is the classifier's reading of the caller's goal.
type Intent struct {
	Action     Action  `json:"action"`
	Confidence float64 `json:"confidence"`
}

// IntentClassifier routes the opening utterance of a call.
type IntentClassifier interface {
	ClassifyIntent(ctx context.Context, text string) (Intent, error)
}

// MessageKind selects the SMS template sent to the caller.
type MessageKind string

const (
	MessageBookingConfirmation    MessageKind = "booking_confirmation"
	MessageRescheduleConfirmation MessageKind = "reschedule_confirmation"
	MessageCancelConfirmation     MessageKind = "cancel_confirmation"
	MessageHandoffLink            MessageKind = "handoff_link"
)

// ConfirmationDetails carries what an outbound SMS needs.
type ConfirmationDetails struct {
	Kind        MessageKind
	CallID      string
	ClinicName  string
	ClinicPhone string
	PatientName string
	// When is the appointment time already rendered in the clinic timezone.
	When  string
	Start time.Time
	Link  string
}

// Messenger sends SMS to the caller.
type Messenger interface {
	SendConfirmation(ctx context.Context, phone string, details ConfirmationDetails) error
}

// Alert is an operator-facing notification.
type Alert struct {
	Kind        string
	CallID      string
	CallerPhone string
	Objective   Objective
	State       State
	Detail      string
	At          time.Time
}

// Alerter notifies clinic staff.
type Alerter interface {
	RaiseAlert(ctx context.Context, alert Alert) error
}

// OutcomeRecorder persists the result of a finished call.
type OutcomeRecorder interface {
	RecordOutcome(ctx context.Context, sess *Session) error
}

// OutcomeRecorders fans a finished call out to several recorders.
type OutcomeRecorders []OutcomeRecorder

func (rs OutcomeRecorders) RecordOutcome(ctx context.Context, sess *Session) error {
	var errs []error
	for _, r := range rs {
		if r == nil {
			continue
		}
		if err := r.RecordOutcome(ctx, sess); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Metrics observes dialogue activity.
type Metrics interface {
	ObserveTurn(state State, result string, seconds float64)
	ObserveTransition(from, to State)
	ObserveSafetyValve(reason string)
	ObserveCommit(objective Objective, result string)
}

type noopMetrics struct{}

func (noopMetrics) ObserveTurn(State, string, float64) {}
func (noopMetrics) ObserveTransition(State, State)      {}
func (noopMetrics) ObserveSafetyValve(string)           {}
func (noopMetrics) ObserveCommit(Objective, string)     {}
