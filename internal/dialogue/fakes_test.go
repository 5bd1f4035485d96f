package dialogue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/wolfman30/clinic-voice-booking/pkg/logging"
)

var (
	testNow = time.Date(2026, time.October, 19, 9, 0, 0, 0, time.UTC) // Monday

	slotTueMorning   = Slot{ID: "slot-tue-1000", Start: time.Date(2026, 10, 20, 10, 0, 0, 0, time.UTC), End: time.Date(2026, 10, 20, 10, 30, 0, 0, time.UTC), ProviderID: "prov-1"}
	slotTueAfternoon = Slot{ID: "slot-tue-1430", Start: time.Date(2026, 10, 20, 14, 30, 0, 0, time.UTC), End: time.Date(2026, 10, 20, 15, 0, 0, 0, time.UTC), ProviderID: "prov-1"}
	slotWedMorning   = Slot{ID: "slot-wed-0900", Start: time.Date(2026, 10, 21, 9, 0, 0, 0, time.UTC), End: time.Date(2026, 10, 21, 9, 30, 0, 0, time.UTC), ProviderID: "prov-2"}

	joe   = Patient{ID: "pat-joe", Name: "Joe Turner", Phone: testCaller}
	roger = Patient{ID: "pat-roger", Name: "Roger Moore", Phone: testCaller}
)

const (
	testCaller = "+15551234567"
	testClinic = "+15559870000"
)

type fakeScheduler struct {
	mu          sync.Mutex
	slots       []Slot
	calls       []string
	queries     []AvailabilityQuery
	createCalls int
	created     []BookingRequest
	rescheduled map[string]Slot
	cancelled   []string
	upcoming    map[string]*Appointment

	availErr  error
	createErr error
	cancelErr error
	findErr   error
}

func newFakeScheduler(slots ...Slot) *fakeScheduler {
	return &fakeScheduler{
		slots:       slots,
		rescheduled: map[string]Slot{},
		upcoming:    map[string]*Appointment{},
	}
}

func (f *fakeScheduler) GetAvailability(_ context.Context, q AvailabilityQuery) ([]Slot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	f.calls = append(f.calls, "availability:"+q.Start.Format(time.RFC3339))
	if f.availErr != nil {
		return nil, f.availErr
	}
	var out []Slot
	for _, s := range f.slots {
		if !s.Start.Before(q.Start) && s.Start.Before(q.End) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeScheduler) CreateAppointment(_ context.Context, req BookingRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	f.calls = append(f.calls, "create:"+req.Slot.ID)
	if f.createErr != nil {
		return "", f.createErr
	}
	f.created = append(f.created, req)
	return fmt.Sprintf("appt-%d", len(f.created)), nil
}

func (f *fakeScheduler) RescheduleAppointment(_ context.Context, id string, slot Slot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "reschedule:"+slot.ID)
	if f.createErr != nil {
		return f.createErr
	}
	f.rescheduled[id] = slot
	return nil
}

func (f *fakeScheduler) CancelAppointment(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "cancel:"+id)
	if f.cancelErr != nil {
		return f.cancelErr
	}
	f.cancelled = append(f.cancelled, id)
	return nil
}

func (f *fakeScheduler) FindUpcomingAppointment(_ context.Context, patientID string) (*Appointment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.findErr != nil {
		return nil, f.findErr
	}
	return f.upcoming[patientID], nil
}

func (f *fakeScheduler) take(slotID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.slots[:0]
	for _, s := range f.slots {
		if s.ID != slotID {
			kept = append(kept, s)
		}
	}
	f.slots = kept
}

func (f *fakeScheduler) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeDirectory struct {
	byPhone map[string]*Patient
	byName  map[string][]Patient
	err     error
}

func (f *fakeDirectory) FindByPhone(_ context.Context, phone string) (*Patient, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.byPhone[phone], nil
}

func (f *fakeDirectory) SearchByName(_ context.Context, name, _ string) ([]Patient, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.byName[strings.ToLower(name)], nil
}

type fakeClassifier struct {
	err error
}

func (f fakeClassifier) ClassifyIntent(_ context.Context, text string) (Intent, error) {
	if f.err != nil {
		return Intent{}, f.err
	}
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "reschedul") || strings.Contains(lower, "move my"):
		return Intent{Action: ActionReschedule, Confidence: 0.9}, nil
	case strings.Contains(lower, "cancel"):
		return Intent{Action: ActionCancel, Confidence: 0.9}, nil
	case strings.Contains(lower, "book") || strings.Contains(lower, "appointment"):
		return Intent{Action: ActionBook, Confidence: 0.9}, nil
	}
	return Intent{Action: ActionUnknown, Confidence: 0.2}, nil
}

type sentMessage struct {
	phone   string
	details ConfirmationDetails
}

type fakeMessenger struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (f *fakeMessenger) SendConfirmation(_ context.Context, phone string, d ConfirmationDetails) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sentMessage{phone: phone, details: d})
	return nil
}

func (f *fakeMessenger) kinds() []MessageKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []MessageKind
	for _, m := range f.sent {
		out = append(out, m.details.Kind)
	}
	return out
}

type fakeAlerter struct {
	mu     sync.Mutex
	alerts []Alert
}

func (f *fakeAlerter) RaiseAlert(_ context.Context, a Alert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, a)
	return nil
}

type fakeOutcomes struct {
	mu       sync.Mutex
	sessions []*Session
}

func (f *fakeOutcomes) RecordOutcome(_ context.Context, s *Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions = append(f.sessions, s.Clone())
	return nil
}

type harness struct {
	engine    *Engine
	store     *MemoryStore
	scheduler *fakeScheduler
	directory *fakeDirectory
	messenger *fakeMessenger
	alerter   *fakeAlerter
	outcomes  *fakeOutcomes
	turnSeq   int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:     NewMemoryStore(),
		scheduler: newFakeScheduler(slotTueMorning, slotTueAfternoon, slotWedMorning),
		directory: &fakeDirectory{
			byPhone: map[string]*Patient{testCaller: &joe},
			byName:  map[string][]Patient{"roger moore": {roger}},
		},
		messenger: &fakeMessenger{},
		alerter:   &fakeAlerter{},
		outcomes:  &fakeOutcomes{},
	}
	engine, err := NewEngine(Config{
		Store:            h.store,
		Scheduler:        h.scheduler,
		Directory:        h.directory,
		Classifier:       fakeClassifier{},
		Messenger:        h.messenger,
		Alerter:          h.alerter,
		Outcomes:         h.outcomes,
		Logger:           logging.Discard(),
		ClinicName:       "Lakeside Clinic",
		HandoffLinkBase:  "https://book.example.com/finish",
		AppointmentTypes: AppointmentTypes{New: "new-patient", Returning: "follow-up"},
		Now:              func() time.Time { return testNow },
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	h.engine = engine
	return h
}

func (h *harness) say(t *testing.T, speech string) Response {
	t.Helper()
	h.turnSeq++
	return h.turn(t, Turn{Speech: speech, TurnID: fmt.Sprintf("CA1:%d", h.turnSeq)})
}

func (h *harness) press(t *testing.T, digits string) Response {
	t.Helper()
	h.turnSeq++
	return h.turn(t, Turn{Digits: digits, TurnID: fmt.Sprintf("CA1:%d", h.turnSeq)})
}

func (h *harness) turn(t *testing.T, in Turn) Response {
	t.Helper()
	in.CallID = "CA1"
	in.CallerPhone = testCaller
	in.ClinicPhone = testClinic
	resp, err := h.engine.HandleTurn(context.Background(), in)
	if err != nil {
		t.Fatalf("handle turn %q: %v", in.Speech, err)
	}
	return resp
}

func (h *harness) session(t *testing.T) *Session {
	t.Helper()
	s, err := h.store.Get(context.Background(), "CA1")
	if err != nil || s == nil {
		t.Fatalf("load session: %v %v", s, err)
	}
	return s
}

// toOffer drives a returning caller from greeting to two offered slots.
func (h *harness) toOffer(t *testing.T) {
	t.Helper()
	h.say(t, "")
	h.say(t, "I'd like to book an appointment")
	h.say(t, "yes")
	if s := h.session(t); s.State != StateOfferingSlots || len(s.CandidateSlots) != 2 {
		t.Fatalf("expected two offered slots, got state=%s slots=%d", s.State, len(s.CandidateSlots))
	}
}

var errBoom = errors.New("boom")
