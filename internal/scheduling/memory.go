package scheduling

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/clinic-voice-booking/internal/dialogue"
)

// Provider is a clinician whose calendar the memory scheduler generates.
type Provider struct {
	ID   string
	Name string
}

// MemoryConfig shapes the generated calendar. The zero value is usable.
type MemoryConfig struct {
	Location   *time.Location
	Days       int           // days of availability from Now; default 14
	SlotLength time.Duration // default 30m
	OpenHour   int           // default 9
	CloseHour  int           // default 17
	Providers  []Provider    // default one provider
	Patients   []dialogue.Patient
	Now        func() time.Time
}

// MemoryScheduler is an in-process scheduling system for local runs and the call
// simulator. It implements dialogue.Scheduler and dialogue.PatientDirectory.
type MemoryScheduler struct {
	mu           sync.Mutex
	cfg          MemoryConfig
	slots        []dialogue.Slot
	booked       map[string]string // slot id -> appointment id
	appointments map[string]*memoryAppointment
	idempotency  map[string]string // key -> appointment id
	patients     []dialogue.Patient
}

type memoryAppointment struct {
	appt   dialogue.Appointment
	slotID string
	typeID string
	status string
}

var (
	_ dialogue.Scheduler        = (*MemoryScheduler)(nil)
	_ dialogue.PatientDirectory = (*MemoryScheduler)(nil)
)

// NewMemoryScheduler generates weekday slots between OpenHour and CloseHour for
// every provider.
func NewMemoryScheduler(cfg MemoryConfig) *MemoryScheduler {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Days <= 0 {
		cfg.Days = 14
	}
	if cfg.SlotLength <= 0 {
		cfg.SlotLength = 30 * time.Minute
	}
	if cfg.OpenHour == 0 && cfg.CloseHour == 0 {
		cfg.OpenHour, cfg.CloseHour = 9, 17
	}
	if len(cfg.Providers) == 0 {
		cfg.Providers = []Provider{{ID: "prov-1", Name: "Dr. Rivera"}}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	m := &MemoryScheduler{
		cfg:          cfg,
		booked:       map[string]string{},
		appointments: map[string]*memoryAppointment{},
		idempotency:  map[string]string{},
		patients:     append([]dialogue.Patient(nil), cfg.Patients...),
	}
	m.slots = m.generate()
	return m
}

func (m *MemoryScheduler) generate() []dialogue.Slot {
	now := m.cfg.Now().In(m.cfg.Location)
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, m.cfg.Location)
	var slots []dialogue.Slot
	for d := 0; d < m.cfg.Days; d++ {
		date := day.AddDate(0, 0, d)
		if wd := date.Weekday(); wd == time.Saturday || wd == time.Sunday {
			continue
		}
		open := date.Add(time.Duration(m.cfg.OpenHour) * time.Hour)
		closeAt := date.Add(time.Duration(m.cfg.CloseHour) * time.Hour)
		for _, p := range m.cfg.Providers {
			for start := open; !start.Add(m.cfg.SlotLength).After(closeAt); start = start.Add(m.cfg.SlotLength) {
				slots = append(slots, dialogue.Slot{
					ID:           fmt.Sprintf("%s-%s", p.ID, start.UTC().Format("20060102T1504")),
					Start:        start,
					End:          start.Add(m.cfg.SlotLength),
					ProviderID:   p.ID,
					ProviderName: p.Name,
				})
			}
		}
	}
	sort.SliceStable(slots, func(i, j int) bool { return slots[i].Start.Before(slots[j].Start) })
	return slots
}

// GetAvailability returns unbooked slots starting in [q.Start, q.End).
func (m *MemoryScheduler) GetAvailability(_ context.Context, q dialogue.AvailabilityQuery) ([]dialogue.Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []dialogue.Slot
	for _, s := range m.slots {
		if s.Start.Before(q.Start) || !s.Start.Before(q.End) {
			continue
		}
		if q.ProviderID != "" && s.ProviderID != q.ProviderID {
			continue
		}
		if _, taken := m.booked[s.ID]; taken {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

// CreateAppointment books the slot. A repeated idempotency key returns the
// appointment created by the first request.
func (m *MemoryScheduler) CreateAppointment(_ context.Context, req dialogue.BookingRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if req.IdempotencyKey != "" {
		if id, ok := m.idempotency[req.IdempotencyKey]; ok {
			return id, nil
		}
	}
	slot, ok := m.findSlot(req.Slot.ID)
	if !ok {
		return "", fmt.Errorf("scheduling: unknown slot %q", req.Slot.ID)
	}
	if _, taken := m.booked[slot.ID]; taken {
		return "", ErrSlotUnavailable
	}

	patientID := req.PatientID
	if patientID == "" {
		patientID = m.registerPatient(req.PatientName, req.Phone)
	}
	id := uuid.NewString()
	m.appointments[id] = &memoryAppointment{
		appt: dialogue.Appointment{
			ID:           id,
			PatientID:    patientID,
			Start:        slot.Start,
			End:          slot.End,
			ProviderName: slot.ProviderName,
		},
		slotID: slot.ID,
		typeID: req.AppointmentTypeID,
		status: "booked",
	}
	m.booked[slot.ID] = id
	if req.IdempotencyKey != "" {
		m.idempotency[req.IdempotencyKey] = id
	}
	return id, nil
}

// RescheduleAppointment moves a booked appointment to slot and frees its old slot.
func (m *MemoryScheduler) RescheduleAppointment(_ context.Context, appointmentID string, slot dialogue.Slot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appointments[appointmentID]
	if !ok || a.status != "booked" {
		return fmt.Errorf("scheduling: appointment %q not found", appointmentID)
	}
	target, ok := m.findSlot(slot.ID)
	if !ok {
		return fmt.Errorf("scheduling: unknown slot %q", slot.ID)
	}
	if owner, taken := m.booked[target.ID]; taken {
		if owner == appointmentID {
			return nil
		}
		return ErrSlotUnavailable
	}
	delete(m.booked, a.slotID)
	m.booked[target.ID] = appointmentID
	a.slotID = target.ID
	a.appt.Start = target.Start
	a.appt.End = target.End
	a.appt.ProviderName = target.ProviderName
	return nil
}

// CancelAppointment cancels the appointment and frees its slot. Cancelling twice
// is a no-op.
func (m *MemoryScheduler) CancelAppointment(_ context.Context, appointmentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appointments[appointmentID]
	if !ok {
		return fmt.Errorf("scheduling: appointment %q not found", appointmentID)
	}
	if a.status == "cancelled" {
		return nil
	}
	a.status = "cancelled"
	delete(m.booked, a.slotID)
	return nil
}

// FindUpcomingAppointment returns the patient's earliest future booking.
func (m *MemoryScheduler) FindUpcomingAppointment(_ context.Context, patientID string) (*dialogue.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.cfg.Now()
	var next *dialogue.Appointment
	for _, a := range m.appointments {
		if a.appt.PatientID != patientID || a.status != "booked" || a.appt.Start.Before(now) {
			continue
		}
		if next == nil || a.appt.Start.Before(next.Start) {
			cp := a.appt
			next = &cp
		}
	}
	return next, nil
}

// Book seeds an existing appointment for patientID on the slot starting at start.
func (m *MemoryScheduler) Book(patientID string, start time.Time) (string, error) {
	m.mu.Lock()
	var slot dialogue.Slot
	found := false
	for _, s := range m.slots {
		if s.Start.Equal(start) {
			if _, taken := m.booked[s.ID]; !taken {
				slot, found = s, true
				break
			}
		}
	}
	m.mu.Unlock()
	if !found {
		return "", ErrSlotUnavailable
	}
	return m.CreateAppointment(context.Background(), dialogue.BookingRequest{Slot: slot, PatientID: patientID})
}

// Appointment returns a copy of the appointment and its status.
func (m *MemoryScheduler) Appointment(id string) (dialogue.Appointment, string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appointments[id]
	if !ok {
		return dialogue.Appointment{}, "", false
	}
	return a.appt, a.status, true
}

// FindByPhone matches on the digits of the phone number.
func (m *MemoryScheduler) FindByPhone(_ context.Context, phone string) (*dialogue.Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := digits(phone)
	if want == "" {
		return nil, nil
	}
	for _, p := range m.patients {
		if digits(p.Phone) == want {
			cp := p
			return &cp, nil
		}
	}
	return nil, nil
}

// SearchByName matches case-insensitively on the full name. When phone is set,
// patients with a different phone on file are excluded.
func (m *MemoryScheduler) SearchByName(_ context.Context, name, phone string) ([]dialogue.Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := strings.ToLower(strings.Join(strings.Fields(name), " "))
	if want == "" {
		return nil, nil
	}
	var out []dialogue.Patient
	for _, p := range m.patients {
		if strings.ToLower(p.Name) != want {
			continue
		}
		if phone != "" && p.Phone != "" && digits(p.Phone) != digits(phone) {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (m *MemoryScheduler) registerPatient(name, phone string) string {
	for _, p := range m.patients {
		if phone != "" && digits(p.Phone) == digits(phone) && strings.EqualFold(p.Name, name) {
			return p.ID
		}
	}
	id := "pat-" + uuid.NewString()[:8]
	m.patients = append(m.patients, dialogue.Patient{ID: id, Name: name, Phone: phone})
	return id
}

func (m *MemoryScheduler) findSlot(id string) (dialogue.Slot, bool) {
	for _, s := range m.slots {
		if s.ID == id {
			return s, true
		}
	}
	return dialogue.Slot{}, false
}

func digits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	out := b.String()
	// Compare US numbers with or without the country code.
	if len(out) == 11 && out[0] == '1' {
		out = out[1:]
	}
	return out
}
