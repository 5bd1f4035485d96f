package dialogue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

// maxOfferedSlots is how many options are read aloud at once.
const maxOfferedSlots = 2

// commitResult classifies a revalidate-then-commit attempt.
type commitResult int

const (
	commitOK commitResult = iota
	commitStale
	commitFailed
)

func (r commitResult) String() string {
	switch r {
	case commitOK:
		return "committed"
	case commitStale:
		return "stale"
	}
	return "failed"
}

// AppointmentTypes maps patient classification onto scheduler appointment types.
type AppointmentTypes struct {
	New       string
	Returning string
}

func (a AppointmentTypes) forPatient(patientType string) string {
	if patientType == patientTypeReturning && a.Returning != "" {
		return a.Returning
	}
	return a.New
}

// slotCoordinator fetches, ranks and commits slots against the scheduler.
type slotCoordinator struct {
	scheduler Scheduler
	types     AppointmentTypes
}

// candidates returns at most two chronological slots inside the window.
func (c slotCoordinator) candidates(ctx context.Context, w Window, appointmentType string, exclude time.Time) ([]Slot, error) {
	slots, err := c.scheduler.GetAvailability(ctx, AvailabilityQuery{
		Start:             w.Start,
		End:               w.End,
		AppointmentTypeID: appointmentType,
	})
	if err != nil {
		return nil, fmt.Errorf("dialogue: get availability: %w", err)
	}
	seen := make(map[string]bool, len(slots))
	filtered := make([]Slot, 0, len(slots))
	for _, s := range slots {
		if s.ID == "" || seen[s.ID] || !w.Contains(s.Start) {
			continue
		}
		if !exclude.IsZero() && s.Start.Equal(exclude) {
			continue
		}
		seen[s.ID] = true
		filtered = append(filtered, s)
	}
	sort.SliceStable(filtered, func(i, j int) bool {
		return filtered[i].Start.Before(filtered[j].Start)
	})
	if len(filtered) > maxOfferedSlots {
		filtered = filtered[:maxOfferedSlots]
	}
	return filtered, nil
}

// stillAvailable re-checks the exact slot with the scheduler.
func (c slotCoordinator) stillAvailable(ctx context.Context, slot Slot, appointmentType string) (bool, error) {
	slots, err := c.scheduler.GetAvailability(ctx, AvailabilityQuery{
		Start:             slot.Start,
		End:               slot.End,
		AppointmentTypeID: appointmentType,
		ProviderID:        slot.ProviderID,
	})
	if err != nil {
		return false, fmt.Errorf("dialogue: revalidate slot %s: %w", slot.ID, err)
	}
	for _, s := range slots {
		if s.ID == slot.ID {
			return true, nil
		}
	}
	return false, nil
}

// commit revalidates the chosen slot and, with nothing in between, books it.
func (c slotCoordinator) commit(ctx context.Context, s *Session, slot Slot) (commitResult, string, error) {
	apptType := c.types.forPatient(s.Get(FieldPatientType))
	ok, err := c.stillAvailable(ctx, slot, apptType)
	if err != nil {
		return commitFailed, "", err
	}
	if !ok {
		return commitStale, "", nil
	}

	switch s.LockedObjective {
	case ObjectiveReschedule:
		ref := s.Get(FieldAppointmentRef)
		if ref == "" {
			return commitFailed, "", fmt.Errorf("dialogue: reschedule without appointment reference")
		}
		if err := c.scheduler.RescheduleAppointment(ctx, ref, slot); err != nil {
			if errors.Is(err, ErrSlotTaken) {
				return commitStale, "", nil
			}
			return commitFailed, "", fmt.Errorf("dialogue: reschedule appointment: %w", err)
		}
		return commitOK, ref, nil
	default:
		id, err := c.scheduler.CreateAppointment(ctx, BookingRequest{
			IdempotencyKey:    s.CallID + ":" + slot.ID,
			Slot:              slot,
			AppointmentTypeID: apptType,
			PatientID:         s.Get(FieldPatientID),
			PatientName:       s.Get(FieldName),
			Phone:             s.CallerPhone,
			Notes:             s.Get(FieldReason),
		})
		if err != nil {
			if errors.Is(err, ErrSlotTaken) {
				return commitStale, "", nil
			}
			return commitFailed, "", fmt.Errorf("dialogue: create appointment: %w", err)
		}
		return commitOK, id, nil
	}
}

// offerSlots resolves the preference, fetches candidates and stores them verbatim.
func (e *Engine) offerSlots(t *turn, pref TimePreference, lead string) outcome {
	s := t.sess
	s.Set(FieldTimePreference, pref.String())
	window := ResolveWindow(pref, t.now, e.loc)

	var exclude time.Time
	if s.LockedObjective == ObjectiveReschedule {
		if cur, err := time.Parse(time.RFC3339, s.Get(FieldAppointmentTime)); err == nil {
			exclude = cur
		}
	}
	apptType := e.slots.types.forPatient(s.Get(FieldPatientType))
	slots, err := e.slots.candidates(t.ctx, window, apptType, exclude)
	if err != nil {
		return e.collaboratorFailure(t, "availability", err)
	}

	s.CandidateSlots = nil
	s.SelectedSlot = nil
	if len(slots) == 0 {
		t.log.Info("no availability", "window_start", window.Start, "window_end", window.End, "part", window.Part)
		// A fresh entry into OFFERING_SLOTS is progress; an empty re-search is not.
		return outcome{next: StateOfferingSlots, say: lead + e.prompts.noAvailability(pref), result: resultNoAvailability}
	}
	s.CandidateSlots = slots
	return outcome{next: StateOfferingSlots, reenter: true, say: lead + e.prompts.offer(slots), result: resultProgress}
}

// storedPreference returns the caller's recorded time preference, or "soonest".
func storedPreference(s *Session) TimePreference {
	if raw := s.Get(FieldTimePreference); raw != "" {
		if pref, ok := ParseTimePreference(raw); ok {
			return pref
		}
	}
	return TimePreference{Part: PartAny}
}

// handleSlotSelected commits the chosen slot. It runs in the same turn as the
// choice, and again when the caller asks to retry after a commit failure.
func (e *Engine) handleSlotSelected(t *turn) outcome {
	s := t.sess
	if s.SelectedSlot == nil {
		return outcome{next: StateOfferingSlots, reenter: true, say: e.prompts.askTime(), result: resultProgress}
	}
	if !t.chained {
		switch {
		case t.cls.IsDenial || t.in.Digits == "2":
			s.SelectedSlot = nil
			s.CandidateSlots = nil
			return outcome{next: StateOfferingSlots, reenter: true, say: e.prompts.askAnotherTime(), result: resultProgress}
		case !(t.cls.IsConfirmation || t.in.Digits == "1"):
			return outcome{next: StateSlotSelected, say: e.prompts.commitRetry(s.SelectedSlot), result: resultReprompt}
		}
	}

	slot := *s.SelectedSlot
	res, id, err := e.slots.commit(t.ctx, s, slot)
	e.metrics.ObserveCommit(s.LockedObjective, res.String())
	switch res {
	case commitStale:
		t.log.Warn("selected slot no longer available", "slot_id", slot.ID)
		s.CandidateSlots = nil
		s.SelectedSlot = nil
		s.Set(FieldRestartReason, "slot_taken")
		return outcome{next: StateInitial, say: e.prompts.slotTaken(), result: resultStaleSlot}
	case commitFailed:
		t.log.Error("commit failed", "slot_id", slot.ID, "error", err)
		return outcome{
			next:    StateSlotSelected,
			say:     e.prompts.commitFailed(),
			result:  resultCommitFailed,
			effects: []effect{e.alertEffect(t, "commit_failed", err.Error())},
		}
	}

	kind := MessageBookingConfirmation
	say := e.prompts.booked(slot)
	if s.LockedObjective == ObjectiveReschedule {
		s.RescheduleCompleted = true
		s.Outcome = outcomeRescheduled
		kind = MessageRescheduleConfirmation
		say = e.prompts.rescheduled(slot)
	} else {
		s.AppointmentCreated = true
		s.AppointmentID = id
		s.Outcome = outcomeBooked
	}
	t.log.Info("appointment committed", "objective", s.LockedObjective, "slot_id", slot.ID, "appointment_id", id)
	return e.complete(t, say, ConfirmationDetails{
		Kind:        kind,
		CallID:      s.CallID,
		ClinicName:  e.prompts.clinicName,
		ClinicPhone: s.ClinicPhone,
		PatientName: s.Get(FieldName),
		When:        e.prompts.when(slot.Start),
		Start:       slot.Start,
	})
}
