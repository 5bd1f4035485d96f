package dialogue

import (
	"context"
	"fmt"
	"time"

	"github.com/wolfman30/clinic-voice-booking/pkg/logging"
)

// turn carries everything a state handler reads while deciding one response.
type turn struct {
	ctx  context.Context
	in   Turn
	sess *Session
	text string
	cls  Classification
	now  time.Time
	log  *logging.Logger
	// chained is true when the handler runs because the previous state in this
	// same turn handed control straight to it.
	chained      bool
	transitioned bool
}

type effectKind int

const (
	effectConfirmation effectKind = iota
	effectHandoff
	effectAlert
)

type effect struct {
	kind    effectKind
	details ConfirmationDetails
	alert   Alert
}

// outcome is the tagged result of a state handler.
type outcome struct {
	// via is an intermediate state entered before next, e.g. SAFETY_VALVE.
	via  State
	next State
	// reenter counts a new offering in the same state as progress.
	reenter bool
	// chain runs the next state's handler within the same turn.
	chain   bool
	say     string
	end     bool
	result  string
	effects []effect
}

// Turn results, used for metrics.
const (
	resultProgress       = "progress"
	resultReprompt       = "reprompt"
	resultGreeting       = "greeting"
	resultNoAvailability = "no_availability"
	resultStaleSlot      = "stale_slot"
	resultCommitFailed   = "commit_failed"
	resultCompleted      = "completed"
	resultSafetyValve    = "safety_valve"
	resultGoodbye        = "goodbye"
	resultReplay         = "replay"
	resultEnded          = "ended"
)

// Call outcomes recorded when a call finishes.
const (
	outcomeBooked        = "booked"
	outcomeRescheduled   = "rescheduled"
	outcomeCancelled     = "cancelled"
	outcomeSafetyValve   = "safety_valve"
	outcomeEscalated     = "escalated"
	outcomeNoIntent      = "no_intent"
	outcomeCallerGoodbye = "caller_goodbye"
	outcomeAbandoned     = "abandoned"
	outcomeHangup        = "hangup"
)

type stateHandler func(e *Engine, t *turn) outcome

var stateHandlers = map[State]stateHandler{
	StateInitial:          (*Engine).handleInitial,
	StateVerifying:        (*Engine).handleVerifying,
	StateManualSearch:     (*Engine).handleManualSearch,
	StateSearching:        (*Engine).handleSearching,
	StateSoftBooking:      (*Engine).handleSoftBooking,
	StateOfferingSlots:    (*Engine).handleOfferingSlots,
	StateSlotSelected:     (*Engine).handleSlotSelected,
	StateConfirmingCancel: (*Engine).handleConfirmingCancel,
}

func (e *Engine) handleInitial(t *turn) outcome {
	s := t.sess
	if s.LockedObjective != ObjectiveNone {
		return e.resumeObjective(t)
	}
	if t.text == "" && t.in.Digits == "" {
		if !s.Greeted {
			s.Greeted = true
			return outcome{next: StateInitial, say: e.prompts.greeting(), result: resultGreeting}
		}
		return e.unknownIntent(t)
	}
	s.Greeted = true

	intent := e.detectIntent(t)
	switch intent.Action {
	case ActionEscalate:
		return e.safetyValve(t, ValveCallerRequestedHelp, "")
	case ActionBook, ActionReschedule, ActionCancel:
		return e.lockObjective(t, intent.Action.Objective())
	}
	return e.unknownIntent(t)
}

func (e *Engine) detectIntent(t *turn) Intent {
	switch t.in.Digits {
	case "1":
		return Intent{Action: ActionBook, Confidence: 1}
	case "2":
		return Intent{Action: ActionReschedule, Confidence: 1}
	case "3":
		return Intent{Action: ActionCancel, Confidence: 1}
	case "0":
		return Intent{Action: ActionEscalate, Confidence: 1}
	}
	if t.cls.WantsHuman {
		return Intent{Action: ActionEscalate, Confidence: 1}
	}
	if t.text == "" || e.classifier == nil {
		return Intent{Action: ActionUnknown}
	}
	intent, err := e.classifier.ClassifyIntent(t.ctx, t.text)
	if err != nil {
		t.log.Warn("intent classifier failed", "error", err)
		return Intent{Action: ActionUnknown}
	}
	if intent.Confidence < e.intentThreshold {
		t.log.Debug("intent below confidence threshold", "action", intent.Action, "confidence", intent.Confidence)
		return Intent{Action: ActionUnknown, Confidence: intent.Confidence}
	}
	return intent
}

// unknownIntent re-prompts once, then falls back to the keypad menu.
func (e *Engine) unknownIntent(t *turn) outcome {
	s := t.sess
	s.IntentRetries++
	switch {
	case s.IntentRetries == 1:
		return outcome{next: StateInitial, say: e.prompts.intentReprompt(), result: resultReprompt}
	case s.IntentRetries <= 3:
		return outcome{next: StateInitial, say: e.prompts.intentMenu(), result: resultReprompt}
	}
	return e.safetyValve(t, ValveNoIntent, "")
}

func (e *Engine) lockObjective(t *turn, obj Objective) outcome {
	s := t.sess
	s.LockedObjective = obj
	if pref, ok := ParseTimePreference(t.text); ok {
		s.Set(FieldTimePreference, pref.String())
	}
	if obj == ObjectiveBook && t.text != "" {
		s.Set(FieldReason, t.text)
	}
	t.log.Info("objective locked", "objective", obj)

	if p := e.lookupByPhone(t); p != nil {
		presumeIdentity(s, *p)
		return outcome{next: StateVerifying, say: e.prompts.confirmIdentity(p.Name), result: resultProgress}
	}
	s.escalate(LevelIdentityPivot)
	s.AwaitingManualName = true
	return outcome{next: StateManualSearch, say: e.prompts.askName(), result: resultProgress}
}

func (e *Engine) lookupByPhone(t *turn) *Patient {
	if e.directory == nil || t.sess.CallerPhone == "" {
		return nil
	}
	p, err := e.directory.FindByPhone(t.ctx, t.sess.CallerPhone)
	if err != nil {
		t.log.Warn("patient lookup by phone failed", "error", err)
		return nil
	}
	return p
}

// resumeObjective restarts intent detection after a stale slot while keeping the
// locked objective.
func (e *Engine) resumeObjective(t *turn) outcome {
	s := t.sess
	if pref, ok := ParseTimePreference(t.text); ok {
		s.Set(FieldRestartReason, "")
		return e.offerSlots(t, pref, "")
	}
	if t.cls.IsConfirmation {
		s.Set(FieldRestartReason, "")
		return e.offerSlots(t, storedPreference(s), "")
	}
	if t.text != "" || t.in.Digits != "" {
		intent := e.detectIntent(t)
		switch {
		case intent.Action == ActionEscalate:
			return e.safetyValve(t, ValveCallerRequestedHelp, "")
		case intent.Action.Objective() == s.LockedObjective:
			s.Set(FieldRestartReason, "")
			return e.offerSlots(t, storedPreference(s), "")
		}
	}
	return outcome{next: StateInitial, say: e.prompts.timeReprompt(), result: resultReprompt}
}

func (e *Engine) handleVerifying(t *turn) outcome {
	s := t.sess
	name := ""
	if s.Identity != nil {
		name = s.Identity.MatchedName
	}
	switch {
	case t.cls.IsDenial || t.in.Digits == "2":
		Scrub(s)
		s.escalate(LevelIdentityPivot)
		t.log.Info("presumed identity denied, session scrubbed")
		if t.cls.ReplacementName != "" {
			return outcome{next: StateManualSearch, chain: true, result: resultProgress}
		}
		return outcome{next: StateManualSearch, say: e.prompts.askNameAfterDenial(), result: resultProgress}
	case t.cls.IsConfirmation || t.in.Digits == "1":
		confirmIdentity(s)
		s.recovered()
		return e.routeObjective(t, "Great, thanks. ")
	}
	return outcome{next: StateVerifying, say: e.prompts.identityReprompt(name), result: resultReprompt}
}

func (e *Engine) handleManualSearch(t *turn) outcome {
	s := t.sess
	name := t.cls.ReplacementName
	if name == "" {
		name = t.cls.Name
	}
	if name != "" {
		s.Set(FieldName, name)
		s.AwaitingManualName = false
		return outcome{next: StateSearching, chain: true, result: resultProgress}
	}
	if pref, ok := ParseTimePreference(t.text); ok {
		s.Set(FieldTimePreference, pref.String())
	}
	if t.chained {
		return outcome{next: StateManualSearch, say: e.prompts.askNameAfterDenial(), result: resultProgress}
	}
	return outcome{next: StateManualSearch, say: e.prompts.nameReprompt(), result: resultReprompt}
}

// handleSearching runs the deterministic name search before anything is said.
func (e *Engine) handleSearching(t *turn) outcome {
	s := t.sess
	name := s.Get(FieldName)
	var results []Patient
	if e.directory != nil && name != "" {
		r, err := e.directory.SearchByName(t.ctx, name, s.CallerPhone)
		if err != nil {
			t.log.Warn("patient name search failed", "error", err)
		} else {
			results = r
		}
	}
	if p, ok := pickMatch(results, name, s.CallerPhone); ok {
		adoptIdentity(s, p)
		s.recovered()
		t.log.Info("name search matched", "patient_id", p.ID)
		return e.routeObjective(t, fmt.Sprintf("Thanks, %s, I found your record. ", firstName(p.Name)))
	}

	s.escalate(LevelSearchFallback)
	s.Set(FieldPatientType, patientTypeNew)
	t.log.Info("name search found no match", "results", len(results))
	if s.LockedObjective != ObjectiveBook {
		return e.safetyValve(t, ValveIdentityUnresolved, "I couldn't find a record under that name. ")
	}
	return outcome{next: StateSoftBooking, chain: true, result: resultProgress}
}

func (e *Engine) handleSoftBooking(t *turn) outcome {
	s := t.sess
	if t.chained {
		if s.Get(FieldTimePreference) != "" {
			return e.offerSlots(t, storedPreference(s), e.prompts.softBookingLead())
		}
		return outcome{next: StateSoftBooking, say: e.prompts.softBookingLead() + e.prompts.askTime(), result: resultProgress}
	}
	if pref, ok := ParseTimePreference(t.text); ok {
		return e.offerSlots(t, pref, "")
	}
	return outcome{next: StateSoftBooking, say: e.prompts.timeReprompt(), result: resultReprompt}
}

// routeObjective continues the locked objective once the caller's identity is settled.
func (e *Engine) routeObjective(t *turn, lead string) outcome {
	s := t.sess
	switch s.LockedObjective {
	case ObjectiveReschedule, ObjectiveCancel:
		appt, err := e.scheduler.FindUpcomingAppointment(t.ctx, s.Get(FieldPatientID))
		if err != nil {
			return e.collaboratorFailure(t, "find_appointment", err)
		}
		if appt == nil {
			if s.LockedObjective == ObjectiveReschedule {
				t.log.Info("no upcoming appointment to reschedule, booking a new one")
				s.LockedObjective = ObjectiveBook
				return e.offerSlots(t, storedPreference(s), lead+e.prompts.noUpcomingForReschedule())
			}
			return e.safetyValve(t, ValveNoAppointment, "I couldn't find an upcoming appointment for you. ")
		}
		s.Set(FieldAppointmentRef, appt.ID)
		s.Set(FieldAppointmentTime, appt.Start.Format(time.RFC3339))
		if s.LockedObjective == ObjectiveCancel {
			return outcome{next: StateConfirmingCancel, say: lead + e.prompts.confirmCancel(appt.Start), result: resultProgress}
		}
		return e.offerSlots(t, storedPreference(s), lead+e.prompts.existingAppointment(appt.Start))
	}
	return e.offerSlots(t, storedPreference(s), lead)
}

func (e *Engine) handleOfferingSlots(t *turn) outcome {
	s := t.sess
	if len(s.CandidateSlots) == 0 {
		if pref, ok := ParseTimePreference(t.text); ok {
			return e.offerSlots(t, withPreviousPart(pref, s), "")
		}
		return outcome{next: StateOfferingSlots, say: e.prompts.timeReprompt(), result: resultReprompt}
	}

	choice := t.cls.SlotChoice
	switch t.in.Digits {
	case "1":
		choice = SlotChoiceFirst
	case "2":
		choice = SlotChoiceSecond
	}
	if choice == SlotChoiceUnknown && t.cls.IsConfirmation && len(s.CandidateSlots) == 1 {
		choice = SlotChoiceFirst
	}

	idx := -1
	switch choice {
	case SlotChoiceFirst:
		idx = 0
	case SlotChoiceSecond:
		idx = 1
	case SlotChoiceAlternateDay:
		pref, _ := ParseTimePreference(t.text)
		return e.offerSlots(t, withPreviousPart(pref, s), "")
	case SlotChoiceReject:
		if pref, ok := ParseTimePreference(t.text); ok {
			return e.offerSlots(t, withPreviousPart(pref, s), "")
		}
		// An explicit rejection resolves the offering; the next offering starts fresh.
		s.CandidateSlots = nil
		return outcome{next: StateOfferingSlots, reenter: true, say: e.prompts.askAnotherTime(), result: resultProgress}
	}

	if idx >= 0 && idx < len(s.CandidateSlots) {
		slot := s.CandidateSlots[idx]
		s.SelectedSlot = &slot
		t.log.Info("slot chosen", "slot_id", slot.ID, "option", idx+1)
		return outcome{next: StateSlotSelected, chain: true, result: resultProgress}
	}
	if choice == SlotChoiceUnknown {
		if pref, ok := ParseTimePreference(t.text); ok {
			return e.offerSlots(t, withPreviousPart(pref, s), "")
		}
	}

	s.SlotRetries++
	if s.SlotRetries >= 2 {
		return e.safetyValve(t, ValveUnknownSlotChoice, "")
	}
	return outcome{next: StateOfferingSlots, say: e.prompts.simplifiedOffer(s.CandidateSlots), result: resultReprompt}
}

// withPreviousPart keeps the earlier part of day when only a new day was named.
func withPreviousPart(pref TimePreference, s *Session) TimePreference {
	if pref.Part == "" || pref.Part == PartAny {
		pref.Part = storedPreference(s).Part
	}
	return pref
}

func (e *Engine) handleConfirmingCancel(t *turn) outcome {
	s := t.sess
	switch {
	case t.cls.IsDenial || t.in.Digits == "2":
		return e.safetyValve(t, ValveCancelDeclined, "No problem, I'll leave your appointment as it is. ")
	case t.cls.IsConfirmation || t.in.Digits == "1":
	default:
		return outcome{next: StateConfirmingCancel, say: e.prompts.cancelReprompt(), result: resultReprompt}
	}

	ref := s.Get(FieldAppointmentRef)
	if !s.CancelCompleted {
		if err := e.scheduler.CancelAppointment(t.ctx, ref); err != nil {
			e.metrics.ObserveCommit(ObjectiveCancel, commitFailed.String())
			t.log.Error("cancel failed", "appointment_id", ref, "error", err)
			return outcome{
				next:    StateConfirmingCancel,
				say:     e.prompts.cancelFailed(),
				result:  resultCommitFailed,
				effects: []effect{e.alertEffect(t, "cancel_failed", err.Error())},
			}
		}
		e.metrics.ObserveCommit(ObjectiveCancel, commitOK.String())
	}
	s.CancelCompleted = true
	s.Outcome = outcomeCancelled
	start, _ := time.Parse(time.RFC3339, s.Get(FieldAppointmentTime))
	t.log.Info("appointment cancelled", "appointment_id", ref)
	return e.complete(t, e.prompts.cancelled(start), ConfirmationDetails{
		Kind:        MessageCancelConfirmation,
		CallID:      s.CallID,
		ClinicName:  e.prompts.clinicName,
		ClinicPhone: s.ClinicPhone,
		PatientName: s.Get(FieldName),
		When:        e.prompts.when(start),
		Start:       start,
	})
}

// complete finishes the locked objective and queues the confirmation SMS.
func (e *Engine) complete(t *turn, say string, details ConfirmationDetails) outcome {
	s := t.sess
	s.FinalObjective = s.LockedObjective
	s.LockedObjective = ObjectiveNone
	s.CandidateSlots = nil
	s.recovered()
	return outcome{
		next:    StateCompleted,
		end:     true,
		say:     say,
		result:  resultCompleted,
		effects: []effect{{kind: effectConfirmation, details: details}},
	}
}

func (e *Engine) alertEffect(t *turn, kind, detail string) effect {
	s := t.sess
	obj := s.LockedObjective
	if obj == ObjectiveNone {
		obj = s.FinalObjective
	}
	return effect{kind: effectAlert, alert: Alert{
		Kind:        kind,
		CallID:      s.CallID,
		CallerPhone: s.CallerPhone,
		Objective:   obj,
		State:       s.State,
		Detail:      detail,
		At:          t.now,
	}}
}

// statePrompt repeats the question the current state is waiting on.
func (e *Engine) statePrompt(s *Session) string {
	switch s.State {
	case StateInitial:
		if s.LockedObjective != ObjectiveNone {
			return e.prompts.askTime()
		}
		return e.prompts.intentReprompt()
	case StateVerifying:
		name := ""
		if s.Identity != nil {
			name = s.Identity.MatchedName
		}
		return e.prompts.confirmIdentity(name)
	case StateManualSearch:
		return e.prompts.askName()
	case StateOfferingSlots:
		if len(s.CandidateSlots) > 0 {
			return e.prompts.offer(s.CandidateSlots)
		}
		return e.prompts.askTime()
	case StateSlotSelected:
		return e.prompts.commitRetry(s.SelectedSlot)
	case StateConfirmingCancel:
		return e.prompts.cancelReprompt()
	}
	return e.prompts.askTime()
}
