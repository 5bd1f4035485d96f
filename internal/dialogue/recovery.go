package dialogue

import (
	"net/url"
)

// Safety valve reasons.
const (
	ValveStuck               = "stuck"
	ValveUnknownSlotChoice   = "unknown_slot_choice"
	ValveCallerRequestedHelp = "caller_requested_staff"
	ValveSchedulerFailure    = "scheduler_failure"
	ValveIdentityUnresolved  = "identity_unresolved"
	ValveNoAppointment       = "no_appointment"
	ValveCancelDeclined      = "cancel_declined"
	ValveNoIntent            = "no_intent"
	ValvePersistedStuck      = "persisted_stuck"
)

// recoveryController enforces the stuck-turn limit.
type recoveryController struct {
	threshold int
	linkBase  string
}

// shouldTrip reports whether the Safety Valve must pre-empt the state machine.
func (r recoveryController) shouldTrip(s *Session) bool {
	return s.LockedObjective != ObjectiveNone &&
		!s.State.Terminal() &&
		s.TurnsInCurrentState >= r.threshold
}

// handoffLink builds the direct action link texted to the caller.
func (r recoveryController) handoffLink(s *Session) string {
	if r.linkBase == "" {
		return ""
	}
	u, err := url.Parse(r.linkBase)
	if err != nil {
		return r.linkBase
	}
	q := u.Query()
	q.Set("call", s.CallID)
	obj := s.LockedObjective
	if obj == ObjectiveNone {
		obj = s.FinalObjective
	}
	if obj != ObjectiveNone {
		q.Set("intent", string(obj))
	}
	if ref := s.Get(FieldAppointmentRef); ref != "" {
		q.Set("appointment", ref)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// safetyValve performs the level 4 hand-off: SMS link, one closing line, COMPLETED.
// lead is spoken before the closing line.
func (e *Engine) safetyValve(t *turn, reason, lead string) outcome {
	s := t.sess
	e.metrics.ObserveSafetyValve(reason)
	t.log.Info("safety valve", "reason", reason, "objective", s.LockedObjective,
		"turns_in_state", s.TurnsInCurrentState, "recovery_level", s.RecoveryLevel.String())

	s.escalate(LevelSafetyValve)
	link := e.recovery.handoffLink(s)
	o := outcome{
		via:    StateSafetyValve,
		next:   StateCompleted,
		end:    true,
		say:    lead + e.prompts.safetyValve(),
		result: resultSafetyValve,
		effects: []effect{{
			kind: effectHandoff,
			details: ConfirmationDetails{
				Kind:        MessageHandoffLink,
				CallID:      s.CallID,
				ClinicName:  e.prompts.clinicName,
				ClinicPhone: s.ClinicPhone,
				PatientName: s.Get(FieldName),
				Link:        link,
			},
		}},
	}
	s.Outcome = outcomeSafetyValve
	if reason == ValveCallerRequestedHelp && s.LockedObjective == ObjectiveNone {
		s.Outcome = outcomeEscalated
	}
	if reason == ValveNoIntent {
		s.Outcome = outcomeNoIntent
	}
	s.FinalObjective = s.LockedObjective
	s.LockedObjective = ObjectiveNone
	s.CandidateSlots = nil
	s.SelectedSlot = nil
	return o
}

// collaboratorFailure converts a scheduling failure into an apology, an operator
// alert and a hand-off.
func (e *Engine) collaboratorFailure(t *turn, op string, err error) outcome {
	t.log.Error("scheduling collaborator failed", "op", op, "error", err)
	o := e.safetyValve(t, ValveSchedulerFailure, e.prompts.apology())
	o.effects = append(o.effects, e.alertEffect(t, "scheduler_"+op, err.Error()))
	return o
}
