package dialogue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wolfman30/clinic-voice-booking/pkg/logging"
)

// Turn is one webhook delivery from the telephony transport.
type Turn struct {
	CallID string
	// TurnID identifies the delivery; a repeated id replays the stored response.
	TurnID      string
	Speech      string
	Digits      string
	CallerPhone string
	ClinicPhone string
	// Route is the state tag the transport echoes back from the previous response.
	Route string
}

// Response tells the transport what to say and whether to keep listening.
type Response struct {
	Text    string `json:"text"`
	EndCall bool   `json:"end_call"`
	State   State  `json:"state"`
}

// KeepListening reports whether the transport should gather another utterance.
func (r Response) KeepListening() bool {
	return !r.EndCall
}

// Config wires the engine's collaborators.
type Config struct {
	Store      SessionStore
	Scheduler  Scheduler
	Directory  PatientDirectory
	Classifier IntentClassifier
	Messenger  Messenger
	Alerter    Alerter
	Outcomes   OutcomeRecorder
	Metrics    Metrics
	Logger     *logging.Logger

	ClinicName       string
	Location         *time.Location
	HandoffLinkBase  string
	AppointmentTypes AppointmentTypes
	// SafetyValveTurns is the number of unproductive turns in one state that trips
	// the Safety Valve. Defaults to 2.
	SafetyValveTurns          int
	IntentConfidenceThreshold float64
	Now                       func() time.Time
}

// Engine runs one dialogue turn per webhook against the persisted Call Session.
type Engine struct {
	store      SessionStore
	scheduler  Scheduler
	directory  PatientDirectory
	classifier IntentClassifier
	messenger  Messenger
	alerter    Alerter
	outcomes   OutcomeRecorder
	metrics    Metrics
	logger     *logging.Logger

	prompts         prompts
	recovery        recoveryController
	slots           slotCoordinator
	loc             *time.Location
	intentThreshold float64
	now             func() time.Time
}

const maxChainedStates = 4

// NewEngine validates cfg and applies defaults.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errors.New("dialogue: session store is required")
	}
	if cfg.Scheduler == nil {
		return nil, errors.New("dialogue: scheduler is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = noopMetrics{}
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.ClinicName == "" {
		cfg.ClinicName = "the clinic"
	}
	if cfg.SafetyValveTurns <= 0 {
		cfg.SafetyValveTurns = 2
	}
	if cfg.IntentConfidenceThreshold <= 0 {
		cfg.IntentConfidenceThreshold = 0.5
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{
		store:           cfg.Store,
		scheduler:       cfg.Scheduler,
		directory:       cfg.Directory,
		classifier:      cfg.Classifier,
		messenger:       cfg.Messenger,
		alerter:         cfg.Alerter,
		outcomes:        cfg.Outcomes,
		metrics:         cfg.Metrics,
		logger:          cfg.Logger,
		prompts:         prompts{clinicName: cfg.ClinicName, loc: cfg.Location},
		recovery:        recoveryController{threshold: cfg.SafetyValveTurns, linkBase: cfg.HandoffLinkBase},
		slots:           slotCoordinator{scheduler: cfg.Scheduler, types: cfg.AppointmentTypes},
		loc:             cfg.Location,
		intentThreshold: cfg.IntentConfidenceThreshold,
		now:             cfg.Now,
	}, nil
}

// HandleTurn reads the session, decides the response, performs side effects and
// writes the merged session back. A non-nil Response may accompany an error when
// the response was decided but the session could not be saved.
func (e *Engine) HandleTurn(ctx context.Context, in Turn) (Response, error) {
	if strings.TrimSpace(in.CallID) == "" {
		return Response{}, errors.New("dialogue: call id required")
	}
	started := e.now()
	log := e.logger.With("call_id", in.CallID)

	orig, err := e.store.Get(ctx, in.CallID)
	if err != nil {
		return Response{}, fmt.Errorf("dialogue: load session: %w", err)
	}
	if orig == nil {
		orig = NewSession(in.CallID, in.CallerPhone, in.ClinicPhone, started)
		log.Info("call session created", "caller", logging.MaskPhone(in.CallerPhone))
	} else {
		if in.TurnID != "" && in.TurnID == orig.LastTurnID && orig.LastResponse != nil {
			log.Info("redelivered turn replayed", "turn_id", in.TurnID)
			e.metrics.ObserveTurn(orig.State, resultReplay, e.now().Sub(started).Seconds())
			return *orig.LastResponse, nil
		}
		if orig.Ended {
			e.metrics.ObserveTurn(orig.State, resultEnded, e.now().Sub(started).Seconds())
			return Response{Text: e.prompts.callEnded(), EndCall: true, State: orig.State}, nil
		}
	}

	sess := orig.Clone()
	if sess.CallerPhone == "" {
		sess.CallerPhone = in.CallerPhone
	}
	if sess.ClinicPhone == "" {
		sess.ClinicPhone = in.ClinicPhone
	}
	startState := sess.State
	text := strings.TrimSpace(in.Speech)
	t := &turn{
		ctx:  ctx,
		in:   in,
		sess: sess,
		text: text,
		cls:  Classify(text),
		now:  started,
		log:  log.With("state", string(startState)),
	}
	if in.Route != "" && in.Route != string(sess.State) {
		t.log.Debug("transport route differs from session state", "route", in.Route)
	}

	o := e.evaluate(t)
	resp := e.finish(t, o)

	// Writing LastTurnID claims the turn. A concurrent delivery of the same turn
	// that wrote first owns the side effects; this one replays its response.
	var replay *Response
	saved, err := e.store.Update(ctx, in.CallID, func(cur *Session) (*Session, error) {
		replay = nil
		if cur != nil && in.TurnID != "" && cur.Version != orig.Version &&
			cur.LastTurnID == in.TurnID && cur.LastResponse != nil {
			r := *cur.LastResponse
			replay = &r
			return nil, nil
		}
		return mergeTurn(orig, sess, cur), nil
	})
	if err != nil {
		e.metrics.ObserveTurn(startState, o.result, e.now().Sub(started).Seconds())
		return resp, fmt.Errorf("dialogue: save session: %w", err)
	}
	if replay != nil {
		t.log.Info("concurrent delivery already applied turn", "turn_id", in.TurnID)
		e.metrics.ObserveTurn(startState, resultReplay, e.now().Sub(started).Seconds())
		return *replay, nil
	}

	e.settle(t, o, saved)
	e.metrics.ObserveTurn(startState, o.result, e.now().Sub(started).Seconds())
	t.log.Info("turn handled", "result", o.result, "next_state", string(sess.State),
		"end_call", resp.EndCall, "turns_in_state", sess.TurnsInCurrentState)
	return resp, nil
}

// evaluate applies the recovery controller and the state machine to one turn.
func (e *Engine) evaluate(t *turn) outcome {
	s := t.sess
	s.TurnCount++
	s.LastUtterance = t.text
	callerText := t.text
	if callerText == "" && t.in.Digits != "" {
		callerText = "[keypad " + t.in.Digits + "]"
	}
	s.appendTranscript("caller", callerText, t.now)

	var o outcome
	switch {
	case e.recovery.shouldTrip(s):
		o = e.safetyValve(t, ValvePersistedStuck, "")
	case t.cls.WantsHuman && s.LockedObjective != ObjectiveNone:
		o = e.safetyValve(t, ValveCallerRequestedHelp, "")
	case t.cls.IsGoodbye:
		o = e.callerGoodbye(t)
	default:
		o = e.run(t)
	}
	e.apply(t, o)

	if !t.transitioned && !o.end {
		s.TurnsInCurrentState++
	}
	if !o.end && e.recovery.shouldTrip(s) {
		lead := ""
		if o.result == resultCommitFailed {
			lead = e.prompts.apology()
		}
		valve := e.safetyValve(t, ValveStuck, lead)
		valve.effects = append(o.effects, valve.effects...)
		o = valve
		e.apply(t, o)
	}
	if o.end && !GoodbyeAllowed(s) {
		t.log.Error("call-ending response blocked by open objective", "objective", s.LockedObjective)
		valve := e.safetyValve(t, ValveStuck, "")
		valve.effects = append(o.effects, valve.effects...)
		o = valve
		e.apply(t, o)
	}
	return o
}

// run dispatches to the current state's handler, following same-turn chains.
func (e *Engine) run(t *turn) outcome {
	o := e.dispatch(t)
	for hops := 0; o.chain && hops < maxChainedStates; hops++ {
		e.apply(t, o)
		t.chained = true
		o = e.dispatch(t)
	}
	return o
}

func (e *Engine) dispatch(t *turn) outcome {
	h, ok := stateHandlers[t.sess.State]
	if !ok {
		t.log.Error("no handler for state")
		return e.safetyValve(t, ValveStuck, "")
	}
	return h(e, t)
}

// apply performs the outcome's state transitions.
func (e *Engine) apply(t *turn, o outcome) {
	s := t.sess
	if o.via != "" && o.via != s.State {
		e.metrics.ObserveTransition(s.State, o.via)
		s.transition(o.via, t.now)
		t.transitioned = true
	}
	if o.next != "" && (o.next != s.State || o.reenter) {
		e.metrics.ObserveTransition(s.State, o.next)
		s.transition(o.next, t.now)
		t.transitioned = true
	}
}

func (e *Engine) callerGoodbye(t *turn) outcome {
	s := t.sess
	if GoodbyeAllowed(s) {
		if s.Outcome == "" {
			s.Outcome = outcomeCallerGoodbye
		}
		return outcome{next: StateGoodbye, end: true, say: e.prompts.goodbye(), result: resultGoodbye}
	}
	t.log.Info("caller goodbye deferred, objective still open", "objective", s.LockedObjective)
	return outcome{next: s.State, say: e.prompts.notYet(s.LockedObjective) + e.statePrompt(s), result: resultReprompt}
}

// finish records the response on the session and marks ended calls.
func (e *Engine) finish(t *turn, o outcome) Response {
	s := t.sess
	resp := Response{Text: o.say, EndCall: o.end, State: s.State}
	s.appendTranscript("assistant", o.say, t.now)
	s.LastTurnID = t.in.TurnID
	s.LastResponse = &resp
	s.UpdatedAt = t.now
	if o.end {
		s.Ended = true
	}
	return resp
}

// settle runs the turn's side effects once the turn is persisted, then writes
// back the sent flags so later turns and redeliveries skip them.
func (e *Engine) settle(t *turn, o outcome, saved *Session) {
	s := t.sess
	if saved != nil {
		s.ConfirmationSent = s.ConfirmationSent || saved.ConfirmationSent
		s.HandoffSent = s.HandoffSent || saved.HandoffSent
		s.OutcomeRecorded = s.OutcomeRecorded || saved.OutcomeRecorded
		for _, k := range saved.AlertsRaised {
			if !s.alertRaised(k) {
				s.AlertsRaised = append(s.AlertsRaised, k)
			}
		}
	}
	before := sideEffectMarks(s)
	e.runEffects(t, o.effects)
	if o.end {
		e.recordOutcome(t.ctx, t.log, s)
	}
	if sideEffectMarks(s) == before {
		return
	}
	if _, err := e.store.Update(t.ctx, s.CallID, func(cur *Session) (*Session, error) {
		if cur == nil {
			return nil, nil
		}
		c := cur.Clone()
		c.ConfirmationSent = c.ConfirmationSent || s.ConfirmationSent
		c.HandoffSent = c.HandoffSent || s.HandoffSent
		c.OutcomeRecorded = c.OutcomeRecorded || s.OutcomeRecorded
		for _, k := range s.AlertsRaised {
			if !c.alertRaised(k) {
				c.AlertsRaised = append(c.AlertsRaised, k)
			}
		}
		return c, nil
	}); err != nil {
		t.log.Warn("saving side-effect flags failed", "error", err)
	}
}

func sideEffectMarks(s *Session) string {
	return fmt.Sprintf("%t|%t|%t|%d", s.ConfirmationSent, s.HandoffSent, s.OutcomeRecorded, len(s.AlertsRaised))
}

func (e *Engine) runEffects(t *turn, effects []effect) {
	s := t.sess
	for _, eff := range effects {
		switch eff.kind {
		case effectConfirmation:
			if s.ConfirmationSent {
				continue
			}
			if err := e.sendSMS(t, eff.details); err != nil {
				t.log.Error("confirmation sms failed", "error", err)
				e.raise(t, e.alertEffect(t, "confirmation_sms_failed", err.Error()).alert)
				continue
			}
			s.ConfirmationSent = true
		case effectHandoff:
			if s.HandoffSent {
				continue
			}
			if err := e.sendSMS(t, eff.details); err != nil {
				t.log.Error("hand-off sms failed", "error", err)
				continue
			}
			s.HandoffSent = true
		case effectAlert:
			e.raise(t, eff.alert)
		}
	}
}

func (e *Engine) sendSMS(t *turn, details ConfirmationDetails) error {
	if e.messenger == nil {
		return errors.New("dialogue: no messenger configured")
	}
	if t.sess.CallerPhone == "" {
		return errors.New("dialogue: caller phone unknown")
	}
	return e.messenger.SendConfirmation(t.ctx, t.sess.CallerPhone, details)
}

func (e *Engine) raise(t *turn, alert Alert) {
	s := t.sess
	if s.alertRaised(alert.Kind) {
		return
	}
	if e.alerter == nil {
		t.log.Warn("operator alert dropped, no alerter configured", "kind", alert.Kind)
		return
	}
	if err := e.alerter.RaiseAlert(t.ctx, alert); err != nil {
		t.log.Error("operator alert failed", "kind", alert.Kind, "error", err)
		return
	}
	s.AlertsRaised = append(s.AlertsRaised, alert.Kind)
}

func (e *Engine) recordOutcome(ctx context.Context, log *logging.Logger, s *Session) {
	if e.outcomes == nil || s.OutcomeRecorded {
		return
	}
	if err := e.outcomes.RecordOutcome(ctx, s); err != nil {
		log.Error("record call outcome failed", "error", err)
		return
	}
	s.OutcomeRecorded = true
}

// EndCall finalizes a call the transport reports as terminated and discards its
// session. A caller who hangs up with an open objective is texted the hand-off link.
func (e *Engine) EndCall(ctx context.Context, callID, reason string) error {
	log := e.logger.With("call_id", callID)
	var final *Session
	if _, err := e.store.Update(ctx, callID, func(cur *Session) (*Session, error) {
		if cur == nil {
			final = nil
			return nil, nil
		}
		c := cur.Clone()
		if !c.Ended {
			c.Ended = true
			c.UpdatedAt = e.now()
			if c.Outcome == "" {
				c.Outcome = outcomeHangup
				if c.LockedObjective != ObjectiveNone {
					c.Outcome = outcomeAbandoned
				}
			}
		}
		final = c
		return c, nil
	}); err != nil {
		return fmt.Errorf("dialogue: end call: %w", err)
	}
	if final == nil {
		log.Debug("end call for unknown session", "reason", reason)
		return nil
	}

	if final.Outcome == outcomeAbandoned && !final.HandoffSent {
		t := &turn{ctx: ctx, sess: final, now: e.now(), log: log}
		details := ConfirmationDetails{
			Kind:        MessageHandoffLink,
			CallID:      final.CallID,
			ClinicName:  e.prompts.clinicName,
			ClinicPhone: final.ClinicPhone,
			PatientName: final.Get(FieldName),
			Link:        e.recovery.handoffLink(final),
		}
		if err := e.sendSMS(t, details); err != nil {
			log.Warn("abandoned call hand-off sms failed", "error", err)
		} else {
			final.HandoffSent = true
		}
	}
	if final.LockedObjective != ObjectiveNone {
		final.FinalObjective = final.LockedObjective
	}
	e.recordOutcome(ctx, log, final)
	log.Info("call ended", "reason", reason, "outcome", final.Outcome)

	if err := e.store.Delete(ctx, callID); err != nil {
		return fmt.Errorf("dialogue: discard session: %w", err)
	}
	return nil
}

// Session returns the persisted session for a call.
func (e *Engine) Session(ctx context.Context, callID string) (*Session, error) {
	s, err := e.store.Get(ctx, callID)
	if err != nil {
		return nil, fmt.Errorf("dialogue: load session: %w", err)
	}
	if s == nil {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// MergeCollected writes caller-supplied fields from a parallel writer (such as a
// web form) into the session, re-reading it immediately before the write.
func (e *Engine) MergeCollected(ctx context.Context, callID string, fields map[string]string) (*Session, error) {
	return e.store.Update(ctx, callID, func(cur *Session) (*Session, error) {
		if cur == nil {
			return nil, ErrSessionNotFound
		}
		c := cur.Clone()
		for k, v := range fields {
			c.Set(k, v)
		}
		enforceScrub(c)
		c.UpdatedAt = e.now()
		return c, nil
	})
}

// mergeTurn combines this turn's result with whatever is persisted now. When
// another writer got in between, its collected fields are kept unless this turn
// changed the same key.
func mergeTurn(orig, updated, cur *Session) *Session {
	if cur == nil {
		if orig.Version > 0 {
			// Discarded while the turn ran; do not resurrect it.
			return nil
		}
		return updated
	}
	if cur.Version == orig.Version {
		return updated
	}
	out := updated.Clone()
	out.Collected = make(map[string]string, len(cur.Collected))
	for k, v := range cur.Collected {
		out.Collected[k] = v
	}
	for k, v := range updated.Collected {
		if orig.Collected[k] != v {
			out.Collected[k] = v
		}
	}
	for k := range orig.Collected {
		if _, kept := updated.Collected[k]; !kept {
			delete(out.Collected, k)
		}
	}
	enforceScrub(out)
	out.Ended = out.Ended || cur.Ended
	out.AppointmentCreated = out.AppointmentCreated || cur.AppointmentCreated
	out.RescheduleCompleted = out.RescheduleCompleted || cur.RescheduleCompleted
	out.CancelCompleted = out.CancelCompleted || cur.CancelCompleted
	out.ConfirmationSent = out.ConfirmationSent || cur.ConfirmationSent
	out.HandoffSent = out.HandoffSent || cur.HandoffSent
	out.OutcomeRecorded = out.OutcomeRecorded || cur.OutcomeRecorded
	out.Version = cur.Version
	return out
}
