package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/wolfman30/clinic-voice-booking/internal/dialogue"
	"github.com/wolfman30/clinic-voice-booking/internal/intent"
	"github.com/wolfman30/clinic-voice-booking/internal/messaging"
	"github.com/wolfman30/clinic-voice-booking/internal/notify"
	"github.com/wolfman30/clinic-voice-booking/internal/scheduling"
	"github.com/wolfman30/clinic-voice-booking/pkg/logging"
)

type simOptions struct {
	clinicName  string
	timezone    string
	callerPhone string
	patientName string
	seedBooking bool
	logLevel    string
	now         func() time.Time
}

func (o *simOptions) bindFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.StringVar(&o.clinicName, "clinic", "Riverside Family Clinic", "Clinic name used in prompts")
	flags.StringVar(&o.timezone, "timezone", "America/New_York", "Clinic timezone")
	flags.StringVar(&o.callerPhone, "caller", "+15555550100", "Caller ID presented to the agent")
	flags.StringVar(&o.patientName, "patient", "", "Register the caller as an existing patient with this name")
	flags.BoolVar(&o.seedBooking, "with-appointment", false, "Give the existing patient an upcoming appointment")
	flags.StringVar(&o.logLevel, "log-level", "warn", "Engine log level")
}

type simulator struct {
	engine      *dialogue.Engine
	callID      string
	callerPhone string
}

// callSummary is what a finished simulated call reached.
type callSummary struct {
	FinalState    dialogue.State
	StatesVisited []dialogue.State
	Turns         int
}

func newSimulator(opts *simOptions, logOut io.Writer) (*simulator, error) {
	logger := logging.NewWithWriter(opts.logLevel, logOut)
	loc, err := time.LoadLocation(opts.timezone)
	if err != nil {
		return nil, fmt.Errorf("timezone: %w", err)
	}
	now := opts.now
	if now == nil {
		now = time.Now
	}

	var patients []dialogue.Patient
	if name := strings.TrimSpace(opts.patientName); name != "" {
		patients = append(patients, dialogue.Patient{ID: "pat-sim", Name: name, Phone: opts.callerPhone})
	}
	sched := scheduling.NewMemoryScheduler(scheduling.MemoryConfig{Location: loc, Patients: patients, Now: now})
	if opts.seedBooking && len(patients) > 0 {
		if err := seedAppointment(sched, now().In(loc)); err != nil {
			return nil, err
		}
	}

	messenger, err := messaging.NewConfirmationMessenger(messaging.NewLogSender(logger), "+15555550000", nil, logger)
	if err != nil {
		return nil, err
	}
	engine, err := dialogue.NewEngine(dialogue.Config{
		Store:      dialogue.NewMemoryStore(),
		Scheduler:  sched,
		Directory:  sched,
		Classifier: intent.KeywordClassifier{},
		Messenger:  messenger,
		Alerter:    notify.NewAlertService(notify.NewLogEmailSender(logger), "", opts.clinicName, loc, logger),
		Logger:     logger,
		ClinicName: opts.clinicName,
		Location:   loc,
		Now:        now,
	})
	if err != nil {
		return nil, err
	}
	return &simulator{engine: engine, callID: "SIM-" + uuid.NewString()[:8], callerPhone: opts.callerPhone}, nil
}

// seedAppointment books the first weekday slot at 10:00 at least two days out.
func seedAppointment(sched *scheduling.MemoryScheduler, now time.Time) error {
	day := now.AddDate(0, 0, 2)
	for i := 0; i < 7; i++ {
		d := day.AddDate(0, 0, i)
		if d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
			continue
		}
		start := time.Date(d.Year(), d.Month(), d.Day(), 10, 0, 0, 0, now.Location())
		_, err := sched.Book("pat-sim", start)
		return err
	}
	return fmt.Errorf("no weekday slot to seed")
}

// converse opens the call, feeds each input line as a turn and prints the
// exchange. When prompt is set a "> " prompt is written before each read.
func (s *simulator) converse(ctx context.Context, in io.Reader, out io.Writer, prompt bool) (callSummary, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	resp, err := s.turn(ctx, out, "", "")
	if err != nil {
		return callSummary{}, err
	}

	scanner := bufio.NewScanner(in)
	for !resp.EndCall {
		if prompt {
			fmt.Fprint(out, "> ")
		}
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		speech, digits := line, ""
		if d, ok := strings.CutPrefix(line, "dtmf:"); ok {
			speech, digits = "", strings.TrimSpace(d)
		}
		if !prompt {
			fmt.Fprintf(out, "caller: %s\n", line)
		}
		if resp, err = s.turn(ctx, out, speech, digits); err != nil {
			return callSummary{}, err
		}
	}
	if err := scanner.Err(); err != nil {
		return callSummary{}, fmt.Errorf("read input: %w", err)
	}

	sess, err := s.engine.Session(ctx, s.callID)
	if err != nil {
		return callSummary{}, err
	}
	summary := callSummary{FinalState: sess.State, StatesVisited: sess.StatesVisited, Turns: sess.TurnCount}
	if err := s.engine.EndCall(ctx, s.callID, "simulator"); err != nil {
		return summary, err
	}
	fmt.Fprintf(out, "-- call ended in %s after %d turns (%s)\n", summary.FinalState, summary.Turns, joinStates(summary.StatesVisited))
	return summary, nil
}

func (s *simulator) turn(ctx context.Context, out io.Writer, speech, digits string) (dialogue.Response, error) {
	resp, err := s.engine.HandleTurn(ctx, dialogue.Turn{
		CallID:      s.callID,
		Speech:      speech,
		Digits:      digits,
		CallerPhone: s.callerPhone,
	})
	if err != nil && resp.Text == "" {
		return resp, err
	}
	fmt.Fprintf(out, "agent [%s]: %s\n", resp.State, resp.Text)
	return resp, nil
}

func joinStates(states []dialogue.State) string {
	parts := make([]string, len(states))
	for i, st := range states {
		parts[i] = string(st)
	}
	return strings.Join(parts, " > ")
}
