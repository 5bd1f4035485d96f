package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/wolfman30/clinic-voice-booking/internal/dialogue"
)

func buildChatCmd(opts *simOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Talk to the agent interactively",
		Long: `Start a simulated call and read caller utterances from stdin.

Prefix a line with "dtmf:" to press keypad digits, for example "dtmf:1".
The call ends when the agent hangs up or stdin is closed.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sim, err := newSimulator(opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			_, err = sim.converse(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), true)
			return err
		},
	}
}

func buildRunCmd(opts *simOptions) *cobra.Command {
	var (
		scriptPath  string
		utterances  []string
		expectState string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Replay a scripted call",
		Long: `Replay caller utterances and print the exchange.

Utterances come from repeated --say flags or from a script file with one per
line. Blank lines and lines starting with "#" are skipped. Utterances starting
with "dtmf:" are sent as keypad digits.`,
		Example: `  callsim run --say "I want to book" --say "yes" --say "option two"
  callsim run --script flows/book.txt --expect-state COMPLETED`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var script io.Reader
			switch {
			case scriptPath != "" && len(utterances) > 0:
				return errors.New("use either --script or --say, not both")
			case scriptPath != "":
				f, err := os.Open(scriptPath)
				if err != nil {
					return fmt.Errorf("open script: %w", err)
				}
				defer f.Close()
				script = f
			case len(utterances) > 0:
				script = strings.NewReader(strings.Join(utterances, "\n"))
			default:
				return errors.New("nothing to say: pass --script or --say")
			}

			sim, err := newSimulator(opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			summary, err := sim.converse(cmd.Context(), script, cmd.OutOrStdout(), false)
			if err != nil {
				return err
			}
			if expectState != "" && summary.FinalState != dialogue.State(expectState) {
				return fmt.Errorf("call ended in %s, expected %s", summary.FinalState, expectState)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&scriptPath, "script", "s", "", "Path to a caller script")
	cmd.Flags().StringArrayVar(&utterances, "say", nil, "Caller utterance; repeat for each turn")
	cmd.Flags().StringVar(&expectState, "expect-state", "", "Fail unless the call reaches this state")
	return cmd
}
