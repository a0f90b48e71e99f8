package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/theckman/yacspin"

	"github.com/nasa-jpl/nanoprep/protocol"
	"github.com/nasa-jpl/nanoprep/record"
)

// spinnerRate is the most samples per second shown on the terminal
const spinnerRate = 10

// parseParams converts key=value arguments to protocol parameter overrides
func parseParams(args []string) (map[string]any, error) {
	out := make(map[string]any, len(args))
	for _, a := range args {
		k, v, ok := strings.Cut(a, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("parameter %q must be key=value", a)
		}
		out[k] = v
	}
	return out, nil
}

// spinnerLine is the live status of a run on one terminal line
type spinnerLine struct {
	mu       sync.Mutex
	last     record.Sample
	progress float64
	sp       *yacspin.Spinner
}

func (l *spinnerLine) Sample(s record.Sample) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.last.Time = s.Time.Else(l.last.Time)
	l.last.Voltage = s.Voltage.Else(l.last.Voltage)
	l.last.Current = s.Current.Else(l.last.Current)
	l.last.Diameter = s.Diameter.Else(l.last.Diameter)
	l.update()
}

func (l *spinnerLine) Progress(p float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.progress = p
	l.update()
}

// update redraws the message.  l.mu must be held.
func (l *spinnerLine) update() {
	msg := fmt.Sprintf("t=%.1fs V=%.3fV I=%.3gA", l.last.Time.Or(0), l.last.Voltage.Or(0), l.last.Current.Or(0))
	if d, ok := l.last.Diameter.Get(); ok {
		msg += fmt.Sprintf(" d=%.2fnm", d)
	}
	if l.progress > 0 {
		msg += fmt.Sprintf(" %.0f%%", 100*l.progress)
	}
	l.sp.Message(msg)
}

func newSpinner(name string) (*yacspin.Spinner, error) {
	return yacspin.New(yacspin.Config{
		Frequency:         100 * time.Millisecond,
		CharSet:           yacspin.CharSets[14],
		Suffix:            " " + name,
		SuffixAutoColon:   true,
		StopCharacter:     "✓",
		StopColors:        []string{"fgGreen"},
		StopFailCharacter: "✗",
		StopFailColors:    []string{"fgRed"},
	})
}

func newRunCmd() *cobra.Command {
	var quiet bool
	cmd := &cobra.Command{
		Use:   "run <protocol> [key=value ...]",
		Short: "run one protocol and exit",
		Long: `run executes a protocol on the configured instrument, writing the results
to the output directory.  Parameters not given on the command line take the
site defaults from the config file, then the protocol defaults.  Interrupt
to abort the run; the instrument is always shut down.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := parseParams(args[1:])
			if err != nil {
				return err
			}
			c, err := LoadConfig(ConfigFileName)
			if err != nil {
				return err
			}
			log, err := c.Logger()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			app, err := NewApp(ctx, c, log)
			if err != nil {
				return err
			}
			defer app.Close()

			var sp *yacspin.Spinner
			if !quiet {
				if sp, err = newSpinner(args[0]); err != nil {
					return err
				}
				app.Extra = func(protocol.Run) record.Consumer {
					return record.NewThrottle(&spinnerLine{sp: sp}, spinnerRate, c.Mode())
				}
				if err := sp.Start(); err != nil {
					return err
				}
			}
			res, err := app.Runner.Run(ctx, protocol.Request{Protocol: args[0], Params: params})
			if sp != nil {
				if res.Phase == protocol.Completed {
					sp.StopMessage(string(res.Phase))
					_ = sp.Stop()
				} else {
					sp.StopFailMessage(string(res.Phase))
					_ = sp.StopFail()
				}
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s, results in %s\n", res.ID, res.Phase, app.ResultsFile(res.ID))
			return nil
		},
	}
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "do not show live progress")
	return cmd
}
