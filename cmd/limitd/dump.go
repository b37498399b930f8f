package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/goodtune/apptimelimit/internal/engine"
)

var dumpEventLog string

var dumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Replay an event log and print the resulting engine state",
	Long: `Replay a newline-delimited JSON event log (observer registrations and
start/stop events) through a fresh engine and print the resulting Controller
state, for debugging what a given event history leaves behind.`,
	RunE: runDump,
}

func init() {
	dumpCmd.Flags().StringVar(&dumpEventLog, "event-log", "-", "path to a newline-delimited JSON event log, or - for stdin")
	rootCmd.AddCommand(dumpCmd)
}

func runDump(cmd *cobra.Command, args []string) error {
	logger := zerolog.New(os.Stderr).Level(zerolog.ErrorLevel).With().Timestamp().Logger()

	ctrl := engine.NewController(engine.DefaultConfig(), nil, nopNotifier{}, engine.NopMetrics{}, logger)
	defer ctrl.Close()

	in := os.Stdin
	if dumpEventLog != "-" {
		f, err := os.Open(dumpEventLog)
		if err != nil {
			return fmt.Errorf("failed to open event log: %w", err)
		}
		defer f.Close()
		in = f
	}

	err := readEvents(in, func(e event) error {
		if err := applyEvent(ctrl, e); err != nil {
			yellow := color.New(color.FgYellow)
			yellow.Fprintf(os.Stdout, "  (ignored %s: %v)\n", e.Type, err)
		}
		return nil
	}, func(line []byte, err error) {
		red := color.New(color.FgRed)
		red.Fprintf(os.Stdout, "  (malformed line: %v)\n", err)
	})
	if err != nil {
		return fmt.Errorf("failed to replay event log: %w", err)
	}

	cyan := color.New(color.FgCyan, color.Bold)
	cyan.Println("engine state")
	cyan.Println("------------")
	fmt.Print(ctrl.Dump())
	return nil
}
