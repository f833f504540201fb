// Command inspector records and inspects trace events written by
// instrumented programs.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/ketgo/inspector"
	"github.com/ketgo/inspector/internal/logging"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"
)

// exitError carries a process exit code out of a command.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

// app is the state shared by all subcommands, set up before any of them
// runs.
type app struct {
	cfg    inspector.Config
	logger *zap.Logger

	configFile string
	queue      string
	logLevel   string
	logDev     bool
}

func newRootCmd() *cobra.Command {
	a := &app{logger: zap.NewNop()}

	root := &cobra.Command{
		Use:           "inspector",
		Short:         "Record and inspect trace events",
		Long:          "inspector drains the event queue written by instrumented programs, records it and exports it for trace viewers.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup()
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			_ = a.logger.Sync()
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configFile, "config", "", "TOML configuration file")
	flags.StringVar(&a.queue, "queue", "", "event queue name (overrides configuration)")
	flags.StringVar(&a.logLevel, "log-level", "info", "log level (debug|info|warn|error)")
	flags.BoolVar(&a.logDev, "log-dev", false, "human readable logs")

	root.AddCommand(
		newRecordCmd(a),
		newBackendCmd(a),
		newLsCmd(a),
		newExportCmd(a),
		newEmitCmd(a),
		newRmCmd(a),
		newStatCmd(a),
	)
	return root
}

func (a *app) setup() error {
	var (
		cfg inspector.Config
		err error
	)
	if a.configFile != "" {
		cfg, err = inspector.LoadConfigFile(a.configFile)
	} else {
		cfg, err = inspector.LoadConfig()
	}
	if err != nil {
		return err
	}
	if a.queue != "" {
		cfg.EventQueueName = a.queue
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg

	logCfg := logging.DefaultConfig()
	logCfg.Level = a.logLevel
	logCfg.Development = a.logDev
	logger, err := logging.New(logCfg)
	if err != nil {
		return fmt.Errorf("invalid --log-level: %w", err)
	}
	a.logger = logger
	return nil
}

// main runs the root command. A command reporting an exit code, such as
// record passing on its target's, exits with that code; any other error
// is logged and exits with status 1.
func main() {
	err := newRootCmd().Execute()
	if err == nil {
		return
	}
	var exit *exitError
	if errors.As(err, &exit) {
		os.Exit(exit.code)
	}
	fmt.Fprintln(os.Stderr, "inspector:", err)
	os.Exit(1)
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}
