package cli

import (
	"log/slog"
	"os"

	"github.com/me/stridek/internal/logging"
	"github.com/spf13/cobra"
)

var (
	flagServer    string
	flagDebug     bool
	flagLogLevel  string
	flagLogFormat string

	logger *slog.Logger
	client *Client
)

// defaultServer returns the default trace server URL, checking STRIDEK_SERVER env var first.
func defaultServer() string {
	if s := os.Getenv("STRIDEK_SERVER"); s != "" {
		return s
	}
	return "http://localhost:8080"
}

// NewRootCmd creates the root cobra command for the stridek CLI.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "stridek",
		Short: "stridek: a stride-scheduling task kernel",
		Long:  "stridek boots a single-CPU kernel, runs a workload of tasks under stride scheduling and records the dispatch trace.",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flagDebug {
				flagLogLevel = "debug"
			}
			logger = logging.NewLogger(logging.ParseLevel(flagLogLevel), flagLogFormat)
			client = NewClient(flagServer, logger)
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flagServer, "server", defaultServer(), "Trace server URL (or STRIDEK_SERVER env)")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "Log level (trace, debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "Log format (text, json)")

	root.AddCommand(
		newRunCmd(),
		newServeCmd(),
		newTraceCmd(),
		newProgramsCmd(),
	)

	return root
}
