// Package cmd provides the command-line interface of cqhcictl.
package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"

	"github.com/sarchlab/cqhci/cqe"
)

var (
	envFile  string
	logLevel string
	logJSON  bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "cqhcictl",
	Short: "cqhcictl exercises the CQHCI command queue engine.",
	Long: `cqhcictl exercises the CQHCI command queue engine against an ` +
		`emulated controller and decodes task descriptors and registers. ` +
		`Flags default to CQHCI_<FLAG> environment variables, which may be ` +
		`set in a .env file.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		if err := loadEnv(envFile); err != nil {
			return err
		}

		if err := applyEnv(cmd.Flags()); err != nil {
			return err
		}

		return setupLogging()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env", ".env",
		"file with CQHCI_* variables; a missing file is ignored")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn",
		"minimum log level: debug, info, warn or error")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false,
		"write logs as JSON")
}

func setupLogging() error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(logLevel))); err != nil {
		return fmt.Errorf("log level %q: %w", logLevel, err)
	}

	cqe.SetLogLevel(level)

	format := cqe.LogFormatText
	if logJSON {
		format = cqe.LogFormatJSON
	}
	cqe.SetLogOutput(os.Stderr, format)

	return nil
}

// Execute adds all child commands to the root command and sets flags
// appropriately.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		atexit.Exit(1)
	}
}
