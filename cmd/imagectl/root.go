package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/gridctl/imagectl/pkg/config"
	"github.com/gridctl/imagectl/pkg/logging"

	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string
	logFormat  string
)

var rootCmd = &cobra.Command{
	Use:   "imagectl",
	Short: "Container image build orchestration",
	Long: `imagectl builds a container image once per tag on the engine host a job's
node is bound to, records the outcome against the job, then optionally
pushes every tag and removes the local image.

Hosts, node bindings and the build step are defined in a YAML file.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "imagectl.yaml", "Path to the configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Diagnostic log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Diagnostic log format (text, json)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(agentCmd)
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newLogger builds the diagnostic logger for a command. Secrets are always
// redacted.
func newLogger(component string, out io.Writer) *slog.Logger {
	return logging.NewStructuredLogger(logging.Config{
		Level:     logging.ParseLevel(logLevel),
		Format:    logging.ParseFormat(logFormat),
		Output:    out,
		Redact:    true,
		Component: component,
	})
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}
