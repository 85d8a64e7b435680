package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/courtside/photodesk/internal/config"
	"github.com/courtside/photodesk/internal/logging"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

type commandContext struct {
	configPath string
	logLevel   string
	verbose    bool
}

func newRootCommand() *cobra.Command {
	ctx := &commandContext{}

	cmd := &cobra.Command{
		Use:   "photoctl",
		Short: "Prepare and upload photo batches from the command line",
		Long: `photoctl runs the same ingestion pipeline as the console: every photo is
checked against the selection limits, scaled into a preview and an upload
variant, and the batch is posted to the photo backend in one request.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Load .env file if present (ignore errors)
			_ = godotenv.Load()
		},
	}

	cmd.PersistentFlags().StringVarP(&ctx.configPath, "config", "c", "", "config file (XML, or YAML for .yaml/.yml)")
	cmd.PersistentFlags().StringVar(&ctx.logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().BoolVarP(&ctx.verbose, "verbose", "v", false, "shorthand for --log-level=debug")

	cmd.AddCommand(newPolicyCommand(ctx))
	cmd.AddCommand(newSubmitCommand(ctx))

	return cmd
}

// loadConfig reads the config file when one is given, else the defaults
// with environment overrides.
func (c *commandContext) loadConfig() (*config.AppConfig, error) {
	if c.configPath == "" {
		return config.FromEnvironment()
	}
	if _, err := os.Stat(c.configPath); err != nil {
		return nil, fmt.Errorf("config file: %w", err)
	}
	return config.LoadConfig(c.configPath)
}

func (c *commandContext) logger(w io.Writer) *slog.Logger {
	level := c.logLevel
	if c.verbose {
		level = "debug"
	}
	logger, err := logging.New(logging.Options{Level: level, Format: "text", Output: w})
	if err != nil {
		return logging.Discard()
	}
	return logger
}
