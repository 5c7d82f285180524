package main

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/httprunner/PunchAgent/internal/env"
)

var rootCmd = &cobra.Command{
	Use:           "punchagent",
	Short:         "Relay attendance punches from a biometric terminal to a collection endpoint",
	Long:          `punchagent pulls the attendance log from a ZKTeco-compatible terminal on a fixed interval, keeps the punches whose user id passes the configured policy and POSTs them as JSON to the configured endpoint. Settings live in punchagent_config.json; process knobs come from the environment or a .env file.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogging(rootLogLevel, rootLogFile)
	},
}

var (
	rootConfigPath string
	rootLogLevel   string
	rootLogFile    string
)

func init() {
	output := zerolog.ConsoleWriter{Out: os.Stderr}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	_ = env.Ensure()

	rootCmd.PersistentFlags().StringVar(&rootConfigPath, "config", env.String(env.ConfigPath, ""), "Config document path overriding the search order ($"+env.ConfigPath+")")
	rootCmd.PersistentFlags().StringVar(&rootLogLevel, "log-level", env.String(env.LogLevel, "info"), "Log level: debug, info, warn, error ($"+env.LogLevel+")")
	rootCmd.PersistentFlags().StringVar(&rootLogFile, "log-file", env.String(env.LogFile, ""), "Also write JSON logs to this file ($"+env.LogFile+")")
	rootCmd.AddCommand(
		newRunCmd(),
		newServeCmd(),
		newOnceCmd(),
		newProbeCmd(),
		newConfigCmd(),
		newHistoryCmd(),
	)
}

func setupLogging(level, file string) error {
	parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return errors.Wrapf(err, "invalid log level %q", level)
	}
	if parsed == zerolog.NoLevel {
		parsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(parsed)

	file = strings.TrimSpace(file)
	if file == "" {
		return nil
	}
	f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errors.Wrapf(err, "open log file %s", file)
	}
	console := zerolog.ConsoleWriter{Out: os.Stderr}
	log.Logger = zerolog.New(zerolog.MultiLevelWriter(console, f)).With().Timestamp().Logger()
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("punchagent command failed")
	}
}
