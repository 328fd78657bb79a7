package commands

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/michalfoune/rizma-voice/cmd/rizma-voice/internal/config"
)

var (
	verbose bool

	globalConfig  *config.Config
	configLoadErr error
)

var rootCmd = &cobra.Command{
	Use:   "rizma-voice",
	Short: "Realtime voice conversation client",
	Long: `rizma-voice - a realtime voice conversation client.

The client negotiates a peer connection with the model endpoint, streams
microphone audio up and assistant audio down, and keeps a bounded
conversation memory across sessions. When the realtime transport is
unavailable, replies fall back to the plain HTTP pipeline.

Configuration is stored in the OS config directory:
  macOS:   ~/Library/Application Support/rizma-voice/
  Linux:   ~/.config/rizma-voice/
  Windows: %AppData%/rizma-voice/

Examples:
  # Start a voice session
  rizma-voice run

  # One-shot question over the HTTP fallback
  rizma-voice ask "what did we talk about yesterday?"

  # Inspect the persisted memory
  rizma-voice memory show`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}

func initConfig() {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	globalConfig, configLoadErr = config.Load()
}

// requireConfig returns the loaded configuration or the deferred load error.
func requireConfig() (*config.Config, error) {
	if configLoadErr != nil {
		return nil, configLoadErr
	}
	return globalConfig, nil
}
