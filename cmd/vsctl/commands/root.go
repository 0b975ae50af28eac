package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/MrWong99/voicesafe/internal/app"
	"github.com/MrWong99/voicesafe/internal/config"
	"github.com/MrWong99/voicesafe/pkg/scoring"
)

var (
	// Global flags
	cfgFile     string
	weightsFile string
	outputJSON  bool
	verbose     bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "vsctl",
	Short: "VoiceSafe command line tool",
	Long: `vsctl - analyze voice recordings for scam-risk indicators.

Recordings are analyzed in process with the same pipeline the server runs,
or uploaded to a running server with --server.

Examples:
  # Score a recording with the built-in weights
  vsctl analyze call.wav

  # Try a tuned weight set
  vsctl analyze --weights tuned.yaml call.mp3

  # Ask a running server
  vsctl analyze --server http://localhost:8000 call.ogg --json`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(*cobra.Command, []string) {
		logLevel := slog.LevelWarn
		if verbose {
			logLevel = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: logLevel,
		})))
	},
}

// Command returns the root cobra command for mounting into a parent CLI.
func Command() *cobra.Command {
	return rootCmd
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "server config file (default: defaults and environment)")
	rootCmd.PersistentFlags().StringVarP(&weightsFile, "weights", "w", "", "scoring weights file, overrides the config")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "output as JSON (for piping)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(featuresCmd)
	rootCmd.AddCommand(weightsCmd)
}

// loadConfig returns the config selected by the global flags. Rate limiting
// is switched off: it only applies to the server.
func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if cfgFile != "" {
		cfg, err = config.Load(cfgFile)
	} else {
		cfg, err = config.FromEnv()
	}
	if err != nil {
		return nil, err
	}
	if weightsFile != "" {
		w, err := scoring.LoadWeights(weightsFile)
		if err != nil {
			return nil, err
		}
		cfg.Scoring.Weights = w
	}
	cfg.RateLimit.Enabled = false
	return cfg, nil
}

// newLocalApp builds the in-process pipeline. The caller shuts it down.
func newLocalApp(ctx context.Context) (*app.App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	a, err := app.New(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("build pipeline: %w", err)
	}
	return a, nil
}
