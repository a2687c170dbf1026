package cli

import (
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/adreel-io/adreel/internal/config"
	"github.com/adreel-io/adreel/internal/logging"
)

var (
	configPath string
	logLevel   string
	logFormat  string
	noColor    bool

	// cfg is loaded once per invocation by the root pre-run hook.
	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "adreel",
	Short: "Generate short video ads from a product description",
	Long: `Adreel turns a product description into a short vertical video ad.

It runs a resumable stage pipeline:
  • Visual DNA and script from a language model
  • Keyframes and video clips per scene, in parallel
  • Voice-over, background music and final assembly
  • Shared provider quotas with graceful degradation to still-image motion`,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to adreel.yaml (default: $ADREEL_CONFIG or ./adreel.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format: console, text, json")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(generateCmd)
	rootCmd.AddCommand(regenerateCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(quotaCmd)
	rootCmd.AddCommand(versionCmd)
}

func setup(cmd *cobra.Command, args []string) error {
	if !noColor && (os.Getenv("NO_COLOR") != "" || !isatty.IsTerminal(os.Stdout.Fd())) {
		noColor = true
	}

	loaded, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		loaded.Log.Level = logLevel
	}
	if logFormat != "" {
		loaded.Log.Format = logFormat
	}
	logging.Init(loaded.Log.Level, loaded.Log.Format)

	cfg = loaded
	return nil
}

// colorize returns an ANSI code unless colors are disabled.
func colorize(code string) string {
	if noColor {
		return ""
	}
	return code
}

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBold   = "\033[1m"
)
