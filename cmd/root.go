package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags "-X github.com/teleclaude/teleclaude/cmd.Version=v1.0.0"
var Version = "dev"

var (
	cfgFile string
	verbose bool
)

// errValidation marks bad arguments and flags so Execute can exit 2,
// keeping runtime failures on exit 1.
var errValidation = errors.New("invalid usage")

var rootCmd = &cobra.Command{
	Use:   "teleclaude",
	Short: "TeleClaude, terminal AI agents on every chat surface",
	Long:  "TeleClaude brokers conversations between chat platforms and terminal AI agents running in tmux panes. Telegram, Discord, WhatsApp, and the web UI on one side; Claude, Gemini, and Codex sessions on the other.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.teleclaude/config.json or $TELECLAUDE_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(daemonCmd())
	rootCmd.AddCommand(sessionsCmd())
	rootCmd.AddCommand(sendCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(hookCmd())
	rootCmd.AddCommand(doctorCmd())
	rootCmd.AddCommand(mcpCmd())
	rootCmd.AddCommand(versionCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("teleclaude %s\n", Version)
		},
	}
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if v := os.Getenv("TELECLAUDE_CONFIG"); v != "" {
		return v
	}
	return "~/.teleclaude/config.json"
}

// exactArgs is cobra.ExactArgs with the validation exit code attached.
func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) != n {
			return fmt.Errorf("%w: expected %d arg(s), got %d", errValidation, n, len(args))
		}
		return nil
	}
}

// minArgs is cobra.MinimumNArgs with the validation exit code attached.
func minArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) < n {
			return fmt.Errorf("%w: expected at least %d arg(s), got %d", errValidation, n, len(args))
		}
		return nil
	}
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, errValidation) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
