// Package main provides the command-line client for the chat service.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ashureev/toolchat/internal/config"
)

var (
	// Version information (set at build time)
	version = "dev"

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#7C3AED"))

	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#10B981"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#EF4444"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#6B7280"))
)

// rootOptions are the flags shared by every command.
type rootOptions struct {
	dbPath   string
	provider string
	asJSON   bool
	verbose  bool
}

func main() {
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("Error: "+err.Error()))
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "chatctl",
		Short: "Command-line client for the tool-augmented chat service",
		Long: titleStyle.Render("chatctl") + `

Talk to the chat assistant and manage stored sessions without the HTTP server.
Configuration is read from the environment, .env and CONFIG_FILE.

` + dimStyle.Render("Use 'chatctl [command] --help' for more information."),
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.dbPath, "db", "", "SQLite database path (overrides DB_PATH)")
	flags.StringVar(&opts.provider, "provider", "", "LLM provider (overrides LLM_PROVIDER)")
	flags.BoolVar(&opts.asJSON, "json", false, "print JSON instead of text")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "log to stderr")

	rootCmd.AddCommand(
		newSendCmd(opts),
		newChatCmd(opts),
		newHistoryCmd(opts),
		newClearCmd(opts),
		newSessionsCmd(opts),
		newStatsCmd(opts),
		newExportCmd(opts),
		newViolationsCmd(opts),
		newCleanupCmd(opts),
	)
	return rootCmd
}

// open loads configuration, applies flag overrides and builds the app.
func (o *rootOptions) open(ctx context.Context, errOut io.Writer) (*app, error) {
	level := slog.LevelWarn
	if o.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(errOut, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if o.dbPath != "" {
		cfg.DBPath = o.dbPath
		cfg.DatabaseURL = ""
	}
	if o.provider != "" {
		cfg.LLM.Provider = o.provider
	}
	return newApp(ctx, cfg, logger)
}
