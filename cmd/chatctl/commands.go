package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ashureev/toolchat/internal/api"
	"github.com/ashureev/toolchat/internal/chat"
	"github.com/ashureev/toolchat/internal/identity"
	"github.com/ashureev/toolchat/internal/store"
	"github.com/ashureev/toolchat/internal/transcript"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func sessionArg(raw string) (string, error) {
	id, ok := identity.NormalizeSessionID(raw)
	if !ok {
		return "", fmt.Errorf("invalid session id %q", raw)
	}
	return id, nil
}

func printResponse(w io.Writer, resp *chat.Response) {
	fmt.Fprintln(w, resp.ResponseText)
	meta := fmt.Sprintf("session %s · tokens %d/%d", resp.SessionID, resp.InputTokens, resp.OutputTokens)
	if resp.ToolCalled {
		meta += " · tool " + resp.ToolName
	}
	fmt.Fprintln(w, dimStyle.Render(meta))
	if resp.Suggestion != nil {
		fmt.Fprintln(w, dimStyle.Render("hint: "+strings.Join(resp.Suggestion.Examples, " | ")))
	}
}

func newSendCmd(opts *rootOptions) *cobra.Command {
	var sessionID string

	cmd := &cobra.Command{
		Use:   "send [message]",
		Short: "Send one message and print the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			if sessionID == "" {
				if sessionID, err = identity.NewSessionID(); err != nil {
					return err
				}
			}
			id, err := sessionArg(sessionID)
			if err != nil {
				return err
			}

			ctx := chat.WithChannel(cmd.Context(), transcript.ChannelCLI)
			resp, err := a.orch.ProcessMessage(ctx, id, strings.Join(args, " "))
			if err != nil {
				_, msg := api.StatusFor(err)
				return fmt.Errorf("%s (%s)", msg, chat.KindOf(err))
			}
			if opts.asJSON {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			printResponse(cmd.OutOrStdout(), resp)
			return nil
		},
	}
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "session id (generated when empty)")
	return cmd
}

func newChatCmd(opts *rootOptions) *cobra.Command {
	var sessionID string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive conversation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := opts.open(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			if sessionID == "" {
				if sessionID, err = identity.NewSessionID(); err != nil {
					return err
				}
			}
			id, err := sessionArg(sessionID)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, titleStyle.Render("Chat session "+id))
			fmt.Fprintln(out, dimStyle.Render("Type 'exit' to quit."))

			ctx := chat.WithChannel(cmd.Context(), transcript.ChannelCLI)
			scanner := bufio.NewScanner(cmd.InOrStdin())
			for {
				fmt.Fprint(out, "> ")
				if !scanner.Scan() {
					break
				}
				line := strings.TrimSpace(scanner.Text())
				if line == "exit" || line == "quit" {
					break
				}
				resp, err := a.orch.ProcessMessage(ctx, id, line)
				if err != nil {
					_, msg := api.StatusFor(err)
					fmt.Fprintln(out, errorStyle.Render(msg))
					continue
				}
				printResponse(out, resp)
			}
			return scanner.Err()
		},
	}
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "session id to resume (generated when empty)")
	return cmd
}

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history [session-id]",
		Short: "Print the messages of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := sessionArg(args[0])
			if err != nil {
				return err
			}
			a, err := opts.open(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			msgs, err := a.orch.History(cmd.Context(), id, limit)
			if err != nil {
				return err
			}
			if opts.asJSON {
				return printJSON(cmd.OutOrStdout(), msgs)
			}
			if len(msgs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), dimStyle.Render("No messages."))
				return nil
			}
			for _, m := range msgs {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %s\n",
					dimStyle.Render(m.Timestamp.Format(time.RFC3339)), m.Role, m.Content)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "only the most recent n messages (0 for all)")
	return cmd
}

func newClearCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "clear [session-id]",
		Short: "Delete a session and its history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := sessionArg(args[0])
			if err != nil {
				return err
			}
			a, err := opts.open(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			existed, err := a.orch.ClearSession(cmd.Context(), id)
			if err != nil {
				return err
			}
			if !existed {
				return chat.ErrSessionNotFound
			}
			fmt.Fprintln(cmd.OutOrStdout(), successStyle.Render("✓ Session "+id+" cleared"))
			return nil
		},
	}
}

func newSessionsCmd(opts *rootOptions) *cobra.Command {
	var (
		limit      int
		offset     int
		activeOnly bool
	)

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List sessions by recent activity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := opts.open(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			list, err := a.orch.ListSessions(cmd.Context(), store.ListOptions{
				Limit:      limit,
				Offset:     offset,
				ActiveOnly: activeOnly,
			})
			if err != nil {
				return err
			}
			if opts.asJSON {
				return printJSON(cmd.OutOrStdout(), list)
			}
			if len(list) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), dimStyle.Render("No sessions found."))
				return nil
			}
			for _, s := range list {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %3d messages  last active %s\n",
					s.ID, s.TotalMessages, s.LastActivity.Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum sessions to list")
	cmd.Flags().IntVar(&offset, "offset", 0, "sessions to skip")
	cmd.Flags().BoolVar(&activeOnly, "active", false, "only active sessions")
	return cmd
}

func newStatsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print service statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := opts.open(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			stats, err := a.orch.Stats(cmd.Context())
			if err != nil {
				return err
			}
			if opts.asJSON {
				return printJSON(cmd.OutOrStdout(), stats)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, titleStyle.Render("Statistics"))
			fmt.Fprintf(out, "  Sessions:  %d (%d active)\n", stats.TotalSessions, stats.ActiveSessions)
			fmt.Fprintf(out, "  Messages:  %d\n", stats.TotalMessages)
			fmt.Fprintf(out, "  Provider:  %s\n", stats.LLMProvider)
			fmt.Fprintf(out, "  Tools:     %s\n", strings.Join(stats.AvailableTools, ", "))
			fmt.Fprintf(out, "  Cost:      %.6f %s (estimated)\n", stats.EstimatedCost.TotalCost, stats.EstimatedCost.Currency)
			return nil
		},
	}
}

func newExportCmd(opts *rootOptions) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "export [session-id]",
		Short: "Export a session as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := sessionArg(args[0])
			if err != nil {
				return err
			}
			a, err := opts.open(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			export, err := a.orch.ExportSession(cmd.Context(), id)
			if err != nil {
				return err
			}
			if output == "" || output == "-" {
				return printJSON(cmd.OutOrStdout(), export)
			}

			f, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("create export file: %w", err)
			}
			if err := printJSON(f, export); err != nil {
				_ = f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), successStyle.Render("✓ Exported "+id+" to "+output))
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (stdout when empty)")
	return cmd
}

func newViolationsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "violations",
		Short: "Summarize recorded guardrail violations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := opts.open(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			summary, err := a.orch.Violations(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), summary)
		},
	}
}

func newCleanupCmd(opts *rootOptions) *cobra.Command {
	var ttl, retention time.Duration

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove idle sessions and old error log entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := opts.open(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			if ttl == 0 {
				ttl = a.cfg.SessionTTL
			}
			if retention == 0 {
				retention = a.cfg.ErrorLogRetention
			}
			if ttl < 0 || retention < 0 {
				return errors.New("durations must be positive")
			}

			report, err := a.orch.CleanupExpired(cmd.Context(), ttl, retention)
			if err != nil {
				return err
			}
			if opts.asJSON {
				return printJSON(cmd.OutOrStdout(), report)
			}
			fmt.Fprintln(cmd.OutOrStdout(), successStyle.Render(fmt.Sprintf(
				"✓ Removed %d sessions and %d error log entries", report.SessionsRemoved, report.ErrorLogsRemoved)))
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "idle time after which a session expires (default SESSION_TTL)")
	cmd.Flags().DurationVar(&retention, "retention", 0, "error log retention (default ERROR_LOG_RETENTION)")
	return cmd
}
