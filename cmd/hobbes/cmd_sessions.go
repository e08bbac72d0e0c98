package main

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"hobbes/internal/types"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Manage saved sessions",
	Long: `List, show and delete saved sessions.

Subcommands:
  list           - List all saved sessions
  show <id>      - Print a session transcript
  delete <id>    - Delete a session and its archived tool results`,
	RunE: runSessionsList,
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all saved sessions",
	Args:  cobra.NoArgs,
	RunE:  runSessionsList,
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Print a session transcript",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsShow,
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete <session-id>",
	Short: "Delete a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsDelete,
}

func init() {
	sessionsCmd.AddCommand(sessionsListCmd, sessionsShowCmd, sessionsDeleteCmd)
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context(), appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	infos, err := a.sessions.List(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}
	out := cmd.OutOrStdout()
	if len(infos) == 0 {
		fmt.Fprintln(out, "No saved sessions found.")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tMESSAGES\tUPDATED")
	for _, s := range infos {
		name := s.Name
		if name == "" {
			name = "(unnamed)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", s.ID, name, s.MessageCount, s.LastUpdated.Local().Format(time.DateTime))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "\nTotal: %d sessions. Resume one with: hobbes chat --session <id>\n", len(infos))
	return nil
}

func runSessionsShow(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context(), appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	sess, err := a.sessions.Load(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s  %s\n", sess.ID, sess.Name)
	fmt.Fprintln(out, strings.Repeat("-", 50))
	for _, m := range sess.Messages {
		if line := transcriptLine(m); line != "" {
			fmt.Fprintln(out, line)
		}
	}
	if s := sess.ActiveContext.ConversationSummary.Summary; s != "" {
		fmt.Fprintln(out, strings.Repeat("-", 50))
		fmt.Fprintf(out, "Summary: %s\n", s)
	}
	return nil
}

// transcriptLine renders one message for sessions show. Hidden and empty
// messages render as "".
func transcriptLine(m types.Message) string {
	if !m.Visible {
		return ""
	}
	if call := m.Content.ToolCall; call != nil {
		line := fmt.Sprintf("%s: %s %s", m.Author, formatToolCall(*call), call.Status)
		if call.Response != "" {
			line += "\n    " + truncate(call.Response, maxShownResponse)
		}
		return line
	}
	if m.Content.Text == "" {
		return ""
	}
	return fmt.Sprintf("%s: %s", m.Author, m.Content.Text)
}

func runSessionsDelete(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context(), appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.sessions.Delete(cmd.Context(), args[0]); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted session %s.\n", args[0])
	return nil
}
