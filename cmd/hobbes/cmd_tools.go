package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/tidwall/pretty"

	"hobbes/internal/prompt"
)

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "Connect the configured MCP servers and list their tools",
	Args:  cobra.NoArgs,
	RunE:  runTools,
}

var previewNoTools bool

var promptPreviewCmd = &cobra.Command{
	Use:   "prompt-preview <message>",
	Short: "Print the request that would be sent for a message",
	Long: `Builds the model request for <message> against the current session
(--session) and prints it as JSON. Nothing is sent and nothing is saved.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runPromptPreview,
}

var archiveLimit int

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Query archived tool results",
}

var archiveSearchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search archived tool results",
	Long: `Searches every archived tool call. With an API key configured the query is
embedded and results are ranked by similarity; otherwise a substring match is used.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runArchiveSearch,
}

func init() {
	promptPreviewCmd.Flags().BoolVar(&previewNoTools, "no-tools", false, "Do not connect MCP servers")
	archiveSearchCmd.Flags().IntVarP(&archiveLimit, "limit", "n", 10, "Maximum results")
	archiveCmd.AddCommand(archiveSearchCmd)
}

func runTools(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context(), appOptions{tools: true})
	if err != nil {
		return err
	}
	defer a.Close()

	out := cmd.OutOrStdout()
	for _, sc := range a.current().Integrations.ToMCPServerConfigs(a.current().ProjectFolder) {
		status, _ := a.tools.Status(sc.Name)
		fmt.Fprintf(out, "%s (%s, %s)\n", sc.Name, sc.Protocol, status)
		tools, err := a.tools.ListTools(sc.Name)
		if err != nil {
			continue
		}
		for _, t := range tools {
			fmt.Fprintf(out, "  - %s: %s\n", t.Name, truncate(t.Description, 100))
		}
	}
	cat := a.tools.Catalog()
	fmt.Fprintf(out, "\n%d tools from %d connected servers.\n", cat.ToolCount(), len(cat.Servers))
	return nil
}

func runPromptPreview(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context(), appOptions{tools: !previewNoTools})
	if err != nil {
		return err
	}
	defer a.Close()

	sess, err := a.loadSession(cmd.Context(), sessionFlag)
	if err != nil {
		return err
	}
	in := prompt.Input{
		Session:  sess,
		Settings: settingsFrom(a.current()),
		UserText: strings.Join(args, " "),
	}
	if a.tools != nil {
		in.Tools = a.tools.Catalog()
	}
	pkg, err := prompt.NewBuilder().Build(in)
	if err != nil {
		return fmt.Errorf("failed to build prompt: %w", err)
	}
	raw, err := json.Marshal(pkg)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	_, _ = out.Write(pretty.Pretty(raw))
	fmt.Fprintf(out, "\n%d contents, %d function declarations.\n", len(pkg.Contents), pkg.DeclarationCount())
	return nil
}

func runArchiveSearch(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context(), appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	hits, err := a.archive.Search(cmd.Context(), strings.Join(args, " "), archiveLimit)
	if err != nil {
		return fmt.Errorf("archive search failed: %w", err)
	}
	out := cmd.OutOrStdout()
	if len(hits) == 0 {
		fmt.Fprintln(out, "No archived tool results match.")
		return nil
	}
	for _, h := range hits {
		rec := h.Record
		fmt.Fprintf(out, "%s  %s/%s  %s  session %s\n",
			h.ArchivedAt.Local().Format("2006-01-02 15:04"), rec.Call.ServerName, rec.Call.ToolName, rec.Result.Status, h.SessionID)
		fmt.Fprintf(out, "    args %s\n    %s\n", compactJSON(rec.Call.Arguments), truncate(rec.Result.Response, 200))
	}
	return nil
}
