package main

import (
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"hobbes/internal/usage"
)

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show model token usage",
	Args:  cobra.NoArgs,
	RunE:  runUsage,
}

func runUsage(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context(), appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	stats := a.usage.Stats()
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Total: %d requests, %d input tokens, %d output tokens\n",
		stats.Total.Requests, stats.Total.Input, stats.Total.Output)

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, section := range []struct {
		title  string
		counts map[string]usage.TokenCounts
	}{
		{"MODEL", stats.ByModel},
		{"OPERATION", stats.ByOperation},
		{"SESSION", stats.BySession},
	} {
		if len(section.counts) == 0 {
			continue
		}
		fmt.Fprintf(tw, "\n%s\tREQUESTS\tINPUT\tOUTPUT\n", section.title)
		keys := make([]string, 0, len(section.counts))
		for k := range section.counts {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			c := section.counts[k]
			fmt.Fprintf(tw, "%s\t%d\t%d\t%d\n", k, c.Requests, c.Input, c.Output)
		}
	}
	return tw.Flush()
}
