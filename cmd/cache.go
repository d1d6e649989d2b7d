package cmd

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

func newCacheCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect the token cache",
	}
	cmd.AddCommand(newCacheStatsCmd(opts))
	return cmd
}

func newCacheStatsCmd(opts *rootOptions) *cobra.Command {
	var warm bool

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show token cache counters",
		Long: `Shows the token cache counters of this process. The cache lives in
memory, so a fresh CLI process starts empty; --warm loads the company list
and a token for every company first.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)

			application, err := openApplication(cmd, opts, nil)
			if err != nil {
				return err
			}
			defer application.Close()
			svc := application.Services()

			if warm {
				companies, err := svc.Cache.GetCompanies(ctx)
				if err != nil {
					return err
				}
				for _, c := range companies {
					if _, err := svc.Cache.GetAccessToken(ctx, c.ID); err != nil {
						printf(cmd, "Could not load a token for %s: %v\n", c.DisplayName(), err)
					}
				}
			}

			stats := svc.Dispatcher.CacheStats()
			hitRate := "-"
			if total := stats.Hits + stats.Misses; total > 0 {
				hitRate = fmt.Sprintf("%.1f%%", 100*float64(stats.Hits)/float64(total))
			}

			t := newTable(cmd.OutOrStdout())
			t.AppendHeader(table.Row{"Metric", "Value"})
			t.AppendRows([]table.Row{
				{"Hits", stats.Hits},
				{"Misses", stats.Misses},
				{"Errors", stats.Errors},
				{"Hit rate", hitRate},
				{"Entries", stats.Entries},
				{"Last reset", formatTime(stats.LastReset)},
				{"Auth flow", svc.Dispatcher.AuthStatus().State},
			})
			t.Render()
			return nil
		},
	}

	cmd.Flags().BoolVar(&warm, "warm", false, "Load companies and tokens before reporting")
	return cmd
}
