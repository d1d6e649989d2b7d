package cmd

import (
	"encoding/json"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"qbmcp/internal/broker"
)

func newCompaniesCmd(opts *rootOptions) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "companies",
		Short: "List connected QuickBooks companies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if output != "table" && output != "json" {
				return broker.NewValidationError("output", "output must be table or json")
			}

			application, err := openApplication(cmd, opts, nil)
			if err != nil {
				return err
			}
			defer application.Close()

			companies, err := application.Services().Dispatcher.ListCompanies(commandContext(cmd))
			if err != nil {
				return err
			}

			if output == "json" {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if companies == nil {
					companies = []broker.Company{}
				}
				return enc.Encode(companies)
			}

			if len(companies) == 0 {
				printf(cmd, "No companies connected. Run 'qbmcp auth login' to connect one.\n")
				return nil
			}

			t := newTable(cmd.OutOrStdout())
			t.AppendHeader(table.Row{"ID", "Name", "Realm", "Connected", "Last Used"})
			for _, c := range companies {
				lastUsed := "-"
				if c.LastAccessed != nil {
					lastUsed = formatTime(*c.LastAccessed)
				}
				t.AppendRow(table.Row{c.ID, c.DisplayName(), c.RealmID, formatTime(c.CreatedAt), lastUsed})
			}
			t.Render()
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "table", "Output format (table|json)")
	return cmd
}
