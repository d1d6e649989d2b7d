package cmd

import (
	"context"
	"errors"
	"os"

	"github.com/spf13/cobra"

	"qbmcp/internal/app"
	"qbmcp/internal/mcpserver"
	"qbmcp/pkg/logging"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the MCP server on stdio",
		Long: `Runs qbmcp as an MCP server speaking JSON-RPC on stdin/stdout.

Logs go to stderr. The tools let an assistant connect companies
(qbo_authenticate), list them and run QuickBooks queries against the
right one. Credential files rewritten by another qbmcp process are
picked up automatically.

With --metrics-address (or metrics.address in the configuration) the
token cache counters are served in Prometheus format on /metrics.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)

			application, err := openApplication(cmd, opts, func(cfg *app.Config) {
				cfg.MCPMode = true
				cfg.Watch = true
			})
			if err != nil {
				return err
			}
			defer application.Close()
			svc := application.Services()

			if metricsAddr == "" {
				metricsAddr = svc.Settings.Metrics.Address
			}
			if metricsAddr != "" {
				m, err := app.StartMetricsServer(ctx, metricsAddr, svc.Registry)
				if err != nil {
					return err
				}
				defer m.Stop()
			}

			srv := mcpserver.New(svc.Dispatcher, version)
			logging.Info("Serve", "MCP server ready with %d tools", len(srv.Tools()))
			if err := srv.Serve(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&metricsAddr, "metrics-address", "", "Serve Prometheus metrics on this address, e.g. 127.0.0.1:9464")
	return cmd
}
