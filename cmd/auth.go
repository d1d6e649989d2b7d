package cmd

import (
	"os"
	"time"

	"github.com/briandowns/spinner"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"qbmcp/internal/app"
	"qbmcp/internal/broker"
)

func newAuthCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage QuickBooks authorization",
		Long: `Connect, inspect and disconnect QuickBooks companies.

Examples:
  qbmcp auth login                 # Connect a company in the browser
  qbmcp auth login --force         # Restart a pending authorization
  qbmcp auth status                # Show connected companies and token expiry
  qbmcp auth logout --company Acme # Disconnect one company
  qbmcp auth logout --all          # Disconnect every company`,
	}
	cmd.AddCommand(newAuthLoginCmd(opts), newAuthLogoutCmd(opts), newAuthStatusCmd(opts))
	return cmd
}

func newAuthLoginCmd(opts *rootOptions) *cobra.Command {
	var (
		force     bool
		noBrowser bool
	)

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Connect a QuickBooks company",
		Long: `Starts the OAuth authorization flow: a local callback listener is
opened, the authorization URL is shown (and opened in the browser), and the
command waits until you approve access or the flow times out.

Run it again to connect another company.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)

			application, err := openApplication(cmd, opts, func(cfg *app.Config) {
				if noBrowser {
					cfg.OpenBrowser = func(string) error { return nil }
				}
			})
			if err != nil {
				return err
			}
			defer application.Close()
			svc := application.Services()

			flow, err := svc.Dispatcher.Authenticate(ctx, force)
			if err != nil {
				return err
			}

			printf(cmd, "Open this URL in your browser to authorize qbmcp:\n  %s\n\n", flow.AuthURL)

			s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(os.Stderr))
			s.Suffix = " Waiting for authorization..."
			s.Start()
			rec, err := flow.Wait(ctx)
			s.Stop()
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return &authFlowError{err: err}
			}

			company := rec.Company()
			printf(cmd, "%s Connected %s (realm %s)\n", text.FgGreen.Sprint("✓"), company.DisplayName(), company.RealmID)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Cancel a pending authorization and start over")
	cmd.Flags().BoolVar(&noBrowser, "no-browser", false, "Do not open the browser")
	return cmd
}

func newAuthLogoutCmd(opts *rootOptions) *cobra.Command {
	var (
		company string
		all     bool
	)

	cmd := &cobra.Command{
		Use:   "logout",
		Short: "Disconnect QuickBooks companies",
		Long: `Revokes and deletes the stored credentials of one company (--company,
by id or name) or of every company (--all).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (company != "") {
				return broker.NewValidationError("company", "pass exactly one of --company or --all")
			}

			application, err := openApplication(cmd, opts, nil)
			if err != nil {
				return err
			}
			defer application.Close()

			if err := application.Services().Dispatcher.ClearAuth(commandContext(cmd), company); err != nil {
				return err
			}
			if all {
				printf(cmd, "Disconnected all companies\n")
			} else {
				printf(cmd, "Disconnected %s\n", company)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&company, "company", "", "Company id or name to disconnect")
	cmd.Flags().BoolVar(&all, "all", false, "Disconnect every company")
	return cmd
}

func newAuthStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show connected companies and token state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)

			application, err := openApplication(cmd, opts, nil)
			if err != nil {
				return err
			}
			defer application.Close()
			svc := application.Services()

			if svc.Settings.RemoteMode() {
				printf(cmd, "Mode:        remote broker (%s)\n", svc.Settings.Broker.URL)
			} else {
				printf(cmd, "Mode:        local (%s store in %s)\n", svc.Settings.Storage.Driver, svc.Settings.Storage.Dir)
			}
			printf(cmd, "Environment: %s\n", svc.Settings.Environment)

			companies, err := svc.Dispatcher.ListCompanies(ctx)
			if err != nil {
				return err
			}
			if len(companies) == 0 {
				printf(cmd, "Status:      %s\n", text.FgYellow.Sprint("No companies connected (run 'qbmcp auth login')"))
				return nil
			}
			printf(cmd, "\n")

			now := time.Now()
			t := newTable(cmd.OutOrStdout())
			if svc.Store == nil {
				t.AppendHeader(table.Row{"Company", "Realm", "Connected"})
				for _, c := range companies {
					t.AppendRow(table.Row{c.DisplayName(), c.RealmID, formatTime(c.CreatedAt)})
				}
				t.Render()
				return nil
			}

			t.AppendHeader(table.Row{"Company", "Realm", "Access Token", "Refresh Token"})
			for _, c := range companies {
				rec, err := svc.Store.Load(ctx, c.RealmID)
				if err != nil {
					t.AppendRow(table.Row{c.DisplayName(), c.RealmID, text.FgRed.Sprint(broker.KindOf(err)), ""})
					continue
				}
				t.AppendRow(table.Row{
					c.DisplayName(),
					c.RealmID,
					formatExpiry(rec.ExpiresAt, now),
					formatExpiry(rec.RefreshTokenExpiresAt, now),
				})
			}
			t.Render()
			return nil
		},
	}
}
