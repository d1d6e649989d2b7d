package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"qbmcp/internal/app"
)

// openApplication bootstraps the services for a one-shot command. The
// caller must Close the result.
func openApplication(cmd *cobra.Command, opts *rootOptions, configure func(*app.Config)) (*app.Application, error) {
	cfg := app.NewConfig(opts.debug, opts.configPath)
	cfg.Version = version
	cfg.LogOutput = cmd.ErrOrStderr()
	if configure != nil {
		configure(cfg)
	}
	return app.NewApplication(commandContext(cmd), cfg)
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// newTable returns a table writer rendering to w in the CLI style.
func newTable(w io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	t.Style().Format.Header = text.FormatUpper
	return t
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return text.FgHiBlack.Sprint("-")
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

// formatExpiry renders an expiry relative to now.
func formatExpiry(expiresAt, now time.Time) string {
	if expiresAt.IsZero() {
		return text.FgHiBlack.Sprint("unknown")
	}
	remaining := expiresAt.Sub(now)
	if remaining <= 0 {
		return text.FgYellow.Sprint("expired")
	}
	return text.FgGreen.Sprintf("in %s", remaining.Round(time.Second))
}

func printf(cmd *cobra.Command, format string, args ...interface{}) {
	fmt.Fprintf(cmd.OutOrStdout(), format, args...)
}
