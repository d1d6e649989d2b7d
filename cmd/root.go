package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"qbmcp/internal/broker"
)

// Exit codes for CLI commands.
const (
	// ExitCodeSuccess indicates successful execution.
	ExitCodeSuccess = 0
	// ExitCodeError indicates a general error (command failed, invalid arguments).
	ExitCodeError = 1
	// ExitCodeAuthRequired indicates no usable QuickBooks credentials exist.
	ExitCodeAuthRequired = 2
	// ExitCodeAuthFailed indicates the OAuth flow failed.
	ExitCodeAuthFailed = 3
)

var version string

// rootOptions are the persistent flags shared by every command.
type rootOptions struct {
	debug      bool
	configPath string
}

// SetVersion sets the version reported by the CLI and the build_info metric.
func SetVersion(v string) {
	version = v
}

// GetVersion returns the current version of the application.
func GetVersion() string {
	return version
}

// newRootCmd builds the full command tree.
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "qbmcp",
		Short: "QuickBooks Online credential broker and MCP server",
		Long: `qbmcp keeps OAuth credentials for one or more QuickBooks Online companies
and hands ready access tokens to AI assistants through MCP tools.

Connect a company with 'qbmcp auth login', then point your assistant at
'qbmcp serve'. With broker.url configured, credentials come from a remote
broker instead and the auth commands are disabled.`,
		// SilenceUsage keeps usage text out of runtime failures.
		SilenceUsage: true,
		Version:      version,
	}
	rootCmd.SetVersionTemplate(`{{printf "qbmcp version %s\n" .Version}}`)

	rootCmd.PersistentFlags().BoolVar(&opts.debug, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config-path", "", "Configuration directory (default ~/.config/qbmcp)")

	rootCmd.AddCommand(
		newServeCmd(opts),
		newAuthCmd(opts),
		newCompaniesCmd(opts),
		newCacheCmd(opts),
		newVersionCmd(),
	)
	return rootCmd
}

// Execute runs the CLI and exits with a semantic exit code on failure.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(getExitCode(err))
	}
}

// authFlowError marks a failure of an interactive flow that was started.
type authFlowError struct {
	err error
}

func (e *authFlowError) Error() string {
	return fmt.Sprintf("authorization failed: %v", e.err)
}

func (e *authFlowError) Unwrap() error {
	return e.err
}

// getExitCode determines the appropriate exit code based on the error type.
func getExitCode(err error) int {
	if err == nil {
		return ExitCodeSuccess
	}

	var flowErr *authFlowError
	if errors.As(err, &flowErr) {
		return ExitCodeAuthFailed
	}

	switch broker.KindOf(err) {
	case broker.KindNeedsAuth:
		return ExitCodeAuthRequired
	case broker.KindStateMismatch, broker.KindTimeout, broker.KindNoPortAvailable:
		return ExitCodeAuthFailed
	}

	return ExitCodeError
}
