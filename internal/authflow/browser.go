package authflow

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
)

// browserCommands maps GOOS to the command that opens a URL with the desktop default.
var browserCommands = map[string][]string{
	"linux":   {"xdg-open"},
	"freebsd": {"xdg-open"},
	"darwin":  {"open"},
	"windows": {"rundll32", "url.dll,FileProtocolHandler"},
}

// startCommand is replaced in tests so no browser is launched.
var startCommand = func(cmd *exec.Cmd) error {
	return cmd.Start()
}

// browserCommand returns the argv that opens url. $BROWSER wins when set.
func browserCommand(goos, url string) ([]string, error) {
	if b := strings.TrimSpace(os.Getenv("BROWSER")); b != "" {
		return []string{b, url}, nil
	}
	base, ok := browserCommands[goos]
	if !ok {
		return nil, fmt.Errorf("unsupported platform: %s", goos)
	}
	return append(append([]string{}, base...), url), nil
}

// OpenBrowser opens url in the user's browser without waiting for it.
func OpenBrowser(url string) error {
	argv, err := browserCommand(runtime.GOOS, url)
	if err != nil {
		return err
	}
	if err := startCommand(exec.Command(argv[0], argv[1:]...)); err != nil {
		return fmt.Errorf("failed to open browser: %w", err)
	}
	return nil
}
