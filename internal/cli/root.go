// Package cli implements the gfai operator commands.
package cli

import (
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"gwi.com/form-insights/internal/app"
)

// Opener builds the application for one command run.
type Opener func() (*app.App, error)

var (
	okMark   = color.New(color.FgGreen).Sprint("✓")
	failMark = color.New(color.FgRed).Sprint("✗")
	warnText = color.New(color.FgYellow).SprintFunc()
	bold     = color.New(color.Bold).SprintFunc()
)

// NewRootCmd returns the gfai command tree.
func NewRootCmd(open Opener) *cobra.Command {
	root := &cobra.Command{
		Use:           "gfai",
		Short:         "Operate the form submission analysis pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newCredentialCmd(open),
		newTestConnectionCmd(open),
		newAnalyzeCmd(open),
		newLogsCmd(open),
		newFormsCmd(open),
		newSettingsCmd(open),
		newPurgeCmd(open),
	)
	return root
}

// withApp opens the application, runs fn and closes it.
func withApp(open Opener, fn func(a *app.App) error) error {
	a, err := open()
	if err != nil {
		return fmt.Errorf("failed to open application: %w", err)
	}
	defer a.Close()
	return fn(a)
}

func printResult(out io.Writer, ok bool, format string, args ...any) {
	mark := okMark
	if !ok {
		mark = failMark
	}
	fmt.Fprintf(out, "%s %s\n", mark, fmt.Sprintf(format, args...))
}
