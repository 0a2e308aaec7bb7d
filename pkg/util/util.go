// Package util prints the pxjit driver's diagnostics to stderr.
package util

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"

	"github.com/xplshn/pxjit/pkg/config"
)

var (
	Output io.Writer = color.Error

	errorLabel   = color.New(color.FgRed, color.Bold).SprintFunc()
	warningLabel = color.New(color.FgYellow, color.Bold).SprintFunc()
	noteLabel    = color.New(color.FgCyan).SprintFunc()
	subjectStyle = color.New(color.Bold).SprintFunc()

	// exit is replaced in tests
	exit = os.Exit
)

func report(label, subject, format string, args ...any) {
	if subject != "" { fmt.Fprintf(Output, "%s: ", subjectStyle(subject)) }
	fmt.Fprintf(Output, "%s ", label)
	fmt.Fprintf(Output, format, args...)
}

// Error prints a formatted error message about subject and exits the program
func Error(subject, format string, args ...any) {
	report(errorLabel("error:"), subject, format, args...)
	fmt.Fprintln(Output)
	exit(1)
}

// Warn prints a formatted warning if wt is enabled in cfg
func Warn(cfg *config.Config, wt config.Warning, subject, format string, args ...any) {
	if !cfg.IsWarningEnabled(wt) { return }
	report(warningLabel("warning:"), subject, format, args...)
	fmt.Fprintf(Output, " [-W%s]\n", cfg.Warnings[wt].Name)
}

func Note(subject, format string, args ...any) {
	report(noteLabel("note:"), subject, format, args...)
	fmt.Fprintln(Output)
}

// PrintFeatures prints the current status of all features
func PrintFeatures(w io.Writer, cfg *config.Config) {
	for i := config.Feature(0); i < config.FeatCount; i++ {
		info := cfg.Features[i]
		fmt.Fprintf(w, "  - %-20s: %v (%s)\n", info.Name, info.Enabled, info.Description)
	}
}

// PrintWarnings prints the current status of all warnings.
func PrintWarnings(w io.Writer, cfg *config.Config) {
	for i := config.Warning(0); i < config.WarnCount; i++ {
		info := cfg.Warnings[i]
		fmt.Fprintf(w, "  - %-20s: %v (%s)\n", info.Name, info.Enabled, info.Description)
	}
}
