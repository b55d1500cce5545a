package main

import (
	"bytes"
	"fmt"
	"regexp"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/switchboard/internal/ui"
)

// helpRule styles every match of re; group picks the submatch to paint
// (0 = whole match) and the rest of the match is kept as is.
type helpRule struct {
	re    *regexp.Regexp
	group int
	paint func(string) string
}

var helpRules = []helpRule{
	// Section headers: "Events:", "Flags:" (Usage: is left alone).
	{regexp.MustCompile(`(?m)^([A-Z][A-Za-z ]*[a-z]:)[ \t]*$`), 1, ui.RenderAccent},
	// Command names in the command list.
	{regexp.MustCompile(`(?m)^  ([a-z][\w-]*)  `), 1, ui.RenderCommand},
	// Flag type annotations.
	{regexp.MustCompile(`--?[\w-]+ (string|int64|int|duration|strings)\b`), 1, ui.RenderMuted},
	// Default values.
	{regexp.MustCompile(`\(default [^)]*\)`), 0, ui.RenderMuted},
	// Resource ids in examples and descriptions.
	{regexp.MustCompile(`\b(?:channel|dm|user|server):[\w-]+`), 0, ui.RenderResource},
}

// colorizedHelpFunc returns a Cobra help function that styles the default
// help text when the terminal supports color.
func colorizedHelpFunc() func(*cobra.Command, []string) {
	return func(cmd *cobra.Command, args []string) {
		orig := cmd.OutOrStdout()
		if noColor || !ui.ShouldUseColor() {
			_ = cmd.Usage()
			return
		}
		var buf bytes.Buffer
		cmd.SetOut(&buf)
		_ = cmd.Usage()
		cmd.SetOut(orig)
		fmt.Fprint(orig, colorizeHelpOutput(buf.String()))
	}
}

func colorizeHelpOutput(s string) string {
	for _, r := range helpRules {
		s = r.re.ReplaceAllStringFunc(s, func(match string) string {
			if r.group == 0 {
				return r.paint(match)
			}
			loc := r.re.FindStringSubmatchIndex(match)
			start, end := loc[2*r.group], loc[2*r.group+1]
			return match[:start] + r.paint(match[start:end]) + match[end:]
		})
	}
	return s
}
