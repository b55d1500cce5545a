package ui

import (
	"fmt"
	"strings"

	"github.com/alfredjeanlab/switchboard/internal/model"
)

// ANSI256 color codes matching the Ayu palette.
const (
	colorAccent = 74  // blue
	colorCmd    = 250 // light gray
	colorMuted  = 245 // medium gray
	colorWarn   = 214 // orange
)

var noColor bool

func paint(color int, s string) string {
	if noColor {
		return s
	}
	return fmt.Sprintf("\x1b[38;5;%dm%s\x1b[0m", color, s)
}

// RenderAccent returns s in the accent (blue) color.
func RenderAccent(s string) string { return paint(colorAccent, s) }

// RenderMuted returns s in the muted (gray) color.
func RenderMuted(s string) string { return paint(colorMuted, s) }

// RenderCommand returns s styled as a command name (light gray).
func RenderCommand(s string) string { return paint(colorCmd, s) }

// RenderResource returns s styled as a resource id (light gray).
func RenderResource(s string) string { return paint(colorCmd, s) }

// RenderWarn returns s in the warning (orange) color.
func RenderWarn(s string) string { return paint(colorWarn, s) }

// ForceNoColor disables color output globally.
func ForceNoColor() {
	noColor = true
}

// FormatEnvelope renders one envelope as a single line:
//
//	15:04:05.000 channel:1 #42 message.new actor=u1 {"content":"hi"}
//
// Ephemeral envelopes show "~" in place of the sequence.
func FormatEnvelope(env *model.Envelope) string {
	var b strings.Builder
	b.WriteString(RenderMuted(env.Timestamp.UTC().Format("15:04:05.000")))
	b.WriteByte(' ')
	b.WriteString(RenderResource(env.ResourceID))
	b.WriteByte(' ')
	if env.Ephemeral {
		b.WriteString(RenderMuted("~"))
	} else {
		b.WriteString(RenderMuted(fmt.Sprintf("#%d", env.Sequence)))
	}
	b.WriteByte(' ')
	b.WriteString(RenderAccent(env.Type))
	if env.ActorID != "" {
		b.WriteString(" actor=" + env.ActorID)
	}
	if len(env.Payload) > 0 {
		b.WriteByte(' ')
		b.Write(env.Payload)
	}
	return b.String()
}

// FormatPage renders a resync page, one envelope per line, followed by a
// trailer noting truncation and remaining pages.
func FormatPage(p *model.Page) string {
	var b strings.Builder
	if p.Truncated {
		b.WriteString(RenderWarn("truncated: older events were evicted, refetch full state") + "\n")
	}
	for _, env := range p.Events {
		b.WriteString(FormatEnvelope(env) + "\n")
	}
	switch {
	case len(p.Events) == 0:
		b.WriteString(RenderMuted("no events") + "\n")
	case p.HasMore:
		b.WriteString(RenderMuted(fmt.Sprintf("more after #%d", p.Last())) + "\n")
	}
	return b.String()
}
