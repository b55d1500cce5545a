package ui

import (
	"os"
	"strconv"
	"strings"

	"golang.org/x/term"
)

// ShouldUseColor reports whether stdout output from sbd should carry ANSI
// colors. SWITCHBOARD_COLOR wins when set to a boolean; otherwise NO_COLOR,
// CLICOLOR_FORCE and CLICOLOR apply before falling back to TTY detection.
func ShouldUseColor() bool {
	if v, ok := envBool("SWITCHBOARD_COLOR"); ok {
		return v
	}
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	if strings.TrimSpace(os.Getenv("CLICOLOR_FORCE")) == "1" {
		return true
	}
	if strings.TrimSpace(os.Getenv("CLICOLOR")) == "0" {
		return false
	}
	return IsTerminal(os.Stdout)
}

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	return f != nil && term.IsTerminal(int(f.Fd()))
}

func envBool(key string) (value, ok bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}
