// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Package prompt asks the operator questions on the controlling terminal.
package prompt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"golang.org/x/term"
)

// ErrInterrupted is returned when the operator aborts a prompt (Ctrl+C or end of input).
var ErrInterrupted = errors.New("prompt interrupted by operator")

// Prompter is the operator-facing side of an editing session. Every prompt returns ErrInterrupted once ctx is
// done.
type Prompter interface {
	// Select shows options and returns the index of the chosen one.
	Select(ctx context.Context, title string, options []string) (int, error)
	// Confirm asks a yes/no question. An empty answer picks defaultYes.
	Confirm(ctx context.Context, title string, defaultYes bool) (bool, error)
	// Pause shows a framed message and blocks until the operator acknowledges it.
	Pause(ctx context.Context, lines ...string) error
}

// IsInteractive reports whether stdin and stdout are both terminals.
func IsInteractive() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}

// NewPrompter returns a form-based prompter on a terminal and a line-based one otherwise.
func NewPrompter() Prompter {
	if IsInteractive() {
		return NewHuhPrompter()
	}
	return NewLinePrompter(os.Stdin, os.Stderr)
}

const bannerRule = "======================================================"

var bannerColor = color.New(color.FgCyan, color.Bold)

// PrintBanner writes lines between two horizontal rules.
func PrintBanner(w io.Writer, lines ...string) {
	fmt.Fprintln(w)
	bannerColor.Fprintln(w, bannerRule)
	for _, line := range lines {
		fmt.Fprintln(w, line)
	}
	bannerColor.Fprintln(w, bannerRule)
}

func yesNoHint(defaultYes bool) string {
	if defaultYes {
		return "(Y/n)"
	}
	return "(N/y)"
}

func parseYesNo(answer string, defaultYes bool) bool {
	answer = strings.ToLower(strings.TrimSpace(answer))
	if defaultYes {
		return answer != "n" && answer != "no"
	}
	return answer == "y" || answer == "yes"
}
