// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package prompt

import (
	"context"
	"errors"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"
)

// HuhPrompter renders prompts as charmbracelet/huh forms.
type HuhPrompter struct{}

var runFormFunc = func(ctx context.Context, form *huh.Form) error { return form.RunWithContext(ctx) }

func NewHuhPrompter() *HuhPrompter {
	return &HuhPrompter{}
}

func (p *HuhPrompter) Select(ctx context.Context, title string, options []string) (int, error) {
	choice := 0
	huhOptions := make([]huh.Option[int], len(options))
	for i, option := range options {
		huhOptions[i] = huh.NewOption(option, i)
	}

	err := runForm(ctx, huh.NewForm(huh.NewGroup(
		huh.NewSelect[int]().
			Title(title).
			Options(huhOptions...).
			Value(&choice),
	)))
	if err != nil {
		return 0, err
	}
	return choice, nil
}

func (p *HuhPrompter) Confirm(ctx context.Context, title string, defaultYes bool) (bool, error) {
	value := defaultYes
	err := runForm(ctx, huh.NewForm(huh.NewGroup(
		huh.NewConfirm().
			Title(title).
			Affirmative("Yes").
			Negative("No").
			Value(&value),
	)))
	if err != nil {
		return false, err
	}
	return value, nil
}

func (p *HuhPrompter) Pause(ctx context.Context, lines ...string) error {
	PrintBanner(os.Stderr, lines...)

	return runForm(ctx, huh.NewForm(huh.NewGroup(
		huh.NewNote().
			Title("Press enter when you are done").
			Next(true).
			NextLabel("Continue"),
	)))
}

func runForm(ctx context.Context, form *huh.Form) error {
	form.WithProgramOptions(tea.WithOutput(os.Stderr))

	err := runFormFunc(ctx, form)
	// A canceled context kills the program, which surfaces as tea.ErrProgramKilled.
	if err != nil && ctx.Err() != nil {
		return fmt.Errorf("%w:\n%w", ErrInterrupted, ctx.Err())
	}
	if errors.Is(err, huh.ErrUserAborted) || errors.Is(err, tea.ErrInterrupted) {
		return ErrInterrupted
	}
	return err
}
