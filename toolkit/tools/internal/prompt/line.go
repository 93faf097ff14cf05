// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package prompt

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
)

// LinePrompter asks questions one line at a time. It is used when there is no terminal.
type LinePrompter struct {
	in  *bufio.Reader
	out io.Writer

	// A single reader goroutine owns in, so a canceled prompt does not race the next one.
	startReader sync.Once
	lines       chan lineResult
}

type lineResult struct {
	line string
	err  error
}

func NewLinePrompter(in io.Reader, out io.Writer) *LinePrompter {
	return &LinePrompter{
		in:    bufio.NewReader(in),
		out:   out,
		lines: make(chan lineResult),
	}
}

func (p *LinePrompter) Select(ctx context.Context, title string, options []string) (int, error) {
	fmt.Fprintf(p.out, "\n%s\n", title)
	for i, option := range options {
		fmt.Fprintf(p.out, "%d. %s\n", i+1, option)
	}
	fmt.Fprintln(p.out)

	for {
		fmt.Fprint(p.out, "selection: ")
		answer, err := p.readLine(ctx)
		if err != nil {
			return 0, err
		}

		choice, err := strconv.Atoi(strings.TrimSpace(answer))
		if err != nil {
			fmt.Fprintln(p.out, "error: selection must be an integer. try again.")
			continue
		}
		if choice < 1 || choice > len(options) {
			fmt.Fprintf(p.out, "error: selection must be between 1 and %d\n", len(options))
			continue
		}

		fmt.Fprintln(p.out)
		return choice - 1, nil
	}
}

func (p *LinePrompter) Confirm(ctx context.Context, title string, defaultYes bool) (bool, error) {
	fmt.Fprintf(p.out, "%s %s ", title, yesNoHint(defaultYes))
	answer, err := p.readLine(ctx)
	if err != nil {
		return false, err
	}
	return parseYesNo(answer, defaultYes), nil
}

func (p *LinePrompter) Pause(ctx context.Context, lines ...string) error {
	PrintBanner(p.out, lines...)
	_, err := p.readLine(ctx)
	return err
}

func (p *LinePrompter) readLine(ctx context.Context) (string, error) {
	if ctx.Err() != nil {
		return "", fmt.Errorf("%w:\n%w", ErrInterrupted, ctx.Err())
	}

	p.startReader.Do(func() { go p.readLines() })

	select {
	case <-ctx.Done():
		return "", fmt.Errorf("%w:\n%w", ErrInterrupted, ctx.Err())
	case result, ok := <-p.lines:
		if !ok {
			return "", ErrInterrupted
		}
		return result.line, result.err
	}
}

// readLines feeds lines to readLine until the input ends.
func (p *LinePrompter) readLines() {
	defer close(p.lines)

	for {
		line, err := p.in.ReadString('\n')
		switch {
		case errors.Is(err, io.EOF) && line != "":
			p.lines <- lineResult{line: strings.TrimRight(line, "\r\n")}
			return
		case errors.Is(err, io.EOF):
			return
		case err != nil:
			p.lines <- lineResult{err: fmt.Errorf("failed to read answer:\n%w", err)}
			return
		}

		p.lines <- lineResult{line: strings.TrimRight(line, "\r\n")}
	}
}
