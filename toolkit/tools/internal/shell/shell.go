// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Package shell runs host programs and routes their output through the shared logger.
package shell

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/openxt/oxt-iso-editor/toolkit/tools/internal/logger"
	"github.com/sirupsen/logrus"
)

// LogDisabledLevel suppresses logging of a stream when passed to ExecBuilder.LogLevel.
const LogDisabledLevel logrus.Level = math.MaxUint32

const maxLineLength = 1024 * 1024

type ExecBuilder struct {
	ctx              context.Context
	command          string
	args             []string
	stdin            io.Reader
	stdout           io.Writer
	workingDirectory string
	chrootDir        string
	environment      []string
	stdoutLogLevel   logrus.Level
	stderrLogLevel   logrus.Level
	errorStderrLines int
}

func NewExecBuilder(command string, args ...string) ExecBuilder {
	return ExecBuilder{
		ctx:            context.Background(),
		command:        command,
		args:           args,
		stdoutLogLevel: logrus.DebugLevel,
		stderrLogLevel: logrus.DebugLevel,
	}
}

func (b ExecBuilder) Context(ctx context.Context) ExecBuilder {
	b.ctx = ctx
	return b
}

func (b ExecBuilder) Stdin(stdin string) ExecBuilder {
	b.stdin = strings.NewReader(stdin)
	return b
}

// StdinReader streams stdin from a reader.
func (b ExecBuilder) StdinReader(stdin io.Reader) ExecBuilder {
	b.stdin = stdin
	return b
}

// StdoutWriter sends stdout to w instead of the logger.
func (b ExecBuilder) StdoutWriter(w io.Writer) ExecBuilder {
	b.stdout = w
	return b
}

func (b ExecBuilder) WorkingDirectory(dir string) ExecBuilder {
	b.workingDirectory = dir
	return b
}

// Chroot runs the program with dir as its root directory. The working directory is then relative to dir.
func (b ExecBuilder) Chroot(dir string) ExecBuilder {
	b.chrootDir = dir
	return b
}

// EnvironmentVariables sets extra environment variables on top of the current process's environment.
func (b ExecBuilder) EnvironmentVariables(env ...string) ExecBuilder {
	b.environment = append(append([]string(nil), b.environment...), env...)
	return b
}

func (b ExecBuilder) LogLevel(stdoutLogLevel logrus.Level, stderrLogLevel logrus.Level) ExecBuilder {
	b.stdoutLogLevel = stdoutLogLevel
	b.stderrLogLevel = stderrLogLevel
	return b
}

// ErrorStderrLines sets how many of the final stderr lines are attached to the returned error.
func (b ExecBuilder) ErrorStderrLines(lines int) ExecBuilder {
	b.errorStderrLines = lines
	return b
}

func (b ExecBuilder) Execute() error {
	_, _, err := b.run(false)
	return err
}

func (b ExecBuilder) ExecuteCaptureOutput() (stdout string, stderr string, err error) {
	return b.run(true)
}

func (b ExecBuilder) run(captureOutput bool) (string, string, error) {
	program := b.command
	if b.chrootDir != "" {
		resolved, err := lookPathInRoot(b.chrootDir, b.command)
		if err != nil {
			return "", "", &ExecError{Command: b.command, Args: b.args, ExitCode: -1, Err: err}
		}
		program = resolved
	}

	cmd := exec.CommandContext(b.ctx, program, b.args...)
	cmd.Dir = b.workingDirectory
	if len(b.environment) > 0 {
		cmd.Env = append(os.Environ(), b.environment...)
	}
	cmd.Stdin = b.stdin
	if b.chrootDir != "" {
		cmd.SysProcAttr = &syscall.SysProcAttr{Chroot: b.chrootDir}
		if cmd.Dir == "" {
			cmd.Dir = "/"
		}
	}

	var stdoutPipe io.Reader = strings.NewReader("")
	if b.stdout != nil {
		cmd.Stdout = b.stdout
	} else {
		pipe, err := cmd.StdoutPipe()
		if err != nil {
			return "", "", fmt.Errorf("failed to open stdout pipe (%s):\n%w", b.command, err)
		}
		stdoutPipe = pipe
	}

	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return "", "", fmt.Errorf("failed to open stderr pipe (%s):\n%w", b.command, err)
	}

	if b.chrootDir != "" {
		logger.Log.Debugf("Executing in chroot (%s): %s %s", b.chrootDir, b.command, strings.Join(b.args, " "))
	} else {
		logger.Log.Debugf("Executing: %s %s", b.command, strings.Join(b.args, " "))
	}

	err = cmd.Start()
	if err != nil {
		return "", "", &ExecError{Command: b.command, Args: b.args, ExitCode: -1, Err: err}
	}

	stdoutCollector := newLineCollector(b.stdoutLogLevel, captureOutput, 0)
	stderrCollector := newLineCollector(b.stderrLogLevel, captureOutput, b.errorStderrLines)

	// Both pipes must be drained before calling Wait.
	wg := sync.WaitGroup{}
	wg.Add(2)
	go func() {
		defer wg.Done()
		stdoutCollector.consume(stdoutPipe)
	}()
	go func() {
		defer wg.Done()
		stderrCollector.consume(stderrPipe)
	}()
	wg.Wait()

	err = cmd.Wait()
	stdout := stdoutCollector.output.String()
	stderr := stderrCollector.output.String()
	if err != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}

		return stdout, stderr, &ExecError{
			Command:     b.command,
			Args:        b.args,
			ExitCode:    exitCode,
			StderrLines: stderrCollector.lastLines,
			Err:         err,
		}
	}

	return stdout, stderr, nil
}

var chrootSearchPath = []string{"/usr/local/sbin", "/usr/local/bin", "/usr/sbin", "/usr/bin", "/sbin", "/bin"}

// lookPathInRoot resolves a bare program name against the search path inside root. The returned path is
// relative to root.
func lookPathInRoot(root string, program string) (string, error) {
	if strings.Contains(program, "/") {
		return program, nil
	}

	for _, dir := range chrootSearchPath {
		candidate := filepath.Join(dir, program)
		info, err := os.Stat(filepath.Join(root, candidate))
		if err == nil && info.Mode().IsRegular() && info.Mode().Perm()&0o111 != 0 {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("%w: (%s) not found in (%s)", exec.ErrNotFound, program, root)
}

// ExecError is returned when a program cannot be started or exits with a non-zero status.
type ExecError struct {
	Command     string
	Args        []string
	ExitCode    int
	StderrLines []string
	Err         error
}

func (e *ExecError) Error() string {
	builder := strings.Builder{}
	fmt.Fprintf(&builder, "command (%s) failed (exit code %d): %v", e.Command, e.ExitCode, e.Err)
	for _, line := range e.StderrLines {
		builder.WriteString("\n")
		builder.WriteString(line)
	}
	return builder.String()
}

func (e *ExecError) Unwrap() error {
	return e.Err
}

type lineCollector struct {
	level     logrus.Level
	capture   bool
	keepLines int
	output    strings.Builder
	lastLines []string
}

func newLineCollector(level logrus.Level, capture bool, keepLines int) *lineCollector {
	return &lineCollector{
		level:     level,
		capture:   capture,
		keepLines: keepLines,
	}
}

func (c *lineCollector) consume(reader io.Reader) {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineLength)
	for scanner.Scan() {
		line := scanner.Text()

		if c.capture {
			c.output.WriteString(line)
			c.output.WriteString("\n")
		}

		if c.level != LogDisabledLevel {
			logger.Log.Log(c.level, line)
		}

		if c.keepLines > 0 {
			c.lastLines = append(c.lastLines, line)
			if len(c.lastLines) > c.keepLines {
				c.lastLines = c.lastLines[1:]
			}
		}
	}

	// Drain anything the scanner refused (e.g. an overlong line) so the child never blocks on a full pipe.
	_, _ = io.Copy(io.Discard, reader)
}
