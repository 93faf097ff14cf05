// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Package logger wraps logrus with the flags and sinks shared by every isoeditor tool.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
)

const (
	ColorFlag         = "log-color"
	ColorFlagHelp     = "Color setting for log terminal output"
	ColorsPlaceholder = "(always|auto|never)"

	FileFlag     = "log-file"
	FileFlagHelp = "Path to the image's log file."

	LevelsFlag        = "log-level"
	LevelsHelp        = "The minimum log level."
	LevelsPlaceholder = "(panic|fatal|error|warn|info|debug|trace)"

	ColorAlways = "always"
	ColorAuto   = "auto"
	ColorNever  = "never"

	defaultStderrLevel = logrus.InfoLevel
	defaultFileLevel   = logrus.DebugLevel
)

var (
	// Log is the shared logger for all packages.
	Log *logrus.Logger

	stderrHook *writerHook
)

// LogFlags holds the values of the command line flags that configure logging.
type LogFlags struct {
	LogColor *string
	LogFile  *string
	LogLevel *string
}

func init() {
	Log = logrus.New()
	Log.SetOutput(io.Discard)
	Log.SetLevel(logrus.TraceLevel)
}

// Levels returns the names of all supported log levels.
func Levels() []string {
	levels := make([]string, 0, len(logrus.AllLevels))
	for _, level := range logrus.AllLevels {
		levels = append(levels, level.String())
	}
	return levels
}

// Colors returns the names of all supported color modes.
func Colors() []string {
	return []string{ColorAlways, ColorAuto, ColorNever}
}

// InitStderrLog sets up logging to stderr only.
func InitStderrLog() {
	initStderrLog(defaultStderrLevel, ColorAuto)
}

// InitBestEffort sets up logging from the command line flags. Problems with the log file are reported on stderr
// but do not stop the program.
func InitBestEffort(flags *LogFlags) {
	level := defaultStderrLevel
	colorMode := ColorAuto
	logFile := ""

	if flags != nil {
		if flags.LogLevel != nil && *flags.LogLevel != "" {
			parsedLevel, err := logrus.ParseLevel(*flags.LogLevel)
			if err == nil {
				level = parsedLevel
			}
		}
		if flags.LogColor != nil && *flags.LogColor != "" {
			colorMode = *flags.LogColor
		}
		if flags.LogFile != nil {
			logFile = *flags.LogFile
		}
	}

	initStderrLog(level, colorMode)

	if logFile != "" {
		err := addFileHook(logFile, max(level, defaultFileLevel))
		if err != nil {
			Log.Warnf("Failed to open log file (%s):\n%v", logFile, err)
		}
	}
}

// SetStderrLogLevel changes the minimum level written to stderr.
func SetStderrLogLevel(level string) error {
	parsedLevel, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level (%s):\n%w", level, err)
	}

	if stderrHook == nil {
		initStderrLog(parsedLevel, ColorAuto)
		return nil
	}

	stderrHook.level = parsedLevel
	return nil
}

func initStderrLog(level logrus.Level, colorMode string) {
	forceColors := false
	disableColors := false
	switch colorMode {
	case ColorAlways:
		forceColors = true
		color.NoColor = false
	case ColorNever:
		disableColors = true
		color.NoColor = true
	}

	if stderrHook != nil {
		removeHook(stderrHook)
	}

	stderrHook = &writerHook{
		writer: os.Stderr,
		level:  level,
		formatter: &logrus.TextFormatter{
			ForceColors:            forceColors,
			DisableColors:          disableColors,
			FullTimestamp:          true,
			DisableLevelTruncation: true,
		},
	}
	Log.AddHook(stderrHook)
}

func addFileHook(path string, level logrus.Level) error {
	err := os.MkdirAll(filepath.Dir(path), os.ModePerm)
	if err != nil {
		return err
	}

	logFile, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}

	Log.AddHook(&writerHook{
		writer: logFile,
		level:  level,
		formatter: &logrus.TextFormatter{
			DisableColors: true,
			FullTimestamp: true,
		},
	})
	return nil
}

func removeHook(hook logrus.Hook) {
	newHooks := make(logrus.LevelHooks)
	for level, hooks := range Log.Hooks {
		for _, existing := range hooks {
			if existing == hook {
				continue
			}
			newHooks[level] = append(newHooks[level], existing)
		}
	}
	Log.ReplaceHooks(newHooks)
}

// writerHook writes entries at or above a minimum level to a single writer.
type writerHook struct {
	writer    io.Writer
	level     logrus.Level
	formatter logrus.Formatter
}

func (h *writerHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *writerHook) Fire(entry *logrus.Entry) error {
	if entry.Level > h.level {
		return nil
	}

	line, err := h.formatter.Format(entry)
	if err != nil {
		return err
	}

	_, err = h.writer.Write([]byte(strings.TrimRight(string(line), "\n") + "\n"))
	return err
}
