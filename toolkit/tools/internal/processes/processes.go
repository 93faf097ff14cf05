// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package processes

import (
	"bufio"
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/openxt/oxt-iso-editor/toolkit/tools/internal/shell"
	"github.com/openxt/oxt-iso-editor/toolkit/tools/internal/version"
	"github.com/sirupsen/logrus"
)

var (
	// Example:
	//     revision: 4.93.2
	lsofVersionRegexp = regexp.MustCompile(`(?m)^\s*revision:\s+(\d+\.\d+(?:\.\d+)?)\s*$`)

	// -Q (don't fail on empty results) first appeared in lsof 4.95.
	lsofQuietArgVersion = version.Version{4, 95}
)

type ProcessRecord struct {
	ProcessId   int
	ProcessName string
	Files       []string
}

func (r ProcessRecord) String() string {
	return fmt.Sprintf("%s (pid %d)", r.ProcessName, r.ProcessId)
}

// GetProcessesUsingPath returns a list of all the processes that have a file opened under the provided path.
func GetProcessesUsingPath(ctx context.Context, path string) ([]ProcessRecord, error) {
	lsofVersion, err := getLsofVersion(ctx)
	if err != nil {
		return nil, err
	}

	quietArgAvailable := lsofVersion.Ge(lsofQuietArgVersion)

	args := []string(nil)
	if quietArgAvailable {
		args = append(args, "-Q")
	}
	args = append(args, "-F", "pcn", "+D", path)

	stdout, _, err := shell.NewExecBuilder("lsof", args...).
		Context(ctx).
		LogLevel(logrus.TraceLevel, logrus.DebugLevel).
		ExecuteCaptureOutput()
	if err != nil {
		if !quietArgAvailable {
			// Without -Q, lsof exits non-zero when nothing matched.
			return nil, nil
		}

		return nil, fmt.Errorf("failed to list processes using path (%s) with lsof:\n%w", path, err)
	}

	return parseLsofFields(stdout)
}

func parseLsofFields(stdout string) ([]ProcessRecord, error) {
	records := []ProcessRecord(nil)
	record := ProcessRecord{
		ProcessId: -1,
	}

	scanner := bufio.NewScanner(strings.NewReader(stdout))
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) <= 0 {
			continue
		}

		prefix := line[0]
		value := line[1:]
		switch prefix {
		case 'p':
			if record.ProcessId >= 0 {
				records = append(records, record)
			}

			pid, err := strconv.Atoi(value)
			if err != nil {
				return nil, fmt.Errorf("failed to parse process ID string (%s):\n%w", value, err)
			}
			record = ProcessRecord{ProcessId: pid}

		case 'c':
			record.ProcessName = value

		case 'n':
			record.Files = append(record.Files, value)
		}
	}

	if record.ProcessId >= 0 {
		records = append(records, record)
	}

	return records, nil
}

func getLsofVersion(ctx context.Context) (version.Version, error) {
	_, stderr, err := shell.NewExecBuilder("lsof", "-v").
		Context(ctx).
		LogLevel(logrus.TraceLevel, logrus.TraceLevel).
		ExecuteCaptureOutput()
	if err != nil {
		return nil, fmt.Errorf("failed to get lsof's version:\n%w", err)
	}

	match := lsofVersionRegexp.FindStringSubmatch(stderr)
	if match == nil {
		return nil, fmt.Errorf("failed to parse lsof version string")
	}

	return version.Parse(match[1])
}
