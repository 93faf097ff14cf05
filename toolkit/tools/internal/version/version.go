// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package version

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var versionInTextRegexp = regexp.MustCompile(`\b(\d+(?:\.\d+)+)\b`)

// Version is a dotted numeric version. Missing trailing components compare as zero.
type Version []int

// Parse parses a dotted numeric version such as "1.5.4".
func Parse(value string) (Version, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, fmt.Errorf("empty version string")
	}

	parts := strings.Split(value, ".")
	version := make(Version, 0, len(parts))
	for _, part := range parts {
		number, err := strconv.Atoi(part)
		if err != nil || number < 0 {
			return nil, fmt.Errorf("invalid version string (%s)", value)
		}
		version = append(version, number)
	}
	return version, nil
}

// FindInText returns the first dotted version that appears in text, such as the output of "tool --version".
func FindInText(text string) (Version, error) {
	match := versionInTextRegexp.FindString(text)
	if match == "" {
		return nil, fmt.Errorf("no version number found in (%s)", strings.TrimSpace(text))
	}
	return Parse(match)
}

func (v Version) Cmp(other Version) int {
	count := max(len(v), len(other))
	for i := 0; i < count; i++ {
		c1 := v.component(i)
		c2 := other.component(i)
		switch {
		case c1 > c2:
			return 1
		case c1 < c2:
			return -1
		}
	}
	return 0
}

func (v Version) component(i int) int {
	if i < len(v) {
		return v[i]
	}
	return 0
}

func (v Version) Gt(other Version) bool {
	return v.Cmp(other) > 0
}

func (v Version) Ge(other Version) bool {
	return v.Cmp(other) >= 0
}

func (v Version) Lt(other Version) bool {
	return v.Cmp(other) < 0
}

func (v Version) Le(other Version) bool {
	return v.Cmp(other) <= 0
}

func (v Version) Eq(other Version) bool {
	return v.Cmp(other) == 0
}

func (v Version) String() string {
	parts := make([]string, 0, len(v))
	for _, p := range v {
		parts = append(parts, strconv.Itoa(p))
	}
	return strings.Join(parts, ".")
}
