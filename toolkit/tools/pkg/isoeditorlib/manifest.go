// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package isoeditorlib

import (
	_ "crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/asaskevich/govalidator"
	"github.com/aymanbagabas/go-udiff"
	"github.com/opencontainers/go-digest"
	"github.com/openxt/oxt-iso-editor/toolkit/tools/internal/file"
	"github.com/openxt/oxt-iso-editor/toolkit/tools/internal/logger"
	"gopkg.in/ini.v1"
)

const (
	PackagesDirName        = "packages.main"
	PackagesManifestName   = "XC-PACKAGES"
	RepositoryManifestName = "XC-REPOSITORY"
	SignatureFileName      = "XC-SIGNATURE"

	repositoryPackagesKey = "packages"
)

var tokenRegexp = regexp.MustCompile(`\S+`)

// ManifestEntry is one line of XC-PACKAGES: "<name> <length> <sha256> <rest...>".
type ManifestEntry struct {
	Name   string
	Length int64
	Hash   string
	Rest   []string
}

func parseManifestEntry(line string) (ManifestEntry, error) {
	fields := strings.Fields(line)
	if len(fields) < 3 {
		return ManifestEntry{}, fmt.Errorf("%w (%s): expected at least 3 fields", ErrManifestMalformedEntry,
			strings.TrimSpace(line))
	}

	length, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil || length < 0 {
		return ManifestEntry{}, fmt.Errorf("%w (%s): invalid length (%s)", ErrManifestMalformedEntry,
			strings.TrimSpace(line), fields[1])
	}

	if !govalidator.IsSHA256(fields[2]) {
		return ManifestEntry{}, fmt.Errorf("%w (%s): invalid sha256 (%s)", ErrManifestMalformedEntry,
			strings.TrimSpace(line), fields[2])
	}

	return ManifestEntry{
		Name:   fields[0],
		Length: length,
		Hash:   fields[2],
		Rest:   fields[3:],
	}, nil
}

// ManifestChain keeps XC-PACKAGES in step with the package files and XC-REPOSITORY in step with XC-PACKAGES.
type ManifestChain struct {
	packagesDir string
}

func NewManifestChain(packagesDir string) *ManifestChain {
	return &ManifestChain{
		packagesDir: packagesDir,
	}
}

func (c *ManifestChain) PackagesManifestPath() string {
	return filepath.Join(c.packagesDir, PackagesManifestName)
}

func (c *ManifestChain) RepositoryManifestPath() string {
	return filepath.Join(c.packagesDir, RepositoryManifestName)
}

// UpdateComponent rewrites the XC-PACKAGES line that starts with key so that its length and hash match the
// package file named "<key>*". Only that line changes.
//
// The old values are swapped for the new ones token by token. If the old length or hash also appears as another
// token on the same line, that token is rewritten too; this is logged as a warning.
func (c *ManifestChain) UpdateComponent(key string) (ManifestEntry, error) {
	artifactPath, err := c.findArtifact(key)
	if err != nil {
		return ManifestEntry{}, err
	}

	newLength, newHash, err := measureFile(artifactPath)
	if err != nil {
		return ManifestEntry{}, err
	}

	manifestPath := c.PackagesManifestPath()
	content, err := os.ReadFile(manifestPath)
	if err != nil {
		return ManifestEntry{}, fmt.Errorf("failed to read package manifest (%s):\n%w", manifestPath, err)
	}

	lines := strings.SplitAfter(string(content), "\n")
	index := findLineWithPrefix(lines, key)
	if index < 0 {
		return ManifestEntry{}, fmt.Errorf("%w (%s) in (%s)", ErrManifestNoEntry, key, manifestPath)
	}

	oldEntry, err := parseManifestEntry(lines[index])
	if err != nil {
		return ManifestEntry{}, err
	}

	// Use the literal tokens from the line so that, for example, a zero-padded length still matches.
	fields := strings.Fields(lines[index])
	newLengthToken := strconv.FormatInt(newLength, 10)

	logger.Log.Infof("Updating %s package info", key)
	logger.Log.Infof("  old: %s %s", fields[1], fields[2])
	logger.Log.Infof("  new: %s %s", newLengthToken, newHash)

	lines[index] = replaceTokens(lines[index], map[string]string{
		fields[1]: newLengthToken,
		fields[2]: newHash,
	})

	err = writeManifest(manifestPath, string(content), strings.Join(lines, ""))
	if err != nil {
		return ManifestEntry{}, err
	}

	newEntry := oldEntry
	newEntry.Length = newLength
	newEntry.Hash = newHash
	return newEntry, nil
}

// UpdateRepository sets the "packages:" hash in XC-REPOSITORY to the hash of XC-PACKAGES. It returns the new
// hash.
func (c *ManifestChain) UpdateRepository() (string, error) {
	repositoryPath := c.RepositoryManifestPath()

	oldHash, err := readRepositoryPackagesHash(repositoryPath)
	if err != nil {
		return "", err
	}

	_, newHash, err := measureFile(c.PackagesManifestPath())
	if err != nil {
		return "", err
	}

	logger.Log.Infof("Updating xc-repository info")
	logger.Log.Infof("  old: %s", oldHash)
	logger.Log.Infof("  new: %s", newHash)

	content, err := os.ReadFile(repositoryPath)
	if err != nil {
		return "", fmt.Errorf("failed to read repository manifest (%s):\n%w", repositoryPath, err)
	}

	lines := strings.SplitAfter(string(content), "\n")
	index := findLineWithPrefix(lines, repositoryPackagesKey+":")
	if index < 0 {
		return "", fmt.Errorf("%w (%s)", ErrManifestNoRepositoryLine, repositoryPath)
	}

	lines[index] = replaceTokens(lines[index], map[string]string{
		oldHash: newHash,
	})

	err = writeManifest(repositoryPath, string(content), strings.Join(lines, ""))
	if err != nil {
		return "", err
	}

	return newHash, nil
}

func (c *ManifestChain) findArtifact(key string) (string, error) {
	pattern := filepath.Join(c.packagesDir, key+"*")
	matches, err := file.GlobSorted(pattern)
	if err != nil {
		return "", err
	}

	switch len(matches) {
	case 0:
		return "", fmt.Errorf("%w (%s)", ErrManifestNoArtifact, pattern)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("%w (%s): %v", ErrManifestAmbiguousArtifact, pattern, matches)
	}
}

func readRepositoryPackagesHash(repositoryPath string) (string, error) {
	repository, err := ini.LoadSources(ini.LoadOptions{
		SkipUnrecognizableLines: true,
		IgnoreInlineComment:     true,
		KeyValueDelimiters:      ":",
	}, repositoryPath)
	if err != nil {
		return "", fmt.Errorf("failed to read repository manifest (%s):\n%w", repositoryPath, err)
	}

	key, err := repository.Section(ini.DefaultSection).GetKey(repositoryPackagesKey)
	if err != nil {
		return "", fmt.Errorf("%w (%s)", ErrManifestNoRepositoryLine, repositoryPath)
	}

	hash := key.String()
	if !govalidator.IsSHA256(hash) {
		return "", fmt.Errorf("%w (%s): invalid sha256 (%s)", ErrManifestMalformedEntry, repositoryPath, hash)
	}

	return hash, nil
}

// measureFile returns the size and hex sha256 of path.
func measureFile(path string) (int64, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, "", fmt.Errorf("failed to open (%s):\n%w", path, err)
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return 0, "", fmt.Errorf("failed to stat (%s):\n%w", path, err)
	}

	fileDigest, err := digest.SHA256.FromReader(f)
	if err != nil {
		return 0, "", fmt.Errorf("failed to hash (%s):\n%w", path, err)
	}

	return stat.Size(), fileDigest.Encoded(), nil
}

func findLineWithPrefix(lines []string, prefix string) int {
	for i, line := range lines {
		if strings.HasPrefix(line, prefix) {
			return i
		}
	}
	return -1
}

// replaceTokens swaps every whitespace-delimited token of line found in replacements. Separators are kept as
// they are.
func replaceTokens(line string, replacements map[string]string) string {
	counts := make(map[string]int, len(replacements))
	for _, token := range tokenRegexp.FindAllString(line, -1) {
		if _, ok := replacements[token]; ok {
			counts[token]++
		}
	}

	for token, count := range counts {
		if count > 1 {
			logger.Log.Warnf("Value (%s) appears %d times on manifest line (%s); all occurrences are replaced",
				token, count, strings.TrimSpace(line))
		}
	}

	return tokenRegexp.ReplaceAllStringFunc(line, func(token string) string {
		if replacement, ok := replacements[token]; ok {
			return replacement
		}
		return token
	})
}

// writeManifest replaces path's content and logs the change as a unified diff.
func writeManifest(path string, oldContent string, newContent string) error {
	if oldContent == newContent {
		logger.Log.Debugf("Manifest (%s) is unchanged", path)
		return nil
	}

	name := filepath.Base(path)
	logger.Log.Debugf("Manifest (%s) changes:\n%s", path, udiff.Unified("a/"+name, "b/"+name, oldContent,
		newContent))

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat manifest (%s):\n%w", path, err)
	}

	tempPath := path + ".partial"
	err = os.WriteFile(tempPath, []byte(newContent), info.Mode().Perm())
	if err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to write manifest (%s):\n%w", path, err)
	}

	err = os.Rename(tempPath, path)
	if err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to move manifest into place (%s):\n%w", path, err)
	}

	return nil
}
