// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Package initrdutils unpacks and rebuilds gzip-compressed newc cpio archives such as initrd and installer root
// filesystems.
package initrdutils

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/cavaliercoder/go-cpio"
	"github.com/klauspost/pgzip"
	"github.com/openxt/oxt-iso-editor/toolkit/tools/internal/logger"
	"github.com/openxt/oxt-iso-editor/toolkit/tools/internal/shell"
	"github.com/sirupsen/logrus"
)

// ArchiveEntry describes one member of a cpio archive.
type ArchiveEntry struct {
	Name string
	Mode cpio.FileMode
	Size int64
}

func (e ArchiveEntry) IsDir() bool {
	return e.Mode&cpio.ModeType == cpio.ModeDir
}

// ExtractCpioGz unpacks a gzip-compressed cpio archive into outputDir. The host cpio tool writes the entries so
// device nodes keep their major and minor numbers.
func ExtractCpioGz(ctx context.Context, archivePath string, outputDir string) error {
	logger.Log.Debugf("Extracting (%s) into (%s)", archivePath, outputDir)

	archiveFile, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive (%s):\n%w", archivePath, err)
	}
	defer archiveFile.Close()

	gzipReader, err := pgzip.NewReader(archiveFile)
	if err != nil {
		return fmt.Errorf("failed to create a pgzip reader for (%s):\n%w", archivePath, err)
	}
	defer gzipReader.Close()

	err = os.MkdirAll(outputDir, 0o755)
	if err != nil {
		return fmt.Errorf("failed to create directory (%s):\n%w", outputDir, err)
	}

	err = shell.NewExecBuilder("cpio", "--extract", "--make-directories", "--preserve-modification-time",
		"--no-absolute-filenames", "--quiet").
		Context(ctx).
		WorkingDirectory(outputDir).
		StdinReader(gzipReader).
		LogLevel(logrus.DebugLevel, logrus.DebugLevel).
		ErrorStderrLines(1).
		Execute()
	if err != nil {
		return fmt.Errorf("failed to extract cpio archive (%s):\n%w", archivePath, err)
	}

	return nil
}

// CreateCpioGz packs inputDir into a gzip-compressed newc cpio archive at outputPath. The archive is written to a
// temporary file first so a failure never leaves a truncated archive behind.
func CreateCpioGz(ctx context.Context, inputDir string, outputPath string) (err error) {
	logger.Log.Debugf("Packing (%s) into (%s)", inputDir, outputPath)

	// inputDir becomes "/" when the archive is unpacked at boot.
	err = os.Chmod(inputDir, 0o755)
	if err != nil {
		return fmt.Errorf("failed to change folder permissions for (%s):\n%w", inputDir, err)
	}

	fileList, err := listTree(inputDir)
	if err != nil {
		return err
	}

	tempPath := outputPath + ".partial"
	outputFile, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("failed to create archive file (%s):\n%w", tempPath, err)
	}
	defer func() {
		outputFile.Close()
		if err != nil {
			os.Remove(tempPath)
		}
	}()

	gzipWriter := pgzip.NewWriter(outputFile)
	defer func() {
		if err != nil {
			// Stops the compression workers. The archive is discarded anyway.
			gzipWriter.Close()
		}
	}()

	err = shell.NewExecBuilder("cpio", "--create", "--format=newc", "--quiet").
		Context(ctx).
		WorkingDirectory(inputDir).
		StdinReader(strings.NewReader(fileList)).
		StdoutWriter(gzipWriter).
		LogLevel(logrus.DebugLevel, logrus.DebugLevel).
		ErrorStderrLines(1).
		Execute()
	if err != nil {
		return fmt.Errorf("failed to create cpio archive from (%s):\n%w", inputDir, err)
	}

	err = gzipWriter.Close()
	if err != nil {
		return fmt.Errorf("failed to finish compressing (%s):\n%w", tempPath, err)
	}

	err = outputFile.Close()
	if err != nil {
		return fmt.Errorf("failed to close archive file (%s):\n%w", tempPath, err)
	}

	err = os.Rename(tempPath, outputPath)
	if err != nil {
		return fmt.Errorf("failed to move archive into place (%s):\n%w", outputPath, err)
	}

	return nil
}

// listTree returns the newline separated paths under root in the form "find ." prints them.
func listTree(root string) (string, error) {
	builder := strings.Builder{}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return fmt.Errorf("encountered a file walk error on path (%s):\n%w", path, walkErr)
		}

		relPath, err := filepath.Rel(root, path)
		if err != nil {
			return fmt.Errorf("failed to get relative path of (%s) using root (%s):\n%w", path, root, err)
		}

		if relPath == "." {
			builder.WriteString(".\n")
		} else {
			builder.WriteString("./" + relPath + "\n")
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return builder.String(), nil
}

// ListCpioGz reads the member headers of a gzip-compressed cpio archive.
func ListCpioGz(archivePath string) ([]ArchiveEntry, error) {
	archiveFile, err := os.Open(archivePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive (%s):\n%w", archivePath, err)
	}
	defer archiveFile.Close()

	gzipReader, err := pgzip.NewReader(archiveFile)
	if err != nil {
		return nil, fmt.Errorf("failed to create a pgzip reader for (%s):\n%w", archivePath, err)
	}
	defer gzipReader.Close()

	entries := []ArchiveEntry(nil)
	cpioReader := cpio.NewReader(gzipReader)
	for {
		header, err := cpioReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read cpio header from (%s):\n%w", archivePath, err)
		}

		entries = append(entries, ArchiveEntry{
			Name: strings.TrimPrefix(header.Name, "./"),
			Mode: header.Mode,
			Size: header.Size,
		})
	}

	return entries, nil
}
