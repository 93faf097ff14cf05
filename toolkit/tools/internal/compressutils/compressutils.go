// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Package compressutils compresses and decompresses whole files in place, the way the gzip command line tool does.
package compressutils

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/pgzip"
	"github.com/openxt/oxt-iso-editor/toolkit/tools/internal/logger"
)

const GzipSuffix = ".gz"

// GunzipFile decompresses path, which must end in ".gz", next to itself and removes the compressed file. It
// returns the path of the decompressed file.
func GunzipFile(path string) (string, error) {
	if !strings.HasSuffix(path, GzipSuffix) {
		return "", fmt.Errorf("file (%s) does not have a (%s) suffix", path, GzipSuffix)
	}

	outputPath := strings.TrimSuffix(path, GzipSuffix)
	logger.Log.Debugf("Decompressing (%s) to (%s)", path, outputPath)

	err := transform(path, outputPath, func(src io.Reader, dst io.Writer) error {
		gzipReader, err := pgzip.NewReader(src)
		if err != nil {
			return err
		}
		defer gzipReader.Close()

		_, err = io.Copy(dst, gzipReader)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("failed to decompress (%s):\n%w", path, err)
	}

	return outputPath, nil
}

// GzipFile compresses path to path+".gz" and removes the uncompressed file. It returns the compressed file's path.
func GzipFile(path string) (string, error) {
	outputPath := path + GzipSuffix
	logger.Log.Debugf("Compressing (%s) to (%s)", path, outputPath)

	err := transform(path, outputPath, func(src io.Reader, dst io.Writer) error {
		gzipWriter := pgzip.NewWriter(dst)
		_, err := io.Copy(gzipWriter, src)
		if err != nil {
			gzipWriter.Close()
			return err
		}
		return gzipWriter.Close()
	})
	if err != nil {
		return "", fmt.Errorf("failed to compress (%s):\n%w", path, err)
	}

	return outputPath, nil
}

// transform streams inputPath through fn into outputPath. The input is removed only once the output is complete.
func transform(inputPath string, outputPath string, fn func(src io.Reader, dst io.Writer) error) (err error) {
	inputFile, err := os.Open(inputPath)
	if err != nil {
		return err
	}
	defer inputFile.Close()

	info, err := inputFile.Stat()
	if err != nil {
		return err
	}

	outputFile, err := os.OpenFile(outputPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, info.Mode().Perm())
	if err != nil {
		return err
	}
	defer func() {
		if outputFile != nil {
			outputFile.Close()
		}
		if err != nil {
			os.Remove(outputPath)
		}
	}()

	err = fn(inputFile, outputFile)
	if err != nil {
		return err
	}

	err = outputFile.Close()
	outputFile = nil
	if err != nil {
		return err
	}

	inputFile.Close()
	return os.Remove(inputPath)
}
