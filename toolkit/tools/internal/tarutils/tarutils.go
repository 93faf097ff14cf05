// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package tarutils

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dsnet/compress/bzip2"
	"github.com/openxt/oxt-iso-editor/toolkit/tools/internal/logger"
)

// ErrUnsafePath is returned when an archive member would be written outside the expansion root.
var ErrUnsafePath = errors.New("archive member escapes the expansion root")

// CreateTarBz2Archive packs the contents of sourceDir into a bzip2-compressed tar. Member names are relative to
// sourceDir and the directory itself is not recorded.
func CreateTarBz2Archive(sourceDir string, outputArchivePath string) (err error) {
	logger.Log.Debugf("Creating archive (%s) from (%s)", outputArchivePath, sourceDir)

	entries, err := os.ReadDir(sourceDir)
	if err != nil {
		return fmt.Errorf("failed to read directory (%s):\n%w", sourceDir, err)
	}

	members := make([]string, 0, len(entries))
	for _, entry := range entries {
		members = append(members, entry.Name())
	}

	return writeArchive(outputArchivePath, func(w io.Writer) (io.WriteCloser, error) {
		return bzip2.NewWriter(w, &bzip2.WriterConfig{Level: bzip2.BestCompression})
	}, sourceDir, members)
}

// CreateTarArchive writes an uncompressed tar of members, each a path relative to baseDir. Directories are
// recursed.
func CreateTarArchive(baseDir string, members []string, outputArchivePath string) error {
	logger.Log.Debugf("Creating archive (%s) from (%s)", outputArchivePath, baseDir)

	return writeArchive(outputArchivePath, nil, baseDir, members)
}

type compressorFunc func(w io.Writer) (io.WriteCloser, error)

func writeArchive(outputArchivePath string, compressor compressorFunc, baseDir string, members []string,
) (err error) {
	// The previous archive stays in place until the new one is complete.
	partialPath := outputArchivePath + ".partial"

	outFile, err := os.Create(partialPath)
	if err != nil {
		return fmt.Errorf("failed to create archive (%s):\n%w", partialPath, err)
	}
	defer func() {
		closeErr := outFile.Close()
		if err == nil && closeErr != nil {
			err = fmt.Errorf("failed to close archive (%s):\n%w", partialPath, closeErr)
		}
		if err == nil {
			err = os.Rename(partialPath, outputArchivePath)
			if err != nil {
				err = fmt.Errorf("failed to move archive into place (%s):\n%w", outputArchivePath, err)
			}
		}
		if err != nil {
			os.Remove(partialPath)
		}
	}()

	var sink io.Writer = outFile
	var compressed io.WriteCloser
	if compressor != nil {
		compressed, err = compressor(outFile)
		if err != nil {
			return fmt.Errorf("failed to create compressor for (%s):\n%w", outputArchivePath, err)
		}
		sink = compressed
	}

	tw := tar.NewWriter(sink)

	sorted := append([]string(nil), members...)
	sort.Strings(sorted)
	for _, member := range sorted {
		err = addTree(tw, baseDir, member)
		if err != nil {
			return fmt.Errorf("failed to add (%s) to archive (%s):\n%w", member, outputArchivePath, err)
		}
	}

	err = tw.Close()
	if err != nil {
		return fmt.Errorf("failed to finish archive (%s):\n%w", outputArchivePath, err)
	}

	if compressed != nil {
		err = compressed.Close()
		if err != nil {
			return fmt.Errorf("failed to finish compressing archive (%s):\n%w", outputArchivePath, err)
		}
	}

	return nil
}

func addTree(tw *tar.Writer, baseDir string, member string) error {
	return filepath.WalkDir(filepath.Join(baseDir, member), func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		link := ""
		if info.Mode()&os.ModeSymlink != 0 {
			link, err = os.Readlink(path)
			if err != nil {
				return err
			}
		}

		header, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}

		relPath, err := filepath.Rel(baseDir, path)
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(relPath)
		if info.IsDir() {
			header.Name += "/"
		}

		err = tw.WriteHeader(header)
		if err != nil {
			return err
		}

		if !info.Mode().IsRegular() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()

		_, err = io.Copy(tw, f)
		return err
	})
}

// ExpandTarBz2Archive unpacks a bzip2-compressed tar into outputDir.
func ExpandTarBz2Archive(sourceArchivePath string, outputDir string) error {
	logger.Log.Debugf("Expanding archive (%s) to (%s)", sourceArchivePath, outputDir)

	f, err := os.Open(sourceArchivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive (%s):\n%w", sourceArchivePath, err)
	}
	defer f.Close()

	bzr, err := bzip2.NewReader(f, nil)
	if err != nil {
		return fmt.Errorf("failed to create bzip2 reader for (%s):\n%w", sourceArchivePath, err)
	}
	defer bzr.Close()

	err = expand(tar.NewReader(bzr), outputDir)
	if err != nil {
		return fmt.Errorf("failed to expand archive (%s):\n%w", sourceArchivePath, err)
	}
	return nil
}

func expand(tr *tar.Reader, outputDir string) error {
	err := os.MkdirAll(outputDir, 0o755)
	if err != nil {
		return fmt.Errorf("failed to create folder (%s):\n%w", outputDir, err)
	}

	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read header from archive:\n%w", err)
		}

		target, err := safeJoin(outputDir, header.Name)
		if err != nil {
			return err
		}

		err = checkParentInsideRoot(outputDir, target)
		if err != nil {
			return err
		}

		mode := header.FileInfo().Mode()

		switch header.Typeflag {
		case tar.TypeDir:
			err = os.MkdirAll(target, mode.Perm())
			if err != nil {
				return fmt.Errorf("failed to create folder (%s):\n%w", target, err)
			}

		case tar.TypeReg:
			err = writeFile(tr, target, mode.Perm())
			if err != nil {
				return err
			}

		case tar.TypeSymlink:
			err = replaceWith(target, func() error { return os.Symlink(header.Linkname, target) })
			if err != nil {
				return fmt.Errorf("failed to create symlink (%s):\n%w", target, err)
			}

		case tar.TypeLink:
			linkSource, err := safeJoin(outputDir, header.Linkname)
			if err != nil {
				return err
			}

			err = checkParentInsideRoot(outputDir, linkSource)
			if err != nil {
				return err
			}

			err = replaceWith(target, func() error { return os.Link(linkSource, target) })
			if err != nil {
				return fmt.Errorf("failed to create hard link (%s):\n%w", target, err)
			}

		default:
			return fmt.Errorf("unsupported tar entry type (%c) for (%s)", header.Typeflag, header.Name)
		}

		if header.Typeflag != tar.TypeLink {
			// Ownership needs root; the mode and content are already in place otherwise.
			err = os.Lchown(target, header.Uid, header.Gid)
			if err != nil && !errors.Is(err, fs.ErrPermission) {
				return fmt.Errorf("failed to set ownership of (%s):\n%w", target, err)
			}
		}
	}
}

func writeFile(r io.Reader, target string, perm os.FileMode) error {
	err := os.MkdirAll(filepath.Dir(target), 0o755)
	if err != nil {
		return fmt.Errorf("failed to create parent folder for (%s):\n%w", target, err)
	}

	// An earlier member may have left a symlink here. Replace it instead of writing through it.
	err = os.Remove(target)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to replace (%s):\n%w", target, err)
	}

	f, err := os.OpenFile(target, os.O_CREATE|os.O_EXCL|os.O_WRONLY, perm)
	if err != nil {
		return fmt.Errorf("failed to create file (%s):\n%w", target, err)
	}
	defer f.Close()

	_, err = io.Copy(f, r)
	if err != nil {
		return fmt.Errorf("failed to write file (%s):\n%w", target, err)
	}

	return f.Close()
}

func replaceWith(target string, create func() error) error {
	err := os.MkdirAll(filepath.Dir(target), 0o755)
	if err != nil {
		return err
	}

	err = os.Remove(target)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	return create()
}

func safeJoin(root string, name string) (string, error) {
	cleanName := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(cleanName) || cleanName == ".." || strings.HasPrefix(cleanName, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w (%s) in (%s)", ErrUnsafePath, name, root)
	}
	return filepath.Join(root, cleanName), nil
}

// checkParentInsideRoot resolves the symlinks along target's parent and fails if they lead out of root.
// Symlinks created by earlier members may point anywhere. They are only followed while they stay inside root.
func checkParentInsideRoot(root string, target string) error {
	root = filepath.Clean(root)
	if target == root {
		return nil
	}

	realRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return fmt.Errorf("failed to resolve (%s):\n%w", root, err)
	}

	existing := filepath.Dir(target)
	for existing != root {
		_, err = os.Lstat(existing)
		if err == nil {
			break
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to stat (%s):\n%w", existing, err)
		}
		existing = filepath.Dir(existing)
	}

	realParent, err := filepath.EvalSymlinks(existing)
	if err != nil {
		// Dangling symlinks are not followed either.
		return fmt.Errorf("%w (%s) in (%s):\n%w", ErrUnsafePath, target, root, err)
	}

	rel, err := filepath.Rel(realRoot, realParent)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("%w (%s) in (%s)", ErrUnsafePath, target, root)
	}

	return nil
}
