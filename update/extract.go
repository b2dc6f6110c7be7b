package update

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// extractZip unpacks an archive into destDir. Every entry is validated
// before anything is written, and extraction happens in a staging directory
// that is merged into destDir only once the whole archive unpacked cleanly,
// so a bad or failing entry never leaves a half-applied tree.
func extractZip(archivePath, destDir string) error {
	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer reader.Close()

	cleanDest := filepath.Clean(destDir)
	if err := os.MkdirAll(filepath.Dir(cleanDest), 0o700); err != nil {
		return fmt.Errorf("create destination parent: %w", err)
	}

	staging, err := os.MkdirTemp(filepath.Dir(cleanDest), ".update-stage-")
	if err != nil {
		return fmt.Errorf("create staging directory: %w", err)
	}
	defer os.RemoveAll(staging)

	// Refuse the whole archive before a single entry lands on disk.
	for _, file := range reader.File {
		if !entryWithin(staging, file.Name) {
			return fmt.Errorf("archive entry %q escapes destination", file.Name)
		}
	}

	for _, file := range reader.File {
		target := filepath.Join(staging, file.Name)
		if file.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o700); err != nil {
				return fmt.Errorf("create directory %q: %w", file.Name, err)
			}
			continue
		}
		if err := extractFile(file, target); err != nil {
			return err
		}
	}

	if err := os.MkdirAll(cleanDest, 0o700); err != nil {
		return fmt.Errorf("create destination: %w", err)
	}
	return mergeTree(staging, cleanDest)
}

func entryWithin(root, name string) bool {
	target := filepath.Join(root, name)
	return strings.HasPrefix(target, filepath.Clean(root)+string(os.PathSeparator))
}

// mergeTree renames every staged file into place. Staging lives next to the
// destination, so the renames never cross filesystems.
func mergeTree(srcDir, destDir string) error {
	return filepath.Walk(srcDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		target := filepath.Join(destDir, rel)
		if info.IsDir() {
			return os.MkdirAll(target, 0o700)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
			return err
		}
		return os.Rename(path, target)
	})
}

func extractFile(file *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
		return fmt.Errorf("create parent for %q: %w", file.Name, err)
	}

	src, err := file.Open()
	if err != nil {
		return fmt.Errorf("open archive entry %q: %w", file.Name, err)
	}
	defer src.Close()

	dst, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, file.Mode().Perm()|0o200)
	if err != nil {
		return fmt.Errorf("create %q: %w", file.Name, err)
	}

	_, copyErr := io.Copy(dst, src)
	if closeErr := dst.Close(); copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		return fmt.Errorf("extract %q: %w", file.Name, copyErr)
	}
	return nil
}
