package archive

import (
	"archive/tar"
	"compress/bzip2"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// ErrUnknownFormat is returned when an archive's magic bytes match none of
// the supported container formats.
var ErrUnknownFormat = errors.New("unknown archive format")

// ErrPathTraversal is returned when an archive entry would escape the
// extraction root. The whole batch is rejected: a partially extracted
// archive must not flow downstream.
var ErrPathTraversal = errors.New("archive entry escapes extraction root")

// Extract unpacks a tar archive (optionally gzip or bzip2 compressed,
// chosen by content magic) into destDir.
func Extract(archivePath, destDir string) error {
	archiveType, err := Detect(archivePath)
	if err != nil {
		return err
	}
	slog.Debug("Detected archive type", "path", archivePath, "type", archiveType)

	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer f.Close()

	var reader io.Reader
	switch archiveType {
	case TypeTar:
		reader = f
	case TypeGzip:
		gz, err := gzip.NewReader(f)
		if err != nil {
			return fmt.Errorf("failed to open gzip stream: %w", err)
		}
		defer gz.Close()
		reader = gz
	case TypeBzip2:
		reader = bzip2.NewReader(f)
	default:
		return ErrUnknownFormat
	}

	return untar(reader, destDir)
}

func untar(r io.Reader, destDir string) error {
	tr := tar.NewReader(r)

	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read tar entry: %w", err)
		}

		target, err := securePath(destDir, header.Name)
		if err != nil {
			return err
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", header.Name, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("failed to create parent directory for %s: %w", header.Name, err)
			}
			if err := writeFile(target, tr, header.Mode); err != nil {
				return fmt.Errorf("failed to extract %s: %w", header.Name, err)
			}
		default:
			// Symlinks, devices and the like have no business in an
			// audio drop; skip them.
			slog.Debug("Skipping non-regular tar entry", "name", header.Name, "type", header.Typeflag)
		}
	}
}

// securePath resolves an entry name under destDir and rejects anything
// that would land outside it.
func securePath(destDir, name string) (string, error) {
	cleaned := filepath.Clean(name)
	if filepath.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: %s", ErrPathTraversal, name)
	}

	target := filepath.Join(destDir, cleaned)
	root := filepath.Clean(destDir) + string(os.PathSeparator)
	if !strings.HasPrefix(target, root) {
		return "", fmt.Errorf("%w: %s", ErrPathTraversal, name)
	}
	return target, nil
}

func writeFile(target string, r io.Reader, mode int64) error {
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(mode&0o777))
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// FindByExtension walks root and returns every regular file whose
// extension matches one of exts (case-insensitive, leading dot).
func FindByExtension(root string, exts []string) ([]string, error) {
	extSet := make(map[string]bool, len(exts))
	for _, ext := range exts {
		extSet[strings.ToLower(ext)] = true
	}

	var matches []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if extSet[strings.ToLower(filepath.Ext(path))] {
			matches = append(matches, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate audio files: %w", err)
	}
	return matches, nil
}

// Stem returns the extension-stripped leaf name of a path, the clip
// identifier used throughout the pipeline.
func Stem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
