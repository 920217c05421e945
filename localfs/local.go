package localfs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/p2psync/crypto"
	"github.com/opd-ai/p2psync/interfaces"
)

// ErrDirectoryTraversal indicates an attempt to write outside the root.
var ErrDirectoryTraversal = errors.New("path contains directory traversal")

// ErrNotDirectory indicates a scan target that is not a directory.
var ErrNotDirectory = errors.New("scan target is not a directory")

// LocalFS implements interfaces.FileSystem on the host filesystem.
type LocalFS struct {
	root string
}

var _ interfaces.FileSystem = (*LocalFS)(nil)

// NewLocalFS creates a bridge whose writes land under root.
func NewLocalFS(root string) (*LocalFS, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create receive root: %w", err)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve receive root: %w", err)
	}
	return &LocalFS{root: abs}, nil
}

// Root returns the directory receiving writes.
func (l *LocalFS) Root() string {
	return l.root
}

// ScanFolder walks path and returns metadata for matching regular files.
// Hidden entries (leading dot) are skipped.
func (l *LocalFS) ScanFolder(ctx context.Context, path string, types []string) ([]interfaces.FileMetadata, error) {
	logrus.WithFields(logrus.Fields{
		"function": "ScanFolder",
		"path":     path,
		"types":    types,
	}).Debug("Scanning folder")

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat folder: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrNotDirectory, path)
	}

	var files []interfaces.FileMetadata
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			logrus.WithFields(logrus.Fields{
				"function": "ScanFolder",
				"path":     p,
				"error":    walkErr.Error(),
			}).Warn("Skipping unreadable entry")
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		if p != path && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		meta, err := l.describe(p, d)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "ScanFolder",
				"path":     p,
				"error":    err.Error(),
			}).Warn("Skipping file that could not be described")
			return nil
		}
		if MatchesTypes(meta.Name, meta.Type, types) {
			files = append(files, meta)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function":   "ScanFolder",
		"path":       path,
		"file_count": len(files),
	}).Info("Folder scan complete")

	return files, nil
}

func (l *LocalFS) describe(p string, d fs.DirEntry) (interfaces.FileMetadata, error) {
	info, err := d.Info()
	if err != nil {
		return interfaces.FileMetadata{}, err
	}

	data, err := os.ReadFile(p)
	if err != nil {
		return interfaces.FileMetadata{}, err
	}

	mt := baseMIME(mimetype.Detect(data).String())
	return interfaces.FileMetadata{
		ID:           Fingerprint(p, info.Size(), info.ModTime()),
		Name:         d.Name(),
		Path:         p,
		Size:         info.Size(),
		Type:         mt,
		ContentHash:  crypto.ContentHash(data),
		ModifiedTime: info.ModTime(),
	}, nil
}

// ReadFile reads a whole file.
func (l *LocalFS) ReadFile(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

// WriteFile writes data below the root, atomically and idempotently.
func (l *LocalFS) WriteFile(ctx context.Context, path string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	rel, err := ValidatePath(path)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "WriteFile",
			"path":     path,
			"error":    err.Error(),
		}).Error("Rejected write path")
		return err
	}
	target := filepath.Join(l.root, rel)

	if existing, err := os.ReadFile(target); err == nil && bytes.Equal(existing, data) {
		logrus.WithFields(logrus.Fields{
			"function": "WriteFile",
			"path":     target,
		}).Debug("Identical content already present, skipping write")
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
		return fmt.Errorf("failed to create parent directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), "."+filepath.Base(target)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temporary file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temporary file: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to rename file: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "WriteFile",
		"path":     target,
		"size":     len(data),
	}).Info("Received file written")

	return nil
}

// ValidatePath checks that a destination path stays inside the write root.
// It returns the cleaned relative path.
func ValidatePath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("%w: empty path", ErrDirectoryTraversal)
	}

	cleaned := filepath.Clean(filepath.FromSlash(strings.TrimLeft(filepath.ToSlash(path), "/")))
	if cleaned == "." || filepath.IsAbs(cleaned) || filepath.VolumeName(cleaned) != "" {
		return "", ErrDirectoryTraversal
	}

	for _, part := range strings.Split(filepath.ToSlash(cleaned), "/") {
		if part == ".." {
			return "", ErrDirectoryTraversal
		}
	}

	return cleaned, nil
}
