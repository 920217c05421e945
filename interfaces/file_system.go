package interfaces

import (
	"context"
	"time"
)

// FileMetadata describes one file produced by a folder scan.
type FileMetadata struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Path         string    `json:"path"`
	Size         int64     `json:"size"`
	Type         string    `json:"type"`
	ContentHash  string    `json:"contentHash,omitempty"`
	ModifiedTime time.Time `json:"modifiedTime"`
}

// FileScanner enumerates a folder.
type FileScanner interface {
	// ScanFolder returns metadata for every file under path whose type
	// matches one of types. An empty types slice matches everything.
	ScanFolder(ctx context.Context, path string, types []string) ([]FileMetadata, error)
}

// FileReader reads whole files.
type FileReader interface {
	ReadFile(ctx context.Context, path string) ([]byte, error)
}

// FileWriter persists received files. Writing identical content to the same
// path twice must succeed.
type FileWriter interface {
	WriteFile(ctx context.Context, path string, data []byte) error
}

// FileSystem is the full filesystem bridge consumed by the coordinator.
type FileSystem interface {
	FileScanner
	FileReader
	FileWriter
}

// FileWriterFunc adapts a function to FileWriter.
type FileWriterFunc func(ctx context.Context, path string, data []byte) error

// WriteFile implements FileWriter.
func (f FileWriterFunc) WriteFile(ctx context.Context, path string, data []byte) error {
	return f(ctx, path, data)
}
