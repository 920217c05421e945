package blob

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrNotFound indicates the object or URL does not resolve to a payload.
	ErrNotFound = errors.New("blob not found")
	// ErrInvalidPath indicates an empty or malformed object path.
	ErrInvalidPath = errors.New("invalid blob path")
)

// Store is the blob contract used by the relay.
type Store interface {
	// Upload stores data at path and returns a URL that Download accepts.
	Upload(ctx context.Context, path string, data []byte) (string, error)
	// Download fetches the payload behind url.
	Download(ctx context.Context, url string) ([]byte, error)
	// Delete removes the object at path. Deleting a missing object is not an error.
	Delete(ctx context.Context, path string) error
}

func cleanPath(path string) (string, error) {
	p := strings.Trim(path, "/")
	if p == "" {
		return "", ErrInvalidPath
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return "", ErrInvalidPath
		}
	}
	return p, nil
}
