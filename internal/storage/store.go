package storage

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"time"
)

// Store is the object storage collaborator.
type Store interface {
	// Sign returns a URL granting read access to path for ttl.
	Sign(ctx context.Context, path string, ttl time.Duration) (string, error)
	// Upload writes the object and returns its public URL.
	Upload(ctx context.Context, path, contentType string, body io.Reader) (string, error)
	Delete(ctx context.Context, path string) error
}

var (
	ErrStorage        = errors.New("storage: request failed")
	ErrTimeout        = errors.New("storage: timeout")
	ErrObjectNotFound = errors.New("storage: object not found")
	ErrInvalidPath    = errors.New("storage: invalid object path")
)

// classify maps transport failures onto the package errors.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errors.Join(ErrTimeout, err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return errors.Join(ErrTimeout, err)
	}
	return errors.Join(ErrStorage, err)
}

// cleanPath rejects empty and parent-escaping object paths.
func cleanPath(p string) (string, error) {
	p = strings.TrimLeft(strings.TrimSpace(p), "/")
	if p == "" {
		return "", ErrInvalidPath
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." || seg == "." || seg == "" {
			return "", ErrInvalidPath
		}
	}
	return p, nil
}
