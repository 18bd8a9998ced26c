package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// PublicPrefix holds objects served without a signed token (poster previews).
const PublicPrefix = "images/"

// Local keeps objects on disk and signs URLs served by its own Handler.
// It stands in for the hosted bucket in development.
type Local struct {
	root    string
	baseURL string
	secret  []byte
	now     func() time.Time
}

var _ Store = (*Local)(nil)

type objectClaims struct {
	jwt.RegisteredClaims
}

// NewLocal stores objects under root; baseURL is the public origin the
// Handler is mounted on (e.g. http://localhost:8080).
func NewLocal(root, baseURL, secret string) (*Local, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("local storage: root is required")
	}
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("local storage: signing secret is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("local storage: %w", err)
	}
	return &Local{
		root:    root,
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  []byte(secret),
		now:     time.Now,
	}, nil
}

func (l *Local) Sign(ctx context.Context, path string, ttl time.Duration) (string, error) {
	p, err := cleanPath(path)
	if err != nil {
		return "", err
	}
	if ttl <= 0 {
		return "", fmt.Errorf("%w: ttl must be positive", ErrStorage)
	}
	if _, err := os.Stat(l.fsPath(p)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrObjectNotFound
		}
		return "", classify(err)
	}
	now := l.now()
	claims := objectClaims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   p,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(l.secret)
	if err != nil {
		return "", classify(err)
	}
	return l.baseURL + "/files/" + p + "?token=" + url.QueryEscape(token), nil
}

func (l *Local) Upload(ctx context.Context, path, contentType string, body io.Reader) (string, error) {
	p, err := cleanPath(path)
	if err != nil {
		return "", err
	}
	dst := l.fsPath(p)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", classify(err)
	}
	f, err := os.Create(dst)
	if err != nil {
		return "", classify(err)
	}
	if _, err := io.Copy(f, body); err != nil {
		_ = f.Close()
		return "", classify(err)
	}
	if err := f.Close(); err != nil {
		return "", classify(err)
	}
	return l.baseURL + "/files/" + p, nil
}

func (l *Local) Delete(ctx context.Context, path string) error {
	p, err := cleanPath(path)
	if err != nil {
		return err
	}
	if err := os.Remove(l.fsPath(p)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrObjectNotFound
		}
		return classify(err)
	}
	return nil
}

// Handler serves GET /files/{path}. Objects outside PublicPrefix need a token
// minted by Sign for exactly that path.
func (l *Local) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		p, err := cleanPath(strings.TrimPrefix(r.URL.Path, "/files/"))
		if err != nil {
			http.NotFound(w, r)
			return
		}
		if !strings.HasPrefix(p, PublicPrefix) && !l.validToken(r.URL.Query().Get("token"), p) {
			http.Error(w, "invalid or expired link", http.StatusForbidden)
			return
		}
		f, err := os.Open(l.fsPath(p))
		if err != nil {
			http.NotFound(w, r)
			return
		}
		defer f.Close()
		info, err := f.Stat()
		if err != nil || info.IsDir() {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(p)))
		http.ServeContent(w, r, info.Name(), info.ModTime(), f)
	})
}

func (l *Local) validToken(token, path string) bool {
	if token == "" {
		return false
	}
	var claims objectClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return l.secret, nil
	}, jwt.WithExpirationRequired(), jwt.WithTimeFunc(l.now))
	return err == nil && parsed.Valid && claims.Subject == path
}

func (l *Local) fsPath(p string) string {
	return filepath.Join(l.root, filepath.FromSlash(p))
}
