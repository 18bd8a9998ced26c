package storage

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"
)

func TestSupabaseSign(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/storage/v1/object/sign/posters/posters/starry-night.jpg" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer service-key" {
			t.Errorf("missing bearer key")
		}
		var body signRequest
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.ExpiresIn != 3600 {
			t.Errorf("unexpected expiresIn %d", body.ExpiresIn)
		}
		_ = json.NewEncoder(w).Encode(signResponse{SignedURL: "/object/sign/posters/posters/starry-night.jpg?token=abc"})
	}))
	defer srv.Close()

	s, err := NewSupabase(srv.URL, "service-key", "posters")
	if err != nil {
		t.Fatal(err)
	}
	got, err := s.Sign(context.Background(), "posters/starry-night.jpg", time.Hour)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	want := srv.URL + "/storage/v1/object/sign/posters/posters/starry-night.jpg?token=abc"
	if got != want {
		t.Fatalf("signed url = %q, want %q", got, want)
	}
}

func TestSupabaseErrorsAreClassified(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.Contains(r.URL.Path, "slow"):
			<-block
		case strings.Contains(r.URL.Path, "missing"):
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()
	defer close(block)

	s, _ := NewSupabase(srv.URL, "service-key", "posters", WithTimeout(50*time.Millisecond))
	ctx := context.Background()

	if _, err := s.Sign(ctx, "files/slow.png", time.Hour); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if _, err := s.Sign(ctx, "files/missing.png", time.Hour); !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("expected ErrObjectNotFound, got %v", err)
	}
	if _, err := s.Sign(ctx, "files/broken.png", time.Hour); !errors.Is(err, ErrStorage) {
		t.Fatalf("expected ErrStorage, got %v", err)
	}
	if _, err := s.Sign(ctx, "../etc/passwd", time.Hour); !errors.Is(err, ErrInvalidPath) {
		t.Fatalf("expected ErrInvalidPath, got %v", err)
	}
}

func TestSupabaseUploadAndDelete(t *testing.T) {
	var deleted []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			if r.Header.Get("x-upsert") != "true" || r.Header.Get("Content-Type") != "image/png" {
				t.Errorf("unexpected upload headers: %v", r.Header)
			}
			data, _ := io.ReadAll(r.Body)
			if string(data) != "png-bytes" {
				t.Errorf("unexpected body %q", data)
			}
			_, _ = w.Write([]byte(`{"Key":"posters/images/a.png"}`))
		case http.MethodDelete:
			var body deleteRequest
			_ = json.NewDecoder(r.Body).Decode(&body)
			deleted = body.Prefixes
			_, _ = w.Write([]byte(`[]`))
		}
	}))
	defer srv.Close()

	s, _ := NewSupabase(srv.URL, "service-key", "posters")
	ctx := context.Background()
	public, err := s.Upload(ctx, "images/a.png", "image/png", strings.NewReader("png-bytes"))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if public != srv.URL+"/storage/v1/object/public/posters/images/a.png" {
		t.Fatalf("unexpected public url %q", public)
	}
	if err := s.Delete(ctx, "files/a.png"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if len(deleted) != 1 || deleted[0] != "files/a.png" {
		t.Fatalf("unexpected delete prefixes %v", deleted)
	}
}

func TestLocalSignAndServe(t *testing.T) {
	l, err := NewLocal(t.TempDir(), "http://files.test", "local-secret")
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if _, err := l.Upload(ctx, "files/poster.png", "image/png", strings.NewReader("poster-bytes")); err != nil {
		t.Fatalf("Upload: %v", err)
	}

	signed, err := l.Sign(ctx, "files/poster.png", time.Hour)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	u, _ := url.Parse(signed)
	h := l.Handler()

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, u.RequestURI(), nil))
	if rr.Code != http.StatusOK || rr.Body.String() != "poster-bytes" {
		t.Fatalf("signed fetch failed: %d %q", rr.Code, rr.Body.String())
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/files/files/poster.png", nil))
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without token, got %d", rr.Code)
	}

	// A token for one object does not open another.
	_, _ = l.Upload(ctx, "files/other.png", "image/png", strings.NewReader("other"))
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/files/files/other.png?"+u.RawQuery, nil))
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for mismatched token, got %d", rr.Code)
	}

	if _, err := l.Sign(ctx, "files/nope.png", time.Hour); !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("expected ErrObjectNotFound, got %v", err)
	}
	if err := l.Delete(ctx, "files/poster.png"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
}

func TestLocalExpiredToken(t *testing.T) {
	l, _ := NewLocal(t.TempDir(), "", "local-secret")
	ctx := context.Background()
	_, _ = l.Upload(ctx, "files/poster.png", "image/png", strings.NewReader("x"))

	l.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	signed, err := l.Sign(ctx, "files/poster.png", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	l.now = time.Now

	u, _ := url.Parse(signed)
	rr := httptest.NewRecorder()
	l.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, u.RequestURI(), nil))
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for expired token, got %d", rr.Code)
	}
}
