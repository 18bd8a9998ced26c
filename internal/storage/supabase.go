package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultTimeout = 10 * time.Second

// Supabase talks to the Supabase Storage REST API with the service role key.
type Supabase struct {
	baseURL string
	key     string
	bucket  string
	timeout time.Duration
	client  *http.Client
}

var _ Store = (*Supabase)(nil)

// SupabaseOption configures the client.
type SupabaseOption func(*Supabase)

// WithHTTPClient replaces the HTTP client. Its Timeout is overridden.
func WithHTTPClient(c *http.Client) SupabaseOption {
	return func(s *Supabase) {
		if c != nil {
			s.client = c
		}
	}
}

// WithTimeout bounds every request.
func WithTimeout(d time.Duration) SupabaseOption {
	return func(s *Supabase) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func NewSupabase(baseURL, serviceKey, bucket string, opts ...SupabaseOption) (*Supabase, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" || strings.TrimSpace(serviceKey) == "" || strings.TrimSpace(bucket) == "" {
		return nil, fmt.Errorf("supabase: url, service key and bucket are required")
	}
	s := &Supabase{
		baseURL: baseURL,
		key:     serviceKey,
		bucket:  bucket,
		timeout: defaultTimeout,
		client:  &http.Client{},
	}
	for _, opt := range opts {
		opt(s)
	}
	c := *s.client
	c.Timeout = s.timeout
	s.client = &c
	return s, nil
}

type signRequest struct {
	ExpiresIn int `json:"expiresIn"`
}

type signResponse struct {
	SignedURL string `json:"signedURL"`
}

func (s *Supabase) Sign(ctx context.Context, path string, ttl time.Duration) (string, error) {
	p, err := cleanPath(path)
	if err != nil {
		return "", err
	}
	secs := int(ttl.Seconds())
	if secs <= 0 {
		return "", fmt.Errorf("%w: ttl must be positive", ErrStorage)
	}
	body, _ := json.Marshal(signRequest{ExpiresIn: secs})

	var out signResponse
	if err := s.do(ctx, http.MethodPost, s.objectURL("object/sign", p), "application/json", bytes.NewReader(body), nil, &out); err != nil {
		return "", err
	}
	if out.SignedURL == "" {
		return "", fmt.Errorf("%w: empty signed url", ErrStorage)
	}
	return s.baseURL + "/storage/v1" + ensureLeadingSlash(out.SignedURL), nil
}

func (s *Supabase) Upload(ctx context.Context, path, contentType string, body io.Reader) (string, error) {
	p, err := cleanPath(path)
	if err != nil {
		return "", err
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	headers := map[string]string{"x-upsert": "true"}
	if err := s.do(ctx, http.MethodPost, s.objectURL("object", p), contentType, body, headers, nil); err != nil {
		return "", err
	}
	return s.objectURL("object/public", p), nil
}

type deleteRequest struct {
	Prefixes []string `json:"prefixes"`
}

func (s *Supabase) Delete(ctx context.Context, path string) error {
	p, err := cleanPath(path)
	if err != nil {
		return err
	}
	body, _ := json.Marshal(deleteRequest{Prefixes: []string{p}})
	endpoint := s.baseURL + "/storage/v1/object/" + url.PathEscape(s.bucket)
	return s.do(ctx, http.MethodDelete, endpoint, "application/json", bytes.NewReader(body), nil, nil)
}

func (s *Supabase) objectURL(kind, path string) string {
	segs := strings.Split(path, "/")
	for i, seg := range segs {
		segs[i] = url.PathEscape(seg)
	}
	return s.baseURL + "/storage/v1/" + kind + "/" + url.PathEscape(s.bucket) + "/" + strings.Join(segs, "/")
}

func (s *Supabase) do(ctx context.Context, method, endpoint, contentType string, body io.Reader, headers map[string]string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	req.Header.Set("Authorization", "Bearer "+s.key)
	req.Header.Set("apikey", s.key)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return classify(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrObjectNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: %s %s -> %d: %s", ErrStorage, method, req.URL.Path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return classify(err)
	}
	return nil
}

func ensureLeadingSlash(p string) string {
	if strings.HasPrefix(p, "/") {
		return p
	}
	return "/" + p
}
