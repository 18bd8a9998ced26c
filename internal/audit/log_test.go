package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/golang-jwt/jwt/v5"

	"posterstore.dev/internal/auth"
	"posterstore.dev/internal/obs"
)

func TestLogEvent(t *testing.T) {
	logger := obs.Logger()
	original := logger.Writer()
	logger.SetFlags(0)
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	defer logger.SetOutput(original)

	ctx := context.Background()
	ctx = WithRequestID(ctx, "req-123")
	ctx = auth.ContextWithAdmin(ctx, auth.Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "admin-42"}})

	if err := LogEvent(ctx, PosterDeleted, map[string]any{"poster_id": "P1"}); err != nil {
		t.Fatalf("LogEvent failed: %v", err)
	}

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log not valid JSON: %v", err)
	}
	if entry["type"] != "audit" || entry["event"] != "admin.poster.delete" {
		t.Fatalf("unexpected entry: %v", entry)
	}
	if entry["request_id"] != "req-123" {
		t.Fatalf("unexpected request id: %v", entry["request_id"])
	}
	if entry["admin_id"] != "admin-42" {
		t.Fatalf("unexpected admin id: %v", entry["admin_id"])
	}
	fields, ok := entry["fields"].(map[string]any)
	if !ok || fields["poster_id"] != "P1" {
		t.Fatalf("fields missing or incorrect: %v", entry["fields"])
	}
}

func TestLogEventRequiresName(t *testing.T) {
	if err := LogEvent(context.Background(), "  ", nil); err == nil {
		t.Fatal("expected error for blank event")
	}
}

func TestMaskEmail(t *testing.T) {
	cases := map[string]string{
		"":                  "",
		"buyer@example.com": "b***@example.com",
		" a@b.io ":          "a***@b.io",
		"no-at-sign":        "***",
		"@example.com":      "***",
	}
	for in, want := range cases {
		if got := MaskEmail(in); got != want {
			t.Fatalf("MaskEmail(%q) = %q, want %q", in, got, want)
		}
	}
}
