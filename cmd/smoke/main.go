// Command smoke probes a running posterstore deployment: gRPC health, the
// public catalog and the webhook's signature check.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"posterstore.dev/internal/httpapi"
	"posterstore.dev/internal/payment/paymenttest"
)

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	baseURL := flag.String("url", envOr("POSTERSTORE_SMOKE_URL", "http://localhost:8080"), "HTTP base URL")
	grpcAddr := flag.String("grpc", envOr("POSTERSTORE_SMOKE_GRPC_ADDR", "localhost:9090"), "gRPC health address")
	secret := flag.String("webhook-secret", os.Getenv("POSTERSTORE_STRIPE_WEBHOOK_SECRET"), "webhook signing secret; enables the signed delivery check")
	timeout := flag.Duration("timeout", 10*time.Second, "overall timeout")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := checkGRPCHealth(ctx, *grpcAddr); err != nil {
		log.Fatalf("grpc health at %s: %v", *grpcAddr, err)
	}

	hc := &http.Client{Timeout: *timeout}
	base := strings.TrimRight(*baseURL, "/")

	var list struct {
		Posters []json.RawMessage `json:"posters"`
	}
	if err := getJSON(ctx, hc, base+"/api/posters", &list); err != nil {
		log.Fatalf("list posters: %v", err)
	}

	status, err := postWebhook(ctx, hc, base, []byte(`{}`), "")
	if err != nil {
		log.Fatalf("unsigned webhook: %v", err)
	}
	if status != http.StatusBadRequest {
		log.Fatalf("unsigned webhook accepted with status %d", status)
	}

	if *secret != "" {
		payload := paymenttest.EventPayload("customer.created", map[string]any{"id": "cus_smoke", "object": "customer"})
		status, err := postWebhook(ctx, hc, base, payload, paymenttest.Sign(payload, *secret))
		if err != nil {
			log.Fatalf("signed webhook: %v", err)
		}
		if status != http.StatusOK {
			log.Fatalf("signed webhook rejected with status %d", status)
		}
	}

	fmt.Printf("✅ posterstore smoke test passed: posters=%d signed_webhook=%v\n", len(list.Posters), *secret != "")
}

func checkGRPCHealth(ctx context.Context, addr string) error {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return err
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: httpapi.ServiceName})
	if err != nil {
		return err
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("status %s", resp.GetStatus())
	}
	return nil
}

func getJSON(ctx context.Context, hc *http.Client, url string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d: %s", resp.StatusCode, body)
	}
	return json.NewDecoder(resp.Body).Decode(dst)
}

func postWebhook(ctx context.Context, hc *http.Client, base string, payload []byte, signature string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/api/webhook", bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set("Stripe-Signature", signature)
	}
	resp, err := hc.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}
