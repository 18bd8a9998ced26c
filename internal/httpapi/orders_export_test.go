package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	"posterstore.dev/internal/obs"
	"posterstore.dev/internal/payment/paymenttest"
	"posterstore.dev/internal/purchase"
	"posterstore.dev/internal/stream"
)

func TestFormatMinor(t *testing.T) {
	cases := map[int64]string{0: "0.00", 5: "0.05", 2500: "25.00", 123456: "1234.56"}
	for in, want := range cases {
		if got := formatMinor(in); got != want {
			t.Fatalf("formatMinor(%d) = %q, want %q", in, got, want)
		}
	}
}

func TestOrdersWorkbookRowsAndTotal(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)
	entries := []purchase.Entry{
		{ID: "e2", PosterID: "p1", CustomerEmail: "b@example.com", PaymentSessionID: "cs_2", Quantity: 2, PriceAtPurchase: 2500, CreatedAt: at, DownloadedAt: &at},
		{ID: "e1", PosterID: "gone", CustomerEmail: "a@example.com", PaymentSessionID: "cs_1", Quantity: 1, PriceAtPurchase: 999, CreatedAt: at},
	}
	buf, err := ordersWorkbook(entries, map[string]string{"p1": "Ocean Waves"})
	if err != nil {
		t.Fatalf("ordersWorkbook: %v", err)
	}

	f, err := excelize.OpenReader(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer f.Close()

	if names := f.GetSheetList(); len(names) != 1 || names[0] != exportSheet {
		t.Fatalf("unexpected sheets %v", names)
	}
	rows, err := f.GetRows(exportSheet)
	if err != nil {
		t.Fatalf("GetRows: %v", err)
	}
	if len(rows) != 4 {
		t.Fatalf("expected header, 2 rows and totals, got %d rows", len(rows))
	}
	if rows[0][0] != "Date" || rows[1][3] != "Ocean Waves" || rows[1][4] != "2" || rows[1][6] != "50" {
		t.Fatalf("unexpected first row %v", rows[1])
	}
	if rows[2][3] != "gone" {
		t.Fatalf("orphaned poster should fall back to its id, got %q", rows[2][3])
	}
	if rows[3][5] != "Revenue" || rows[3][6] != "59.99" {
		t.Fatalf("unexpected totals row %v", rows[3])
	}
}

func TestExportOrdersEndpoint(t *testing.T) {
	api := newTestAPI(t)
	api.completePurchase("cs_x", paymenttest.Item{PosterID: "poster-ocean", Quantity: 1, Amount: 2500})
	api.login()

	resp := api.get("/api/admin/orders/export.xlsx", nil)
	expectStatus(t, resp, http.StatusOK)
	defer resp.Body.Close()
	if resp.Header.Get("Content-Type") != xlsxMIME {
		t.Fatalf("unexpected content type %q", resp.Header.Get("Content-Type"))
	}
	if !strings.HasPrefix(resp.Header.Get("Content-Disposition"), "attachment;") {
		t.Fatalf("expected attachment disposition")
	}
	f, err := excelize.OpenReader(resp.Body)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer f.Close()
	rows, _ := f.GetRows(exportSheet)
	if len(rows) != 3 || rows[1][1] != "cs_x" {
		t.Fatalf("unexpected export rows %v", rows)
	}
}

func TestOrderStreamDeliversEvents(t *testing.T) {
	api := newTestAPI(t)
	api.login()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, api.baseURL+"/api/admin/orders/stream", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := api.client.Do(req)
	if err != nil {
		t.Fatalf("stream request: %v", err)
	}
	defer resp.Body.Close()
	if resp.Header.Get("Content-Type") != "text/event-stream" {
		t.Fatalf("unexpected content type %q", resp.Header.Get("Content-Type"))
	}

	reader := bufio.NewReader(resp.Body)
	if line, _ := reader.ReadString('\n'); !strings.HasPrefix(line, ": stream started") {
		t.Fatalf("unexpected first line %q", line)
	}
	deadline := time.Now().Add(2 * time.Second)
	for api.stream.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	api.stream.Publish(stream.OrderEvent{SessionID: "cs_live", Entries: 2, Revenue: 5000, Timestamp: time.Now()})

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		if strings.HasPrefix(line, "data: ") {
			if !strings.Contains(line, `"session_id":"cs_live"`) {
				t.Fatalf("unexpected event %q", line)
			}
			return
		}
	}
}

func TestWriteOrderEventLogsEncodingFailure(t *testing.T) {
	logger := obs.Logger()
	origWriter := logger.Writer()
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	defer logger.SetOutput(origWriter)

	orig := marshalOrderEvent
	marshalOrderEvent = func(stream.OrderEvent) ([]byte, error) { return nil, errors.New("unsupported value") }
	defer func() { marshalOrderEvent = orig }()

	rr := httptest.NewRecorder()
	if err := writeOrderEvent(rr, stream.OrderEvent{SessionID: "cs_bad"}); err != nil {
		t.Fatalf("encoding failure should not end the stream: %v", err)
	}
	if rr.Body.Len() != 0 {
		t.Fatalf("nothing should be written for a dropped event, got %q", rr.Body.String())
	}
	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("log is not valid JSON: %v", err)
	}
	if entry["level"] != "warn" || entry["msg"] != "order event dropped" || entry["session_id"] != "cs_bad" {
		t.Fatalf("unexpected log entry %v", entry)
	}
}
