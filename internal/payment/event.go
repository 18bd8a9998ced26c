package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"posterstore.dev/internal/purchase"
)

// ErrGateway covers non-timeout failures talking to the payment provider.
var ErrGateway = errors.New("payment gateway error")

const (
	// metadataItems holds the whole list on sessions created before the list
	// was split into metadataItemsPrefix chunks.
	metadataItems       = "items"
	metadataItemsPrefix = "items_"
	metadataPosterID    = "posterId"

	// Gateway limits: 500 characters per metadata value, 50 keys per session.
	metadataValueMax = 500
	metadataChunkMax = 40
)

// LineItem is one purchased poster with the amount the gateway charged per unit.
type LineItem struct {
	PosterID   string
	Quantity   int
	UnitAmount int64
	// AmountMissing is set when the gateway reported no charged amount for
	// this position; UnitAmount is then zero.
	AmountMissing bool
}

// Event is a completed, paid checkout session. Only WebhookParser produces
// events that report Verified.
type Event struct {
	SessionID     string
	CustomerEmail string
	Items         []LineItem

	verified bool
}

func (e Event) Verified() bool { return e.verified }

// ChargedLine is the gateway's record of one checkout line, in checkout order.
type ChargedLine struct {
	UnitAmount int64
	Priced     bool
}

// LineItemSource returns the charged lines for a checkout session.
type LineItemSource interface {
	ChargedLines(ctx context.Context, sessionID string) ([]ChargedLine, error)
}

type metadataItem struct {
	PosterID string `json:"posterId"`
	Quantity int    `json:"quantity"`
}

// itemsFromMetadata accepts both the multi-item "items" payload and the
// legacy single "posterId" payload and returns a non-empty list.
func itemsFromMetadata(md map[string]string) ([]LineItem, error) {
	raw := joinItemChunks(md)
	if raw == "" {
		raw = md[metadataItems]
	}
	if strings.TrimSpace(raw) != "" {
		var parsed []metadataItem
		if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
			return nil, fmt.Errorf("%w: metadata items: %v", purchase.ErrInvalidEvent, err)
		}
		if len(parsed) == 0 {
			return nil, fmt.Errorf("%w: metadata items empty", purchase.ErrInvalidEvent)
		}
		items := make([]LineItem, 0, len(parsed))
		for i, it := range parsed {
			if strings.TrimSpace(it.PosterID) == "" {
				return nil, fmt.Errorf("%w: item %d has no poster id", purchase.ErrInvalidEvent, i)
			}
			if it.Quantity < 1 {
				return nil, fmt.Errorf("%w: item %d has quantity %d", purchase.ErrInvalidEvent, i, it.Quantity)
			}
			items = append(items, LineItem{PosterID: it.PosterID, Quantity: it.Quantity})
		}
		return items, nil
	}
	if id := strings.TrimSpace(md[metadataPosterID]); id != "" {
		return []LineItem{{PosterID: id, Quantity: 1}}, nil
	}
	return nil, fmt.Errorf("%w: session metadata has neither items nor posterId", purchase.ErrInvalidEvent)
}

// applyCharges pairs metadata items with charged lines by position.
func applyCharges(items []LineItem, charged []ChargedLine) []LineItem {
	out := make([]LineItem, len(items))
	for i, it := range items {
		if i < len(charged) && charged[i].Priced {
			it.UnitAmount = charged[i].UnitAmount
		} else {
			it.UnitAmount = 0
			it.AmountMissing = true
		}
		out[i] = it
	}
	return out
}

// ItemsMetadata encodes the checkout lines as session metadata, split over
// items_0..items_n so no value exceeds the gateway's length limit.
func ItemsMetadata(lines []CheckoutLine) (map[string]string, error) {
	items := make([]metadataItem, len(lines))
	for i, l := range lines {
		items[i] = metadataItem{PosterID: l.PosterID, Quantity: l.Quantity}
	}
	b, err := json.Marshal(items)
	if err != nil {
		return nil, err
	}
	md := make(map[string]string)
	for i := 0; len(b) > 0; i++ {
		if i == metadataChunkMax {
			return nil, fmt.Errorf("checkout of %d lines does not fit in session metadata", len(lines))
		}
		n := min(len(b), metadataValueMax)
		for n < len(b) && !utf8.RuneStart(b[n]) {
			n--
		}
		md[metadataItemsPrefix+strconv.Itoa(i)] = string(b[:n])
		b = b[n:]
	}
	return md, nil
}

// joinItemChunks concatenates items_0, items_1, ... up to the first gap.
func joinItemChunks(md map[string]string) string {
	var sb strings.Builder
	for i := 0; ; i++ {
		part, ok := md[metadataItemsPrefix+strconv.Itoa(i)]
		if !ok {
			return sb.String()
		}
		sb.WriteString(part)
	}
}
