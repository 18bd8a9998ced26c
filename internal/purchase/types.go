package purchase

import (
	"errors"
	"time"
)

// Entry is one purchased unit of one poster. It carries its own download
// credential and is the only record the download flow trusts.
type Entry struct {
	ID               string     `json:"id"`
	PosterID         string     `json:"poster_id"`
	CustomerEmail    string     `json:"customer_email"`
	PaymentSessionID string     `json:"payment_session_id"`
	DownloadToken    string     `json:"download_token"`
	Quantity         int        `json:"quantity"`
	PriceAtPurchase  int64      `json:"price_at_purchase"` // minor units, snapshotted
	DownloadedAt     *time.Time `json:"downloaded_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// Total is the amount charged for the entry in minor units.
func (e Entry) Total() int64 { return e.PriceAtPurchase * int64(e.Quantity) }

// Downloaded reports whether the entry has been downloaded at least once.
func (e Entry) Downloaded() bool { return e.DownloadedAt != nil }

// Summary aggregates the whole ledger for the admin orders view.
type Summary struct {
	Orders  int   `json:"orders"`
	Revenue int64 `json:"revenue"`
}

var (
	// ErrInvalidEvent marks a payment event that is malformed or was not verified.
	ErrInvalidEvent = errors.New("invalid payment event")
	// ErrDuplicateSession is returned by a Ledger when the session was already
	// fulfilled. Callers treat it as success.
	ErrDuplicateSession = errors.New("payment session already fulfilled")
	// ErrDuplicateToken is returned by a Ledger when a download token collides.
	ErrDuplicateToken = errors.New("download token already exists")
	ErrPersistence    = errors.New("purchase ledger persistence failure")
	ErrNotFound       = errors.New("not found")
	ErrStorage        = errors.New("object storage failure")
	// ErrUpstreamTimeout marks a bounded wait on an external system that ran out.
	ErrUpstreamTimeout = errors.New("upstream timeout")
)

func cloneEntry(e Entry) Entry {
	if e.DownloadedAt != nil {
		at := *e.DownloadedAt
		e.DownloadedAt = &at
	}
	return e
}
