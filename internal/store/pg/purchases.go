package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"posterstore.dev/internal/purchase"
)

var _ purchase.Ledger = (*Store)(nil)

const entryColumns = `id, poster_id, customer_email, payment_session_id, download_token,
		quantity, price_at_purchase, downloaded_at, created_at`

// CreateEntries claims the session in fulfilled_sessions and inserts every
// entry in one transaction. A second claim of the same session affects no
// rows, which is reported as purchase.ErrDuplicateSession.
func (s *Store) CreateEntries(ctx context.Context, sessionID string, entries []purchase.Entry) error {
	if strings.TrimSpace(sessionID) == "" || len(entries) == 0 {
		return purchase.ErrInvalidEvent
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		insert into fulfilled_sessions(session_id, entries)
		values ($1, $2)
		on conflict (session_id) do nothing
	`, sessionID, len(entries))
	if err != nil {
		return err
	}
	claimed, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if claimed == 0 {
		return purchase.ErrDuplicateSession
	}

	for _, e := range entries {
		_, err := tx.ExecContext(ctx, `
			insert into purchases(id, poster_id, customer_email, payment_session_id, download_token,
				quantity, price_at_purchase, created_at)
			values ($1,$2,$3,$4,$5,$6,$7,$8)
		`, e.ID, e.PosterID, e.CustomerEmail, sessionID, e.DownloadToken, e.Quantity, e.PriceAtPurchase, e.CreatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return purchase.ErrDuplicateToken
			}
			return fmt.Errorf("insert purchase %s: %w", e.ID, err)
		}
	}
	return tx.Commit()
}

func (s *Store) EntriesBySession(ctx context.Context, sessionID string) ([]purchase.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+entryColumns+`
		from purchases
		where payment_session_id = $1
		order by seq asc
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (s *Store) EntryByToken(ctx context.Context, token string) (purchase.Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		select `+entryColumns+`
		from purchases
		where download_token = $1
	`, token)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return purchase.Entry{}, purchase.ErrNotFound
	}
	return e, err
}

// MarkDownloaded only fills a null downloaded_at, so concurrent first
// downloads settle on whichever update lands first.
func (s *Store) MarkDownloaded(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update purchases set downloaded_at = $2
		where id = $1 and downloaded_at is null
	`, id, at.UTC())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil || n > 0 {
		return err
	}
	var exists bool
	if err := s.db.QueryRowContext(ctx, `select exists(select 1 from purchases where id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return purchase.ErrNotFound
	}
	return nil
}

func (s *Store) ListEntries(ctx context.Context, limit int, after string) ([]purchase.Entry, string, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		select `+entryColumns+`
		from purchases
		where $1 = '' or seq < (select seq from purchases where id = $1)
		order by seq desc
		limit $2
	`, after, limit+1)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()

	res, err := scanEntries(rows)
	if err != nil {
		return nil, "", err
	}
	var next string
	if len(res) > limit {
		res = res[:limit]
		next = res[len(res)-1].ID
	}
	return res, next, nil
}

func (s *Store) Summary(ctx context.Context) (purchase.Summary, error) {
	var sum purchase.Summary
	err := s.db.QueryRowContext(ctx, `
		select count(*), coalesce(sum(price_at_purchase * quantity), 0)
		from purchases
	`).Scan(&sum.Orders, &sum.Revenue)
	return sum, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (purchase.Entry, error) {
	var (
		e          purchase.Entry
		downloaded sql.NullTime
	)
	if err := row.Scan(&e.ID, &e.PosterID, &e.CustomerEmail, &e.PaymentSessionID, &e.DownloadToken,
		&e.Quantity, &e.PriceAtPurchase, &downloaded, &e.CreatedAt); err != nil {
		return purchase.Entry{}, err
	}
	if downloaded.Valid {
		at := downloaded.Time.UTC()
		e.DownloadedAt = &at
	}
	return e, nil
}

func scanEntries(rows *sql.Rows) ([]purchase.Entry, error) {
	var res []purchase.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return res, nil
}
