package pg

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"posterstore.dev/internal/catalog"
	"posterstore.dev/internal/ids"
)

// Catalog is the PostgreSQL poster store.
type Catalog struct {
	db *sql.DB
}

var _ catalog.Store = (*Catalog)(nil)

const posterColumns = `id, title, coalesce(description, ''), price, image_url, file_url,
		coalesce(category, ''), created_at, updated_at`

func (c *Catalog) FindByID(ctx context.Context, id string) (catalog.Poster, error) {
	row := c.db.QueryRowContext(ctx, `select `+posterColumns+` from posters where id = $1`, id)
	p, err := scanPoster(row)
	if errors.Is(err, sql.ErrNoRows) {
		return catalog.Poster{}, catalog.ErrNotFound
	}
	return p, err
}

func (c *Catalog) List(ctx context.Context) ([]catalog.Poster, error) {
	rows, err := c.db.QueryContext(ctx, `select `+posterColumns+` from posters order by created_at desc, id desc`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPosters(rows)
}

// Search matches title or category case-insensitively. A blank query
// returns nothing.
func (c *Catalog) Search(ctx context.Context, query string) ([]catalog.Poster, error) {
	q := strings.TrimSpace(query)
	if q == "" {
		return []catalog.Poster{}, nil
	}
	pattern := "%" + escapeLike(q) + "%"
	rows, err := c.db.QueryContext(ctx, `
		select `+posterColumns+`
		from posters
		where title ilike $1 or category ilike $1
		order by created_at desc, id desc
	`, pattern)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPosters(rows)
}

func (c *Catalog) Create(ctx context.Context, p catalog.Poster) (catalog.Poster, error) {
	if err := p.Validate(); err != nil {
		return catalog.Poster{}, err
	}
	if p.ID == "" {
		p.ID = ids.New()
	}
	row := c.db.QueryRowContext(ctx, `
		insert into posters(id, title, description, price, image_url, file_url, category)
		values ($1,$2,$3,$4,$5,$6,$7)
		returning `+posterColumns,
		p.ID, p.Title, nullIfEmpty(p.Description), p.Price, p.ImageURL, p.FileURL, nullIfEmpty(p.Category))
	return scanPoster(row)
}

func (c *Catalog) Update(ctx context.Context, p catalog.Poster) (catalog.Poster, error) {
	if err := p.Validate(); err != nil {
		return catalog.Poster{}, err
	}
	row := c.db.QueryRowContext(ctx, `
		update posters
		set title = $2, description = $3, price = $4, image_url = $5, file_url = $6, category = $7, updated_at = now()
		where id = $1
		returning `+posterColumns,
		p.ID, p.Title, nullIfEmpty(p.Description), p.Price, p.ImageURL, p.FileURL, nullIfEmpty(p.Category))
	out, err := scanPoster(row)
	if errors.Is(err, sql.ErrNoRows) {
		return catalog.Poster{}, catalog.ErrNotFound
	}
	return out, err
}

func (c *Catalog) Delete(ctx context.Context, id string) error {
	res, err := c.db.ExecContext(ctx, `delete from posters where id = $1`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return catalog.ErrNotFound
	}
	return nil
}

func scanPoster(row rowScanner) (catalog.Poster, error) {
	var p catalog.Poster
	err := row.Scan(&p.ID, &p.Title, &p.Description, &p.Price, &p.ImageURL, &p.FileURL, &p.Category, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

func scanPosters(rows *sql.Rows) ([]catalog.Poster, error) {
	res := []catalog.Poster{}
	for rows.Next() {
		p, err := scanPoster(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string { return likeEscaper.Replace(s) }
