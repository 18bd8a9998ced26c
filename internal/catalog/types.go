package catalog

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Poster is a purchasable digital poster. Price is in minor units.
// FileURL is a private storage path, never handed to clients directly.
type Poster struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Price       int64     `json:"price"`
	ImageURL    string    `json:"image_url"`
	FileURL     string    `json:"-"`
	Category    string    `json:"category,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

var (
	ErrNotFound      = errors.New("poster not found")
	ErrInvalidPoster = errors.New("invalid poster")
)

// Finder is the read side used by the purchase workflows.
type Finder interface {
	FindByID(ctx context.Context, id string) (Poster, error)
}

// Store is the full catalog used by the storefront and the admin panel.
type Store interface {
	Finder
	List(ctx context.Context) ([]Poster, error)
	Search(ctx context.Context, query string) ([]Poster, error)
	Create(ctx context.Context, p Poster) (Poster, error)
	Update(ctx context.Context, p Poster) (Poster, error)
	Delete(ctx context.Context, id string) error
}

// Validate checks the fields every stored poster must carry.
func (p Poster) Validate() error {
	switch {
	case strings.TrimSpace(p.Title) == "":
		return errors.Join(ErrInvalidPoster, errors.New("title is required"))
	case p.Price <= 0:
		return errors.Join(ErrInvalidPoster, errors.New("price must be > 0"))
	case strings.TrimSpace(p.FileURL) == "":
		return errors.Join(ErrInvalidPoster, errors.New("file is required"))
	}
	return nil
}
