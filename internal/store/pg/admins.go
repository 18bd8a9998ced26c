package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"posterstore.dev/internal/auth"
	"posterstore.dev/internal/ids"
)

// Admins stores admin panel accounts.
type Admins struct {
	db *sql.DB
}

var _ auth.AdminStore = (*Admins)(nil)

// ErrAdminExists is returned by Create for a taken email.
var ErrAdminExists = errors.New("admin already exists")

func (a *Admins) FindByEmail(ctx context.Context, email string) (auth.Admin, error) {
	var admin auth.Admin
	err := a.db.QueryRowContext(ctx, `
		select id, email, password_hash, created_at
		from admins
		where email = $1
	`, strings.ToLower(strings.TrimSpace(email))).Scan(&admin.ID, &admin.Email, &admin.PasswordHash, &admin.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Admin{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.Admin{}, err
	}
	return admin, nil
}

// Create inserts an admin with an already hashed password.
func (a *Admins) Create(ctx context.Context, email, passwordHash string) (auth.Admin, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || passwordHash == "" {
		return auth.Admin{}, fmt.Errorf("email and password hash are required")
	}
	admin := auth.Admin{ID: ids.New(), Email: email, PasswordHash: passwordHash}
	err := a.db.QueryRowContext(ctx, `
		insert into admins(id, email, password_hash)
		values ($1, $2, $3)
		returning created_at
	`, admin.ID, admin.Email, admin.PasswordHash).Scan(&admin.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return auth.Admin{}, ErrAdminExists
		}
		return auth.Admin{}, err
	}
	return admin, nil
}
