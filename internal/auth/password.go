package auth

import (
	"context"
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// HashPassword hashes plaintext password using bcrypt.
func HashPassword(password string) (string, error) {
	if len(password) == 0 {
		return "", errors.New("password is empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPassword compares plaintext password with stored hash.
func VerifyPassword(hash, password string) error {
	if hash == "" {
		return errors.New("password hash is empty")
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}

// Authenticator checks admin credentials with brute-force lockout.
type Authenticator struct {
	admins  AdminStore
	lockout Lockout
}

func NewAuthenticator(admins AdminStore, lockout Lockout) *Authenticator {
	if lockout == nil {
		lockout = NewMemoryLockout(DefaultLockoutPolicy)
	}
	return &Authenticator{admins: admins, lockout: lockout}
}

// Login returns the admin for valid credentials. Unknown email and wrong
// password both yield ErrInvalidCredentials.
func (a *Authenticator) Login(ctx context.Context, email, password string) (Admin, error) {
	key := normalizeEmail(email)
	if key == "" || password == "" {
		return Admin{}, ErrInvalidCredentials
	}
	locked, err := a.lockout.Locked(ctx, key)
	if err != nil {
		return Admin{}, err
	}
	if locked {
		return Admin{}, ErrLocked
	}

	admin, err := a.admins.FindByEmail(ctx, key)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Admin{}, err
	}
	if err != nil || VerifyPassword(admin.PasswordHash, password) != nil {
		if _, ferr := a.lockout.RecordFailure(ctx, key); ferr != nil {
			return Admin{}, ferr
		}
		return Admin{}, ErrInvalidCredentials
	}
	_ = a.lockout.Clear(ctx, key)
	admin.Email = strings.TrimSpace(admin.Email)
	return admin, nil
}
