package auth

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Admin is an operator allowed into the admin panel.
type Admin struct {
	ID           string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
}

// AdminStore looks admins up by email.
type AdminStore interface {
	FindByEmail(ctx context.Context, email string) (Admin, error)
}

// MemoryAdmins is an AdminStore for tests and local runs.
type MemoryAdmins struct {
	mu     sync.RWMutex
	admins map[string]Admin
}

func NewMemoryAdmins(admins ...Admin) *MemoryAdmins {
	m := &MemoryAdmins{admins: make(map[string]Admin)}
	for _, a := range admins {
		m.admins[normalizeEmail(a.Email)] = a
	}
	return m
}

func (m *MemoryAdmins) FindByEmail(ctx context.Context, email string) (Admin, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.admins[normalizeEmail(email)]
	if !ok {
		return Admin{}, ErrNotFound
	}
	return a, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
