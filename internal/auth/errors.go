package auth

import "errors"

var (
	ErrNotFound           = errors.New("auth: admin not found")
	ErrInvalidToken       = errors.New("auth: invalid session token")
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrLocked             = errors.New("auth: too many failed attempts")
)
