package auth

import "errors"

var (
	ErrNoSecrets      = errors.New("world accepts no tokens")
	ErrInvalidToken   = errors.New("token rejected by every configured secret")
	ErrMissingSubject = errors.New("token has no subject")
)
