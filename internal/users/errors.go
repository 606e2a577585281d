package users

import "errors"

var (
	ErrUserNotFound    = errors.New("user not found")
	ErrSelfBlock       = errors.New("cannot block yourself")
	ErrInvalidKey      = errors.New("exactly one of client id and token id must be set")
	ErrInvalidModState = errors.New("invalid moderation state")
)
