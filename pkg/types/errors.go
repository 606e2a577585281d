package types

import "errors"

var (
	ErrInvalidID            = errors.New("id must be 1-100 characters, alphanumeric plus . _ -")
	ErrInvalidTraitGrant    = errors.New("trait grant clauses must be strings or lists of strings")
	ErrEmptyContent         = errors.New("content cannot be empty")
	ErrContentTooLarge      = errors.New("content exceeds 64KB limit")
	ErrProfileTooLarge      = errors.New("profile exceeds 16KB limit")
	ErrInvalidDisplayName   = errors.New("display name must be at most 200 characters")
	ErrInvalidPollState     = errors.New("invalid poll state")
	ErrInvalidQuestionState = errors.New("invalid question state")
	ErrTooManyOptions       = errors.New("poll cannot have more than 50 options")
)
