package types

import (
	"encoding/json"
	"regexp"
	"unicode/utf8"
)

const (
	maxContentBytes = 64 * 1024
	maxProfileBytes = 16 * 1024
	maxPollOptions  = 50
)

var idRegex = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// IsValidID checks the format of world, room, channel and object ids.
func IsValidID(id string) bool {
	if len(id) < 1 || len(id) > 100 {
		return false
	}
	return idRegex.MatchString(id)
}

// ValidateProfile checks a user-supplied profile before it is stored.
func ValidateProfile(profile map[string]any) error {
	data, err := json.Marshal(profile)
	if err != nil {
		return err
	}
	if len(data) > maxProfileBytes {
		return ErrProfileTooLarge
	}
	if name, ok := profile["display_name"].(string); ok && utf8.RuneCountInString(name) > 200 {
		return ErrInvalidDisplayName
	}
	return nil
}

// ValidateContent checks the encoded size of a chat or question payload.
func ValidateContent(content []byte) error {
	if len(content) == 0 {
		return ErrEmptyContent
	}
	if len(content) > maxContentBytes {
		return ErrContentTooLarge
	}
	return nil
}

// IsValidPollState checks a poll state name.
func IsValidPollState(state string) bool {
	switch state {
	case PollDraft, PollOpen, PollClosed:
		return true
	}
	return false
}

// IsValidQuestionState checks a question state name.
func IsValidQuestionState(state string) bool {
	switch state {
	case QuestionModQueue, QuestionVisible, QuestionAnswered, QuestionArchived:
		return true
	}
	return false
}

// Validate checks a poll's content and options.
func (p *Poll) Validate() error {
	if !IsValidPollState(p.State) {
		return ErrInvalidPollState
	}
	if len(p.Options) > maxPollOptions {
		return ErrTooManyOptions
	}
	if err := ValidateContent([]byte(p.Content)); err != nil {
		return err
	}
	return nil
}

// Validate checks a question's content and state.
func (q *Question) Validate() error {
	if !IsValidQuestionState(q.State) {
		return ErrInvalidQuestionState
	}
	return ValidateContent([]byte(q.Content))
}
