package protocol

import (
	"errors"
	"fmt"
)

// Error is a business failure reported to the client as
// ["error", id, {"code": ..., "message": ...}].
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

// NewError creates a protocol error.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf creates a protocol error with a formatted message.
func Errorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Code returns the wire code of err, or "" when err is not a protocol error.
func Code(err error) string {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// Wire codes.
const (
	CodeInvalidFrame       = "protocol.invalid_frame"
	CodeInvalidBody        = "protocol.invalid_body"
	CodeUnknownCommand     = "protocol.unknown_command"
	CodeRateLimited        = "protocol.rate_limited"
	CodeDenied             = "protocol.denied"
	CodeAuthRequired       = "auth.required"
	CodeAuthMissing        = "auth.missing_id_or_token"
	CodeAuthDenied         = "auth.denied"
	CodeAlreadyAuth        = "auth.already_authenticated"
	CodeUnknownWorld       = "world.unknown_world"
	CodeUnknownRoom        = "room.unknown"
	CodeUnknownChannel     = "chat.unknown"
	CodeChatDenied         = "chat.denied"
	CodeChatEmpty          = "chat.empty"
	CodeChatInvalidBody    = "chat.invalid_body"
	CodeChatEventType      = "chat.unsupported_event_type"
	CodeChatContentType    = "chat.unsupported_content_type"
	CodeJoinMissingProfile = "channel.join.missing_profile"
	CodeQuestionInactive   = "question.inactive"
	CodeQuestionUnknown    = "question.unknown"
	CodePollInactive       = "poll.inactive"
	CodePollUnknown        = "poll.unknown"
	CodePollVote           = "poll.vote"
	CodeUserNotFound       = "user.not_found"
	CodeUserInvalid        = "user.invalid"
	CodeServerError        = "server.error"
	CodeServerFatal        = "server.fatal"
)

// Common errors shared by several modules.
var (
	ErrInvalidFrame   = NewError(CodeInvalidFrame, "Malformed frame.")
	ErrRateLimited    = NewError(CodeRateLimited, "Too many messages.")
	ErrDenied         = NewError(CodeDenied, "Permission denied.")
	ErrAuthRequired   = NewError(CodeAuthRequired, "")
	ErrUnknownRoom    = NewError(CodeUnknownRoom, "Unknown room ID")
	ErrMissingModule  = NewError(CodeUnknownRoom, "Room does not contain a matching module.")
	ErrUnknownChannel = NewError(CodeUnknownChannel, "Unknown channel ID")
	ErrChatDenied     = NewError(CodeChatDenied, "")
	ErrServerError    = NewError(CodeServerError, "")
	ErrServerFatal    = NewError(CodeServerFatal, "Fatal Server Error")
)

// UnsupportedCommand is returned for an unknown command in a known namespace.
func UnsupportedCommand(namespace string) *Error {
	return NewError(namespace+".unsupported_command", "")
}
