package hub

import "errors"

var (
	ErrHubAlreadyRunning = errors.New("hub is already running")
	ErrHubNotRunning     = errors.New("hub is not running")
	ErrPublishTimeout    = errors.New("fan-out queue is full")
	ErrEmptyGroup        = errors.New("group name cannot be empty")
)
