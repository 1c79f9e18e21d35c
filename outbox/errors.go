package outbox

import "errors"

var (
	ErrRepositoryRequired = errors.New("outbox repository is required")
	ErrPublisherRequired  = errors.New("outbox publisher is required")
	ErrMessageRequired    = errors.New("outbox message is required")
	ErrPayloadRequired    = errors.New("outbox message payload is required")
	ErrTxRequired         = errors.New("outbox transaction is required")
	ErrDispatcherRequired = errors.New("outbox dispatcher is not initialized")
	ErrDispatcherRunning  = errors.New("outbox dispatcher is already running")
	ErrMessageNotFound    = errors.New("outbox message not found")
	ErrStatusInvalid      = errors.New("outbox status is not valid")
	ErrTransitionInvalid  = errors.New("outbox status transition is not allowed")
	ErrAlreadyClaimed     = errors.New("outbox message is claimed by another dispatcher")
)
