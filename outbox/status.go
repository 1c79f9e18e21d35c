package outbox

import "fmt"

// Status represents a valid outbox message lifecycle state.
//
// PENDING rows are eligible for dispatch. PROCESSING marks a row claimed by
// one dispatcher instance; claims left behind by a crash are reclaimed to
// PENDING after a processing timeout. PROCESSED and FAILED are terminal.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusProcessed  Status = "PROCESSED"
	StatusFailed     Status = "FAILED"
)

// ParseStatus validates and converts a raw string status.
func ParseStatus(raw string) (Status, error) {
	status := Status(raw)

	if !status.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrStatusInvalid, raw)
	}

	return status, nil
}

// IsValid reports whether the status is part of the outbox lifecycle.
func (status Status) IsValid() bool {
	switch status {
	case StatusPending, StatusProcessing, StatusProcessed, StatusFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status admits no further transitions.
func (status Status) IsTerminal() bool {
	return status == StatusProcessed || status == StatusFailed
}

// CanTransitionTo reports whether a transition from status to next is allowed.
func (status Status) CanTransitionTo(next Status) bool {
	switch status {
	case StatusPending:
		return next == StatusProcessing
	case StatusProcessing:
		return next == StatusPending || next == StatusProcessed || next == StatusFailed
	case StatusProcessed, StatusFailed:
		return false
	default:
		return false
	}
}

// ValidateTransition validates a status transition using the lifecycle rules.
func ValidateTransition(fromRaw, toRaw string) error {
	from, err := ParseStatus(fromRaw)
	if err != nil {
		return fmt.Errorf("from status: %w", err)
	}

	to, err := ParseStatus(toRaw)
	if err != nil {
		return fmt.Errorf("to status: %w", err)
	}

	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrTransitionInvalid, from, to)
	}

	return nil
}

func (status Status) String() string {
	return string(status)
}
