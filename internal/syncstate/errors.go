package syncstate

import (
	"errors"
	"fmt"
)

var (
	ErrNetworkFailure      = errors.New("network failure")
	ErrServiceRejected     = errors.New("service rejected request")
	ErrChannelUnavailable  = errors.New("channel unavailable")
	ErrStaleMutationTarget = errors.New("stale mutation target")
	ErrNotActive           = errors.New("container is not active")
	ErrScopeRequired       = errors.New("scope is required")
)

// NetworkError is a transport-level failure talking to the remote service.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("network failure: %v", e.Err)
	}
	return fmt.Sprintf("network failure during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

func (e *NetworkError) Is(target error) bool {
	return target == ErrNetworkFailure
}

// RejectedError is a non-2xx response or an envelope with success=false.
type RejectedError struct {
	StatusCode int
	Message    string
}

func (e *RejectedError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("service rejected request: %s", e.Message)
	}
	return fmt.Sprintf("service rejected request (http %d): %s", e.StatusCode, e.Message)
}

func (e *RejectedError) Is(target error) bool {
	return target == ErrServiceRejected
}

// StaleTargetError is returned when a mutation names an id the service no longer knows.
type StaleTargetError struct {
	Kind string
	ID   string
}

func (e *StaleTargetError) Error() string {
	return fmt.Sprintf("%s %s no longer exists on the service", e.Kind, e.ID)
}

func (e *StaleTargetError) Is(target error) bool {
	return target == ErrStaleMutationTarget || target == ErrServiceRejected
}

type ChannelError struct {
	Channel string
	Err     error
}

func (e *ChannelError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("channel %s unavailable", e.Channel)
	}
	return fmt.Sprintf("channel %s unavailable: %v", e.Channel, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

func (e *ChannelError) Is(target error) bool {
	return target == ErrChannelUnavailable
}
