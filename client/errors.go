package client

import (
	"errors"
	"fmt"
)

// ErrPopupBlocked is reported when the hosting environment refuses to open a popup window.
var ErrPopupBlocked = errors.New("popup blocked")

// ErrAttemptNotFound is returned when an attempt was already consumed or never stored.
var ErrAttemptNotFound = errors.New("attempt not found")

// ConfigurationError reports a missing or empty required caller parameter.
// It is always raised before any network or UI action.
type ConfigurationError struct {
	Field string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration: %s is required", e.Field)
}

// EnvironmentError reports a capability the hosting environment does not provide,
// such as a secure randomness source or the ability to open a popup.
type EnvironmentError struct {
	Capability string
	Err        error
}

func (e *EnvironmentError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("environment: %s unavailable", e.Capability)
	}
	return fmt.Sprintf("environment: %s unavailable: %v", e.Capability, e.Err)
}

func (e *EnvironmentError) Unwrap() error {
	return e.Err
}

func requireField(name, value string) error {
	if value == "" {
		return &ConfigurationError{Field: name}
	}
	return nil
}
