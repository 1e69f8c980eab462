// Copyright (c) 2025, the Huntarr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration matches every *ConfigurationError.
	ErrConfiguration = errors.New("configuration error")

	ErrUnknownApp       = errors.New("unknown app")
	ErrAppNotConfigured = errors.New("app is not configured")

	// ErrCapExhausted is a normal skip condition, not a failure.
	ErrCapExhausted = errors.New("hourly api cap exhausted")

	// ErrPassInProgress is returned when a second pass is attempted for an app
	// that already has one in flight.
	ErrPassInProgress = errors.New("search pass already in progress")
)

// ConfigurationError reports an unknown app identifier or a missing
// configuration entry. These are never retried.
type ConfigurationError struct {
	App    string
	Reason error
}

func (e *ConfigurationError) Error() string {
	if e.App == "" {
		return fmt.Sprintf("configuration error: %v", e.Reason)
	}
	return fmt.Sprintf("configuration error for %q: %v", e.App, e.Reason)
}

func (e *ConfigurationError) Unwrap() []error {
	if e.Reason == nil {
		return []error{ErrConfiguration}
	}
	return []error{ErrConfiguration, e.Reason}
}

// UpstreamError wraps a failure talking to an *arr instance.
type UpstreamError struct {
	App      BaseApp
	Instance string
	Err      error
}

func (e *UpstreamError) Error() string {
	if e.Instance != "" {
		return fmt.Sprintf("%s instance %q: %v", e.App, e.Instance, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.App, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

func (e *UpstreamError) Is(target error) bool {
	_, ok := target.(*UpstreamError)
	return ok
}

// IsConfigurationError reports whether err is a configuration error.
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrConfiguration)
}
