// Copyright 2025 The exitbook Authors
// This file is part of the exitbook library.
//
// The exitbook library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The exitbook library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the exitbook library. If not, see <http://www.gnu.org/licenses/>.

package provider

import (
	"context"
	"fmt"
	"net"

	"github.com/pkg/errors"
)

var (
	// ErrUnsupportedOperation is returned when an operation is dispatched
	// to a client that does not declare it.
	ErrUnsupportedOperation = errors.New("provider: unsupported operation")

	// ErrAllProvidersFailed is returned when every candidate provider
	// failed an operation. It wraps the last failure.
	ErrAllProvidersFailed = errors.New("provider: all providers failed")

	// ErrNoCompatibleProviders is returned when no candidate can resume
	// from the given cursor.
	ErrNoCompatibleProviders = errors.New("provider: no provider compatible with cursor")

	// ErrUnknownSource is returned by the source registry for names that
	// are neither a registered blockchain nor a registered exchange.
	ErrUnknownSource = errors.New("provider: unknown source")

	// ErrCircuitOpen is returned when a request is refused because the
	// provider's circuit is open.
	ErrCircuitOpen = errors.New("provider: circuit open")
)

// OpError decorates a failure with the provider and operation it came from.
type OpError struct {
	Provider string
	Op       OpKind
	Err      error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("provider %s: op %s: %v", e.Provider, e.Op, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

// HTTPError is a non-2xx provider response.
type HTTPError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("provider %s: http %d: %s", e.Provider, e.StatusCode, e.Body)
}

// ValidationError reports a provider response or persisted raw row that
// failed schema validation. Never swallowed; a single invalid row fails
// its batch.
type ValidationError struct {
	RowID      int64
	EventID    string
	SchemaPath string
	Err        error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed at %s (row %d, event %s): %v",
		e.SchemaPath, e.RowID, e.EventID, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// IsTransient classifies an error as a retriable provider failure:
// HTTP 429/5xx, timeouts and DNS trouble. Validation and unsupported
// operation errors are permanent.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == 429 || httpErr.StatusCode >= 500
	}
	var validErr *ValidationError
	if errors.As(err, &validErr) {
		return false
	}
	if errors.Is(err, ErrUnsupportedOperation) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	// Per-request timeouts surface as a deadline error from the HTTP
	// client; they count against the circuit like any other failure.
	return errors.Is(err, context.DeadlineExceeded)
}
