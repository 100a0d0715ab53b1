// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package errors defines the structured error types surfaced by the foreman
// core. Recoverable issues are handled locally by components; everything that
// crosses the public surface is one of these types so callers can branch on
// kind without string matching.
package errors

import (
	stderrors "errors"
)

// IsRateLimited reports whether err is a rate-limit rejection.
func IsRateLimited(err error) bool {
	var target *RateLimitError
	return stderrors.As(err, &target)
}

// IsConcurrencyLimited reports whether err is a concurrency rejection.
func IsConcurrencyLimited(err error) bool {
	var target *ConcurrencyError
	return stderrors.As(err, &target)
}

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool {
	var target *NotFoundError
	return stderrors.As(err, &target)
}

// IsTimeout reports whether err is a timeout.
func IsTimeout(err error) bool {
	var target *TimeoutError
	return stderrors.As(err, &target)
}

// IsValidation reports whether err is a validation failure.
func IsValidation(err error) bool {
	var target *ValidationError
	return stderrors.As(err, &target)
}

// IsCancelled reports whether err is a queued-request cancellation.
func IsCancelled(err error) bool {
	var target *CancelledError
	return stderrors.As(err, &target)
}
