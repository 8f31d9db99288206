/*
Copyright (c) 2024 Keyfactor, Inc.

Licensed under the MIT License (the "License"); you may not use this file except
in compliance with the License. You may obtain a copy of the License at

https://opensource.org/licenses/MIT

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package caplugin

import (
	"fmt"
	"net/http"
	"strings"
)

// pluginError is an internal error structure implementing Error.
type pluginError struct {
	status     int
	desc       string
	retryAfter int
}

// Error kinds. Detailed errors wrap one of these, so callers should test for
// them with errors.Is.
var (
	ErrCancelled error = &pluginError{
		status: http.StatusGatewayTimeout,
		desc:   "operation cancelled",
	}
	ErrEligibilityExpired error = &pluginError{
		status: http.StatusUnprocessableEntity,
		desc:   "renewal eligibility window has closed",
	}
	ErrGatewayDisabled error = &pluginError{
		status: http.StatusServiceUnavailable,
		desc:   "gateway is disabled",
	}
	ErrInvalidArgument error = &pluginError{
		status: http.StatusBadRequest,
		desc:   "invalid argument",
	}
	ErrInvalidState error = &pluginError{
		status: http.StatusConflict,
		desc:   "invalid state",
	}
	ErrInvariantViolation error = &pluginError{
		status: http.StatusInternalServerError,
		desc:   "internal invariant violated",
	}
	ErrLockTimeout error = &pluginError{
		status: http.StatusServiceUnavailable,
		desc:   "timed out acquiring rate limiter lock",
	}
	ErrMissingParameters error = &pluginError{
		status: http.StatusBadRequest,
		desc:   "missing required enrollment parameters",
	}
	ErrNotFound error = &pluginError{
		status: http.StatusNotFound,
		desc:   "not found",
	}
	ErrNotInitialized error = &pluginError{
		status: http.StatusServiceUnavailable,
		desc:   "plugin is not initialized",
	}
	ErrUnsupportedProduct error = &pluginError{
		status: http.StatusBadRequest,
		desc:   "unsupported product",
	}
)

// Internal error values used by the gateway server.
var (
	errAuthRequired = &pluginError{
		status: http.StatusUnauthorized,
		desc:   "authorization required",
	}
	errBodyParse = &pluginError{
		status: http.StatusBadRequest,
		desc:   "unable to parse request body",
	}
	errHostNotAllowed = &pluginError{
		status: http.StatusBadRequest,
		desc:   "host not allowed",
	}
	errInternal = &pluginError{
		status: http.StatusInternalServerError,
		desc:   "internal server error",
	}
	errMalformedCert = &pluginError{
		status: http.StatusBadGateway,
		desc:   "malformed certificate",
	}
	errRateLimitExceeded = &pluginError{
		status: http.StatusTooManyRequests,
		desc:   "rate limit exceeded",
	}
)

// StatusCode returns the HTTP status code.
func (e pluginError) StatusCode() int {
	return e.status
}

// Error returns a human-readable description of the error.
func (e pluginError) Error() string {
	if e.desc == "" {
		return http.StatusText(e.status)
	}

	return e.desc
}

// RetryAfter returns the value in seconds after which the client should
// retry the request.
func (e pluginError) RetryAfter() int {
	return e.retryAfter
}

// Write writes the error to the supplied writer.
func (e pluginError) Write(w http.ResponseWriter) {
	w.Header().Set(contentTypeHeader, mimeTypeTextPlainUTF8)
	w.WriteHeader(e.status)
	w.Write([]byte(fmt.Sprintf("%d %s\n", e.status, e.Error())))
}

// APIError is an error response returned by the certificate vendor.
type APIError struct {
	// Method and Path identify the vendor request which failed.
	Method string
	Path   string

	// Status is the HTTP status code returned by the vendor.
	Status int

	// Code, Message and Fields are taken from the vendor error body, if one
	// was returned.
	Code    string
	Message string
	Fields  []ErrorField

	retryAfter int
}

// StatusCode returns the HTTP status code to report to callers of the
// gateway. Vendor responses which describe the requested resource are passed
// through, and all other failures are reported as a bad gateway.
func (e *APIError) StatusCode() int {
	switch e.Status {
	case http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity:
		return e.Status
	case http.StatusTooManyRequests:
		return http.StatusServiceUnavailable
	}

	return http.StatusBadGateway
}

// RetryAfter returns the Retry-After value sent by the vendor, in seconds.
func (e *APIError) RetryAfter() int {
	return e.retryAfter
}

// Temporary reports whether the request may succeed if retried.
func (e *APIError) Temporary() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= http.StatusInternalServerError
}

// Error returns a human-readable description of the error, including any
// field errors reported by the vendor.
func (e *APIError) Error() string {
	var b strings.Builder

	fmt.Fprintf(&b, "%s %s: ", e.Method, e.Path)
	if e.Message != "" {
		b.WriteString(e.Message)
	} else {
		b.WriteString(http.StatusText(e.Status))
	}

	if e.Code != "" {
		fmt.Fprintf(&b, " [%s]", e.Code)
	} else {
		fmt.Fprintf(&b, " [%d]", e.Status)
	}

	for _, f := range e.Fields {
		fmt.Fprintf(&b, "; %s [%s %s]", f.Message, f.Code, f.Path)
	}

	return b.String()
}
