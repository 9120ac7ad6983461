// Copyright 2025 The personalization-engine Authors
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

// Package recapi holds the wire contract shared by the gateway handlers and
// the inference, decoration and eventing planes: the inference response
// document, the error taxonomy and the HTTP envelope writers.
package recapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"strings"

	"github.com/aws/smithy-go"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// ErrorType partitions failures by their origin.
type ErrorType string

const (
	ErrorValidation    ErrorType = "Validation"
	ErrorConfiguration ErrorType = "Configuration"
	ErrorDownstream    ErrorType = "Downstream"
	ErrorUnhandled     ErrorType = "Unhandled"
)

// Error is the failure contract surfaced to API clients: a taxonomy type, a
// machine-readable code and the HTTP status the gateway answers with.
// Downstream errors keep the backend's own code so callers can tell a
// throttle from a hard failure.
type Error struct {
	Type    ErrorType
	Code    string
	Message string
	Status  int
	Details []string

	err error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s/%s: %s: %s", e.Type, e.Code, e.Message, e.err)
	}
	return fmt.Sprintf("%s/%s: %s", e.Type, e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.err
}

// NewValidationError reports a request the caller must fix. Always a 400.
func NewValidationError(code, format string, args ...any) *Error {
	return &Error{
		Type:    ErrorValidation,
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Status:  http.StatusBadRequest,
	}
}

// NewConfigError reports a gap or contradiction in the configuration
// document. Missing entities are 404s, unusable ones 500s.
func NewConfigError(status int, code, format string, args ...any) *Error {
	return &Error{
		Type:    ErrorConfiguration,
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Status:  status,
	}
}

// NewDownstreamError reports a backend failure that was already classified.
func NewDownstreamError(status int, code, msg string, err error) *Error {
	return &Error{
		Type:    ErrorDownstream,
		Code:    code,
		Message: msg,
		Status:  status,
		err:     err,
	}
}

// Backend error codes that mean "back off", not "broken". These map to 429
// so callers and CDNs can distinguish pressure from failure.
var throttleCodes = map[string]bool{
	"ThrottlingException":                    true,
	"ThrottledException":                     true,
	"TooManyRequestsException":               true,
	"RequestLimitExceeded":                   true,
	"LimitExceededException":                 true,
	"ProvisionedThroughputExceededException": true,
}

// IsThrottle reports whether err is a backend throttling response.
func IsThrottle(err error) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && throttleCodes[apiErr.ErrorCode()]
}

// FromAWS translates an AWS SDK error into the taxonomy, preserving the
// backend's error code. Throttles become 429s, everything else a 500.
func FromAWS(err error) *Error {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return AsError(err)
	}
	status := http.StatusInternalServerError
	if throttleCodes[apiErr.ErrorCode()] {
		status = http.StatusTooManyRequests
	}
	return NewDownstreamError(status, apiErr.ErrorCode(), apiErr.ErrorMessage(), err)
}

// AsError coerces any error into the taxonomy. Errors that are not already
// classified become Unhandled 500s carrying the stack of the call site.
func AsError(err error) *Error {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return &Error{
		Type:    ErrorUnhandled,
		Code:    "InternalServerError",
		Message: err.Error(),
		Status:  http.StatusInternalServerError,
		Details: strings.Split(strings.TrimRight(string(debug.Stack()), "\n"), "\n"),
		err:     err,
	}
}

type errorBody struct {
	Type    ErrorType `json:"type"`
	Code    string    `json:"code"`
	Message string    `json:"message"`
	Details []string  `json:"details,omitempty"`
}

// WriteError writes the error envelope for err to w, classifying it first if
// necessary.
func WriteError(logger log.Logger, w http.ResponseWriter, endpointURI string, err error) {
	apiErr := AsError(err)
	if apiErr.Type == ErrorUnhandled {
		_ = level.Error(logger).Log("msg", "unhandled error", "endpointURI", endpointURI, "err", err)
	}
	WriteJSON(logger, w, apiErr.Status, endpointURI, errorBody{
		Type:    apiErr.Type,
		Code:    apiErr.Code,
		Message: apiErr.Message,
		Details: apiErr.Details,
	})
}

// WriteJSON writes body as JSON to w if it can, otherwise it logs the error
// and writes a generic error envelope.
func WriteJSON(logger log.Logger, w http.ResponseWriter, httpResponseCode int, endpointURI string, body any) {
	logger = log.With(logger, "endpointURI", endpointURI, "intendedStatusCode", httpResponseCode)
	w.Header().Set("Content-Type", "application/json")

	jsonResponse, err := json.Marshal(body)
	if err != nil {
		_ = level.Error(logger).Log("msg", "failed to marshal response", "err", err)
		w.WriteHeader(http.StatusInternalServerError)

		if _, err = w.Write([]byte(`{"type":"Unhandled","code":"InternalServerError","message":"failed to marshal response"}`)); err != nil {
			_ = level.Error(logger).Log("msg", "failed to write error response to responseWriter", "err", err)
		}
		return
	}

	w.WriteHeader(httpResponseCode)
	if _, err = w.Write(jsonResponse); err != nil {
		_ = level.Error(logger).Log("msg", "failed to write response to responseWriter", "err", err)
	}
}
