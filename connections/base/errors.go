// Copyright 2025 Datalink
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

package base

import "errors"

// Code classifies a connection error. The set is closed; callers match
// on the code rather than on message text.
type Code string

const (
	// Registry / factory
	CodeDuplicateID   Code = "DUPLICATE_ID"
	CodeNotFound      Code = "NOT_FOUND"
	CodeUnknownKind   Code = "UNKNOWN_KIND"
	CodeInvalidConfig Code = "INVALID_CONFIG"

	// Lifecycle
	CodeNotConnected     Code = "NOT_CONNECTED"
	CodeConnectFailed    Code = "CONNECT_FAILED"
	CodeDisconnectFailed Code = "DISCONNECT_FAILED"

	// Outbound I/O
	CodeAuthFailed   Code = "AUTH_FAILED"
	CodeTimeout      Code = "TIMEOUT"
	CodeBackendError Code = "BACKEND_ERROR"

	// Variant-specific
	CodeParseError        Code = "PARSE_ERROR"
	CodeUnknownOperation  Code = "UNKNOWN_OPERATION"
	CodeAmbiguousEndpoint Code = "AMBIGUOUS_ENDPOINT"
	CodeUnsupportedType   Code = "UNSUPPORTED_TYPE"
	CodeUnsafeDelete      Code = "UNSAFE_DELETE"
)

// Error is the typed error surfaced by every connection operation.
// Connector is the connection ID (or the kind, before one is assigned),
// Op is the action that failed. Credential material must never appear
// in Message.
type Error struct {
	Code      Code
	Connector string
	Op        string
	Message   string
	Cause     error
}

func (e *Error) Error() string {
	s := e.Connector + "." + e.Op + ": " + e.Message + " [" + string(e.Code) + "]"
	if e.Cause != nil {
		s += " (cause: " + e.Cause.Error() + ")"
	}
	return s
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a typed connection error.
func NewError(code Code, connector, op, message string, cause error) *Error {
	return &Error{
		Code:      code,
		Connector: connector,
		Op:        op,
		Message:   message,
		Cause:     cause,
	}
}

// CodeOf extracts the error code from err, unwrapping as needed.
// It returns the empty code for foreign errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}
