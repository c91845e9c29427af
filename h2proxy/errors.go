// Copyright 2025 The packetd Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package h2proxy

import "github.com/pkg/errors"

// Kind classifies the failures the session/stream machinery can raise.
type Kind string

const (
	BadPreface        Kind = "bad_preface"
	ProtocolViolation Kind = "protocol_violation"
	HpackFailure      Kind = "hpack_failure"
	MalformedRequest  Kind = "malformed_request"
	MalformedResponse Kind = "malformed_response"
	Unsupported       Kind = "unsupported"
	TransportIO       Kind = "transport_io"
)

// Error wraps a Kind with its underlying cause so callers can branch on
// Kind without string matching while still keeping the pkg/errors stack.
type Error struct {
	Kind  Kind
	cause error
}

func (e *Error) Error() string {
	if e.cause == nil {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.cause.Error()
}

func (e *Error) Unwrap() error { return e.cause }

func newKindError(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, cause: errors.Errorf(format, args...)}
}

func wrapKindError(kind Kind, cause error, format string, args ...any) error {
	if cause == nil {
		return newKindError(kind, format, args...)
	}
	return &Error{Kind: kind, cause: errors.Wrapf(cause, format, args...)}
}

// newError is the package-wide "h2proxy: msg" wrapper used outside
// of the typed Kind errors, mirroring the teacher's per-package convention.
func newError(format string, args ...any) error {
	return errors.Errorf("h2proxy: "+format, args...)
}
