//
// Copyright (c) 2014-2019 Cesanta Software Limited
// All rights reserved
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
//
package flasher

import (
	"fmt"
	"strings"

	"github.com/juju/errors"
)

// ErrorKind categorizes failures surfaced by ConnectionManager and FlashController.
type ErrorKind int

const (
	// Host has no serial port support. Retrying on the same host won't help.
	UnsupportedTransport ErrorKind = iota + 1
	// User cancelled the port chooser.
	NoPortSelected
	// Device did not respond to sync, most likely it is not in download mode.
	HandshakeFailed
	// Generic I/O failure: cable, USB bridge driver, etc.
	TransportError
	// Operation invoked while its preconditions do not hold.
	PreconditionFailed
	// Transport went away while an operation was in progress.
	ConnectionLost
	// Write or verify error while flashing.
	FlashFailed
)

func (k ErrorKind) String() string {
	switch k {
	case UnsupportedTransport:
		return "UnsupportedTransport"
	case NoPortSelected:
		return "NoPortSelected"
	case HandshakeFailed:
		return "HandshakeFailed"
	case TransportError:
		return "TransportError"
	case PreconditionFailed:
		return "PreconditionFailed"
	case ConnectionLost:
		return "ConnectionLost"
	case FlashFailed:
		return "FlashFailed"
	default:
		return fmt.Sprintf("???(%d)", int(k))
	}
}

// Retryable reports whether the user can simply try again
// (possibly after putting the device into download mode).
func (k ErrorKind) Retryable() bool {
	switch k {
	case NoPortSelected, HandshakeFailed, TransportError, ConnectionLost, FlashFailed:
		return true
	}
	return false
}

// Error is a categorized error. It deliberately has no Cause method, so
// errors.Cause() of a traced or annotated *Error returns the *Error itself.
type Error struct {
	Kind ErrorKind
	Err  error
}

func NewError(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

func errorf(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Err: errors.Errorf(format, args...)}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of a (possibly traced or annotated) *Error, or 0.
func KindOf(err error) ErrorKind {
	if err == nil {
		return 0
	}
	if e, ok := errors.Cause(err).(*Error); ok {
		return e.Kind
	}
	return 0
}

// IsKind is a shorthand for KindOf(err) == kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// classify turns an arbitrary collaborator error into an *Error.
// Errors that already carry a kind keep it.
func classify(err error, def ErrorKind) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != 0 {
		return err
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "No port selected"):
		return NewError(NoPortSelected, err)
	case def == HandshakeFailed && !strings.Contains(strings.ToLower(msg), "sync"):
		return NewError(TransportError, err)
	}
	return NewError(def, err)
}
