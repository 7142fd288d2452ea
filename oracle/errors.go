// Copyright (c) 2025 The drpc.org developers
//
// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package oracle

import (
	"errors"
	"strconv"
)

// Code is the stable numeric result code reported across the store boundary.
// Values must never be renumbered.
type Code uint8

const (
	OK Code = iota
	QueryOverflow
	InvalidDataDir
	InvalidUpstream
	TooLargeQuery
	UpstreamRequestFailed
	OutOfMemory
	FilesystemError
	TransportError
	Unknown
)

var codeText = [...]string{
	OK:                    "ok",
	QueryOverflow:         "query result exceeds the maximum result size",
	InvalidDataDir:        "invalid data directory",
	InvalidUpstream:       "invalid upstream",
	TooLargeQuery:         "too large query",
	UpstreamRequestFailed: "error when querying the node for logs",
	OutOfMemory:           "failed memory allocation",
	FilesystemError:       "filesystem io",
	TransportError:        "transport error",
	Unknown:               "unknown",
}

// String returns the human readable description of the code.
func (c Code) String() string {
	if int(c) < len(codeText) {
		return codeText[c]
	}
	return "code(" + strconv.Itoa(int(c)) + ")"
}

// Error is an error kind carrying a stable code.
// Kinds are declared once as package level sentinels and matched with errors.Is;
// Wrap attaches a cause while keeping the kind.
type Error struct {
	code  Code
	msg   string
	cause error
	kind  *Error
}

// NewError declares a new error kind.
func NewError(code Code, msg string) *Error {
	e := &Error{code: code, msg: msg}
	e.kind = e
	return e
}

// Code returns the numeric code of the error.
func (e *Error) Code() Code { return e.code }

func (e *Error) Error() string {
	if e.cause != nil {
		return e.msg + ": " + e.cause.Error()
	}
	return e.msg
}

// Unwrap returns the cause, if any.
func (e *Error) Unwrap() error { return e.cause }

// Is reports whether target is the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.kind == e.kind
}

// Wrap returns an error of the same kind with cause attached.
func (e *Error) Wrap(cause error) error {
	if cause == nil {
		return e.kind
	}
	return &Error{code: e.code, msg: e.msg, cause: cause, kind: e.kind}
}

// CodeOf maps any error to its stable code. Nil maps to OK, errors without a
// kind map to Unknown.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.code
	}
	return Unknown
}
