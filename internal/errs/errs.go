// Copyright 2024 The cl8y-watchtower Authors
// This file is part of cl8y-watchtower.
//
// cl8y-watchtower is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// cl8y-watchtower is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with cl8y-watchtower.  If not, see <http://www.gnu.org/licenses/>.

// Package errs gives the watchtower's five error kinds a concrete shape:
// a severity, a fatality flag, and a formatted message, the way the
// teacher's errs package shapes a package's error codes.
package errs

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/log"
)

// Kind names one of the five error categories the core recognizes.
// Unlike the teacher's free-form per-package int codes, a watchtower
// process has exactly one taxonomy shared by every component.
type Kind int

const (
	ConfigError Kind = iota
	TransportError
	ProtocolError
	SubmissionError
	InvariantViolation
)

func (k Kind) String() string {
	switch k {
	case ConfigError:
		return "ConfigError"
	case TransportError:
		return "TransportError"
	case ProtocolError:
		return "ProtocolError"
	case SubmissionError:
		return "SubmissionError"
	case InvariantViolation:
		return "InvariantViolation"
	default:
		return "UnknownError"
	}
}

// level is the severity each kind logs at; only ConfigError and
// InvariantViolation are fatal.
func (k Kind) level() log.Lvl {
	switch k {
	case ConfigError, InvariantViolation:
		return log.LvlCrit
	case SubmissionError:
		return log.LvlError
	default:
		return log.LvlWarn
	}
}

// Error is the concrete error type that config, signerkey and the
// verifier return, so a caller can decide fatality by inspecting Kind
// alone. The chain clients and the resolver return plain fmt.Errorf
// values.
type Error struct {
	Kind    Kind
	Detail  string
	Wrapped error
}

// New builds an Error, formatting Detail with the given args the way the
// teacher's Errors.New does.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Wrap attaches Kind to an existing error, preserving it for errors.Is/As.
func Wrap(kind Kind, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Detail: err.Error(), Wrapped: err}
}

func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Kind, e.Kind.level(), e.Detail)
}

func (e *Error) Unwrap() error { return e.Wrapped }

// Level returns the log.Lvl the WatcherLoop should log this error at.
func (e *Error) Level() log.Lvl { return e.Kind.level() }

// Fatal reports whether the process should terminate after this error,
// matching spec's propagation policy: only ConfigError and
// InvariantViolation are fatal, every other kind is handled per-approval
// without halting the cycle.
func (e *Error) Fatal() bool {
	return e.Kind == ConfigError || e.Kind == InvariantViolation
}

// As reports whether err (or something it wraps) is an *Error of kind k.
func As(err error, k Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == k
}
