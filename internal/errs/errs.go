// Package errs defines the daemon's error-kind taxonomy and the CLI exit
// codes each kind maps to.
package errs

import (
	"errors"
	"fmt"
)

// Kind is one of the six error categories the daemon distinguishes.
type Kind string

const (
	KindTransport Kind = "transport" // API unreachable / TLS / HMAC failure
	KindRemote    Kind = "remote"    // remote API returned an error response
	KindStore     Kind = "store"     // persistent store failure
	KindConfig    Kind = "config"    // startup configuration failure
	KindOracle    Kind = "oracle"    // on-chain fee oracle failure
	KindInvariant Kind = "invariant" // internal logic violation
)

// Error carries a Kind alongside the wrapped cause so call sites and the
// CLI's exit-code mapping can dispatch on category without string matching.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: cause}
}

func Transport(msg string, cause error) *Error { return New(KindTransport, msg, cause) }
func Remote(msg string, cause error) *Error    { return New(KindRemote, msg, cause) }
func Store(msg string, cause error) *Error     { return New(KindStore, msg, cause) }
func Config(msg string, cause error) *Error    { return New(KindConfig, msg, cause) }
func Oracle(msg string, cause error) *Error    { return New(KindOracle, msg, cause) }
func Invariant(msg string, cause error) *Error { return New(KindInvariant, msg, cause) }

// ExitCode maps an error's Kind to the documented CLI exit codes.
// A nil error maps to 0; errors of any other kind fall back to 1.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var e *Error
	if errors.As(err, &e) {
		switch e.Kind {
		case KindConfig:
			return 2
		case KindStore:
			return 3
		}
	}
	return 1
}
