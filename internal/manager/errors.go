package manager

import (
	"errors"
	"fmt"
)

// Error kinds. Callers branch with errors.Is; the API maps them to HTTP statuses.
var (
	// ErrInvalidRequest covers unknown or disabled retailers, bad options and
	// starting a retailer that is already running.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrNotRunning is returned when stopping a retailer with no tracked process.
	ErrNotRunning = errors.New("not running")
	// ErrNotFound is returned for status queries on unknown retailers.
	ErrNotFound = errors.New("not found")
)

// Error is a lifecycle violation. Its message is meant for the dashboard user verbatim.
type Error struct {
	Op       string
	Retailer string
	Kind     error
	Msg      string
}

func (e *Error) Error() string { return e.Msg }

func (e *Error) Unwrap() error { return e.Kind }

func invalid(op, retailer, format string, args ...any) *Error {
	return &Error{Op: op, Retailer: retailer, Kind: ErrInvalidRequest, Msg: fmt.Sprintf(format, args...)}
}

func notRunning(op, retailer string) *Error {
	return &Error{Op: op, Retailer: retailer, Kind: ErrNotRunning, Msg: fmt.Sprintf("scraper for %s is not running", retailer)}
}

func notFound(op, retailer string) *Error {
	return &Error{Op: op, Retailer: retailer, Kind: ErrNotFound, Msg: fmt.Sprintf("unknown retailer: %s", retailer)}
}
