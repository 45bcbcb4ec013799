package entity

import (
	"errors"
	"fmt"
)

var (
	// ErrSourceUnavailable reports a network or HTTP failure talking to a price or user-data source.
	ErrSourceUnavailable = errors.New("source unavailable")
	// ErrMalformedResponse reports a payload that could not be parsed into the expected shape.
	ErrMalformedResponse = errors.New("malformed response")
	// ErrNoActiveSession reports a refresh attempted with no known user identifier.
	ErrNoActiveSession = errors.New("no active session")
)

// SourceError attributes a failure to the named upstream source.
type SourceError struct {
	Source string
	Kind   error // ErrSourceUnavailable or ErrMalformedResponse
	Err    error
}

// NewSourceError builds a SourceError. err may be nil.
func NewSourceError(source string, kind error, err error) *SourceError {
	return &SourceError{Source: source, Kind: kind, Err: err}
}

func (e *SourceError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Source, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Source, e.Kind, e.Err)
}

// Is makes errors.Is(err, ErrSourceUnavailable) work on a SourceError.
func (e *SourceError) Is(target error) bool {
	return target == e.Kind
}

func (e *SourceError) Unwrap() error {
	return e.Err
}

// ErrorKind classifies err as one of the source error sentinels, or "unknown".
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, ErrSourceUnavailable):
		return "unavailable"
	case errors.Is(err, ErrMalformedResponse):
		return "malformed"
	case errors.Is(err, ErrNoActiveSession):
		return "no_session"
	default:
		return "unknown"
	}
}
