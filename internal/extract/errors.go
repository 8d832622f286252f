package extract

import "fmt"

// Reason classifies why an extraction failed.
type Reason string

const (
	ReasonUnreachable Reason = "unreachable"
	ReasonStatus      Reason = "bad_status"
	ReasonTooLarge    Reason = "too_large"
	ReasonUnsupported Reason = "unsupported"
	ReasonParse       Reason = "parse"
	// ReasonEmpty marks a source that was fetched but had no readable
	// content. Extract itself reports that case through Result.Empty.
	ReasonEmpty Reason = "empty"
)

// Error is returned when a source cannot be turned into HTML.
type Error struct {
	Source string
	Reason Reason
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("extract %s: %s", e.Source, e.Reason)
	}
	return fmt.Sprintf("extract %s: %s: %v", e.Source, e.Reason, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func fail(source string, reason Reason, err error) *Error {
	return &Error{Source: source, Reason: reason, Err: err}
}
