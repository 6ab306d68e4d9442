package schema

import (
	"errors"
	"strings"
)

// Sentinel errors for the failure kinds of a scan run.
// Callers should use errors.Is() to check for these.
var (
	// ErrConfiguration is fatal and aborts before any work starts.
	ErrConfiguration = errors.New("configuration error")

	// ErrProbe indicates one probe executor failed.
	ErrProbe = errors.New("probe error")

	// ErrEngineSubmission indicates the external job could not start.
	ErrEngineSubmission = errors.New("engine submission error")

	// ErrEngineTimeout indicates the job never reached Completed in time
	// or the engine stopped answering status requests.
	ErrEngineTimeout = errors.New("engine timeout")

	// ErrEngineFailed indicates the engine itself reported the job failed.
	ErrEngineFailed = errors.New("engine job failed")

	// ErrEngineFetch indicates the job completed but results could not
	// be retrieved.
	ErrEngineFetch = errors.New("engine fetch error")

	// ErrAggregationInput indicates a raw engine record that could not be
	// translated.
	ErrAggregationInput = errors.New("aggregation input error")

	// ErrCancelled indicates the run was cancelled before the source
	// finished.
	ErrCancelled = errors.New("cancelled")
)

// Error carries the kind of failure together with where it happened.
type Error struct {
	Kind     error
	Source   Source
	Category Category
	Op       string
	Err      error
}

// NewError builds an Error of the given kind.
func NewError(kind error, src Source, op string, err error) *Error {
	return &Error{Kind: kind, Source: src, Op: op, Err: err}
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Kind != nil {
		b.WriteString(e.Kind.Error())
	} else {
		b.WriteString("error")
	}
	if e.Category != "" {
		b.WriteString(" [")
		b.WriteString(string(e.Category))
		b.WriteString("]")
	}
	if e.Op != "" {
		b.WriteString(": ")
		b.WriteString(e.Op)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes both the kind sentinel and the cause.
func (e *Error) Unwrap() []error {
	var errs []error
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// Config returns a configuration error for op.
func Config(op string, err error) error {
	return &Error{Kind: ErrConfiguration, Op: op, Err: err}
}
