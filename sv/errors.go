package sv

import (
	"errors"
	"fmt"
)

var (
	// ErrEndOfStream is returned by a sample source once fewer than n samples
	// remain. It is the normal end of a run, not a failure.
	ErrEndOfStream = errors.New("end of stream")

	ErrNonIntegralBlock = errors.New("fs * interval is not a positive integer")
	ErrChannels         = errors.New("channel count must be at least 1")
	ErrDatagramTooLarge = errors.New("frame exceeds datagram size limit")
	ErrSustainedOverrun = errors.New("cycle budget overrun limit reached")
)

// DecodeError reports an input file that cannot be opened or decoded.
type DecodeError struct {
	Path string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.Path, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// SchemaMismatchError reports a schema field that could not be resolved from
// the frame record. The field is skipped; the rest of the document is kept.
type SchemaMismatchError struct {
	Field  string
	Reason string
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("schema field %q: %s", e.Field, e.Reason)
}
