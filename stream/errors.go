package stream

import (
	"errors"
	"fmt"
)

// ErrorKind classifies terminal adapter failures.
type ErrorKind int

const (
	// DeviceUnavailable: capture device missing or permission denied
	DeviceUnavailable ErrorKind = iota + 1
	// InvalidSource: malformed descriptor or URL
	InvalidSource
	// StreamFatal: unrecoverable network or decode failure after bounded retries
	StreamFatal
	// DecodeUnsupported: the source opened but its format cannot be decoded
	DecodeUnsupported
)

var (
	ErrDeviceUnavailable = errors.New("device unavailable")
	ErrInvalidSource     = errors.New("invalid source")
	ErrStreamFatal       = errors.New("stream fatal")
	ErrDecodeUnsupported = errors.New("decode unsupported")
)

// Read failures reported by a VideoCapture. Network-class failures may be
// cured by reopening the source; decode-class failures by reading again.
var (
	ErrReadNetwork = errors.New("stream read failed")
	ErrReadDecode  = errors.New("frame decode failed")
)

// ErrFrameEmpty marks a polled image with zero dimensions.
var ErrFrameEmpty = errors.New("frame has zero dimensions")

func (k ErrorKind) sentinel() error {
	switch k {
	case DeviceUnavailable:
		return ErrDeviceUnavailable
	case InvalidSource:
		return ErrInvalidSource
	case StreamFatal:
		return ErrStreamFatal
	case DecodeUnsupported:
		return ErrDecodeUnsupported
	}
	return nil
}

func (k ErrorKind) String() string {
	switch k {
	case DeviceUnavailable:
		return "DeviceUnavailable"
	case InvalidSource:
		return "InvalidSource"
	case StreamFatal:
		return "StreamFatal"
	case DecodeUnsupported:
		return "DecodeUnsupported"
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// Error is a classified adapter error.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func newError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("stream %s: %s", e.Op, e.Kind.sentinel())
	}
	return fmt.Sprintf("stream %s: %s: %v", e.Op, e.Kind.sentinel(), e.Err)
}

// Unwrap exposes both the kind sentinel and the cause to errors.Is.
func (e *Error) Unwrap() []error {
	out := make([]error, 0, 2)
	if s := e.Kind.sentinel(); s != nil {
		out = append(out, s)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// KindOf returns the classification of err, if it carries one.
func KindOf(err error) (ErrorKind, bool) {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind, true
	}
	return 0, false
}
