package dpt

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound means no host in the scanned range accepted a connection.
	ErrNotFound = errors.New("dpt: device not found")

	ErrConnection      = errors.New("dpt: connection error")
	ErrDecode          = errors.New("dpt: decode error")
	ErrCropOutOfBounds = errors.New("crop margins exceed image bounds")
	ErrSubnetTooLarge  = errors.New("dpt: subnet too large to scan")
	ErrFrameTooLarge   = errors.New("frame exceeds size limit")
	ErrImageTooLarge   = errors.New("image dimensions exceed pixel limit")
)

// ConnectionError reports a socket level failure of a single fetch.
type ConnectionError struct {
	Endpoint DeviceEndpoint
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("dpt: fetch from %s: %v", e.Endpoint, e.Err)
}

func (e *ConnectionError) Unwrap() []error {
	return []error{ErrConnection, e.Err}
}

// DecodeError reports a payload that could not be turned into a ScreenFrame.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("dpt: decode frame: %v", e.Err)
}

func (e *DecodeError) Unwrap() []error {
	return []error{ErrDecode, e.Err}
}

// ErrMalformed is returned by Decode and Capture when Parse rejects a
// response. Devices send these routinely; callers skip the frame.
var ErrMalformed = errors.New("dpt: malformed screenshot response")
