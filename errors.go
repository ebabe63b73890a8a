package statebus

import "errors"

// ErrStoreClosed is returned by every Store operation after Close.
// A closed store never silently drops an operation.
var ErrStoreClosed = errors.New("statebus: store is closed")

// ErrBusClosed is returned by every Bus operation after Close.
var ErrBusClosed = errors.New("statebus: bus is closed")
