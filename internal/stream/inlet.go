package stream

import (
	"errors"
	"time"
)

// ErrTimeout signals that no record is currently available. It is a
// control-flow signal, not a failure: the caller should retry or yield.
var ErrTimeout = errors.New("no data available")

// ErrClosed is returned by Pull after the inlet has been closed or its
// underlying connection was lost.
var ErrClosed = errors.New("inlet closed")

// ContinuousInlet is a pollable handle to a sampled signal stream.
type ContinuousInlet interface {
	Descriptor() Descriptor

	// Pull blocks up to timeout for the next sample. A zero timeout
	// performs a non-blocking poll.
	Pull(timeout time.Duration) (Sample, error)

	Close() error
}

// EventInlet is a pollable handle to a discrete marker stream. Pull is
// always non-blocking: absence of a marker is the common case and must
// never stall a consumer.
type EventInlet interface {
	Descriptor() Descriptor
	Pull() (Marker, error)
	Close() error
}
