package record

import (
	"time"

	"github.com/google/uuid"

	"github.com/neurolibrelab/neurocapture/internal/stream"
	"github.com/neurolibrelab/neurocapture/internal/timebase"
)

// Status represents the recorder state machine
type Status string

const (
	StatusIdle        Status = "IDLE"
	StatusDiscovering Status = "DISCOVERING"
	StatusConnected   Status = "CONNECTED"
	StatusRecording   Status = "RECORDING"
	StatusDraining    Status = "DRAINING"
	StatusFlushed     Status = "FLUSHED"
	StatusAborted     Status = "ABORTED"
)

// Recording is one capture session: the resolved streams, their
// buffers, and everything the session metadata artifact needs. It is
// created at session start and mutated only by its owning Recorder.
type Recording struct {
	SessionID string
	StartTime time.Time
	StopTime  time.Time

	Streams []stream.Descriptor
	Buffers map[string]*Buffer

	// DegradedStreams lists optional stream types that were absent at
	// discovery. The session completed without them.
	DegradedStreams []stream.Type

	DriftWarnings []timebase.DriftWarning
	Notes         []string

	Status Status
}

func newRecording() *Recording {
	return &Recording{
		SessionID: uuid.NewString(),
		Buffers:   make(map[string]*Buffer),
		Status:    StatusIdle,
	}
}

// Degraded reports whether any optional stream was absent
func (r *Recording) Degraded() bool { return len(r.DegradedStreams) > 0 }

// BufferFor returns the buffer for a stream ID, or nil
func (r *Recording) BufferFor(id string) *Buffer { return r.Buffers[id] }
