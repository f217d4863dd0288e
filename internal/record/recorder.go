package record

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/neurolibrelab/neurocapture/internal/stream"
	"github.com/neurolibrelab/neurocapture/internal/timebase"
)

// Writer persists a finished recording. Implemented by persist.Writer.
type Writer interface {
	Write(*Recording) error
}

// StreamSpec declares one stream the session wants. Discovery failure
// of a required stream aborts the session; an absent optional stream
// only degrades it.
type StreamSpec struct {
	Type     stream.Type
	Required bool
}

// Options configures a Recorder.
type Options struct {
	Resolver stream.Resolver
	Writer   Writer

	// Dial functions open inlets for resolved descriptors. Injected so
	// tests can substitute in-memory streams.
	DialContinuous func(ctx context.Context, desc stream.Descriptor) (stream.ContinuousInlet, error)
	DialEvent      func(ctx context.Context, desc stream.Descriptor) (stream.EventInlet, error)

	Specs []StreamSpec

	StreamTimeout time.Duration // discovery bound per stream
	PullTimeout   time.Duration // blocking bound for continuous pulls
	PollInterval  time.Duration // idle sleep between empty marker polls
	GracePeriod   time.Duration // drain bound
	Duration      time.Duration // 0 = record until stop signal

	CalibrationWindow int
	DriftTolerance    float64
}

func (o *Options) applyDefaults() {
	if o.StreamTimeout <= 0 {
		o.StreamTimeout = 10 * time.Second
	}
	if o.PullTimeout <= 0 {
		o.PullTimeout = 250 * time.Millisecond
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 20 * time.Millisecond
	}
	if o.GracePeriod <= 0 {
		o.GracePeriod = 2 * time.Second
	}
	if o.CalibrationWindow <= 0 {
		o.CalibrationWindow = 64
	}
}

// Recorder drives one capture session through its state machine:
// IDLE → DISCOVERING → CONNECTED → RECORDING → DRAINING → FLUSHED or
// ABORTED. One consumer goroutine runs per resolved inlet; each owns
// its buffer exclusively until it terminates.
type Recorder struct {
	opts Options

	mu  sync.RWMutex
	rec *Recording

	warnMu sync.Mutex
}

// New creates a Recorder with the given options
func New(opts Options) *Recorder {
	opts.applyDefaults()
	return &Recorder{opts: opts, rec: newRecording()}
}

// Status returns the current session status
func (r *Recorder) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rec.Status
}

func (r *Recorder) setStatus(s Status) {
	r.mu.Lock()
	r.rec.Status = s
	r.mu.Unlock()
	slog.Debug("Recorder state changed", "status", s)
}

type resolvedStream struct {
	spec       StreamSpec
	desc       stream.Descriptor
	absent     bool // optional stream that never appeared
	continuous stream.ContinuousInlet
	event      stream.EventInlet
}

// Run executes the full session: discovery, capture, drain, persist.
// Cancelling ctx is the stop command. The returned Recording is always
// non-nil once recording started, even when Run returns an error, so
// callers can inspect what was captured.
func (r *Recorder) Run(ctx context.Context) (*Recording, error) {
	rec := r.rec

	r.setStatus(StatusDiscovering)
	resolved, err := r.discover(ctx)
	if err != nil {
		r.setStatus(StatusAborted)
		return rec, err
	}

	if err := r.connect(ctx, resolved); err != nil {
		r.setStatus(StatusAborted)
		return rec, err
	}
	r.setStatus(StatusConnected)

	rec.StartTime = time.Now()
	r.setStatus(StatusRecording)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	requiredFail := make(chan error, len(resolved))
	var wg sync.WaitGroup

	for _, rs := range resolved {
		if rs.continuous == nil && rs.event == nil {
			continue // absent optional stream, empty buffer only
		}

		buf := rec.Buffers[rs.desc.ID]
		corr := timebase.New(rs.desc.ID, r.opts.CalibrationWindow, r.opts.DriftTolerance, r.addDriftWarning)

		wg.Add(1)
		if rs.continuous != nil {
			go r.consumeContinuous(runCtx, &wg, rs, buf, corr, requiredFail)
		} else {
			go r.consumeEvent(runCtx, &wg, rs, buf, corr, requiredFail)
		}
	}

	// Block until whichever stop condition fires first.
	var durationCh <-chan time.Time
	if r.opts.Duration > 0 {
		timer := time.NewTimer(r.opts.Duration)
		defer timer.Stop()
		durationCh = timer.C
	}

	select {
	case <-ctx.Done():
		slog.Info("Stop signal received, draining")
	case <-durationCh:
		slog.Info("Configured duration elapsed, draining", "duration", r.opts.Duration)
	case failErr := <-requiredFail:
		slog.Error("Required stream consumer failed, draining", "error", failErr)
		r.addNote(fmt.Sprintf("required stream consumer failed: %v", failErr))
	}

	r.setStatus(StatusDraining)
	cancel()

	drained := make(chan struct{})
	go func() {
		wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-time.After(r.opts.GracePeriod):
		slog.Warn("Drain grace period expired, closing inlets to unblock consumers")
		r.addNote("drain grace period expired")
	}

	for _, rs := range resolved {
		if rs.continuous != nil {
			rs.continuous.Close()
		}
		if rs.event != nil {
			rs.event.Close()
		}
	}

	// Closing the inlets unblocks any pull still in flight, so this
	// wait is bounded even when a consumer overran the grace period.
	// Buffers are read only after it returns.
	<-drained

	rec.StopTime = time.Now()

	if err := r.opts.Writer.Write(rec); err != nil {
		r.setStatus(StatusAborted)
		return rec, fmt.Errorf("persistence failed: %w", err)
	}

	r.setStatus(StatusFlushed)
	slog.Info("Recording flushed", "session", rec.SessionID, "streams", len(rec.Buffers))
	return rec, nil
}

// discover resolves every declared stream. Absent optional streams get
// an empty placeholder buffer so their table is still written.
func (r *Recorder) discover(ctx context.Context) ([]*resolvedStream, error) {
	rec := r.rec
	var resolved []*resolvedStream

	for _, spec := range r.opts.Specs {
		descs, err := r.opts.Resolver.Resolve(ctx, spec.Type, r.opts.StreamTimeout)
		if err != nil {
			var de *stream.DiscoveryError
			if errors.As(err, &de) && !spec.Required {
				slog.Warn("Optional stream absent, continuing degraded", "type", spec.Type)
				rec.DegradedStreams = append(rec.DegradedStreams, spec.Type)

				placeholder := stream.Descriptor{ID: string(spec.Type), Type: spec.Type}
				rec.Streams = append(rec.Streams, placeholder)
				rec.Buffers[placeholder.ID] = NewBuffer(placeholder)
				resolved = append(resolved, &resolvedStream{spec: spec, desc: placeholder, absent: true})
				continue
			}
			return nil, fmt.Errorf("discovery of required %s stream failed: %w", spec.Type, err)
		}

		desc := descs[0]
		rec.Streams = append(rec.Streams, desc)
		rec.Buffers[desc.ID] = NewBuffer(desc)
		resolved = append(resolved, &resolvedStream{spec: spec, desc: desc})
		slog.Info("Stream resolved", "id", desc.ID, "type", desc.Type, "rate", desc.NominalRate)
	}

	return resolved, nil
}

func (r *Recorder) connect(ctx context.Context, resolved []*resolvedStream) error {
	for _, rs := range resolved {
		if rs.absent {
			continue
		}

		var err error
		switch rs.desc.Type {
		case stream.TypeContinuous:
			rs.continuous, err = r.opts.DialContinuous(ctx, rs.desc)
		case stream.TypeEvent:
			rs.event, err = r.opts.DialEvent(ctx, rs.desc)
		default:
			err = fmt.Errorf("unknown stream type %q", rs.desc.Type)
		}
		if err != nil {
			if !rs.spec.Required {
				slog.Warn("Optional stream connection failed, continuing degraded", "id", rs.desc.ID, "error", err)
				r.rec.DegradedStreams = append(r.rec.DegradedStreams, rs.desc.Type)
				rs.continuous, rs.event = nil, nil
				continue
			}
			return fmt.Errorf("failed to connect required stream %s: %w", rs.desc.ID, err)
		}
	}
	return nil
}

// consumeContinuous pulls samples with a bounded blocking timeout
// until cancelled or the inlet fails.
func (r *Recorder) consumeContinuous(ctx context.Context, wg *sync.WaitGroup, rs *resolvedStream, buf *Buffer, corr *timebase.Corrector, requiredFail chan<- error) {
	defer wg.Done()

	want := rs.desc.ChannelCount()
	for {
		if ctx.Err() != nil {
			return
		}

		s, err := rs.continuous.Pull(r.opts.PullTimeout)
		switch {
		case err == nil:
			if want > 0 && len(s.Channels) != want {
				r.failConsumer(rs, buf, requiredFail,
					fmt.Errorf("sample has %d channels, descriptor declares %d", len(s.Channels), want))
				return
			}
			s.Timestamp = corr.Correct(s.Timestamp)
			buf.AppendSample(s)
		case errors.Is(err, stream.ErrTimeout):
			// No data yet, loop re-checks cancellation.
		default:
			if errors.Is(err, stream.ErrClosed) && ctx.Err() != nil {
				// Shutdown closed the inlet out from under the pull.
				return
			}
			r.failConsumer(rs, buf, requiredFail, err)
			return
		}
	}
}

// consumeEvent polls non-blocking, sleeping between empty polls so an
// idle marker stream costs nothing.
func (r *Recorder) consumeEvent(ctx context.Context, wg *sync.WaitGroup, rs *resolvedStream, buf *Buffer, corr *timebase.Corrector, requiredFail chan<- error) {
	defer wg.Done()

	for {
		if ctx.Err() != nil {
			return
		}

		m, err := rs.event.Pull()
		switch {
		case err == nil:
			m.Timestamp = corr.Correct(m.Timestamp)
			buf.AppendMarker(m)
		case errors.Is(err, stream.ErrTimeout):
			select {
			case <-ctx.Done():
				return
			case <-time.After(r.opts.PollInterval):
			}
		default:
			if errors.Is(err, stream.ErrClosed) && ctx.Err() != nil {
				return
			}
			r.failConsumer(rs, buf, requiredFail, err)
			return
		}
	}
}

// failConsumer isolates a consumer failure to its own stream. Only a
// required stream's failure triggers session drain.
func (r *Recorder) failConsumer(rs *resolvedStream, buf *Buffer, requiredFail chan<- error, err error) {
	buf.MarkIncomplete(err)
	r.addNote(fmt.Sprintf("stream %s incomplete: %v", rs.desc.ID, err))
	slog.Error("Stream consumer failed", "id", rs.desc.ID, "required", rs.spec.Required, "error", err)

	if rs.spec.Required {
		select {
		case requiredFail <- err:
		default:
		}
	}
}

func (r *Recorder) addDriftWarning(w timebase.DriftWarning) {
	r.warnMu.Lock()
	defer r.warnMu.Unlock()
	r.rec.DriftWarnings = append(r.rec.DriftWarnings, w)
}

func (r *Recorder) addNote(note string) {
	r.warnMu.Lock()
	defer r.warnMu.Unlock()
	r.rec.Notes = append(r.rec.Notes, note)
}
