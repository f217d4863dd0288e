package record

import (
	"sort"

	"github.com/neurolibrelab/neurocapture/internal/stream"
)

// Buffer is the append-only record store for one stream. It is owned
// exclusively by that stream's consumer goroutine while recording; the
// Recorder reads it only after the consumer has terminated, so no
// locking is needed on the append path.
type Buffer struct {
	desc stream.Descriptor

	samples []stream.Sample
	markers []stream.Marker

	incomplete bool
	failure    error
}

func NewBuffer(desc stream.Descriptor) *Buffer {
	return &Buffer{desc: desc}
}

// Descriptor returns the stream this buffer belongs to
func (b *Buffer) Descriptor() stream.Descriptor { return b.desc }

func (b *Buffer) AppendSample(s stream.Sample) { b.samples = append(b.samples, s) }
func (b *Buffer) AppendMarker(m stream.Marker) { b.markers = append(b.markers, m) }

// MarkIncomplete flags the buffer after a consumer failure. Already
// captured records are kept.
func (b *Buffer) MarkIncomplete(err error) {
	b.incomplete = true
	b.failure = err
}

// Incomplete reports whether the owning consumer failed mid-recording
func (b *Buffer) Incomplete() bool { return b.incomplete }

// Failure returns the consumer error that marked the buffer
// incomplete, if any.
func (b *Buffer) Failure() error { return b.failure }

// Len returns the number of captured records
func (b *Buffer) Len() int {
	if b.desc.Type == stream.TypeEvent {
		return len(b.markers)
	}
	return len(b.samples)
}

// SortedSamples returns the captured samples ascending by timestamp.
// Arrival order already matches timestamp order except across a clock
// recalibration, so the sort is normally a no-op pass.
func (b *Buffer) SortedSamples() []stream.Sample {
	out := make([]stream.Sample, len(b.samples))
	copy(out, b.samples)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out
}

// SortedMarkers returns the captured markers ascending by timestamp
func (b *Buffer) SortedMarkers() []stream.Marker {
	out := make([]stream.Marker, len(b.markers))
	copy(out, b.markers)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out
}
