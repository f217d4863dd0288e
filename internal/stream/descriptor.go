package stream

// Type identifies the kind of data a stream produces
type Type string

const (
	TypeContinuous Type = "continuous"
	TypeEvent      Type = "event"
)

// Descriptor describes one discoverable stream. Immutable once resolved.
type Descriptor struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	Type          Type     `json:"type"`
	ChannelLabels []string `json:"channel_labels,omitempty"`
	NominalRate   float64  `json:"nominal_rate"` // samples/s, 0 for event streams
}

// ChannelCount returns the number of channels declared by the descriptor
func (d Descriptor) ChannelCount() int {
	return len(d.ChannelLabels)
}

// Sample is one multichannel observation from a continuous stream
type Sample struct {
	Timestamp float64
	Channels  []float64
}

// Marker is one discrete labeled event. Labels are opaque.
type Marker struct {
	Timestamp float64
	Label     string
}
