package persist

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/neurolibrelab/neurocapture/internal/record"
	"github.com/neurolibrelab/neurocapture/internal/stream"
	"github.com/neurolibrelab/neurocapture/internal/timebase"
)

// SessionMetadata is the session.yaml artifact
type SessionMetadata struct {
	SessionID string    `yaml:"session_id"`
	StartTime time.Time `yaml:"start_time"`
	StopTime  time.Time `yaml:"stop_time"`
	Status    string    `yaml:"status"`

	Streams []StreamMetadata `yaml:"streams"`

	Degraded        bool     `yaml:"degraded"`
	DegradedStreams []string `yaml:"degraded_streams,omitempty"`

	DriftWarnings []timebase.DriftWarning `yaml:"drift_warnings,omitempty"`
	Notes         []string                `yaml:"notes,omitempty"`
}

// StreamMetadata describes one stream's contribution to the session
type StreamMetadata struct {
	ID            string   `yaml:"id"`
	Name          string   `yaml:"name,omitempty"`
	Type          string   `yaml:"type"`
	ChannelLabels []string `yaml:"channel_labels,omitempty"`
	NominalRate   float64  `yaml:"nominal_rate"`
	Records       int      `yaml:"records"`
	Incomplete    bool     `yaml:"incomplete"`
	Artifact      string   `yaml:"artifact"`
}

func buildMetadata(rec *record.Recording) SessionMetadata {
	status := rec.Status
	if status == record.StatusDraining {
		// The metadata artifact only exists once every table has been
		// committed, which is exactly the Draining → Flushed transition.
		status = record.StatusFlushed
	}

	meta := SessionMetadata{
		SessionID:     rec.SessionID,
		StartTime:     rec.StartTime,
		StopTime:      rec.StopTime,
		Status:        string(status),
		Degraded:      rec.Degraded(),
		DriftWarnings: rec.DriftWarnings,
		Notes:         rec.Notes,
	}
	for _, t := range rec.DegradedStreams {
		meta.DegradedStreams = append(meta.DegradedStreams, string(t))
	}

	for _, desc := range rec.Streams {
		sm := StreamMetadata{
			ID:            desc.ID,
			Name:          desc.Name,
			Type:          string(desc.Type),
			ChannelLabels: desc.ChannelLabels,
			NominalRate:   desc.NominalRate,
		}
		if desc.Type == stream.TypeEvent {
			sm.Artifact = markersFileName(desc.ID)
		} else {
			sm.Artifact = samplesFileName(desc.ID)
		}
		if buf := rec.BufferFor(desc.ID); buf != nil {
			sm.Records = buf.Len()
			sm.Incomplete = buf.Incomplete()
		}
		meta.Streams = append(meta.Streams, sm)
	}

	return meta
}

// writeMetadata persists session.yaml via the same temp-then-rename
// protocol as the tables.
func writeMetadata(path string, rec *record.Recording) error {
	meta := buildMetadata(rec)

	data, err := yaml.Marshal(&meta)
	if err != nil {
		return fmt.Errorf("failed to marshal session metadata: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-session-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync metadata: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close metadata temp file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to commit %s: %w", path, err)
	}
	return nil
}
