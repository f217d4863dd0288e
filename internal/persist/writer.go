// Package persist turns finished recording buffers into durable,
// timestamp-ascending tabular artifacts. Every artifact is written to
// a temporary file in the destination directory, synced, and only then
// renamed into place, so a crash mid-write never leaves a partial file
// under the final name.
package persist

import (
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/neurolibrelab/neurocapture/internal/record"
	"github.com/neurolibrelab/neurocapture/internal/stream"
)

// WriteFailure is an unrecoverable persistence failure: both the
// primary and the fallback location were tried.
type WriteFailure struct {
	Dir string
	Err error
}

func (e *WriteFailure) Error() string {
	return fmt.Sprintf("failed to persist recording under %s: %v", e.Dir, e.Err)
}

func (e *WriteFailure) Unwrap() error { return e.Err }

// Writer persists recordings under Dir, falling back to FallbackDir on
// failure so captured buffers are never lost to a single bad target.
type Writer struct {
	Dir         string
	FallbackDir string
}

// New creates a Writer for the given output directory
func New(dir, fallbackDir string) *Writer {
	return &Writer{Dir: dir, FallbackDir: fallbackDir}
}

// Write persists every stream buffer plus the session metadata.
// Re-invoking on the same recording fully overwrites the previous
// artifacts. The metadata file is written last so its presence marks a
// complete session.
func (w *Writer) Write(rec *record.Recording) error {
	err := w.writeTo(w.Dir, rec)
	if err == nil {
		return nil
	}

	slog.Error("Primary persistence failed", "dir", w.Dir, "error", err)
	if w.FallbackDir != "" && w.FallbackDir != w.Dir {
		slog.Warn("Attempting secondary write", "dir", w.FallbackDir)
		if fbErr := w.writeTo(w.FallbackDir, rec); fbErr == nil {
			slog.Info("Recording persisted to fallback location", "dir", w.FallbackDir)
			return nil
		} else {
			slog.Error("Secondary write failed", "dir", w.FallbackDir, "error", fbErr)
		}
	}

	return &WriteFailure{Dir: w.Dir, Err: err}
}

func (w *Writer) writeTo(dir string, rec *record.Recording) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	for _, desc := range rec.Streams {
		buf := rec.BufferFor(desc.ID)
		if buf == nil {
			continue
		}

		var err error
		switch desc.Type {
		case stream.TypeEvent:
			err = atomicWrite(filepath.Join(dir, markersFileName(desc.ID)), func(cw *csv.Writer) error {
				return writeMarkers(cw, buf.SortedMarkers())
			})
		default:
			err = atomicWrite(filepath.Join(dir, samplesFileName(desc.ID)), func(cw *csv.Writer) error {
				return writeSamples(cw, desc, buf.SortedSamples())
			})
		}
		if err != nil {
			return fmt.Errorf("failed to write table for stream %s: %w", desc.ID, err)
		}
	}

	if err := writeMetadata(filepath.Join(dir, "session.yaml"), rec); err != nil {
		return fmt.Errorf("failed to write session metadata: %w", err)
	}

	slog.Debug("Recording persisted", "dir", dir, "session", rec.SessionID)
	return nil
}

func samplesFileName(id string) string { return "samples_" + cleanFileName(id) + ".csv" }
func markersFileName(id string) string { return "markers_" + cleanFileName(id) + ".csv" }

func writeSamples(cw *csv.Writer, desc stream.Descriptor, samples []stream.Sample) error {
	header := append([]string{"timestamp"}, desc.ChannelLabels...)
	if err := cw.Write(header); err != nil {
		return err
	}

	row := make([]string, 0, len(header))
	for _, s := range samples {
		row = row[:0]
		row = append(row, formatFloat(s.Timestamp))
		for _, v := range s.Channels {
			row = append(row, formatFloat(v))
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	return nil
}

func writeMarkers(cw *csv.Writer, markers []stream.Marker) error {
	if err := cw.Write([]string{"timestamp", "label"}); err != nil {
		return err
	}
	for _, m := range markers {
		if err := cw.Write([]string{formatFloat(m.Timestamp), m.Label}); err != nil {
			return err
		}
	}
	return nil
}

// formatFloat uses the shortest representation that round-trips
// exactly through ParseFloat.
func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// atomicWrite writes a CSV artifact via temp-then-rename
func atomicWrite(path string, fill func(*csv.Writer) error) error {
	dir := filepath.Dir(path)

	tmp, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	cw := csv.NewWriter(tmp)
	if err := fill(cw); err != nil {
		tmp.Close()
		return err
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to flush csv: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to commit %s: %w", path, err)
	}
	return nil
}

// cleanFileName sanitizes a stream ID for use in a file name.
// Allows: letters, numbers, hyphens, underscores.
func cleanFileName(name string) string {
	out := make([]rune, 0, len(name))
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			out = append(out, r)
		} else {
			out = append(out, '_')
		}
	}
	return string(out)
}
