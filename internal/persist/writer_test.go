package persist

import (
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/neurolibrelab/neurocapture/internal/record"
	"github.com/neurolibrelab/neurocapture/internal/stream"
	"github.com/neurolibrelab/neurocapture/internal/timebase"
)

var testEEG = stream.Descriptor{
	ID:            "eeg-01",
	Name:          "Test headband",
	Type:          stream.TypeContinuous,
	ChannelLabels: []string{"TP9", "AF7", "AF8", "TP10"},
	NominalRate:   256,
}

var testMarkers = stream.Descriptor{ID: "markers-01", Type: stream.TypeEvent}

func testRecording(t *testing.T) *record.Recording {
	t.Helper()

	eegBuf := record.NewBuffer(testEEG)
	// Deliberately out of order: persisted output must sort.
	eegBuf.AppendSample(stream.Sample{Timestamp: 1.004, Channels: []float64{0.5, -0.5, 0.25, 1.0 / 3.0}})
	eegBuf.AppendSample(stream.Sample{Timestamp: 1.000, Channels: []float64{0.1, 0.2, 0.3, 0.4}})
	eegBuf.AppendSample(stream.Sample{Timestamp: 1.008, Channels: []float64{-1e-9, 2e12, math.Pi, 0}})

	mkBuf := record.NewBuffer(testMarkers)
	mkBuf.AppendMarker(stream.Marker{Timestamp: 2.0, Label: "stimulus/onset"})
	mkBuf.AppendMarker(stream.Marker{Timestamp: 1.5, Label: "trial/start"})

	return &record.Recording{
		SessionID: "test-session",
		StartTime: time.Now().Add(-time.Minute),
		StopTime:  time.Now(),
		Streams:   []stream.Descriptor{testEEG, testMarkers},
		Buffers: map[string]*record.Buffer{
			testEEG.ID:     eegBuf,
			testMarkers.ID: mkBuf,
		},
		DriftWarnings: []timebase.DriftWarning{{StreamID: testEEG.ID, Drift: 0.02, At: time.Now()}},
		Status:        record.StatusDraining,
	}
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("failed to open %s: %v", path, err)
	}
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("failed to parse %s: %v", path, err)
	}
	return rows
}

func TestWrite_SamplesTable(t *testing.T) {
	dir := t.TempDir()
	rec := testRecording(t)

	if err := New(dir, "").Write(rec); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	rows := readCSV(t, filepath.Join(dir, "samples_eeg-01.csv"))
	if len(rows) != 4 {
		t.Fatalf("samples table has %d rows, want header + 3", len(rows))
	}

	wantHeader := []string{"timestamp", "TP9", "AF7", "AF8", "TP10"}
	for i, h := range wantHeader {
		if rows[0][i] != h {
			t.Errorf("header[%d] = %q, want %q", i, rows[0][i], h)
		}
	}

	// Every row matches the declared channel count plus timestamp.
	for i, row := range rows[1:] {
		if len(row) != testEEG.ChannelCount()+1 {
			t.Errorf("row %d has %d fields, want %d", i, len(row), testEEG.ChannelCount()+1)
		}
	}

	// Rows are ascending by timestamp despite append order.
	prev := math.Inf(-1)
	for i, row := range rows[1:] {
		ts, err := strconv.ParseFloat(row[0], 64)
		if err != nil {
			t.Fatalf("row %d timestamp unparsable: %v", i, err)
		}
		if ts < prev {
			t.Errorf("row %d timestamp %v < previous %v", i, ts, prev)
		}
		prev = ts
	}
}

func TestWrite_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	rec := testRecording(t)

	if err := New(dir, "").Write(rec); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	rows := readCSV(t, filepath.Join(dir, "samples_eeg-01.csv"))
	want := rec.BufferFor(testEEG.ID).SortedSamples()

	for i, s := range want {
		row := rows[i+1]
		ts, _ := strconv.ParseFloat(row[0], 64)
		if ts != s.Timestamp {
			t.Errorf("row %d timestamp = %v, want exactly %v", i, ts, s.Timestamp)
		}
		for j, v := range s.Channels {
			got, err := strconv.ParseFloat(row[j+1], 64)
			if err != nil {
				t.Fatalf("row %d channel %d unparsable: %v", i, j, err)
			}
			if got != v {
				t.Errorf("row %d channel %d = %v, want exactly %v", i, j, got, v)
			}
		}
	}
}

func TestWrite_MarkersTable(t *testing.T) {
	dir := t.TempDir()
	rec := testRecording(t)

	if err := New(dir, "").Write(rec); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	rows := readCSV(t, filepath.Join(dir, "markers_markers-01.csv"))
	if len(rows) != 3 {
		t.Fatalf("markers table has %d rows, want header + 2", len(rows))
	}
	if rows[0][0] != "timestamp" || rows[0][1] != "label" {
		t.Errorf("unexpected header: %v", rows[0])
	}
	if rows[1][1] != "trial/start" || rows[2][1] != "stimulus/onset" {
		t.Errorf("markers not sorted by timestamp: %v", rows[1:])
	}
}

func TestWrite_SessionMetadata(t *testing.T) {
	dir := t.TempDir()
	rec := testRecording(t)
	rec.DegradedStreams = []stream.Type{stream.TypeEvent}

	if err := New(dir, "").Write(rec); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	meta := buildMetadata(rec)
	if meta.SessionID != "test-session" {
		t.Errorf("session id = %q", meta.SessionID)
	}
	if meta.Status != string(record.StatusFlushed) {
		t.Errorf("metadata status = %q, want FLUSHED", meta.Status)
	}
	if !meta.Degraded || len(meta.DegradedStreams) != 1 {
		t.Error("degraded flags not propagated")
	}
	if len(meta.DriftWarnings) != 1 {
		t.Errorf("drift warnings = %d, want 1", len(meta.DriftWarnings))
	}
	if len(meta.Streams) != 2 {
		t.Fatalf("metadata streams = %d, want 2", len(meta.Streams))
	}
	if meta.Streams[0].Records != 3 || meta.Streams[1].Records != 2 {
		t.Errorf("record counts = %d/%d, want 3/2", meta.Streams[0].Records, meta.Streams[1].Records)
	}

	if _, err := os.Stat(filepath.Join(dir, "session.yaml")); err != nil {
		t.Errorf("session.yaml not written: %v", err)
	}
}

func TestWrite_Idempotent(t *testing.T) {
	dir := t.TempDir()
	rec := testRecording(t)
	w := New(dir, "")

	if err := w.Write(rec); err != nil {
		t.Fatalf("first Write failed: %v", err)
	}
	if err := w.Write(rec); err != nil {
		t.Fatalf("second Write failed: %v", err)
	}

	rows := readCSV(t, filepath.Join(dir, "samples_eeg-01.csv"))
	if len(rows) != 4 {
		t.Errorf("re-write appended instead of overwriting: %d rows", len(rows))
	}
}

func TestWrite_NoPartialArtifactsLeftBehind(t *testing.T) {
	dir := t.TempDir()
	rec := testRecording(t)

	if err := New(dir, "").Write(rec); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if e.Name()[0] == '.' {
			t.Errorf("temp artifact left behind: %s", e.Name())
		}
	}
	if len(entries) != 3 {
		t.Errorf("expected 3 artifacts, found %d", len(entries))
	}
}

func TestWrite_FallbackOnPrimaryFailure(t *testing.T) {
	// A regular file in place of the primary directory forces failure.
	base := t.TempDir()
	primary := filepath.Join(base, "blocked")
	if err := os.WriteFile(primary, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	fallback := filepath.Join(base, "fallback")

	rec := testRecording(t)
	if err := New(primary, fallback).Write(rec); err != nil {
		t.Fatalf("Write should succeed via fallback, got: %v", err)
	}

	if _, err := os.Stat(filepath.Join(fallback, "session.yaml")); err != nil {
		t.Errorf("fallback artifacts missing: %v", err)
	}
}

func TestWrite_BothLocationsFailing(t *testing.T) {
	base := t.TempDir()
	primary := filepath.Join(base, "blocked1")
	fallback := filepath.Join(base, "blocked2")
	for _, p := range []string{primary, fallback} {
		if err := os.WriteFile(p, []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	err := New(primary, fallback).Write(testRecording(t))

	var wf *WriteFailure
	if !errors.As(err, &wf) {
		t.Fatalf("expected WriteFailure, got %v", err)
	}
}

func TestCleanFileName(t *testing.T) {
	cases := map[string]string{
		"eeg-01":        "eeg-01",
		"Muse EEG/raw":  "Muse_EEG_raw",
		"a:b..c":        "a_b__c",
		"plain_name_42": "plain_name_42",
	}
	for in, want := range cases {
		if got := cleanFileName(in); got != want {
			t.Errorf("cleanFileName(%q) = %q, want %q", in, got, want)
		}
	}
}
