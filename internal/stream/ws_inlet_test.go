package stream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// bridgeServer upgrades /streams/{id}/ws and feeds scripted records
func bridgeServer(t *testing.T, path string, records []record, hold bool) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != path {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		for _, rec := range records {
			if err := conn.WriteJSON(rec); err != nil {
				return
			}
		}
		if hold {
			// Keep the connection open so pulls time out instead of
			// observing a close.
			time.Sleep(5 * time.Second)
		}
		conn.Close()
	}))
}

func TestContinuousInlet_PullAndClose(t *testing.T) {
	records := []record{
		{TS: 1.0, Data: []float64{0.5, -0.5}},
		{TS: 1.004, Data: []float64{0.6, -0.4}},
	}
	srv := bridgeServer(t, "/streams/eeg-01/ws", records, false)
	defer srv.Close()

	desc := Descriptor{ID: "eeg-01", Type: TypeContinuous, ChannelLabels: []string{"TP9", "AF7"}, NominalRate: 256}
	inlet, err := DialContinuous(context.Background(), srv.URL, desc)
	if err != nil {
		t.Fatalf("DialContinuous failed: %v", err)
	}
	defer inlet.Close()

	for i, want := range records {
		s, err := inlet.Pull(time.Second)
		if err != nil {
			t.Fatalf("Pull %d failed: %v", i, err)
		}
		if s.Timestamp != want.TS {
			t.Errorf("sample %d timestamp = %v, want %v", i, s.Timestamp, want.TS)
		}
		if len(s.Channels) != 2 || s.Channels[0] != want.Data[0] {
			t.Errorf("sample %d channels = %v, want %v", i, s.Channels, want.Data)
		}
	}

	// Stream exhausted and server closed the connection.
	deadline := time.Now().Add(2 * time.Second)
	for {
		_, err = inlet.Pull(50 * time.Millisecond)
		if errors.Is(err, ErrClosed) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected ErrClosed after server close, got %v", err)
		}
	}
}

func TestContinuousInlet_PullTimeout(t *testing.T) {
	srv := bridgeServer(t, "/streams/eeg-01/ws", nil, true)
	defer srv.Close()

	desc := Descriptor{ID: "eeg-01", Type: TypeContinuous}
	inlet, err := DialContinuous(context.Background(), srv.URL, desc)
	if err != nil {
		t.Fatalf("DialContinuous failed: %v", err)
	}
	defer inlet.Close()

	start := time.Now()
	_, err = inlet.Pull(50 * time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Pull blocked %s beyond its timeout", elapsed)
	}

	// Zero timeout is a non-blocking poll.
	start = time.Now()
	_, err = inlet.Pull(0)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout from non-blocking poll, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("non-blocking poll took %s", elapsed)
	}
}

func TestEventInlet_NonBlockingPull(t *testing.T) {
	records := []record{{TS: 2.5, Label: "stimulus/onset"}}
	srv := bridgeServer(t, "/streams/markers-01/ws", records, true)
	defer srv.Close()

	desc := Descriptor{ID: "markers-01", Type: TypeEvent}
	inlet, err := DialEvent(context.Background(), srv.URL, desc)
	if err != nil {
		t.Fatalf("DialEvent failed: %v", err)
	}
	defer inlet.Close()

	// The marker arrives asynchronously; poll until it shows up.
	var m Marker
	deadline := time.Now().Add(2 * time.Second)
	for {
		m, err = inlet.Pull()
		if err == nil {
			break
		}
		if !errors.Is(err, ErrTimeout) {
			t.Fatalf("unexpected pull error: %v", err)
		}
		if time.Now().After(deadline) {
			t.Fatal("marker never arrived")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if m.Label != "stimulus/onset" || m.Timestamp != 2.5 {
		t.Errorf("marker = %+v, want stimulus/onset at 2.5", m)
	}

	// No further markers: every poll returns ErrTimeout immediately.
	if _, err := inlet.Pull(); !errors.Is(err, ErrTimeout) {
		t.Errorf("expected ErrTimeout on idle stream, got %v", err)
	}
}

func TestDial_TypeMismatch(t *testing.T) {
	desc := Descriptor{ID: "markers-01", Type: TypeEvent}
	if _, err := DialContinuous(context.Background(), "http://127.0.0.1:1", desc); err == nil {
		t.Error("expected error dialing event descriptor as continuous")
	}

	desc = Descriptor{ID: "eeg-01", Type: TypeContinuous}
	if _, err := DialEvent(context.Background(), "http://127.0.0.1:1", desc); err == nil {
		t.Error("expected error dialing continuous descriptor as event")
	}
}

func TestStreamURL(t *testing.T) {
	cases := []struct {
		base string
		id   string
		want string
		ok   bool
	}{
		{"http://127.0.0.1:16571", "eeg-01", "ws://127.0.0.1:16571/streams/eeg-01/ws", true},
		{"https://bridge.local", "markers", "wss://bridge.local/streams/markers/ws", true},
		{"ws://bridge.local", "eeg", "ws://bridge.local/streams/eeg/ws", true},
		{"ftp://bridge.local", "eeg", "", false},
	}

	for _, tc := range cases {
		got, err := streamURL(tc.base, tc.id)
		if tc.ok && (err != nil || got != tc.want) {
			t.Errorf("streamURL(%q, %q) = %q, %v; want %q", tc.base, tc.id, got, err, tc.want)
		}
		if !tc.ok && err == nil {
			t.Errorf("streamURL(%q, %q) should fail", tc.base, tc.id)
		}
	}
}
