package stream

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// record is the bridge's wire frame. Continuous streams carry "data",
// event streams carry "label".
type record struct {
	TS    float64   `json:"ts"`
	Data  []float64 `json:"data,omitempty"`
	Label string    `json:"label,omitempty"`
}

// wsInlet reads JSON records from a bridge websocket into a buffered
// channel. The reader goroutine owns the connection; Pull only selects
// on the channel, so a slow peer backpressures through TCP instead of
// dropping records.
type wsInlet struct {
	desc Descriptor
	conn *websocket.Conn

	records chan record

	closeOnce sync.Once
	closed    chan struct{}
}

// DialContinuous opens a websocket inlet for a continuous stream.
func DialContinuous(ctx context.Context, baseURL string, desc Descriptor) (ContinuousInlet, error) {
	if desc.Type != TypeContinuous {
		return nil, fmt.Errorf("descriptor %s is not a continuous stream", desc.ID)
	}
	inlet, err := dial(ctx, baseURL, desc, 1024)
	if err != nil {
		return nil, err
	}
	return (*continuousInlet)(inlet), nil
}

// DialEvent opens a websocket inlet for a marker stream.
func DialEvent(ctx context.Context, baseURL string, desc Descriptor) (EventInlet, error) {
	if desc.Type != TypeEvent {
		return nil, fmt.Errorf("descriptor %s is not an event stream", desc.ID)
	}
	inlet, err := dial(ctx, baseURL, desc, 64)
	if err != nil {
		return nil, err
	}
	return (*eventInlet)(inlet), nil
}

func dial(ctx context.Context, baseURL string, desc Descriptor, depth int) (*wsInlet, error) {
	wsURL, err := streamURL(baseURL, desc.ID)
	if err != nil {
		return nil, err
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to stream %s: %w", desc.ID, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	inlet := &wsInlet{
		desc:    desc,
		conn:    conn,
		records: make(chan record, depth),
		closed:  make(chan struct{}),
	}
	go inlet.readLoop()

	slog.Debug("Stream inlet connected", "stream", desc.ID, "type", desc.Type)
	return inlet, nil
}

// streamURL converts the bridge base URL into the websocket endpoint
// for one stream.
func streamURL(baseURL, id string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid bridge URL %q: %w", baseURL, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported bridge URL scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/streams/" + url.PathEscape(id) + "/ws"
	return u.String(), nil
}

// readLoop decodes frames until the connection fails or Close is
// called, then closes the record channel so pending Pulls observe
// ErrClosed.
func (in *wsInlet) readLoop() {
	defer close(in.records)

	for {
		var rec record
		if err := in.conn.ReadJSON(&rec); err != nil {
			select {
			case <-in.closed:
				// Expected: Close tore down the connection.
			default:
				slog.Debug("Stream read failed", "stream", in.desc.ID, "error", err)
			}
			return
		}

		select {
		case in.records <- rec:
		case <-in.closed:
			return
		}
	}
}

func (in *wsInlet) pull(timeout time.Duration) (record, error) {
	if timeout <= 0 {
		select {
		case rec, ok := <-in.records:
			if !ok {
				return record{}, ErrClosed
			}
			return rec, nil
		default:
			return record{}, ErrTimeout
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case rec, ok := <-in.records:
		if !ok {
			return record{}, ErrClosed
		}
		return rec, nil
	case <-timer.C:
		return record{}, ErrTimeout
	}
}

func (in *wsInlet) close() error {
	var err error
	in.closeOnce.Do(func() {
		close(in.closed)
		err = in.conn.Close()
	})
	return err
}

type continuousInlet wsInlet

func (in *continuousInlet) Descriptor() Descriptor { return in.desc }

func (in *continuousInlet) Pull(timeout time.Duration) (Sample, error) {
	rec, err := (*wsInlet)(in).pull(timeout)
	if err != nil {
		return Sample{}, err
	}
	return Sample{Timestamp: rec.TS, Channels: rec.Data}, nil
}

func (in *continuousInlet) Close() error { return (*wsInlet)(in).close() }

type eventInlet wsInlet

func (in *eventInlet) Descriptor() Descriptor { return in.desc }

func (in *eventInlet) Pull() (Marker, error) {
	rec, err := (*wsInlet)(in).pull(0)
	if err != nil {
		return Marker{}, err
	}
	return Marker{Timestamp: rec.TS, Label: rec.Label}, nil
}

func (in *eventInlet) Close() error { return (*wsInlet)(in).close() }
