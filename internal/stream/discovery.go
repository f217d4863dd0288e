package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// DiscoveryError is returned when no stream of the requested type
// appeared within the discovery timeout. Whether this aborts the
// session is the caller's policy, not this package's.
type DiscoveryError struct {
	Type    Type
	Timeout time.Duration
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("no %s stream found within %s", e.Type, e.Timeout)
}

// Resolver locates available streams by declared type.
type Resolver interface {
	// Resolve blocks up to timeout and returns as soon as at least one
	// matching stream is visible. A timeout with zero matches yields a
	// *DiscoveryError.
	Resolve(ctx context.Context, t Type, timeout time.Duration) ([]Descriptor, error)
}

// BridgeResolver discovers streams through the sensor bridge's HTTP
// listing endpoint.
type BridgeResolver struct {
	baseURL      string
	client       *http.Client
	pollInterval time.Duration
}

// NewBridgeResolver creates a resolver polling the bridge at baseURL.
func NewBridgeResolver(baseURL string) *BridgeResolver {
	return &BridgeResolver{
		baseURL:      baseURL,
		client:       &http.Client{Timeout: 5 * time.Second},
		pollInterval: 250 * time.Millisecond,
	}
}

// Resolve polls the bridge until a matching stream appears or the
// timeout elapses.
func (r *BridgeResolver) Resolve(ctx context.Context, t Type, timeout time.Duration) ([]Descriptor, error) {
	deadline := time.Now().Add(timeout)

	for {
		descriptors, err := r.list(ctx)
		if err != nil {
			slog.Debug("Bridge listing failed, will retry", "error", err)
		}

		var matches []Descriptor
		for _, d := range descriptors {
			if d.Type == t {
				matches = append(matches, d)
			}
		}
		if len(matches) > 0 {
			slog.Debug("Streams resolved", "type", t, "count", len(matches))
			return matches, nil
		}

		if time.Now().After(deadline) {
			return nil, &DiscoveryError{Type: t, Timeout: timeout}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(r.pollInterval):
		}
	}
}

// list fetches the current stream listing from the bridge
func (r *BridgeResolver) list(ctx context.Context) ([]Descriptor, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/streams", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build listing request: %w", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach bridge: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bridge listing returned status %d", resp.StatusCode)
	}

	var descriptors []Descriptor
	if err := json.NewDecoder(resp.Body).Decode(&descriptors); err != nil {
		return nil, fmt.Errorf("failed to decode stream listing: %w", err)
	}

	return descriptors, nil
}
