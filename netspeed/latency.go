package netspeed

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

const (
	DefaultPingCount    = 10
	DefaultPingSpacing  = 150 * time.Millisecond
	DefaultProbeTimeout = 5 * time.Second
)

// LatencyProbe times sequential round trips against the /ping endpoint.
//
// The first failed probe aborts the whole set: Measure then returns a
// *TransportError naming the probe, and no partial statistics.
type LatencyProbe struct {
	Client    *http.Client
	BaseURL   string
	SessionID string
	Timeout   time.Duration // per probe; DefaultProbeTimeout when zero
}

func (p *LatencyProbe) client() *http.Client {
	if p.Client == nil {
		return http.DefaultClient
	}
	return p.Client
}

func (p *LatencyProbe) timeout() time.Duration {
	if p.Timeout <= 0 {
		return DefaultProbeTimeout
	}
	return p.Timeout
}

func (p *LatencyProbe) probeURL(ctx context.Context, index int) string {
	query := cacheBustingQuery(sessionIDOr(ctx, p.SessionID), index)
	return endpointURL(p.BaseURL, "/ping") + "?" + query.Encode()
}

func (p *LatencyProbe) roundTrip(ctx context.Context, index int) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.probeURL(ctx, index), nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Cache-Control", "no-store")

	start := time.Now()

	resp, err := p.client().Do(req)
	if err != nil {
		return 0, err
	}
	if _, err := flushHTTPResponse(resp); err != nil {
		return 0, err
	}

	end := time.Now()

	if err := checkStatus(resp); err != nil {
		return 0, err
	}

	return end.Sub(start), nil
}

// Measure issues count probes, waiting spacing between consecutive probes.
func (p *LatencyProbe) Measure(ctx context.Context, count int, spacing time.Duration) (*LatencyStats, error) {
	if count <= 0 {
		return nil, preconditionf("latency probe", "count must be positive, got %d", count)
	}
	if spacing < 0 {
		return nil, preconditionf("latency probe", "spacing must not be negative, got %s", spacing)
	}

	durations := make([]time.Duration, 0, count)

	for index := 0; index < count; index += 1 {
		duration, err := p.roundTrip(ctx, index)
		if err != nil {
			if ctx.Err() != nil {
				return nil, errors.Wrap(ctx.Err(), "ping phase interrupted")
			}
			return nil, &TransportError{
				Op:  "ping probe " + strconv.Itoa(index+1) + "/" + strconv.Itoa(count),
				Err: err,
			}
		}
		durations = append(durations, duration)

		if index < count-1 && spacing > 0 {
			if err := sleepContext(ctx, spacing); err != nil {
				return nil, err
			}
		}
	}

	return NewLatencyStats(getDurationMSSamples(durations))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return errors.WithStack(ctx.Err())
	case <-timer.C:
		return nil
	}
}
