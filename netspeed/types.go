package netspeed

import (
	"time"
)

type Phase int

const (
	PhasePing Phase = iota
	PhaseDownload
	PhaseUpload
)

var AllPhases = []Phase{PhasePing, PhaseDownload, PhaseUpload}

func (p Phase) String() string {
	switch p {
	case PhasePing:
		return "ping"
	case PhaseDownload:
		return "download"
	case PhaseUpload:
		return "upload"
	default:
		return "unknown"
	}
}

// LatencyStats summarises an ordered sequence of round-trip samples, all in ms.
type LatencyStats struct {
	Samples   []float64
	AverageMs float64
	MinMs     float64
	MaxMs     float64
	JitterMs  float64
}

// ThroughputResult is the outcome of one download or upload phase.
// Partial is set when a transport failure ended the phase early; Err then
// holds the failure.
type ThroughputResult struct {
	TotalBytes    int64
	ElapsedMs     float64
	BitsPerSecond float64
	Requests      int
	Partial       bool
	Err           error
}

// PhaseProgress is a transient snapshot handed to a ProgressSink.
// InstantBitsPerSecond is zero when no instantaneous rate is available.
type PhaseProgress struct {
	Phase                Phase
	TotalBytes           int64
	Elapsed              time.Duration
	InstantBitsPerSecond float64
}

// ProgressSink receives progress reports in arrival order.
type ProgressSink interface {
	OnProgress(PhaseProgress)
}

type ProgressFunc func(PhaseProgress)

func (f ProgressFunc) OnProgress(p PhaseProgress) { f(p) }

type nopSink struct{}

func (nopSink) OnProgress(PhaseProgress) {}

func sinkOrNop(s ProgressSink) ProgressSink {
	if s == nil {
		return nopSink{}
	}
	return s
}

// MeasurementSession aggregates the results of one orchestrated run.
type MeasurementSession struct {
	ID         string
	StartedAt  time.Time
	FinishedAt time.Time
	State      State
	Latency    *LatencyStats
	Download   *ThroughputResult
	Upload     *ThroughputResult
	Err        error
}

// UploadReceipt is the DataServer's reply to POST /upload.
type UploadReceipt struct {
	ReceivedBytesCount  int64   `json:"receivedBytesCount"`
	ElapsedMilliseconds float64 `json:"elapsedMilliseconds"`
}
