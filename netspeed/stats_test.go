package netspeed

import (
	"math"
	"testing"
	"time"

	"github.com/pkg/errors"
	"gotest.tools/v3/assert"
)

func assertClose(t *testing.T, got float64, want float64) {
	t.Helper()
	assert.Assert(t, math.Abs(got-want) < 1e-9, "got %v, want %v", got, want)
}

func TestGetF64Stats_11Samples(t *testing.T) {
	samples := []float64{0.0, -0.5, 0.5, -1.0, 1.0, -1.5, 1.5, -2.0, 2.0, -2.5, 2.5}

	stats := getF64Stats(samples)

	assert.Equal(t, stats.NSamples, 11)
	assert.Equal(t, stats.Mean, 0.0)
	assert.Equal(t, stats.StdDev, 1.5811388300841898)
	assert.Equal(t, stats.Min, -2.5)
	assert.Equal(t, stats.MinIndex, 9)
	assert.Equal(t, stats.Max, 2.5)
	assert.Equal(t, stats.MaxIndex, 10)
}

func TestGetF64Stats_6Samples(t *testing.T) {
	samples := []float64{-2.0, -3.0, 0.0, 2.0, -1.0, 1.0}

	stats := getF64Stats(samples)

	assert.Equal(t, stats.NSamples, 6)
	assert.Equal(t, stats.Mean, -0.5)
	assertClose(t, stats.StdDev, 1.707825127659933)
	assert.Equal(t, stats.Min, -3.0)
	assert.Equal(t, stats.MinIndex, 1)
	assert.Equal(t, stats.Max, 2.0)
	assert.Equal(t, stats.MaxIndex, 3)
}

func TestNewLatencyStats(t *testing.T) {
	stats, err := NewLatencyStats([]float64{10, 20, 30})

	assert.NilError(t, err)
	assert.Equal(t, stats.AverageMs, 20.0)
	assert.Equal(t, stats.MinMs, 10.0)
	assert.Equal(t, stats.MaxMs, 30.0)
	assertClose(t, stats.JitterMs, 8.16496580927726)
	assert.DeepEqual(t, stats.Samples, []float64{10, 20, 30})
}

func TestNewLatencyStats_SingleSample(t *testing.T) {
	stats, err := NewLatencyStats([]float64{42.5})

	assert.NilError(t, err)
	assert.Equal(t, stats.AverageMs, 42.5)
	assert.Equal(t, stats.JitterMs, 0.0)
}

func TestNewLatencyStats_Empty(t *testing.T) {
	stats, err := NewLatencyStats(nil)

	var precondition *PreconditionError
	assert.Assert(t, errors.As(err, &precondition))
	assert.Assert(t, stats == nil)
}

func TestGetDurationMSSamples(t *testing.T) {
	samples := getDurationMSSamples([]time.Duration{1500 * time.Microsecond, 20 * time.Millisecond})

	assert.DeepEqual(t, samples, []float64{1.5, 20})
}

func TestBitsPerSecond_10Mbps(t *testing.T) {
	bps, err := BitsPerSecond(1250000, 1000)

	assert.NilError(t, err)
	assert.Equal(t, bps, 10000000.0)
}

func TestBitsPerSecond_ZeroElapsed(t *testing.T) {
	_, err := BitsPerSecond(1250000, 0)

	var precondition *PreconditionError
	assert.Assert(t, errors.As(err, &precondition))
}

func TestNewThroughputResult(t *testing.T) {
	result, err := NewThroughputResult(1250000, time.Second)

	assert.NilError(t, err)
	assert.Equal(t, result.TotalBytes, int64(1250000))
	assert.Equal(t, result.ElapsedMs, 1000.0)
	assert.Equal(t, result.BitsPerSecond, 10000000.0)
	assert.Equal(t, result.Partial, false)
}
