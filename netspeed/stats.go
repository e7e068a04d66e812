package netspeed

import (
	"math"
	"time"
)

type Stats struct {
	NSamples int
	Mean     float64
	StdDev   float64
	Min      float64
	MinIndex int
	Max      float64
	MaxIndex int
}

func getMean(series []float64) float64 {
	sum := float64(0)

	for _, element := range series {
		sum += element
	}

	return sum / float64(len(series))
}

// population standard deviation
func getStdDevUsingMean(series []float64, mean float64) float64 {
	acc := float64(0)

	for _, element := range series {
		acc += (element - mean) * (element - mean)
	}

	return math.Sqrt(acc / float64(len(series)))
}

func getF64Stats(series []float64) *Stats {
	ret := &Stats{
		Min:      math.Inf(1),
		Max:      math.Inf(-1),
		MinIndex: 0,
		MaxIndex: 0,
	}

	for index, element := range series {
		if element < ret.Min {
			ret.Min = element
			ret.MinIndex = index
		}
		if element > ret.Max {
			ret.Max = element
			ret.MaxIndex = index
		}
	}

	ret.NSamples = len(series)
	ret.Mean = getMean(series)
	ret.StdDev = getStdDevUsingMean(series, ret.Mean)

	return ret
}

func durationToMS(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// NewLatencyStats derives average, min, max and jitter from samples given in ms.
func NewLatencyStats(samplesMS []float64) (*LatencyStats, error) {
	if len(samplesMS) == 0 {
		return nil, preconditionf("latency stats", "no samples")
	}

	stats := getF64Stats(samplesMS)

	return &LatencyStats{
		Samples:   append([]float64(nil), samplesMS...),
		AverageMs: stats.Mean,
		MinMs:     stats.Min,
		MaxMs:     stats.Max,
		JitterMs:  stats.StdDev,
	}, nil
}

func getDurationMSSamples(durations []time.Duration) []float64 {
	samples := make([]float64, 0, len(durations))

	for _, duration := range durations {
		samples = append(samples, durationToMS(duration))
	}

	return samples
}

// BitsPerSecond returns totalBytes*8 over elapsedMS. elapsedMS must be positive.
func BitsPerSecond(totalBytes int64, elapsedMS float64) (float64, error) {
	if !(elapsedMS > 0) {
		return 0, preconditionf("bits per second", "elapsed time must be positive, got %v ms", elapsedMS)
	}

	return float64(totalBytes) * 8 / (elapsedMS / 1000), nil
}

// NewThroughputResult builds a result from total bytes and total phase time.
func NewThroughputResult(totalBytes int64, elapsed time.Duration) (*ThroughputResult, error) {
	elapsedMS := durationToMS(elapsed)

	bps, err := BitsPerSecond(totalBytes, elapsedMS)
	if err != nil {
		return nil, err
	}

	return &ThroughputResult{
		TotalBytes:    totalBytes,
		ElapsedMs:     elapsedMS,
		BitsPerSecond: bps,
	}, nil
}
