// Package stats computes per-worker and run-wide load generator statistics.
package stats

import "math"

// WorkerStats is produced once per worker at the end of its connection
// engine's run.
type WorkerStats struct {
	RunDurationSeconds int
	RequestCount       uint32
	ErrorCount         uint32
	BadRequestCount    uint32
	BytesReceived      uint64
	MeanLatencyUs      float64
	StdevLatencyUs     float64
}

// NewWorkerStats builds a WorkerStats from the raw counters accumulated by
// a connection engine run; latency fields are set separately via
// CalculateLatencies once the full latency sample is available.
func NewWorkerStats(runDurationSeconds int, requestCount, errorCount, badRequestCount uint32, bytesReceived uint64) WorkerStats {
	return WorkerStats{
		RunDurationSeconds: runDurationSeconds,
		RequestCount:       requestCount,
		ErrorCount:         errorCount,
		BadRequestCount:    badRequestCount,
		BytesReceived:      bytesReceived,
		MeanLatencyUs:      math.NaN(),
		StdevLatencyUs:     math.NaN(),
	}
}

// CalculateLatencies computes the mean and population standard deviation
// (in microseconds) of the given latency samples, dividing by RequestCount
// rather than by the number of samples. If RequestCount is zero both fields
// are left as NaN; callers that render these values must tolerate that.
func (w *WorkerStats) CalculateLatencies(latenciesUs []float64) {
	if w.RequestCount == 0 {
		w.MeanLatencyUs = math.NaN()
		w.StdevLatencyUs = math.NaN()
		return
	}

	var sum float64
	for _, l := range latenciesUs {
		sum += l
	}
	mean := sum / float64(w.RequestCount)

	var variance float64
	for _, l := range latenciesUs {
		d := l - mean
		variance += d * d
	}
	variance /= float64(w.RequestCount)

	w.MeanLatencyUs = mean
	w.StdevLatencyUs = math.Sqrt(variance)
}

// SummaryStats is derived from every worker's final WorkerStats.
type SummaryStats struct {
	Workers            []WorkerStats
	RPS                float64
	TotalBytesReceived uint64
	TotalErrors        uint32
	TotalBadRequests   uint32
	MeanLatencyUs      float64
}

// Summarize merges a non-empty slice of WorkerStats into a SummaryStats.
// All workers share the same configured duration, used as the denominator
// for RPS; "mean latency" is the unweighted arithmetic mean of each
// worker's own mean latency.
func Summarize(workers []WorkerStats) SummaryStats {
	if len(workers) == 0 {
		panic("stats.Summarize: workers must be non-empty")
	}

	duration := workers[0].RunDurationSeconds

	var (
		totalRequests uint64
		totalErrors   uint32
		totalBad      uint32
		totalBytes    uint64
		meanSum       float64
	)
	for _, w := range workers {
		totalRequests += uint64(w.RequestCount)
		totalErrors += w.ErrorCount
		totalBad += w.BadRequestCount
		totalBytes += w.BytesReceived
		// NaN (a worker that completed zero requests) propagates through
		// this sum on purpose, matching original_source's Rust arithmetic
		// (0.0/0.0 is NaN there too); the reporter is responsible for
		// rendering NaN sensibly rather than this layer hiding it.
		meanSum += w.MeanLatencyUs
	}

	var rps float64
	if duration > 0 {
		rps = float64(totalRequests) / float64(duration)
	}

	return SummaryStats{
		Workers:            workers,
		RPS:                rps,
		TotalBytesReceived: totalBytes,
		TotalErrors:        totalErrors,
		TotalBadRequests:   totalBad,
		MeanLatencyUs:      meanSum / float64(len(workers)),
	}
}
