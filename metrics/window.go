// Package metrics tracks recent training throughput and loss statistics.
package metrics

import (
	"time"

	"github.com/montanaflynn/stats"
)

// Window is a sliding window over the most recent training steps.
type Window struct {
	size    int
	losses  []float64
	data    []time.Duration
	compute []time.Duration
	batches []int
	samples int
}

// NewWindow creates a window covering the last size steps.
func NewWindow(size int) *Window {
	if size <= 0 {
		size = 50
	}
	return &Window{size: size}
}

// Record adds one step's batch size, data/compute timings and loss.
func (w *Window) Record(batchSize int, dataTime, computeTime time.Duration, loss float64) {
	w.losses = append(w.losses, loss)
	w.data = append(w.data, dataTime)
	w.compute = append(w.compute, computeTime)
	w.batches = append(w.batches, batchSize)
	w.samples += batchSize
	if len(w.losses) > w.size {
		w.samples -= w.batches[0]
		w.losses = w.losses[1:]
		w.data = w.data[1:]
		w.compute = w.compute[1:]
		w.batches = w.batches[1:]
	}
}

// Snapshot summarizes the current window.
type Snapshot struct {
	ExamplesPerSec float64
	AvgDataMS      float64
	AvgComputeMS   float64
	LossMean       float64
	LossMedian     float64
	LossStdDev     float64
	LastLoss       float64
}

// Snapshot computes the window's summary statistics.
func (w *Window) Snapshot() Snapshot {
	if len(w.losses) == 0 {
		return Snapshot{}
	}
	mean, _ := stats.Mean(w.losses)
	median, _ := stats.Median(w.losses)
	stddev, _ := stats.StandardDeviation(w.losses)

	var total time.Duration
	var dataTotal, computeTotal time.Duration
	for i := range w.data {
		total += w.data[i] + w.compute[i]
		dataTotal += w.data[i]
		computeTotal += w.compute[i]
	}
	n := float64(len(w.losses))
	snap := Snapshot{
		AvgDataMS:    float64(dataTotal.Milliseconds()) / n,
		AvgComputeMS: float64(computeTotal.Milliseconds()) / n,
		LossMean:     mean,
		LossMedian:   median,
		LossStdDev:   stddev,
		LastLoss:     w.losses[len(w.losses)-1],
	}
	if total > 0 {
		snap.ExamplesPerSec = float64(w.samples) / total.Seconds()
	}
	return snap
}
