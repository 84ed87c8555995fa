// Package perfstats is a single place where we record the performance of
// the expensive stages of the recognition pipeline (tensor prep, inference,
// OCR round-trips), so that it's easy to compare different hardware and
// service endpoints.
package perfstats

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

type PerfStats struct {
	TensorPrepNanosecondsPerFrame atomic.Int64
	InferenceNanosecondsPerFrame  atomic.Int64
	OCRNanosecondsPerRequest      atomic.Int64
}

var Stats = PerfStats{}

// UpdateMovingAverage folds a new sample into an exponential moving average
// with a decay of 63/64.
// We don't bother about strict correctness here, with CompareAndSwap,
// because this is just sampled stats, and it's OK to miss one or two samples.
func UpdateMovingAverage(stat *atomic.Int64, sample int64) {
	if stat.Load() == 0 {
		stat.Store(sample)
	} else {
		stat.Store((stat.Load()*63 + sample) >> 6)
	}
}

func (s *PerfStats) String() string {
	b := &strings.Builder{}
	fmt.Fprintf(b, "tensor prep: %.2f ms, inference: %.2f ms, ocr: %.2f ms",
		float64(s.TensorPrepNanosecondsPerFrame.Load())/1e6,
		float64(s.InferenceNanosecondsPerFrame.Load())/1e6,
		float64(s.OCRNanosecondsPerRequest.Load())/1e6)
	return b.String()
}

// TimeAccumulator measures how long something took, over a number of samples.
type TimeAccumulator struct {
	Samples int64
	Total   time.Duration
}

func (a *TimeAccumulator) Reset() {
	a.Samples = 0
	a.Total = 0
}

func (a *TimeAccumulator) AddSample(v time.Duration) {
	a.Samples++
	a.Total += v
}

func (a *TimeAccumulator) Average() time.Duration {
	if a.Samples == 0 {
		return 0
	}
	return time.Duration(a.Total.Nanoseconds() / a.Samples)
}
