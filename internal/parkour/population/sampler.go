// Package population records periodic online-player counts and reduces them
// to display buckets for occupancy graphs.
package population

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"vexa.gg/parkour/internal/logging"
)

type Sample struct {
	TimestampMs int64 `json:"timestamp_ms"`
	Count       int   `json:"count"`
}

func (s Sample) Time() time.Time { return time.UnixMilli(s.TimestampMs).UTC() }

// Sink persists samples. Implementations must not block.
type Sink interface {
	SaveSample(Sample)
	DeleteSamplesBefore(cutoffMs int64)
	ClearSamples()
}

type Loader interface {
	LoadSamples(ctx context.Context) ([]Sample, error)
}

// Sampler is an append-only time series. Samples arriving out of order are
// kept; readers get them sorted.
type Sampler struct {
	sink Sink
	log  *logrus.Entry
	now  func() time.Time

	mu      sync.RWMutex
	samples []Sample
}

func NewSampler(sink Sink, log *logrus.Entry, now func() time.Time) *Sampler {
	if log == nil {
		log = logging.Discard()
	}
	if now == nil {
		now = time.Now
	}
	return &Sampler{sink: sink, log: log, now: now}
}

// RecordSample appends a sample stamped with the current time. Negative counts
// are stored as zero.
func (s *Sampler) RecordSample(count int) Sample {
	return s.RecordSampleAt(s.now().UnixMilli(), count)
}

func (s *Sampler) RecordSampleAt(timestampMs int64, count int) Sample {
	if count < 0 {
		count = 0
	}
	smp := Sample{TimestampMs: timestampMs, Count: count}
	s.mu.Lock()
	s.samples = append(s.samples, smp)
	s.mu.Unlock()
	if s.sink != nil {
		s.sink.SaveSample(smp)
	}
	return smp
}

// SamplesSince returns samples at or after cutoffMs, ordered by time.
func (s *Sampler) SamplesSince(cutoffMs int64) []Sample {
	s.mu.RLock()
	out := make([]Sample, 0, len(s.samples))
	for _, smp := range s.samples {
		if smp.TimestampMs >= cutoffMs {
			out = append(out, smp)
		}
	}
	s.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].TimestampMs < out[j].TimestampMs })
	return out
}

// Window returns the samples of the last d.
func (s *Sampler) Window(d time.Duration) []Sample {
	return s.SamplesSince(s.now().Add(-d).UnixMilli())
}

func (s *Sampler) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.samples)
}

func (s *Sampler) ClearAll() {
	s.mu.Lock()
	s.samples = nil
	s.mu.Unlock()
	if s.sink != nil {
		s.sink.ClearSamples()
	}
	s.log.Info("population samples cleared")
}

// Prune drops samples older than cutoffMs and returns how many were removed.
// Retention is the caller's policy; the sampler never prunes on its own.
func (s *Sampler) Prune(cutoffMs int64) int {
	s.mu.Lock()
	kept := s.samples[:0]
	for _, smp := range s.samples {
		if smp.TimestampMs >= cutoffMs {
			kept = append(kept, smp)
		}
	}
	removed := len(s.samples) - len(kept)
	clear(s.samples[len(kept):])
	s.samples = kept
	s.mu.Unlock()
	if removed > 0 && s.sink != nil {
		s.sink.DeleteSamplesBefore(cutoffMs)
	}
	return removed
}

// Load replaces the in-memory series with the loader's. On error nothing
// changes.
func (s *Sampler) Load(ctx context.Context, l Loader) error {
	samples, err := l.LoadSamples(ctx)
	if err != nil {
		return fmt.Errorf("load samples: %w", err)
	}
	for i := range samples {
		if samples[i].Count < 0 {
			samples[i].Count = 0
		}
	}
	s.mu.Lock()
	s.samples = samples
	s.mu.Unlock()
	s.log.WithField("samples", len(samples)).Info("population samples loaded")
	return nil
}

type Summary struct {
	Latest  int     `json:"latest"`
	Peak    int     `json:"peak"`
	Min     int     `json:"min"`
	Average float64 `json:"average"`
	Samples int     `json:"samples"`
}

// Summarize computes headline numbers over time-ordered samples.
func Summarize(samples []Sample) Summary {
	if len(samples) == 0 {
		return Summary{}
	}
	sum := Summary{Min: samples[0].Count, Samples: len(samples)}
	var total int64
	var latest int64 = samples[0].TimestampMs
	sum.Latest = samples[0].Count
	for _, smp := range samples {
		sum.Peak = max(sum.Peak, smp.Count)
		sum.Min = min(sum.Min, smp.Count)
		total += int64(smp.Count)
		if smp.TimestampMs >= latest {
			latest = smp.TimestampMs
			sum.Latest = smp.Count
		}
	}
	sum.Average = float64(total) / float64(len(samples))
	return sum
}
