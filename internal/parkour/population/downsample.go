package population

import (
	"math"
	"sort"
	"time"
)

type Bucket struct {
	StartMs int64   `json:"start_ms"`
	Min     int     `json:"min"`
	Max     int     `json:"max"`
	Average float64 `json:"average"`
	Latest  int     `json:"latest"`
	Samples int     `json:"samples"`

	latestTs int64
}

// BucketSize is the display bucket width: the window split into maxBuckets,
// rounded up to a whole number of sample intervals and never below one
// interval.
func BucketSize(interval, window time.Duration, maxBuckets int) time.Duration {
	iv := interval.Milliseconds()
	if iv <= 0 {
		iv = 1
	}
	if maxBuckets <= 0 {
		maxBuckets = 1
	}
	raw := int64(math.Ceil(float64(window.Milliseconds()) / float64(maxBuckets)))
	size := ((raw + iv - 1) / iv) * iv
	if size < iv {
		size = iv
	}
	return time.Duration(size) * time.Millisecond
}

// Downsample groups samples into buckets keyed by
// floor(timestamp/bucket)*bucket, ordered by start. When no more than
// maxBuckets samples are given every sample keeps its own bucket.
func Downsample(samples []Sample, interval, window time.Duration, maxBuckets int) []Bucket {
	if len(samples) == 0 {
		return nil
	}
	size := BucketSize(interval, window, maxBuckets).Milliseconds()
	if len(samples) <= maxBuckets {
		size = max(interval.Milliseconds(), 1)
		out := make([]Bucket, 0, len(samples))
		sorted := append([]Sample(nil), samples...)
		sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].TimestampMs < sorted[j].TimestampMs })
		for _, s := range sorted {
			out = append(out, Bucket{
				StartMs: floorTo(s.TimestampMs, size),
				Min:     s.Count,
				Max:     s.Count,
				Average: float64(s.Count),
				Latest:  s.Count,
				Samples: 1,
			})
		}
		return out
	}

	byStart := map[int64]*Bucket{}
	sums := map[int64]int64{}
	for _, s := range samples {
		start := floorTo(s.TimestampMs, size)
		b, ok := byStart[start]
		if !ok {
			b = &Bucket{StartMs: start, Min: s.Count, Max: s.Count, Latest: s.Count, latestTs: s.TimestampMs}
			byStart[start] = b
		}
		b.Min = min(b.Min, s.Count)
		b.Max = max(b.Max, s.Count)
		if s.TimestampMs >= b.latestTs {
			b.latestTs = s.TimestampMs
			b.Latest = s.Count
		}
		b.Samples++
		sums[start] += int64(s.Count)
	}
	out := make([]Bucket, 0, len(byStart))
	for start, b := range byStart {
		b.Average = float64(sums[start]) / float64(b.Samples)
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartMs < out[j].StartMs })
	return out
}

func floorTo(ts, size int64) int64 {
	q := ts / size
	if ts%size != 0 && ts < 0 {
		q--
	}
	return q * size
}

// Filled is how many of segments a bar shows for value against the graph's
// maximum. Any positive value shows at least one segment.
func Filled(value, globalMax float64, segments int) int {
	if segments <= 0 || value <= 0 {
		return 0
	}
	n := int(math.Round(value / math.Max(1, globalMax) * float64(segments)))
	if n < 1 {
		n = 1
	}
	if n > segments {
		n = segments
	}
	return n
}

// Bar is one graph column.
type Bar struct {
	StartMs int64 `json:"start_ms"`
	Value   int   `json:"value"`
	Filled  int   `json:"filled"`
}

// Bars renders buckets by their latest value against the peak latest value.
func Bars(buckets []Bucket, segments int) []Bar {
	peak := 0
	for _, b := range buckets {
		peak = max(peak, b.Latest)
	}
	out := make([]Bar, len(buckets))
	for i, b := range buckets {
		out[i] = Bar{StartMs: b.StartMs, Value: b.Latest, Filled: Filled(float64(b.Latest), float64(peak), segments)}
	}
	return out
}
