package population

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBucketSize(t *testing.T) {
	cases := []struct {
		name     string
		interval time.Duration
		window   time.Duration
		buckets  int
		want     time.Duration
	}{
		{"defaults", 10 * time.Minute, 24 * time.Hour, 96, 20 * time.Minute},
		{"rounds up to interval multiple", 10 * time.Minute, 24 * time.Hour, 100, 20 * time.Minute},
		{"never below interval", 10 * time.Minute, time.Hour, 96, 10 * time.Minute},
		{"exact", time.Second, 10 * time.Second, 5, 2 * time.Second},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, BucketSize(tc.interval, tc.window, tc.buckets))
		})
	}
}

func TestDownsample_TenSamplesFiveBuckets(t *testing.T) {
	// reversed input: bucketing must not depend on order
	var samples []Sample
	for i := 9; i >= 0; i-- {
		samples = append(samples, Sample{TimestampMs: int64(i) * 1000, Count: i * 3 % 7})
	}
	buckets := Downsample(samples, time.Second, 10*time.Second, 5)
	require.Len(t, buckets, 5)
	for i, b := range buckets {
		a := (2 * i) * 3 % 7
		c := (2*i + 1) * 3 % 7
		assert.Equal(t, int64(i)*2000, b.StartMs)
		assert.Equal(t, 2, b.Samples)
		assert.Equal(t, min(a, c), b.Min, "bucket %d", i)
		assert.Equal(t, max(a, c), b.Max, "bucket %d", i)
		assert.InDelta(t, float64(a+c)/2, b.Average, 1e-9, "bucket %d", i)
		assert.Equal(t, c, b.Latest, "latest is the later sample")
	}
}

func TestDownsample_NoAggregation(t *testing.T) {
	samples := []Sample{{TimestampMs: 3000, Count: 4}, {TimestampMs: 1000, Count: 2}}
	buckets := Downsample(samples, time.Second, 10*time.Second, 96)
	require.Len(t, buckets, 2)
	for _, b := range buckets {
		assert.Equal(t, 1, b.Samples)
		assert.Equal(t, float64(b.Latest), b.Average)
		assert.Equal(t, b.Latest, b.Min)
	}
	assert.Equal(t, int64(1000), buckets[0].StartMs)
	assert.Nil(t, Downsample(nil, time.Second, time.Hour, 96))
}

func TestFilled(t *testing.T) {
	assert.Equal(t, 0, Filled(0, 50, 10))
	assert.Equal(t, 1, Filled(1, 1000, 10), "nonzero never renders empty")
	assert.Equal(t, 5, Filled(25, 50, 10))
	assert.Equal(t, 10, Filled(50, 50, 10))
	assert.Equal(t, 10, Filled(80, 50, 10), "clamped")
	assert.Equal(t, 10, Filled(1, 0, 10), "max is at least one")
	assert.Equal(t, 0, Filled(5, 5, 0))

	bars := Bars([]Bucket{{StartMs: 0, Latest: 2}, {StartMs: 1, Latest: 4}}, 10)
	assert.Equal(t, 5, bars[0].Filled)
	assert.Equal(t, 10, bars[1].Filled)
}

type memSink struct {
	saved   []Sample
	cutoffs []int64
	cleared int
}

func (m *memSink) SaveSample(s Sample)          { m.saved = append(m.saved, s) }
func (m *memSink) DeleteSamplesBefore(ms int64) { m.cutoffs = append(m.cutoffs, ms) }
func (m *memSink) ClearSamples()                { m.cleared++ }

type loaderFunc func(context.Context) ([]Sample, error)

func (f loaderFunc) LoadSamples(ctx context.Context) ([]Sample, error) { return f(ctx) }

func TestSampler(t *testing.T) {
	now := time.UnixMilli(10_000)
	sink := &memSink{}
	s := NewSampler(sink, nil, func() time.Time { return now })

	s.RecordSampleAt(5000, 3)
	s.RecordSampleAt(2000, 1)
	got := s.RecordSample(-4)
	assert.Equal(t, Sample{TimestampMs: 10_000, Count: 0}, got)
	assert.Len(t, sink.saved, 3)

	assert.Equal(t, []Sample{{5000, 3}, {10_000, 0}}, s.SamplesSince(5000))
	assert.Equal(t, []Sample{{2000, 1}, {5000, 3}, {10_000, 0}}, s.Window(time.Hour))

	assert.Equal(t, 1, s.Prune(3000))
	assert.Equal(t, []int64{3000}, sink.cutoffs)
	assert.Equal(t, 0, s.Prune(3000))
	assert.Equal(t, 2, s.Len())

	sum := Summarize(s.SamplesSince(0))
	assert.Equal(t, Summary{Latest: 0, Peak: 3, Min: 0, Average: 1.5, Samples: 2}, sum)
	assert.Equal(t, Summary{}, Summarize(nil))

	s.ClearAll()
	assert.Empty(t, s.SamplesSince(0))
	assert.Equal(t, 1, sink.cleared)
}

func TestSampler_Load(t *testing.T) {
	s := NewSampler(nil, nil, nil)
	s.RecordSampleAt(1, 1)

	err := s.Load(context.Background(), loaderFunc(func(context.Context) ([]Sample, error) {
		return nil, errors.New("locked")
	}))
	require.Error(t, err)
	assert.Equal(t, 1, s.Len(), "failed load keeps samples")

	require.NoError(t, s.Load(context.Background(), loaderFunc(func(context.Context) ([]Sample, error) {
		return []Sample{{TimestampMs: 9, Count: -2}, {TimestampMs: 4, Count: 6}}, nil
	})))
	assert.Equal(t, []Sample{{4, 6}, {9, 0}}, s.SamplesSince(0))
}
