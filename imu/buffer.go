package imu

import (
	"math"
	"sort"
	"sync"

	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
)

var (
	// ErrOutOfOrder is returned when a sample is not newer than the last buffered one.
	ErrOutOfOrder = errors.New("imu sample out of order")
	// ErrNotAvailable is returned when a queried range is not yet covered by the buffer.
	ErrNotAvailable = errors.New("imu data not yet available")
	// ErrEvicted is returned when the start of a queried range was already dropped from the buffer.
	ErrEvicted = errors.New("imu data already evicted")
)

// Buffer is a bounded, time-ordered store of raw inertial samples. It is safe for concurrent use.
type Buffer struct {
	mu         sync.Mutex
	capacity   int
	timestamps []int64
	samples    []AccGyr
}

// NewBuffer returns a buffer that keeps at most capacity samples, dropping the oldest first.
// A non-positive capacity means unbounded.
func NewBuffer(capacity int) *Buffer {
	return &Buffer{capacity: capacity}
}

// Add appends a sample. Timestamps are in nanoseconds and must strictly increase.
func (b *Buffer) Add(timestamp int64, sample AccGyr) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n := len(b.timestamps); n > 0 && timestamp <= b.timestamps[n-1] {
		return errors.Wrapf(ErrOutOfOrder, "timestamp %d is not after %d", timestamp, b.timestamps[n-1])
	}
	b.timestamps = append(b.timestamps, timestamp)
	b.samples = append(b.samples, sample)
	if b.capacity > 0 && len(b.timestamps) > b.capacity {
		drop := len(b.timestamps) - b.capacity
		b.timestamps = append([]int64(nil), b.timestamps[drop:]...)
		b.samples = append([]AccGyr(nil), b.samples[drop:]...)
	}
	return nil
}

// Between returns copies of the samples with timestamps in [t0, t1]. It fails with
// ErrNotAvailable while the newest sample is older than t1.
func (b *Buffer) Between(t0, t1 int64) ([]int64, []AccGyr, error) {
	if t1 <= t0 {
		return nil, nil, errors.Errorf("empty range [%d, %d]", t0, t1)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.timestamps)
	if n == 0 || b.timestamps[n-1] < t1 {
		return nil, nil, ErrNotAvailable
	}
	lo := sort.Search(n, func(i int) bool { return b.timestamps[i] >= t0 })
	hi := sort.Search(n, func(i int) bool { return b.timestamps[i] > t1 })
	return append([]int64(nil), b.timestamps[lo:hi]...), append([]AccGyr(nil), b.samples[lo:hi]...), nil
}

// Interpolated returns samples spanning exactly [t0, t1]: the first and last samples are
// interpolated at t0 and t1 from their neighbors, with the buffered samples strictly inside the
// range in between. It fails with ErrNotAvailable while the newest sample is older than t1 and with
// ErrEvicted when no sample at or before t0 is left.
func (b *Buffer) Interpolated(t0, t1 int64) ([]int64, []AccGyr, error) {
	if t1 <= t0 {
		return nil, nil, errors.Errorf("empty range [%d, %d]", t0, t1)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.timestamps)
	if n == 0 || b.timestamps[n-1] < t1 {
		return nil, nil, ErrNotAvailable
	}
	if b.timestamps[0] > t0 {
		return nil, nil, errors.Wrapf(ErrEvicted, "oldest sample %d is after %d", b.timestamps[0], t0)
	}
	// lo is the last sample at or before t0, hi the first at or after t1.
	lo := sort.Search(n, func(i int) bool { return b.timestamps[i] > t0 }) - 1
	hi := sort.Search(n, func(i int) bool { return b.timestamps[i] >= t1 })

	timestamps := make([]int64, 0, hi-lo+1)
	samples := make([]AccGyr, 0, hi-lo+1)
	timestamps = append(timestamps, t0)
	samples = append(samples, b.interpolate(lo, t0))
	timestamps = append(timestamps, b.timestamps[lo+1:hi]...)
	samples = append(samples, b.samples[lo+1:hi]...)
	timestamps = append(timestamps, t1)
	samples = append(samples, b.interpolate(hi-1, t1))
	return timestamps, samples, nil
}

// interpolate blends samples i and i+1 linearly at t, with t in [timestamps[i], timestamps[i+1]].
func (b *Buffer) interpolate(i int, t int64) AccGyr {
	if b.timestamps[i] == t || i+1 >= len(b.timestamps) {
		return b.samples[i]
	}
	t0, t1 := b.timestamps[i], b.timestamps[i+1]
	if t == t1 {
		return b.samples[i+1]
	}
	alpha := float64(t-t0) / float64(t1-t0)
	a, c := b.samples[i], b.samples[i+1]
	return AccGyr{
		Acc:  a.Acc.Add(c.Acc.Sub(a.Acc).Mul(alpha)),
		Gyro: a.Gyro.Add(c.Gyro.Sub(a.Gyro).Mul(alpha)),
	}
}

// PopUntil discards every sample before the last one at or before t, which is kept to interpolate
// the start of the next range. It returns how many were dropped.
func (b *Buffer) PopUntil(t int64) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx := sort.Search(len(b.timestamps), func(i int) bool { return b.timestamps[i] > t }) - 1
	if idx < 0 {
		return 0
	}
	b.timestamps = b.timestamps[idx:]
	b.samples = b.samples[idx:]
	return idx
}

// Len returns the number of buffered samples.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.timestamps)
}

// RateStats summarizes the sample periods in the buffer, in seconds.
type RateStats struct {
	Mean   float64
	StdDev float64
	Max    float64
	// MaxMismatch is the largest deviation of a period from the nominal one.
	MaxMismatch float64
}

// RateStats computes period statistics against the nominal period in seconds.
func (b *Buffer) RateStats(nominal float64) (RateStats, error) {
	b.mu.Lock()
	periods := make(stats.Float64Data, 0, len(b.timestamps))
	for i := 1; i < len(b.timestamps); i++ {
		periods = append(periods, float64(b.timestamps[i]-b.timestamps[i-1])*1e-9)
	}
	b.mu.Unlock()

	if len(periods) == 0 {
		return RateStats{}, errors.New("need at least 2 samples for rate statistics")
	}
	mean, err := stats.Mean(periods)
	if err != nil {
		return RateStats{}, err
	}
	std, err := stats.StandardDeviation(periods)
	if err != nil {
		return RateStats{}, err
	}
	maxPeriod, err := stats.Max(periods)
	if err != nil {
		return RateStats{}, err
	}
	var mismatch float64
	for _, p := range periods {
		mismatch = math.Max(mismatch, math.Abs(p-nominal))
	}
	return RateStats{Mean: mean, StdDev: std, Max: maxPeriod, MaxMismatch: mismatch}, nil
}
