package aether

import (
	"sync"

	"github.com/valyala/histogram"
)

// Number is the set of sample types a StatisticsCounter accepts.
type Number interface {
	~int | ~int64 | ~float64
}

// StatisticsCounter tracks a bounded rolling window of samples (spec
// section 4.4: connect time, response time, ping RTT) and answers min/max/
// percentile queries. Percentiles are served by github.com/valyala/histogram,
// promoted here to a direct dependency for connect-time and RTT percentile
// reporting.
type StatisticsCounter[T Number] struct {
	mu     sync.Mutex
	window []float64
	cap    int
	next   int
	filled bool
	min    float64
	max    float64
}

// NewStatisticsCounter builds a counter holding at most windowSize samples.
func NewStatisticsCounter[T Number](windowSize int) *StatisticsCounter[T] {
	if windowSize <= 0 {
		windowSize = DefaultStatsWindowSize
	}
	return &StatisticsCounter[T]{window: make([]float64, windowSize), cap: windowSize}
}

// Record adds one sample, evicting the oldest once the window is full.
func (s *StatisticsCounter[T]) Record(v T) {
	f := float64(v)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.window[s.next] = f
	s.next = (s.next + 1) % s.cap
	if s.next == 0 {
		s.filled = true
	}
	s.recomputeMinMaxLocked()
}

func (s *StatisticsCounter[T]) recomputeMinMaxLocked() {
	n := s.countLocked()
	if n == 0 {
		return
	}
	s.min, s.max = s.window[0], s.window[0]
	for i := 1; i < n; i++ {
		v := s.window[i]
		if v < s.min {
			s.min = v
		}
		if v > s.max {
			s.max = v
		}
	}
}

func (s *StatisticsCounter[T]) countLocked() int {
	if s.filled {
		return s.cap
	}
	return s.next
}

// Count reports how many samples are currently in the window.
func (s *StatisticsCounter[T]) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countLocked()
}

// Min returns the smallest sample currently in the window (invariant 3: the
// window's min/max must always reflect only the samples currently held).
func (s *StatisticsCounter[T]) Min() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.min
}

// Max returns the largest sample currently in the window.
func (s *StatisticsCounter[T]) Max() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.max
}

// Percentile returns the phi-th percentile (0..1) of the current window,
// rebuilding a fresh histogram.Fast from the window each call since the
// library has no incremental-eviction support.
func (s *StatisticsCounter[T]) Percentile(phi float64) float64 {
	s.mu.Lock()
	n := s.countLocked()
	samples := make([]float64, n)
	copy(samples, s.window[:n])
	s.mu.Unlock()

	if n == 0 {
		return 0
	}
	h := histogram.NewFast()
	for _, v := range samples {
		h.Update(v)
	}
	return h.Quantile(phi)
}

// P99 is shorthand for the 99th percentile, the metric spec section 4.4
// names explicitly (connect_time_p99, response-time p99).
func (s *StatisticsCounter[T]) P99() float64 { return s.Percentile(0.99) }
