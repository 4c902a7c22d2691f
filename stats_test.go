package aether

import "testing"

func TestStatisticsCounterMinMax(t *testing.T) {
	c := NewStatisticsCounter[int](10)
	for _, v := range []int{5, 1, 9, 3} {
		c.Record(v)
	}
	if c.Min() != 1 {
		t.Errorf("Min() = %v, want 1", c.Min())
	}
	if c.Max() != 9 {
		t.Errorf("Max() = %v, want 9", c.Max())
	}
	if c.Count() != 4 {
		t.Errorf("Count() = %d, want 4", c.Count())
	}
}

func TestStatisticsCounterWindowEviction(t *testing.T) {
	c := NewStatisticsCounter[int](3)
	c.Record(100)
	c.Record(1)
	c.Record(2)
	if c.Count() != 3 {
		t.Fatalf("Count() = %d, want 3", c.Count())
	}
	if c.Max() != 100 {
		t.Fatalf("Max() = %v, want 100 before eviction", c.Max())
	}

	// Window is full; this fourth sample must evict the 100 recorded first.
	c.Record(3)
	if c.Count() != 3 {
		t.Fatalf("Count() = %d, want 3 (window capped)", c.Count())
	}
	if c.Max() != 3 {
		t.Errorf("Max() = %v, want 3 once the 100 sample is evicted", c.Max())
	}
	if c.Min() != 1 {
		t.Errorf("Min() = %v, want 1", c.Min())
	}
}

func TestStatisticsCounterDefaultWindowSize(t *testing.T) {
	c := NewStatisticsCounter[float64](0)
	if cap(c.window) != DefaultStatsWindowSize {
		t.Errorf("default window size = %d, want %d", cap(c.window), DefaultStatsWindowSize)
	}
}

func TestStatisticsCounterP99Monotonic(t *testing.T) {
	c := NewStatisticsCounter[int](1000)
	for i := 1; i <= 1000; i++ {
		c.Record(i)
	}
	p50 := c.Percentile(0.5)
	p99 := c.P99()
	if p99 < p50 {
		t.Errorf("P99() = %v should not be less than the median %v", p99, p50)
	}
	if p99 < 900 || p99 > 1000 {
		t.Errorf("P99() = %v, want roughly in [900,1000] for a uniform 1..1000 sample", p99)
	}
}

func TestStatisticsCounterEmptyWindow(t *testing.T) {
	c := NewStatisticsCounter[int](10)
	if c.Count() != 0 {
		t.Errorf("Count() = %d, want 0 before any Record", c.Count())
	}
	if c.Percentile(0.5) != 0 {
		t.Errorf("Percentile on an empty window = %v, want 0", c.Percentile(0.5))
	}
}
