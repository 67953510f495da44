// Package loadtest drives simulated live users against the API and push
// gateway and aggregates the latencies they observe.
package loadtest

import (
	"fmt"
	"io"
	"math"
	"sort"
	"sync"
	"time"
)

// Collector aggregates named latency series and outcome counters from many
// simulated users. All methods are goroutine-safe.
type Collector struct {
	mu        sync.Mutex
	series    map[string][]time.Duration
	order     []string
	counters  map[string]int
	errors    int
	startTime time.Time
}

func NewCollector() *Collector {
	return &Collector{
		series:    make(map[string][]time.Duration),
		counters:  make(map[string]int),
		startTime: time.Now(),
	}
}

// Add records one sample in the named series.
func (c *Collector) Add(name string, d time.Duration) {
	c.mu.Lock()
	if _, ok := c.series[name]; !ok {
		c.order = append(c.order, name)
	}
	c.series[name] = append(c.series[name], d)
	c.mu.Unlock()
}

// Count increments the named outcome counter.
func (c *Collector) Count(name string) {
	c.mu.Lock()
	c.counters[name]++
	c.mu.Unlock()
}

func (c *Collector) AddError() {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}

func (c *Collector) ErrorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errors
}

// Summary is the percentile distribution of one series.
type Summary struct {
	N                       int
	Avg, P50, P95, P99, Max time.Duration
}

// Summarize returns the distribution of the named series.
func (c *Collector) Summarize(name string) (Summary, bool) {
	c.mu.Lock()
	durations := append([]time.Duration(nil), c.series[name]...)
	c.mu.Unlock()
	if len(durations) == 0 {
		return Summary{}, false
	}
	return summarize(durations), true
}

func summarize(durations []time.Duration) Summary {
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })

	n := len(durations)
	var sum time.Duration
	for _, d := range durations {
		sum += d
	}
	return Summary{
		N:   n,
		Avg: sum / time.Duration(n),
		P50: durations[n/2],
		P95: durations[int(math.Ceil(float64(n)*0.95))-1],
		P99: durations[int(math.Ceil(float64(n)*0.99))-1],
		Max: durations[n-1],
	}
}

// Report writes a summary of every series and counter to w.
func (c *Collector) Report(w io.Writer) {
	c.mu.Lock()
	names := append([]string(nil), c.order...)
	counters := make(map[string]int, len(c.counters))
	for k, v := range c.counters {
		counters[k] = v
	}
	errs := c.errors
	elapsed := time.Since(c.startTime)
	c.mu.Unlock()

	fmt.Fprintln(w, "\n=== Live Load Test Results ===")
	fmt.Fprintf(w, "Duration:     %s\n", elapsed.Round(time.Second))
	fmt.Fprintf(w, "Errors:       %d\n", errs)

	keys := make([]string, 0, len(counters))
	for k := range counters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "%-13s %d\n", k+":", counters[k])
	}

	for _, name := range names {
		s, _ := c.Summarize(name)
		fmt.Fprintf(w, "\n--- %s ---\n", name)
		fmt.Fprintf(w, "  avg: %v  p50: %v  p95: %v  p99: %v  max: %v  (n=%d)\n",
			s.Avg.Round(time.Microsecond),
			s.P50.Round(time.Microsecond),
			s.P95.Round(time.Microsecond),
			s.P99.Round(time.Microsecond),
			s.Max.Round(time.Microsecond),
			s.N,
		)
	}
	fmt.Fprintln(w)
}
