package mocks

import (
	"sync"
	"time"
)

// MetricsCounts is a copy of what a MockMetricsCollector recorded
type MetricsCounts struct {
	CommandLatencies  []time.Duration
	CommandsCommitted int
	AppendEntries     int
	RequestVotes      int
	Heartbeats        int
	Elections         int
	ElectionDurations []time.Duration
}

// MockMetricsCollector is a server.MetricsCollector that only counts calls
type MockMetricsCollector struct {
	mu     sync.Mutex
	counts MetricsCounts
}

// NewMockMetricsCollector creates a new mock metrics collector
func NewMockMetricsCollector() *MockMetricsCollector {
	return &MockMetricsCollector{}
}

func (m *MockMetricsCollector) record(f func(c *MetricsCounts)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f(&m.counts)
}

func (m *MockMetricsCollector) RecordCommandLatency(latency time.Duration) {
	m.record(func(c *MetricsCounts) { c.CommandLatencies = append(c.CommandLatencies, latency) })
}

func (m *MockMetricsCollector) RecordCommandCommitted() {
	m.record(func(c *MetricsCounts) { c.CommandsCommitted++ })
}

func (m *MockMetricsCollector) RecordAppendEntries() {
	m.record(func(c *MetricsCounts) { c.AppendEntries++ })
}

func (m *MockMetricsCollector) RecordRequestVote() {
	m.record(func(c *MetricsCounts) { c.RequestVotes++ })
}

func (m *MockMetricsCollector) RecordHeartbeat() {
	m.record(func(c *MetricsCounts) { c.Heartbeats++ })
}

func (m *MockMetricsCollector) RecordElection() {
	m.record(func(c *MetricsCounts) { c.Elections++ })
}

func (m *MockMetricsCollector) RecordElectionDuration(duration time.Duration) {
	m.record(func(c *MetricsCounts) { c.ElectionDurations = append(c.ElectionDurations, duration) })
}

// Counts returns a copy of everything recorded so far
func (m *MockMetricsCollector) Counts() MetricsCounts {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.counts
	c.CommandLatencies = append([]time.Duration(nil), m.counts.CommandLatencies...)
	c.ElectionDurations = append([]time.Duration(nil), m.counts.ElectionDurations...)
	return c
}

// Reset clears all recorded metrics
func (m *MockMetricsCollector) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts = MetricsCounts{}
}
