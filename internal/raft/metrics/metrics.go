// Package metrics collects performance figures of a node: command latency, throughput, RPC counts and elections.
package metrics

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type counter int

const (
	commandsApplied counter = iota
	appendEntriesSent
	voteRequestsSent
	heartbeatsSent
	electionsStarted
	numCounters
)

// sample is an append-only series of durations, kept in recording order
type sample struct {
	mu     sync.Mutex
	values []time.Duration
}

func (s *sample) add(d time.Duration) {
	s.mu.Lock()
	s.values = append(s.values, d)
	s.mu.Unlock()
}

func (s *sample) snapshot() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.values)
}

func (s *sample) clear() {
	s.mu.Lock()
	s.values = nil
	s.mu.Unlock()
}

// Metrics is the collector handed to server.NewServer. RPCs are counted on the sending side.
type Metrics struct {
	counts [numCounters]atomic.Uint64

	// submission to apply, measured on the leader
	commandLatency sample
	// won elections only
	electionTime sample

	// unix nanoseconds of creation or of the last Reset
	since atomic.Int64
}

func NewMetrics() *Metrics {
	m := &Metrics{}
	m.since.Store(time.Now().UnixNano())
	return m
}

func (m *Metrics) RecordCommandLatency(latency time.Duration) { m.commandLatency.add(latency) }

func (m *Metrics) RecordCommandCommitted() { m.counts[commandsApplied].Add(1) }

// RecordAppendEntries counts AppendEntries RPCs that carry entries
func (m *Metrics) RecordAppendEntries() { m.counts[appendEntriesSent].Add(1) }

func (m *Metrics) RecordRequestVote() { m.counts[voteRequestsSent].Add(1) }

// RecordHeartbeat counts empty AppendEntries RPCs
func (m *Metrics) RecordHeartbeat() { m.counts[heartbeatsSent].Add(1) }

func (m *Metrics) RecordElection() { m.counts[electionsStarted].Add(1) }

func (m *Metrics) RecordElectionDuration(d time.Duration) { m.electionTime.add(d) }

func (m *Metrics) startedAt() time.Time { return time.Unix(0, m.since.Load()) }

// LatencyStats summarises a series of durations, in milliseconds
type LatencyStats struct {
	Count  int     `json:"count"`
	Min    float64 `json:"min_ms"`
	Max    float64 `json:"max_ms"`
	Mean   float64 `json:"mean_ms"`
	P50    float64 `json:"p50_ms"`
	P95    float64 `json:"p95_ms"`
	P99    float64 `json:"p99_ms"`
	StdDev float64 `json:"stddev_ms"`
}

func (m *Metrics) GetLatencyStats() LatencyStats { return summarize(m.commandLatency.snapshot()) }

func (m *Metrics) GetElectionStats() LatencyStats { return summarize(m.electionTime.snapshot()) }

func summarize(series []time.Duration) LatencyStats {
	n := len(series)
	if n == 0 {
		return LatencyStats{}
	}

	ms := make([]float64, n)
	for i, d := range series {
		ms[i] = float64(d) / float64(time.Millisecond)
	}
	slices.Sort(ms)

	var total float64
	for _, v := range ms {
		total += v
	}
	mean := total / float64(n)

	var squares float64
	for _, v := range ms {
		squares += (v - mean) * (v - mean)
	}

	return LatencyStats{
		Count:  n,
		Min:    ms[0],
		Max:    ms[n-1],
		Mean:   mean,
		P50:    percentile(ms, 50),
		P95:    percentile(ms, 95),
		P99:    percentile(ms, 99),
		StdDev: math.Sqrt(squares / float64(n)),
	}
}

// percentile interpolates linearly between the two closest ranks of sorted
func percentile(sorted []float64, p int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := float64(p) / 100 * float64(len(sorted)-1)
	below, frac := math.Modf(rank)
	i := int(below)
	if frac == 0 || i+1 >= len(sorted) {
		return sorted[i]
	}
	return sorted[i] + (sorted[i+1]-sorted[i])*frac
}

// GetThroughput returns applied commands per second since creation or the last Reset
func (m *Metrics) GetThroughput() float64 {
	elapsed := time.Since(m.startedAt()).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(m.counts[commandsApplied].Load()) / elapsed
}

// Report is a point-in-time copy of everything a node collected
type Report struct {
	NodeID      string    `json:"node_id"`
	ClusterSize int       `json:"cluster_size"`
	Uptime      float64   `json:"uptime_seconds"`
	StartTime   time.Time `json:"start_time"`
	EndTime     time.Time `json:"end_time"`

	CommandsCommitted uint64       `json:"commands_committed"`
	ThroughputCmdSec  float64      `json:"throughput_cmd_per_sec"`
	CommandLatency    LatencyStats `json:"command_latency"`

	AppendEntriesCount uint64 `json:"append_entries_count"`
	RequestVoteCount   uint64 `json:"request_vote_count"`
	HeartbeatCount     uint64 `json:"heartbeat_count"`

	ElectionCount uint64       `json:"election_count"`
	ElectionStats LatencyStats `json:"election_stats"`
}

func (m *Metrics) GetReport(nodeID string, clusterSize int) Report {
	start, end := m.startedAt(), time.Now()
	return Report{
		NodeID:             nodeID,
		ClusterSize:        clusterSize,
		Uptime:             end.Sub(start).Seconds(),
		StartTime:          start,
		EndTime:            end,
		CommandsCommitted:  m.counts[commandsApplied].Load(),
		ThroughputCmdSec:   m.GetThroughput(),
		CommandLatency:     m.GetLatencyStats(),
		AppendEntriesCount: m.counts[appendEntriesSent].Load(),
		RequestVoteCount:   m.counts[voteRequestsSent].Load(),
		HeartbeatCount:     m.counts[heartbeatsSent].Load(),
		ElectionCount:      m.counts[electionsStarted].Load(),
		ElectionStats:      m.GetElectionStats(),
	}
}

// WriteText prints the report for humans
func (r *Report) WriteText(w io.Writer) error {
	var b strings.Builder
	heading := func(title string) {
		fmt.Fprintf(&b, "\n%s\n%s\n", title, strings.Repeat("-", 60))
	}

	fmt.Fprintf(&b, "\n%s\nJSONVAULT NODE REPORT (%s)\n%[1]s\n", strings.Repeat("=", 60), r.NodeID)
	fmt.Fprintf(&b, "  Cluster Size: %d nodes\n", r.ClusterSize)
	fmt.Fprintf(&b, "  Uptime: %.2f seconds (%s to %s)\n", r.Uptime,
		r.StartTime.Format(time.DateTime), r.EndTime.Format(time.DateTime))

	heading("Commands")
	fmt.Fprintf(&b, "  Applied: %d\n", r.CommandsCommitted)
	fmt.Fprintf(&b, "  Throughput: %.2f cmd/sec\n", r.ThroughputCmdSec)
	if l := r.CommandLatency; l.Count > 0 {
		fmt.Fprintf(&b, "  Latency (submission to apply): count=%d min=%.3fms mean=%.3fms p50=%.3fms p95=%.3fms p99=%.3fms max=%.3fms\n",
			l.Count, l.Min, l.Mean, l.P50, l.P95, l.P99, l.Max)
	} else {
		b.WriteString("  Latency: no data collected\n")
	}

	heading("RPCs sent")
	fmt.Fprintf(&b, "  AppendEntries: %d\n", r.AppendEntriesCount)
	fmt.Fprintf(&b, "  RequestVote: %d\n", r.RequestVoteCount)
	fmt.Fprintf(&b, "  Heartbeats: %d\n", r.HeartbeatCount)
	fmt.Fprintf(&b, "  Total RPCs: %d\n", r.AppendEntriesCount+r.RequestVoteCount+r.HeartbeatCount)

	heading("Elections")
	fmt.Fprintf(&b, "  Started: %d\n", r.ElectionCount)
	if e := r.ElectionStats; e.Count > 0 {
		fmt.Fprintf(&b, "  Won: %d (avg %.3f ms, p95 %.3f ms)\n", e.Count, e.Mean, e.P95)
	}

	_, err := io.WriteString(w, b.String())
	return err
}

// SaveJSON writes the report as indented JSON to path
func (r *Report) SaveJSON(path string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode metrics report: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write metrics report to %s: %w", path, err)
	}
	return nil
}

// Reset drops everything collected and restarts the throughput clock
func (m *Metrics) Reset() {
	m.commandLatency.clear()
	m.electionTime.clear()
	for i := range m.counts {
		m.counts[i].Store(0)
	}
	m.since.Store(time.Now().UnixNano())
}
