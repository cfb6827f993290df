package metrics

import (
	"sort"
	"sync"
	"time"
)

const maxDurationSamples = 1000

type Metrics struct {
	mutex           sync.RWMutex
	selections      map[string]int64
	connectFailures map[string]int64
	relayFailures   map[string]int64
	bytesIn         map[string]int64
	bytesOut        map[string]int64
	durations       map[string][]time.Duration
	healthStatus    map[string]bool
	unavailable     int64
	startTime       time.Time
}

type Snapshot struct {
	TotalConnections int64                     `json:"total_connections"`
	Unavailable      int64                     `json:"unavailable"`
	Uptime           time.Duration             `json:"uptime"`
	Backends         map[string]BackendMetrics `json:"backends"`
}

type BackendMetrics struct {
	Selections      int64         `json:"selections"`
	ConnectFailures int64         `json:"connect_failures"`
	RelayFailures   int64         `json:"relay_failures"`
	BytesIn         int64         `json:"bytes_in"`
	BytesOut        int64         `json:"bytes_out"`
	Healthy         bool          `json:"healthy"`
	AvgDuration     time.Duration `json:"avg_duration"`
	P50Duration     time.Duration `json:"p50_duration"`
	P95Duration     time.Duration `json:"p95_duration"`
	P99Duration     time.Duration `json:"p99_duration"`
}

func (m *Metrics) RecordBackendSelection(backend string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.selections[backend]++
}

func (m *Metrics) IncrementUnavailable() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.unavailable++
}

func (m *Metrics) RecordConnectFailure(backend string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.connectFailures[backend]++
}

func (m *Metrics) RecordRelay(backend string, duration time.Duration, in, out int64, failed bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.durations[backend] = append(m.durations[backend], duration)
	if len(m.durations[backend]) > maxDurationSamples {
		m.durations[backend] = m.durations[backend][1:]
	}

	m.bytesIn[backend] += in
	m.bytesOut[backend] += out

	if failed {
		m.relayFailures[backend]++
	}
}

func (m *Metrics) UpdateHealthStatus(backend string, healthy bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.healthStatus[backend] = healthy
}

func (m *Metrics) Snapshot() Snapshot {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	snap := Snapshot{
		Unavailable: m.unavailable,
		Uptime:      time.Since(m.startTime),
		Backends:    make(map[string]BackendMetrics),
	}

	allBackends := make(map[string]bool)
	for _, set := range []map[string]int64{m.selections, m.connectFailures, m.bytesIn} {
		for backend := range set {
			allBackends[backend] = true
		}
	}
	for backend := range m.durations {
		allBackends[backend] = true
	}
	for backend := range m.healthStatus {
		allBackends[backend] = true
	}

	for backend := range allBackends {
		snap.TotalConnections += m.selections[backend]

		bm := BackendMetrics{
			Selections:      m.selections[backend],
			ConnectFailures: m.connectFailures[backend],
			RelayFailures:   m.relayFailures[backend],
			BytesIn:         m.bytesIn[backend],
			BytesOut:        m.bytesOut[backend],
			Healthy:         m.healthStatus[backend],
		}

		durations := m.durations[backend]
		if len(durations) > 0 {
			sorted := make([]time.Duration, len(durations))
			copy(sorted, durations)
			sort.Slice(sorted, func(i, j int) bool {
				return sorted[i] < sorted[j]
			})

			bm.AvgDuration = average(sorted)
			bm.P50Duration = percentile(sorted, 0.50)
			bm.P95Duration = percentile(sorted, 0.95)
			bm.P99Duration = percentile(sorted, 0.99)
		}

		snap.Backends[backend] = bm
	}

	return snap
}

func NewMetrics() *Metrics {
	return &Metrics{
		selections:      make(map[string]int64),
		connectFailures: make(map[string]int64),
		relayFailures:   make(map[string]int64),
		bytesIn:         make(map[string]int64),
		bytesOut:        make(map[string]int64),
		durations:       make(map[string][]time.Duration),
		healthStatus:    make(map[string]bool),
		startTime:       time.Now(),
	}
}

func average(durations []time.Duration) time.Duration {
	if len(durations) == 0 {
		return 0
	}

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return sum / time.Duration(len(durations))
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}

	index := int(float64(len(sorted)) * p)
	if index >= len(sorted) {
		index = len(sorted) - 1
	}

	return sorted[index]
}
