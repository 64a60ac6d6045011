package relay

import (
	"sync"
	"time"
)

type HealthSnapshot struct {
	TotalProcessed uint64 `json:"totalProcessed"`
	TotalFailed    uint64 `json:"totalFailed"`
	LastError      string `json:"lastError,omitempty"`
	LastErrorAt    string `json:"lastErrorAt,omitempty"`
	LastSuccess    string `json:"lastSuccess,omitempty"`
	UptimeSeconds  int64  `json:"uptimeSeconds"`
}

// HealthMonitor is a passive observer fed by the daemon and pipeline.
// Counters are monotonic except for an explicit Reset.
type HealthMonitor struct {
	mu             sync.Mutex
	startedAt      time.Time
	totalProcessed uint64
	totalFailed    uint64
	lastError      string
	lastErrorAt    time.Time
	lastSuccess    time.Time
}

func NewHealthMonitor() *HealthMonitor {
	return &HealthMonitor{startedAt: time.Now().UTC()}
}

func (m *HealthMonitor) Record(success bool, errMessage string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if success {
		m.totalProcessed++
		m.lastSuccess = now
		return
	}
	m.totalFailed++
	m.lastError = errMessage
	m.lastErrorAt = now
}

func (m *HealthMonitor) Snapshot() HealthSnapshot {
	if m == nil {
		return HealthSnapshot{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := HealthSnapshot{
		TotalProcessed: m.totalProcessed,
		TotalFailed:    m.totalFailed,
		LastError:      m.lastError,
		UptimeSeconds:  int64(time.Since(m.startedAt).Seconds()),
	}
	if !m.lastErrorAt.IsZero() {
		snapshot.LastErrorAt = m.lastErrorAt.Format(time.RFC3339Nano)
	}
	if !m.lastSuccess.IsZero() {
		snapshot.LastSuccess = m.lastSuccess.Format(time.RFC3339Nano)
	}
	return snapshot
}

func (m *HealthMonitor) Reset() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalProcessed = 0
	m.totalFailed = 0
	m.lastError = ""
	m.lastErrorAt = time.Time{}
	m.lastSuccess = time.Time{}
	m.startedAt = time.Now().UTC()
}
