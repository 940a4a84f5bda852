// Package connquality tracks per-connection round-trip times and classifies
// link quality.
package connquality

import (
	"sync"
	"time"

	"arena-service/internal/domain"
)

// Thresholds split the rolling average into GOOD / DEGRADED / BAD.
type Thresholds struct {
	Good     time.Duration
	Degraded time.Duration
}

// DefaultThresholds: <100ms GOOD, <300ms DEGRADED, else BAD.
var DefaultThresholds = Thresholds{Good: 100 * time.Millisecond, Degraded: 300 * time.Millisecond}

// DefaultWindow is the number of RTT samples in the rolling average.
const DefaultWindow = 10

// Metrics is the ConnectionMetrics view for one user.
type Metrics struct {
	UserID               string                 `json:"userId"`
	RoundTripMillis      int64                  `json:"roundTripMillis"`
	RollingAverageMillis int64                  `json:"rollingAverageMillis"`
	Samples              int                    `json:"samples"`
	DisconnectCount      int                    `json:"disconnectCount"`
	Classification       domain.ConnectionState `json:"classification"`
}

// Classify maps an average RTT onto a connection state.
func (t Thresholds) Classify(avg time.Duration) domain.ConnectionState {
	switch {
	case avg < t.Good:
		return domain.ConnectionGood
	case avg < t.Degraded:
		return domain.ConnectionDegraded
	default:
		return domain.ConnectionBad
	}
}

// DisplayOffset is how far a client may shift a displayed countdown to hide
// latency: half the rolling average. Display only.
func DisplayOffset(avg time.Duration) time.Duration {
	return avg / 2
}

// Monitor keeps a ring of recent samples per user.
type Monitor struct {
	thresholds Thresholds
	window     int
	now        func() time.Time

	mu    sync.Mutex
	users map[string]*samples
}

type samples struct {
	ring        []time.Duration
	next        int
	filled      int
	latest      time.Duration
	disconnects int
}

func NewMonitor(thresholds Thresholds, window int) *Monitor {
	return NewMonitorWithClock(thresholds, window, time.Now)
}

// NewMonitorWithClock allows deterministic RTTs in tests.
func NewMonitorWithClock(thresholds Thresholds, window int, now func() time.Time) *Monitor {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Monitor{
		thresholds: thresholds,
		window:     window,
		now:        now,
		users:      make(map[string]*samples),
	}
}

// RecordPong derives an RTT from the timestamp the server put in its ping.
func (m *Monitor) RecordPong(userID string, sentAt time.Time) Metrics {
	rtt := m.now().Sub(sentAt)
	if rtt < 0 {
		rtt = 0
	}
	return m.RecordRTT(userID, rtt)
}

func (m *Monitor) RecordRTT(userID string, rtt time.Duration) Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.entryLocked(userID)
	s.ring[s.next] = rtt
	s.next = (s.next + 1) % len(s.ring)
	if s.filled < len(s.ring) {
		s.filled++
	}
	s.latest = rtt
	return m.metricsLocked(userID, s)
}

func (m *Monitor) RecordDisconnect(userID string) Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.entryLocked(userID)
	s.disconnects++
	return m.metricsLocked(userID, s)
}

// Metrics returns the current view; ok is false for users never seen.
func (m *Monitor) Metrics(userID string) (Metrics, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.users[userID]
	if !ok {
		return Metrics{UserID: userID, Classification: domain.ConnectionGood}, false
	}
	return m.metricsLocked(userID, s), true
}

// Forget drops a user's samples once they have no live connection.
func (m *Monitor) Forget(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.users, userID)
}

func (m *Monitor) Thresholds() Thresholds { return m.thresholds }

func (m *Monitor) entryLocked(userID string) *samples {
	s, ok := m.users[userID]
	if !ok {
		s = &samples{ring: make([]time.Duration, m.window)}
		m.users[userID] = s
	}
	return s
}

func (m *Monitor) metricsLocked(userID string, s *samples) Metrics {
	avg := s.average()
	class := domain.ConnectionGood
	if s.filled > 0 {
		class = m.thresholds.Classify(avg)
	}
	return Metrics{
		UserID:               userID,
		RoundTripMillis:      s.latest.Milliseconds(),
		RollingAverageMillis: avg.Milliseconds(),
		Samples:              s.filled,
		DisconnectCount:      s.disconnects,
		Classification:       class,
	}
}

func (s *samples) average() time.Duration {
	if s.filled == 0 {
		return 0
	}
	var sum time.Duration
	for i := 0; i < s.filled; i++ {
		sum += s.ring[i]
	}
	return sum / time.Duration(s.filled)
}
