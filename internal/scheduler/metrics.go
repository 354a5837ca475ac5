package scheduler

import (
	"sync"
	"time"

	"github.com/planweave/planweave"
)

// Metrics tracks statistics about one plan execution.
type Metrics struct {
	ActionsExecuted    int
	ActionsSatisfied   int
	ActionsFailed      int
	ActionsAborted     int
	TotalDuration      time.Duration
	LongestActionTime  time.Duration
	ShortestActionTime time.Duration
	TotalRetries       int

	mu sync.Mutex
}

func (m *Metrics) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ActionsExecuted = 0
	m.ActionsSatisfied = 0
	m.ActionsFailed = 0
	m.ActionsAborted = 0
	m.TotalDuration = 0
	m.LongestActionTime = 0
	m.ShortestActionTime = time.Hour * 24
	m.TotalRetries = 0
}

// record folds one terminal action into the metrics.
func (m *Metrics) record(a *planweave.Action) {
	status := a.GetStatus()
	if !status.IsTerminal() {
		return
	}
	duration := a.Duration()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.ActionsExecuted++
	m.TotalDuration += duration
	m.TotalRetries += a.RetryCount

	if duration > m.LongestActionTime {
		m.LongestActionTime = duration
	}
	if duration > 0 && duration < m.ShortestActionTime {
		m.ShortestActionTime = duration
	}

	switch {
	case status.IsSatisfied():
		m.ActionsSatisfied++
	case status == planweave.ActionStatusFailed:
		m.ActionsFailed++
	case status == planweave.ActionStatusAborted:
		m.ActionsAborted++
	}
}

// Copy returns a snapshot without the mutex.
func (m *Metrics) Copy() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	return Metrics{
		ActionsExecuted:    m.ActionsExecuted,
		ActionsSatisfied:   m.ActionsSatisfied,
		ActionsFailed:      m.ActionsFailed,
		ActionsAborted:     m.ActionsAborted,
		TotalDuration:      m.TotalDuration,
		LongestActionTime:  m.LongestActionTime,
		ShortestActionTime: m.ShortestActionTime,
		TotalRetries:       m.TotalRetries,
	}
}
