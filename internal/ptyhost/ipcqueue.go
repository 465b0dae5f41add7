package ptyhost

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// IPCQueueManager enforces the watermark backpressure policy over the
// outbound RPC send queue (spec.md §4.9) — separate from the
// BackpressureManager's visual-segment budget. Generalizes the teacher's
// Bandwidth.Wait monthly-quota metering (internal/relay/pty_relay.go) from
// a usage quota into a queue-depth watermark, and reuses
// golang.org/x/time/rate to keep "Consumer may be stalled" log lines
// (emitted on every force-resume check) from flooding the log when a
// terminal stays wedged for a long time.
type IPCQueueManager struct {
	mu sync.Mutex

	maxQueueBytes        int64
	highWatermarkPercent int
	lowWatermarkPercent  int
	maxPauseMS           int64
	checkInterval        time.Duration
	now                  func() time.Time

	queues map[string]*ipcQueueState

	sink        EventSink
	logStallLim *rate.Limiter
	logStall    func(terminalID string)
}

type ipcQueueState struct {
	queuedBytes int64
	paused      bool
	pauseStart  time.Time
	checkTimer  *time.Timer
}

// NewIPCQueueManager builds a manager from spec.md §6's configuration
// knobs (all pulled from Config — see SPEC_FULL.md §10.3).
func NewIPCQueueManager(maxQueueBytes int64, highWatermarkPercent, lowWatermarkPercent int, maxPauseMS int64, checkInterval time.Duration, now func() time.Time, sink EventSink, logStall func(terminalID string)) *IPCQueueManager {
	if maxQueueBytes <= 0 {
		maxQueueBytes = 1024 * 1024
	}
	if highWatermarkPercent <= 0 {
		highWatermarkPercent = 80
	}
	if lowWatermarkPercent <= 0 {
		lowWatermarkPercent = 40
	}
	if maxPauseMS <= 0 {
		maxPauseMS = 30_000
	}
	if checkInterval <= 0 {
		checkInterval = 250 * time.Millisecond
	}
	if now == nil {
		now = time.Now
	}
	return &IPCQueueManager{
		maxQueueBytes:        maxQueueBytes,
		highWatermarkPercent: highWatermarkPercent,
		lowWatermarkPercent:  lowWatermarkPercent,
		maxPauseMS:           maxPauseMS,
		checkInterval:        checkInterval,
		now:                  now,
		queues:               make(map[string]*ipcQueueState),
		sink:                 sink,
		logStallLim:          rate.NewLimiter(rate.Every(time.Minute), 1),
		logStall:             logStall,
	}
}

// Register starts tracking terminalID's send queue.
func (m *IPCQueueManager) Register(terminalID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queues[terminalID] = &ipcQueueState{}
}

func (m *IPCQueueManager) highWatermarkBytes() int64 {
	return m.maxQueueBytes * int64(m.highWatermarkPercent) / 100
}

func (m *IPCQueueManager) lowWatermarkBytes() int64 {
	return m.maxQueueBytes * int64(m.lowWatermarkPercent) / 100
}

// Enqueued records n additional bytes queued for delivery to terminalID
// and applies backpressure if the high watermark is crossed.
func (m *IPCQueueManager) Enqueued(terminalID string, n int64, proc ptyProcess) {
	m.mu.Lock()
	q, ok := m.queues[terminalID]
	if !ok {
		m.mu.Unlock()
		return
	}
	q.queuedBytes += n
	m.mu.Unlock()

	m.applyBackpressure(terminalID, proc)
}

// Drained records n bytes removed from terminalID's send queue (sent and
// acknowledged).
func (m *IPCQueueManager) Drained(terminalID string, n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[terminalID]
	if !ok {
		return
	}
	q.queuedBytes = clampNonNegative(q.queuedBytes - n)
}

// applyBackpressure implements spec.md §4.9's applyBackpressure op.
func (m *IPCQueueManager) applyBackpressure(terminalID string, proc ptyProcess) {
	m.mu.Lock()
	q, ok := m.queues[terminalID]
	if !ok || q.paused || proc == nil {
		m.mu.Unlock()
		return
	}
	if q.queuedBytes < m.highWatermarkBytes() {
		m.mu.Unlock()
		return
	}

	q.paused = true
	q.pauseStart = m.now()
	utilization := m.utilizationLocked(q)
	m.mu.Unlock()

	_ = proc.Pause()
	if m.sink != nil {
		m.sink.TerminalStatus(TerminalStatusEvent{ID: terminalID, Status: FlowPausedBackpressure, BufferUtilization: utilization, Timestamp: m.now()})
		m.sink.ReliabilityMetric(ReliabilityMetricEvent{TerminalID: terminalID, MetricType: MetricPauseStart, Timestamp: m.now(), BufferUtilization: utilization})
	}

	m.scheduleCheck(terminalID, proc)
}

func (m *IPCQueueManager) utilizationLocked(q *ipcQueueState) float64 {
	if m.maxQueueBytes == 0 {
		return 0
	}
	return clamp01(float64(q.queuedBytes) / float64(m.maxQueueBytes))
}

func (m *IPCQueueManager) scheduleCheck(terminalID string, proc ptyProcess) {
	m.mu.Lock()
	q, ok := m.queues[terminalID]
	if !ok {
		m.mu.Unlock()
		return
	}
	if q.checkTimer != nil {
		q.checkTimer.Stop()
	}
	q.checkTimer = time.AfterFunc(m.checkInterval, func() {
		m.check(terminalID, proc)
	})
	m.mu.Unlock()
}

// check implements the periodic-check branch of spec.md §4.9.
func (m *IPCQueueManager) check(terminalID string, proc ptyProcess) {
	m.mu.Lock()
	q, ok := m.queues[terminalID]
	if !ok || !q.paused {
		m.mu.Unlock()
		return
	}
	pauseDuration := m.now().Sub(q.pauseStart)

	if pauseDuration.Milliseconds() > m.maxPauseMS {
		utilization := m.utilizationLocked(q)
		q.paused = false
		if q.checkTimer != nil {
			q.checkTimer.Stop()
			q.checkTimer = nil
		}
		q.pauseStart = time.Time{}
		m.mu.Unlock()

		if proc != nil {
			_ = proc.Resume()
		}
		if m.sink != nil {
			m.sink.TerminalStatus(TerminalStatusEvent{ID: terminalID, Status: FlowRunning, PauseDurationMS: pauseDuration.Milliseconds(), Timestamp: m.now()})
			m.sink.ReliabilityMetric(ReliabilityMetricEvent{TerminalID: terminalID, MetricType: MetricPauseEnd, Timestamp: m.now(), DurationMS: pauseDuration.Milliseconds(), BufferUtilization: utilization})
		}
		if m.logStall != nil && m.logStallLim.Allow() {
			m.logStall(terminalID)
		}
		return
	}

	if q.queuedBytes < m.lowWatermarkBytes() {
		q.paused = false
		if q.checkTimer != nil {
			q.checkTimer.Stop()
			q.checkTimer = nil
		}
		q.pauseStart = time.Time{}
		m.mu.Unlock()

		if proc != nil {
			_ = proc.Resume()
		}
		if m.sink != nil {
			m.sink.TerminalStatus(TerminalStatusEvent{ID: terminalID, Status: FlowRunning, PauseDurationMS: pauseDuration.Milliseconds(), Timestamp: m.now()})
			m.sink.ReliabilityMetric(ReliabilityMetricEvent{TerminalID: terminalID, MetricType: MetricPauseEnd, Timestamp: m.now(), DurationMS: pauseDuration.Milliseconds()})
		}
		return
	}

	m.mu.Unlock()
	m.scheduleCheck(terminalID, proc)
}

// ClearQueue resets terminalID's queued-byte count to zero and stops its
// pending check timer, without forcing a resume.
func (m *IPCQueueManager) ClearQueue(terminalID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[terminalID]
	if !ok {
		return
	}
	if q.checkTimer != nil {
		q.checkTimer.Stop()
		q.checkTimer = nil
	}
	q.queuedBytes = 0
	q.paused = false
}

// Dispose stops terminalID's timer and removes it from tracking.
func (m *IPCQueueManager) Dispose(terminalID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[terminalID]
	if !ok {
		return
	}
	if q.checkTimer != nil {
		q.checkTimer.Stop()
	}
	delete(m.queues, terminalID)
}

// QueuedBytes returns terminalID's current queued-byte count.
func (m *IPCQueueManager) QueuedBytes(terminalID string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[terminalID]
	if !ok {
		return 0
	}
	return q.queuedBytes
}

// Paused reports whether terminalID's queue is currently pause-gated.
func (m *IPCQueueManager) Paused(terminalID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[terminalID]
	return ok && q.paused
}
