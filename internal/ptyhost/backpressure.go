package ptyhost

import (
	"bytes"
	"fmt"
	"sync"
	"time"
)

// Safe-cut boundary markers, adapted from egg.replayBuffer.findSafeCut:
// prefer trimming at the end of a sync-update frame, then an erase-line +
// column-reset, then a CRLF boundary, so a dropped segment doesn't split
// an escape sequence in half.
var (
	syncFrameEnd = []byte("\x1b[?2026l")
	eraseLine    = []byte("\x1b[2K\x1b[G")
)

// safeCutPreviewLen bounds how much of a dropped segment is kept for a
// human-readable log preview — full segments can be large and the
// preview only needs enough to be recognizable.
const safeCutPreviewLen = 256

// safeCutPreview returns a short, escape-sequence-safe prefix of data
// suitable for a log line: it ends at the nearest safe boundary at or
// before safeCutPreviewLen, falling back to a hard cut if no boundary is
// found.
func safeCutPreview(data []byte) []byte {
	limit := len(data)
	if limit > safeCutPreviewLen {
		limit = safeCutPreviewLen
	}
	window := data[:limit]

	if idx := bytes.LastIndex(window, syncFrameEnd); idx >= 0 {
		return window[:idx+len(syncFrameEnd)]
	}
	if idx := bytes.LastIndex(window, eraseLine); idx >= 0 {
		return window[:idx]
	}
	if idx := bytes.LastIndex(window, []byte("\r\n")); idx >= 0 {
		return window[:idx+2]
	}
	return window
}

// pendingSegment is one queued chunk of PTY output awaiting delivery to
// the renderer.
type pendingSegment struct {
	data []byte
}

type terminalBudget struct {
	pendingBytes int64
	segments     []pendingSegment

	flowStatus      TerminalFlowStatus
	lastEmitted     TerminalFlowStatus
	pauseStart      time.Time
	paused          bool
	checkTimer      *time.Timer
	suspended       bool
}

// BackpressureManager enforces the per-terminal and global pending-byte
// budgets from spec.md §4.8, pausing and — on prolonged stall —
// suspending individual terminals. Grounded on egg.replayBuffer's
// blocking-writer/reader-cursor backpressure and its findSafeCut trim
// logic, adapted to spec.md's bounded-segment model (reject-on-enqueue
// rather than block-the-writer, since the PTY side is paused instead).
type BackpressureManager struct {
	mu sync.Mutex

	maxPerTerminal int64
	maxTotal       int64
	safetyTimeout  time.Duration
	checkInterval  time.Duration
	now            func() time.Time

	terminals    map[string]*terminalBudget
	totalPending int64

	shardCount int
	sink       EventSink
	onSuspend  func(terminalID string)
}

// SetShardCount configures how reliability metrics compute ShardIndex via
// ShardFor (spec.md §4.3). A non-positive count leaves ShardIndex at 0,
// matching ShardFor(id, 1).
func (m *BackpressureManager) SetShardCount(n int) {
	m.mu.Lock()
	m.shardCount = n
	m.mu.Unlock()
}

// SetOnSuspend binds a callback fired after a terminal's visual segments
// are dropped on Suspend, so a sibling component keyed by the same
// terminal id (the IPC Queue Manager's send queue) can discard its own
// now-stale backlog rather than keep it around with nothing left to
// follow up on.
func (m *BackpressureManager) SetOnSuspend(onSuspend func(terminalID string)) {
	m.mu.Lock()
	m.onSuspend = onSuspend
	m.mu.Unlock()
}

// NewBackpressureManager builds a manager with the given budgets. Zero
// values fall back to spec.md §3/§6 defaults.
func NewBackpressureManager(maxPerTerminal, maxTotal int64, safetyTimeout, checkInterval time.Duration, now func() time.Time, sink EventSink) *BackpressureManager {
	if maxPerTerminal <= 0 {
		maxPerTerminal = MaxPendingBytesPerTerminal
	}
	if maxTotal <= 0 {
		maxTotal = MaxTotalPendingBytes
	}
	if safetyTimeout <= 0 {
		safetyTimeout = BackpressureSafetyTimeout
	}
	if checkInterval <= 0 {
		checkInterval = 250 * time.Millisecond
	}
	if now == nil {
		now = time.Now
	}
	return &BackpressureManager{
		maxPerTerminal: maxPerTerminal,
		maxTotal:       maxTotal,
		safetyTimeout:  safetyTimeout,
		checkInterval:  checkInterval,
		now:            now,
		terminals:      make(map[string]*terminalBudget),
		sink:           sink,
	}
}

// Register starts tracking terminalID with a fresh, empty budget.
func (m *BackpressureManager) Register(terminalID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.terminals[terminalID] = &terminalBudget{flowStatus: FlowRunning}
}

// Enqueue appends a segment of remaining (unconsumed) bytes for
// terminalID. A zero-length segment is a no-op accept. Enqueue is
// rejected — and the segment dropped — when it would push either the
// per-terminal or the global pending total over budget.
func (m *BackpressureManager) Enqueue(terminalID string, data []byte) (accepted bool) {
	remaining := int64(len(data))
	if remaining == 0 {
		return true
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.terminals[terminalID]
	if !ok {
		return false
	}
	if b.pendingBytes+remaining > m.maxPerTerminal {
		return false
	}
	if m.totalPending+remaining > m.maxTotal {
		return false
	}

	b.segments = append(b.segments, pendingSegment{data: data})
	b.pendingBytes += remaining
	m.totalPending += remaining
	return true
}

// Consume decrements terminalID's and the global pending totals by n
// bytes, clamped at 0 — called once the renderer acknowledges delivery.
func (m *BackpressureManager) Consume(terminalID string, n int64) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.terminals[terminalID]
	if !ok {
		return
	}
	b.pendingBytes = clampNonNegative(b.pendingBytes - n)
	m.totalPending = clampNonNegative(m.totalPending - n)
}

func clampNonNegative(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}

// Utilization returns terminalID's pending bytes as a fraction of its
// per-terminal budget, in [0, 1].
func (m *BackpressureManager) Utilization(terminalID string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.terminals[terminalID]
	if !ok || m.maxPerTerminal == 0 {
		return 0
	}
	return clamp01(float64(b.pendingBytes) / float64(m.maxPerTerminal))
}

// Pause marks terminalID paused, calling proc.Pause() and scheduling a
// periodic check that resumes the terminal once its pending budget
// recovers, or suspends it after safetyTimeout.
func (m *BackpressureManager) Pause(terminalID string, proc ptyProcess) {
	m.mu.Lock()
	b, ok := m.terminals[terminalID]
	if !ok || b.paused {
		m.mu.Unlock()
		return
	}
	b.paused = true
	b.pauseStart = m.now()
	b.flowStatus = FlowPausedBackpressure
	m.mu.Unlock()

	if proc != nil {
		_ = proc.Pause()
	}
	m.emitStatus(terminalID)

	m.scheduleCheck(terminalID, proc)
}

func (m *BackpressureManager) scheduleCheck(terminalID string, proc ptyProcess) {
	m.mu.Lock()
	b, ok := m.terminals[terminalID]
	if !ok {
		m.mu.Unlock()
		return
	}
	if b.checkTimer != nil {
		b.checkTimer.Stop()
	}
	b.checkTimer = time.AfterFunc(m.checkInterval, func() {
		m.check(terminalID, proc)
	})
	m.mu.Unlock()
}

func (m *BackpressureManager) check(terminalID string, proc ptyProcess) {
	m.mu.Lock()
	b, ok := m.terminals[terminalID]
	if !ok || !b.paused {
		m.mu.Unlock()
		return
	}
	elapsed := m.now().Sub(b.pauseStart)
	if elapsed > m.safetyTimeout {
		m.mu.Unlock()
		m.Suspend(terminalID, proc, elapsed)
		return
	}

	recovered := b.pendingBytes < m.maxPerTerminal/2
	m.mu.Unlock()

	if recovered {
		m.Resume(terminalID, proc)
		return
	}
	m.scheduleCheck(terminalID, proc)
}

// Resume clears the paused state and calls proc.Resume().
func (m *BackpressureManager) Resume(terminalID string, proc ptyProcess) {
	m.mu.Lock()
	b, ok := m.terminals[terminalID]
	if !ok || !b.paused {
		m.mu.Unlock()
		return
	}
	b.paused = false
	b.flowStatus = FlowRunning
	if b.checkTimer != nil {
		b.checkTimer.Stop()
		b.checkTimer = nil
	}
	m.mu.Unlock()

	if proc != nil {
		_ = proc.Resume()
	}
	m.emitStatus(terminalID)
}

// Suspend performs a best-effort resume of the PTY (to avoid leaving it
// permanently paused), clears the pending segments for terminalID, emits
// status "suspended", and logs a reliability "suspend" metric.
func (m *BackpressureManager) Suspend(terminalID string, proc ptyProcess, pauseDuration time.Duration) {
	m.mu.Lock()
	b, ok := m.terminals[terminalID]
	if !ok {
		m.mu.Unlock()
		return
	}
	if b.checkTimer != nil {
		b.checkTimer.Stop()
		b.checkTimer = nil
	}

	m.totalPending = clampNonNegative(m.totalPending - b.pendingBytes)
	utilization := clamp01(float64(b.pendingBytes) / float64(m.maxPerTerminal))
	shardCount := m.shardCount
	b.segments = nil
	b.pendingBytes = 0
	b.paused = false
	b.suspended = true
	b.flowStatus = FlowSuspended
	m.mu.Unlock()

	if proc != nil {
		_ = proc.Resume()
	}

	m.emitStatus(terminalID)

	if m.sink != nil {
		shard := 0
		if shardCount > 0 {
			if s, err := ShardFor(terminalID, shardCount); err == nil {
				shard = s
			}
		}
		m.sink.ReliabilityMetric(ReliabilityMetricEvent{
			TerminalID:        terminalID,
			MetricType:        MetricSuspend,
			Timestamp:         m.now(),
			DurationMS:        pauseDuration.Milliseconds(),
			BufferUtilization: utilization,
			ShardIndex:        shard,
		})
	}

	m.mu.Lock()
	onSuspend := m.onSuspend
	m.mu.Unlock()
	if onSuspend != nil {
		onSuspend(terminalID)
	}
}

// DroppedSegmentPreview returns a safe, escape-boundary-respecting
// preview of a dropped segment, suitable for a log line. It takes no
// per-terminal state — safeCutPreview trims data alone — so it needs no
// terminal id.
func (m *BackpressureManager) DroppedSegmentPreview(data []byte) string {
	return fmt.Sprintf("%q", safeCutPreview(data))
}

// emitStatus calls sink.TerminalStatus, deduplicating repeats of the same
// status for the same terminal.
func (m *BackpressureManager) emitStatus(terminalID string) {
	m.mu.Lock()
	b, ok := m.terminals[terminalID]
	if !ok {
		m.mu.Unlock()
		return
	}
	if b.lastEmitted == b.flowStatus {
		m.mu.Unlock()
		return
	}
	status := b.flowStatus
	b.lastEmitted = status
	var pauseDurationMS int64
	if !b.pauseStart.IsZero() {
		pauseDurationMS = m.now().Sub(b.pauseStart).Milliseconds()
	}
	utilization := clamp01(float64(b.pendingBytes) / float64(m.maxPerTerminal))
	m.mu.Unlock()

	if m.sink != nil {
		m.sink.TerminalStatus(TerminalStatusEvent{
			ID:                terminalID,
			Status:            status,
			BufferUtilization: utilization,
			PauseDurationMS:   pauseDurationMS,
			Timestamp:         m.now(),
		})
	}
}

// Status returns terminalID's current flow status.
func (m *BackpressureManager) Status(terminalID string) (TerminalFlowStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.terminals[terminalID]
	if !ok {
		return "", false
	}
	return b.flowStatus, true
}

// Dispose tears down terminalID's budget: stops its timer, releases its
// segments, and removes its contribution from the global pending total.
func (m *BackpressureManager) Dispose(terminalID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.terminals[terminalID]
	if !ok {
		return
	}
	if b.checkTimer != nil {
		b.checkTimer.Stop()
	}
	m.totalPending = clampNonNegative(m.totalPending - b.pendingBytes)
	delete(m.terminals, terminalID)
}
