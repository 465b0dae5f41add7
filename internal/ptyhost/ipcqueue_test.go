package ptyhost

import (
	"testing"
	"time"
)

func TestIPCQueue_PausesAtHighWatermark(t *testing.T) {
	sink := &capturingSink{}
	m := NewIPCQueueManager(1000, 80, 40, 30_000, time.Hour, nil, sink, nil)
	m.Register("t1")
	proc := &fakeProc{}

	m.Enqueued("t1", 850, proc) // 85% > 80% high watermark

	if !m.Paused("t1") {
		t.Fatal("expected queue to be paused at high watermark")
	}
	if proc.paused != 1 {
		t.Fatalf("proc.Pause called %d times, want 1", proc.paused)
	}
	foundPauseStart := false
	for _, e := range sink.metrics {
		if e.MetricType == MetricPauseStart {
			foundPauseStart = true
		}
	}
	if !foundPauseStart {
		t.Fatal("expected a pause-start metric")
	}
}

func TestIPCQueue_BelowWatermarkDoesNotPause(t *testing.T) {
	m := NewIPCQueueManager(1000, 80, 40, 30_000, time.Hour, nil, nil, nil)
	m.Register("t1")
	proc := &fakeProc{}

	m.Enqueued("t1", 500, proc) // 50%, below 80%

	if m.Paused("t1") {
		t.Fatal("expected queue to stay unpaused below high watermark")
	}
}

func TestIPCQueue_ResumesBelowLowWatermark(t *testing.T) {
	sink := &capturingSink{}
	m := NewIPCQueueManager(1000, 80, 40, 30_000, time.Hour, nil, sink, nil)
	m.Register("t1")
	proc := &fakeProc{}

	m.Enqueued("t1", 850, proc)
	if !m.Paused("t1") {
		t.Fatal("expected paused")
	}

	m.Drained("t1", 600) // queuedBytes now 250, 25% < 40% low watermark
	m.check("t1", proc)

	if m.Paused("t1") {
		t.Fatal("expected resume below low watermark")
	}
	if proc.resumed != 1 {
		t.Fatalf("proc.Resume called %d times, want 1", proc.resumed)
	}
}

func TestIPCQueue_ForceResumesAfterMaxPause(t *testing.T) {
	sink := &capturingSink{}
	base := time.Now()
	clock := base
	now := func() time.Time { return clock }

	m := NewIPCQueueManager(1000, 80, 40, 100, time.Hour, now, sink, nil)
	m.Register("t1")
	proc := &fakeProc{}

	m.Enqueued("t1", 900, proc)
	if !m.Paused("t1") {
		t.Fatal("expected paused")
	}

	// Still above low watermark, but pause duration exceeds maxPauseMS.
	clock = base.Add(200 * time.Millisecond)
	m.check("t1", proc)

	if m.Paused("t1") {
		t.Fatal("expected force-resume after max pause even though still above low watermark")
	}
	if proc.resumed != 1 {
		t.Fatalf("proc.Resume called %d times, want 1", proc.resumed)
	}
	foundPauseEnd := false
	for _, e := range sink.metrics {
		if e.MetricType == MetricPauseEnd {
			foundPauseEnd = true
		}
	}
	if !foundPauseEnd {
		t.Fatal("expected a pause-end metric on force-resume")
	}
}

func TestIPCQueue_ClearQueueStopsTimerAndResetsBytes(t *testing.T) {
	m := NewIPCQueueManager(1000, 80, 40, 30_000, time.Hour, nil, nil, nil)
	m.Register("t1")
	proc := &fakeProc{}
	m.Enqueued("t1", 900, proc)

	m.ClearQueue("t1")

	if m.QueuedBytes("t1") != 0 {
		t.Fatalf("queued bytes = %d, want 0", m.QueuedBytes("t1"))
	}
	if m.Paused("t1") {
		t.Fatal("expected ClearQueue to drop the paused flag")
	}
}

func TestIPCQueue_DisposeRemovesTracking(t *testing.T) {
	m := NewIPCQueueManager(1000, 80, 40, 30_000, time.Hour, nil, nil, nil)
	m.Register("t1")
	m.Dispose("t1")

	if m.QueuedBytes("t1") != 0 {
		t.Fatal("expected disposed terminal to report zero queued bytes")
	}
	if m.Paused("t1") {
		t.Fatal("expected disposed terminal to report unpaused")
	}
}
