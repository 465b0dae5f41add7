package ptyhost

import (
	"os"
	"testing"
	"time"
)

// registrySink extends the package's fakeSink with exit tracking, since
// fakeSink (state_machine_test.go) has no use for exit events.
type registrySink struct {
	fakeSink
	exits []ExitEvent
}

func (r *registrySink) Exit(e ExitEvent) { r.exits = append(r.exits, e) }

// fakeRegistryProc is a ptyProcess stand-in so lifecycle tests never spawn a
// real process.
type fakeRegistryProc struct {
	written []byte
	cols    int
	rows    int
	paused  bool
	resumed int
	signals []os.Signal
	closed  bool
}

func (f *fakeRegistryProc) Write(p []byte) (int, error) {
	f.written = append(f.written, p...)
	return len(p), nil
}
func (f *fakeRegistryProc) Resize(cols, rows int) error { f.cols, f.rows = cols, rows; return nil }
func (f *fakeRegistryProc) Pause() error                { f.paused = true; return nil }
func (f *fakeRegistryProc) Resume() error                { f.paused = false; f.resumed++; return nil }
func (f *fakeRegistryProc) Signal(sig os.Signal) error  { f.signals = append(f.signals, sig); return nil }
func (f *fakeRegistryProc) Close() error                { f.closed = true; return nil }

func newTestRegistryTerminal(id string, now time.Time, sink EventSink) (*Registry, *Terminal, *fakeRegistryProc) {
	activity := NewActivityMonitor(DefaultDebounceWindow, func() time.Time { return now }, nil)
	reg := NewRegistry(
		activity,
		NewPatternRegistry(),
		NewBackpressureManager(0, 0, 0, 0, func() time.Time { return now }, sink),
		NewIPCQueueManager(0, 0, 0, 0, 0, func() time.Time { return now }, sink, nil),
		NewProjectionService(func() time.Time { return now }),
		sink,
		nil,
		func() time.Time { return now },
	)
	activity.SetOnTierChange(reg.handleActivityTierChange)

	proc := &fakeRegistryProc{}
	term := &Terminal{
		ID:              id,
		Kind:            KindAgent,
		AgentID:         "claude",
		AnalysisEnabled: true,
		SpawnedAt:       now.UnixNano(),
		ptyProcess:      proc,
		agentState:      StateIdle,
		lastStateChange: now,
	}

	reg.mu.Lock()
	reg.terminals[id] = term
	reg.screens[id] = NewScreenBuffer(80, 24)
	reg.mu.Unlock()
	reg.activity.Register(id, now)
	reg.backpressure.Register(id)
	reg.ipcQueue.Register(id)

	return reg, term, proc
}

func TestRegistry_WriteUnknownIDIsNoop(t *testing.T) {
	reg, _, _ := newTestRegistryTerminal("t1", time.Now(), &fakeSink{})
	// Write to an id that was never registered must not panic or error.
	reg.Write("does-not-exist", []byte("hello"))
}

func TestRegistry_ResizeUnknownIDIsNoop(t *testing.T) {
	reg, _, _ := newTestRegistryTerminal("t1", time.Now(), &fakeSink{})
	reg.Resize("does-not-exist", 100, 40)
}

func TestRegistry_KillUnknownIDReturnsFalse(t *testing.T) {
	reg, _, _ := newTestRegistryTerminal("t1", time.Now(), &fakeSink{})
	if reg.Kill("does-not-exist", nil) {
		t.Fatal("expected Kill on unknown id to return false")
	}
}

func TestRegistry_WriteForwardsToProcess(t *testing.T) {
	now := time.Now()
	reg, _, proc := newTestRegistryTerminal("t1", now, &fakeSink{})

	reg.Write("t1", []byte("hello"))

	if string(proc.written) != "hello" {
		t.Fatalf("proc.written = %q, want %q", proc.written, "hello")
	}
}

func TestRegistry_WriteTransitionsWaitingToWorking(t *testing.T) {
	now := time.Now()
	sink := &fakeSink{}
	reg, term, _ := newTestRegistryTerminal("t1", now, sink)
	term.setState(StateWaiting, now)

	reg.Write("t1", []byte("go\n"))

	if term.State() != StateWorking {
		t.Fatalf("state = %s, want working", term.State())
	}
}

func TestRegistry_ResizeForwardsToProcessAndScreen(t *testing.T) {
	now := time.Now()
	reg, _, proc := newTestRegistryTerminal("t1", now, &fakeSink{})

	reg.Resize("t1", 120, 50)

	if proc.cols != 120 || proc.rows != 50 {
		t.Fatalf("proc size = %dx%d, want 120x50", proc.cols, proc.rows)
	}
}

func TestRegistry_KillSignalsProcess(t *testing.T) {
	now := time.Now()
	reg, _, proc := newTestRegistryTerminal("t1", now, &fakeSink{})

	if !reg.Kill("t1", nil) {
		t.Fatal("expected Kill to return true for a known id")
	}
	if len(proc.signals) != 1 {
		t.Fatalf("expected exactly one signal delivered, got %d", len(proc.signals))
	}
}

func TestRegistry_HandleExitEmitsExactlyOneCompletionAndCleansUp(t *testing.T) {
	now := time.Now()
	sink := &registrySink{}
	reg, term, _ := newTestRegistryTerminal("t1", now, sink)
	term.setState(StateWorking, now)

	reg.handleExit(term, 0, "")

	if len(sink.completed) != 1 {
		t.Fatalf("expected exactly one agent:completed emission, got %d", len(sink.completed))
	}
	if len(sink.exits) != 1 {
		t.Fatalf("expected exactly one exit event, got %d", len(sink.exits))
	}
	if reg.GetTerminal("t1") != nil {
		t.Fatal("expected terminal to be removed from the registry after exit cleanup")
	}
}

func TestRegistry_HandleExitNonzeroIsFailed(t *testing.T) {
	now := time.Now()
	sink := &fakeSink{}
	reg, term, _ := newTestRegistryTerminal("t1", now, sink)
	term.setState(StateWorking, now)

	reg.handleExit(term, 1, "")

	exited, code := term.Exited()
	if !exited || code != 1 {
		t.Fatalf("Exited() = (%v, %d), want (true, 1)", exited, code)
	}
	if term.State() != StateFailed {
		t.Fatalf("state = %s, want failed", term.State())
	}
}

func TestRegistry_ActivityTierChangeDrivesPromptTransition(t *testing.T) {
	base := time.Now()
	clock := base
	now := func() time.Time { return clock }

	activity := NewActivityMonitor(10*time.Millisecond, now, nil)
	sink := &fakeSink{}
	reg := NewRegistry(
		activity,
		NewPatternRegistry(),
		NewBackpressureManager(0, 0, 0, 0, now, sink),
		NewIPCQueueManager(0, 0, 0, 0, 0, now, sink, nil),
		NewProjectionService(now),
		sink,
		nil,
		now,
	)
	activity.SetOnTierChange(reg.handleActivityTierChange)

	proc := &fakeRegistryProc{}
	term := &Terminal{
		ID:              "t1",
		Kind:            KindAgent,
		SpawnedAt:       base.UnixNano(),
		ptyProcess:      proc,
		agentState:      StateWorking,
		lastStateChange: base,
	}
	reg.mu.Lock()
	reg.terminals["t1"] = term
	reg.screens["t1"] = NewScreenBuffer(80, 24)
	reg.mu.Unlock()
	activity.Register("t1", base)

	// No further output arrives; advance past the debounce window and
	// drive Tick the way the per-terminal timer would once it fires.
	clock = base.Add(20 * time.Millisecond)
	activity.Tick("t1")

	if term.State() != StateWaiting {
		t.Fatalf("state = %s, want waiting (debounced busy->prompt should drive EventPrompt)", term.State())
	}
}

func TestRegistry_GetProjectStatsCountsAgentsByCWD(t *testing.T) {
	now := time.Now()
	reg, term, _ := newTestRegistryTerminal("t1", now, &fakeSink{})
	term.CWD = "/home/user/project"
	term.setState(StateWorking, now)

	stats := reg.GetProjectStats("/home/user/project")
	if stats.TotalTerminals != 1 || stats.AgentTerminals != 1 || stats.WorkingAgents != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	empty := reg.GetProjectStats("/home/user/other")
	if empty.TotalTerminals != 0 {
		t.Fatalf("expected no terminals matched under unrelated dir, got %+v", empty)
	}
}

func TestRegistry_SnapshotFnReadsScreenBuffer(t *testing.T) {
	now := time.Now()
	reg, _, _ := newTestRegistryTerminal("t1", now, &fakeSink{})

	reg.mu.Lock()
	screen := reg.screens["t1"]
	reg.mu.Unlock()
	_, _ = screen.Write([]byte("hello"))

	snap, err := reg.SnapshotFn("t1")()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(snap) == 0 {
		t.Fatal("expected a non-empty snapshot")
	}
}

func TestRegistry_SnapshotFnUnknownIDErrors(t *testing.T) {
	reg, _, _ := newTestRegistryTerminal("t1", time.Now(), &fakeSink{})
	_, err := reg.SnapshotFn("does-not-exist")()
	if err == nil {
		t.Fatal("expected an error for an unknown terminal id")
	}
}
