package ptyhost

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
)

// Registry owns spawn/write/resize/kill/getTerminal/getProjectStats and
// fans terminal data and lifecycle events into the other managers
// (spec.md §4.11). It is the single owner of Terminal mutation — every
// other manager reaches a terminal only through the Registry or by
// keeping its own id-keyed side table, per spec.md §5's ownership rule.
//
// Grounded on egg.Server.RunSession (env building, pty.StartWithSize,
// graceful-termination Cancel hook) with the sandbox path dropped — the
// PTY Host spec has no sandboxing component — and cmd/wt/wing.go's agent
// classification.
type Registry struct {
	mu        sync.Mutex
	terminals map[string]*Terminal

	activity     *ActivityMonitor
	patterns     *PatternRegistry
	backpressure *BackpressureManager
	ipcQueue     *IPCQueueManager
	projection   *ProjectionService
	screens      map[string]*ScreenBuffer

	sink   EventSink
	logger *slog.Logger
	now    func() time.Time
}

// handleActivityTierChange is the Activity Monitor's onTierChange
// callback: it merges the timing signal into the Agent State Machine
// alongside the Pattern Detector's pattern signal (spec.md §4.6/§4.7's
// "pattern-plus-timing hybrid"). A debounced busy→prompt tier change
// drives EventPrompt the same way a detected prompt pattern does;
// TierExit is left to handleExit's own TransitionState call, since exit
// already carries the real exit code this callback doesn't have.
func (reg *Registry) handleActivityTierChange(t ActivityStateTransition) {
	term := reg.GetTerminal(t.TerminalID)
	if term == nil {
		return
	}
	var event StateEvent
	switch t.Tier {
	case TierBusy:
		event = EventBusy
	case TierPrompt:
		event = EventPrompt
	default:
		return
	}
	TransitionState(term, event, t.Trigger, t.Confidence, 0, term.SpawnedAt, t.When, reg.sink)
}

// NewRegistry wires a Registry against the already-constructed managers.
func NewRegistry(activity *ActivityMonitor, patterns *PatternRegistry, backpressure *BackpressureManager, ipcQueue *IPCQueueManager, projection *ProjectionService, sink EventSink, logger *slog.Logger, now func() time.Time) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &Registry{
		terminals:    make(map[string]*Terminal),
		activity:     activity,
		patterns:     patterns,
		backpressure: backpressure,
		ipcQueue:     ipcQueue,
		projection:   projection,
		screens:      make(map[string]*ScreenBuffer),
		sink:         sink,
		logger:       logger,
		now:          now,
	}
}

// realPTY adapts *os.File (what creack/pty returns) plus the spawned
// *exec.Cmd into the ptyProcess interface the rest of the package codes
// against, so tests can substitute a fake without spawning a real pty.
type realPTY struct {
	file *os.File
	cmd  *exec.Cmd
}

func (r *realPTY) Write(p []byte) (int, error) { return r.file.Write(p) }

func (r *realPTY) Resize(cols, rows int) error {
	return pty.Setsize(r.file, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
}

func (r *realPTY) Pause() error {
	if r.cmd.Process == nil {
		return nil
	}
	return r.cmd.Process.Signal(syscall.SIGSTOP)
}

func (r *realPTY) Resume() error {
	if r.cmd.Process == nil {
		return nil
	}
	return r.cmd.Process.Signal(syscall.SIGCONT)
}

func (r *realPTY) Signal(sig os.Signal) error {
	if r.cmd.Process == nil {
		return nil
	}
	return r.cmd.Process.Signal(sig)
}

func (r *realPTY) Close() error { return r.file.Close() }

// Spawn allocates a Terminal, starts the underlying PTY process, and
// registers it with every manager. Returns a SpawnError (never a bare
// error) on failure, and never registers a terminal that failed to
// start.
func (reg *Registry) Spawn(id string, opts SpawnOptions) (*Terminal, *SpawnError) {
	if id == "" {
		id = uuid.NewString()
	}

	kind, agentID, analysisEnabled := ClassifyKind(opts)

	shell := opts.Shell
	if shell == "" {
		shell = DefaultShell(os.Environ())
	}
	args := ShellLoginArgs(shell)

	cmd := exec.Command(shell, args...)
	cmd.Env = BuildEnv(os.Environ(), agentID)
	if opts.CWD != "" {
		cmd.Dir = opts.CWD
	}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = 5 * time.Second

	cols, rows := opts.Cols, opts.Rows
	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
	if err != nil {
		return nil, ClassifySpawnError(err, shell)
	}

	now := reg.now()
	term := &Terminal{
		ID:              id,
		CWD:             opts.CWD,
		Shell:           shell,
		SpawnedAt:       now.UnixNano(),
		Kind:            kind,
		AgentID:         agentID,
		AnalysisEnabled: analysisEnabled,
		ptyProcess:      &realPTY{file: ptmx, cmd: cmd},
		agentState:      StateIdle,
		lastStateChange: now,
	}

	reg.mu.Lock()
	reg.terminals[id] = term
	screen := NewScreenBuffer(cols, rows)
	reg.screens[id] = screen
	reg.mu.Unlock()

	if reg.activity != nil {
		reg.activity.Register(id, now)
	}
	if reg.backpressure != nil {
		reg.backpressure.Register(id)
	}
	if reg.ipcQueue != nil {
		reg.ipcQueue.Register(id)
	}

	go reg.readLoop(term, ptmx, cmd)

	reg.logger.Info("terminal spawned", "id", id, "kind", kind, "agentId", agentID, "shell", shell)
	return term, nil
}

// readLoop pumps PTY output into the screen buffer, the Activity Monitor,
// Pattern Detector, Backpressure Manager, and event sink, until the pty
// closes or the process exits.
func (reg *Registry) readLoop(term *Terminal, ptmx *os.File, cmd *exec.Cmd) {
	buf := make([]byte, MaxPacketPayload)
	for {
		n, err := ptmx.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			reg.handleOutput(term, chunk)
		}
		if err != nil {
			break
		}
	}

	waitErr := cmd.Wait()
	exitCode := 0
	var signalName string
	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	reg.handleExit(term, exitCode, signalName)
}

func (reg *Registry) handleOutput(term *Terminal, data []byte) {
	now := reg.now()
	term.recordOutput(now)

	reg.mu.Lock()
	screen := reg.screens[term.ID]
	reg.mu.Unlock()
	if screen != nil {
		_, _ = screen.Write(data)
	}

	if reg.activity != nil {
		reg.activity.RecordOutput(term.ID)
		term.resetActivityTimer(reg.activity.DebounceWindow(), func() { reg.activity.Tick(term.ID) })
	}

	if term.AnalysisEnabled && reg.patterns != nil {
		match := reg.patterns.Detect(term.AgentID, string(data))
		event := EventPrompt
		if match.IsWorking {
			event = EventBusy
		}
		TransitionState(term, event, TriggerOutput, match.Confidence, 0, term.SpawnedAt, now, reg.sink)
	}

	if reg.backpressure != nil {
		if reg.backpressure.Enqueue(term.ID, data) {
			if reg.sink != nil {
				reg.sink.Data(DataEvent{ID: term.ID, Bytes: data})
			}
			// Pending bytes are released by Ack once the downstream consumer
			// (the broadcaster) actually delivers them — not here — so a slow
			// consumer genuinely accumulates pending bytes instead of having
			// them zeroed out synchronously within this single-threaded loop.
			if reg.backpressure.Utilization(term.ID) >= BackpressurePauseThreshold {
				reg.backpressure.Pause(term.ID, term.ptyProcess)
			}
		} else {
			reg.logger.Warn("dropped output segment over pending-byte budget",
				"id", term.ID,
				"segmentSize", humanize.Bytes(uint64(len(data))),
				"preview", reg.backpressure.DroppedSegmentPreview(data),
			)
		}
	}
	if reg.ipcQueue != nil {
		reg.ipcQueue.Enqueued(term.ID, int64(len(data)), term.ptyProcess)
	}
}

// Ack records that n bytes of a data{} event for terminalID were actually
// delivered to the downstream consumer — called by the event sink
// (Broadcaster) once its websocket write succeeds, not synchronously from
// the read loop. This is what drains BackpressureManager's pending-byte
// budget and IPCQueueManager's send-queue depth, so a slow or disconnected
// consumer genuinely accumulates backpressure instead of having it
// zeroed out the instant a byte is produced.
func (reg *Registry) Ack(terminalID string, n int64) {
	if reg.backpressure != nil {
		reg.backpressure.Consume(terminalID, n)
	}
	if reg.ipcQueue != nil {
		reg.ipcQueue.Drained(terminalID, n)
	}
}

func (reg *Registry) handleExit(term *Terminal, exitCode int, signal string) {
	now := reg.now()
	term.markExited(exitCode)

	if reg.activity != nil {
		reg.activity.MarkExit(term.ID)
	}

	TransitionState(term, EventExit, TriggerOutput, 1.0, exitCode, term.SpawnedAt, now, reg.sink)

	if reg.sink != nil {
		reg.sink.Exit(ExitEvent{ID: term.ID, ExitCode: exitCode, Signal: signal})
	}

	reg.cleanup(term.ID)
}

func (reg *Registry) cleanup(id string) {
	reg.mu.Lock()
	term := reg.terminals[id]
	if screen, ok := reg.screens[id]; ok {
		_ = screen.Close()
		delete(reg.screens, id)
	}
	delete(reg.terminals, id)
	reg.mu.Unlock()

	if term != nil {
		term.stopActivityTimer()
	}
	if reg.activity != nil {
		reg.activity.Unregister(id)
	}
	if reg.backpressure != nil {
		reg.backpressure.Dispose(id)
	}
	if reg.ipcQueue != nil {
		reg.ipcQueue.Dispose(id)
	}
	if reg.projection != nil {
		reg.projection.Clear(id)
	}
}

// Write records lastInputTime, classifies the write as Activity Monitor
// trigger "input", frames/translates it per the bracketed-paste and
// soft-newline protocol, and forwards it to the PTY. Writes to an unknown
// id are ignored, not an error (spec.md §4.11).
func (reg *Registry) Write(id string, data []byte) {
	term := reg.GetTerminal(id)
	if term == nil {
		return
	}

	now := reg.now()
	term.recordInput(now)
	if reg.activity != nil {
		reg.activity.RecordInput(id)
		term.resetActivityTimer(reg.activity.DebounceWindow(), func() { reg.activity.Tick(id) })
	}

	prepared := PrepareWrite(string(data), term.AgentID)
	if _, err := term.ptyProcess.Write([]byte(prepared)); err != nil {
		reg.logger.Warn("write to terminal failed", "id", id, "error", err)
	}

	TransitionState(term, EventInput, TriggerInput, 1.0, 0, term.SpawnedAt, now, reg.sink)
}

// Resize forwards a resize to the PTY and the screen buffer. A resize
// for an unknown id is a no-op.
func (reg *Registry) Resize(id string, cols, rows int) {
	term := reg.GetTerminal(id)
	if term == nil {
		return
	}
	_ = term.ptyProcess.Resize(cols, rows)

	reg.mu.Lock()
	screen := reg.screens[id]
	reg.mu.Unlock()
	if screen != nil {
		screen.Resize(cols, rows)
	}
}

// Kill signals the terminal's process (SIGTERM by default) and returns
// whether a terminal with that id existed.
func (reg *Registry) Kill(id string, sig os.Signal) bool {
	term := reg.GetTerminal(id)
	if term == nil {
		return false
	}
	if sig == nil {
		sig = syscall.SIGTERM
	}
	_ = term.ptyProcess.Signal(sig)
	return true
}

// GetTerminal returns the terminal for id, or nil if unknown.
func (reg *Registry) GetTerminal(id string) *Terminal {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return reg.terminals[id]
}

// ProjectStats summarizes the terminals belonging to projectId (spec.md
// §4.11's getProjectStats) — terminals are matched by the CWD prefix
// convention the registry assigns at spawn time, since the entity itself
// carries no explicit project id field.
type ProjectStats struct {
	TotalTerminals  int
	AgentTerminals  int
	WorkingAgents   int
	CompletedAgents int
	FailedAgents    int
}

// GetProjectStats aggregates terminal state for every terminal whose CWD
// is projectDir or a subdirectory of it.
func (reg *Registry) GetProjectStats(projectDir string) ProjectStats {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	var stats ProjectStats
	for _, term := range reg.terminals {
		if !isWithinDir(term.CWD, projectDir) {
			continue
		}
		stats.TotalTerminals++
		if term.Kind != KindAgent {
			continue
		}
		stats.AgentTerminals++
		switch term.State() {
		case StateWorking:
			stats.WorkingAgents++
		case StateCompleted:
			stats.CompletedAgents++
		case StateFailed:
			stats.FailedAgents++
		}
	}
	return stats
}

func isWithinDir(cwd, dir string) bool {
	if dir == "" {
		return true
	}
	if cwd == dir {
		return true
	}
	return len(cwd) > len(dir) && cwd[:len(dir)] == dir && cwd[len(dir)] == os.PathSeparator
}

// SnapshotFn returns a projection.GetSnapshotAsync-compatible function
// for id, reading the registry's own screen buffer.
func (reg *Registry) SnapshotFn(id string) func() ([]byte, error) {
	return func() ([]byte, error) {
		reg.mu.Lock()
		screen := reg.screens[id]
		reg.mu.Unlock()
		if screen == nil {
			return nil, fmt.Errorf("no screen buffer for terminal %s", id)
		}
		return screen.Snapshot(), nil
	}
}

var _ io.Writer = (*realPTY)(nil)
