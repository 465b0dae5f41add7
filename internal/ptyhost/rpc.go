package ptyhost

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"syscall"
	"time"

	"github.com/coder/websocket"

	"github.com/behrlich/ptyhost/internal/ptyproto"
)

// parseSignal maps a kill request's optional signal name (e.g. "SIGKILL",
// "KILL") to an os.Signal, returning nil (Registry.Kill's SIGTERM
// default) for an empty or unrecognized name.
func parseSignal(name string) os.Signal {
	switch name {
	case "SIGKILL", "KILL":
		return syscall.SIGKILL
	case "SIGTERM", "TERM":
		return syscall.SIGTERM
	case "SIGINT", "INT":
		return syscall.SIGINT
	case "SIGHUP", "HUP":
		return syscall.SIGHUP
	case "SIGSTOP", "STOP":
		return syscall.SIGSTOP
	case "SIGCONT", "CONT":
		return syscall.SIGCONT
	default:
		return nil
	}
}

// healthCheckFallbackTimeout is how long the surface waits for a pong
// after the single handshake ping before it falls back to periodic
// health-check polling (spec.md §6).
const healthCheckFallbackTimeout = 5 * time.Second

// RPCSurface implements spec.md §4.12: schema-validated request
// dispatch to a Registry, with streaming events multiplexed onto a
// single per-connection channel and tagged with the terminal id.
// Grounded on internal/relay/pty_relay.go's envelope-switch read loop
// and internal/relay/handler.go's ping/pong idiom, adapted from a
// cross-process relay to a direct PTY Host <-> session dispatch with no
// forwarding hop.
type RPCSurface struct {
	registry *Registry
	caps     *ptyproto.SessionCaps
	broker   *Broker
	logger   *slog.Logger
	now      func() time.Time
}

// NewRPCSurface builds a surface dispatching against registry. The Broker
// correlates each session's handshake ping to its pong (spec.md §4.2/§6) —
// keyed by sessionID, since at most one handshake is ever outstanding per
// session.
func NewRPCSurface(registry *Registry, logger *slog.Logger, now func() time.Time) *RPCSurface {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &RPCSurface{
		registry: registry,
		caps:     ptyproto.NewSessionCaps(),
		broker:   NewBroker(healthCheckFallbackTimeout.Milliseconds(), nil),
		logger:   logger,
		now:      now,
	}
}

// Serve runs the read loop for one WebSocket connection carrying one
// upstream sessionID, dispatching each inbound frame until the
// connection closes or the session is cut off by SessionCaps. Events
// generated by the registry for terminals this session cares about must
// be pumped onto conn separately by the caller's own EventSink
// implementation — Serve only handles the request/response half.
func (s *RPCSurface) Serve(ctx context.Context, conn *websocket.Conn, sessionID string) {
	defer s.caps.Remove(sessionID)

	s.sendHealthCheckHandshake(ctx, conn, sessionID)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		if ok, reason := s.caps.Admit(sessionID, len(data)); !ok {
			s.writeError(ctx, conn, "", reason)
			s.writeDone(ctx, conn, sessionID)
			return
		}

		if !s.dispatch(ctx, conn, sessionID, data) {
			return
		}
	}
}

// dispatch validates and routes one inbound frame, returning false if the
// session should be closed. Per spec.md §4.12, an invalid payload produces
// a structured error followed by a terminal "done" marker for the
// affected session — the same shape as a SessionCaps violation.
func (s *RPCSurface) dispatch(ctx context.Context, conn *websocket.Conn, sessionID string, data []byte) bool {
	msgType, verr := ptyproto.Validate(data)
	if verr != nil {
		s.writeError(ctx, conn, "", verr.Error())
		s.writeDone(ctx, conn, sessionID)
		return false
	}

	switch msgType {
	case ptyproto.TypeSpawn:
		var req ptyproto.SpawnRequest
		_ = json.Unmarshal(data, &req)
		s.handleSpawn(ctx, conn, req)
	case ptyproto.TypeWrite:
		var req ptyproto.WriteRequest
		_ = json.Unmarshal(data, &req)
		s.registry.Write(req.ID, req.Data)
		s.writeJSON(ctx, conn, ptyproto.OKResponse{Type: ptyproto.TypeOK, ID: req.ID, OK: true})
	case ptyproto.TypeResize:
		var req ptyproto.ResizeRequest
		_ = json.Unmarshal(data, &req)
		s.registry.Resize(req.ID, req.Cols, req.Rows)
		s.writeJSON(ctx, conn, ptyproto.OKResponse{Type: ptyproto.TypeOK, ID: req.ID, OK: true})
	case ptyproto.TypeKill:
		var req ptyproto.KillRequest
		_ = json.Unmarshal(data, &req)
		s.registry.Kill(req.ID, parseSignal(req.Signal))
		s.writeJSON(ctx, conn, ptyproto.OKResponse{Type: ptyproto.TypeOK, ID: req.ID, OK: true})
	case ptyproto.TypeSnapshot:
		var req ptyproto.SnapshotRequest
		_ = json.Unmarshal(data, &req)
		s.handleSnapshot(ctx, conn, req)
	case ptyproto.TypeCleanLog:
		var req ptyproto.CleanLogRequest
		_ = json.Unmarshal(data, &req)
		s.handleCleanLog(ctx, conn, req)
	case ptyproto.TypeHealthCheck:
		s.writeJSON(ctx, conn, ptyproto.HealthCheckPong{Type: ptyproto.TypePong})
	case ptyproto.TypePong:
		var req ptyproto.HealthCheckPong
		_ = json.Unmarshal(data, &req)
		s.broker.Resolve(sessionID, &req)
	}
	return true
}

func (s *RPCSurface) handleSpawn(ctx context.Context, conn *websocket.Conn, req ptyproto.SpawnRequest) {
	opts := SpawnOptions{
		CWD:     req.CWD,
		Cols:    req.Cols,
		Rows:    req.Rows,
		Kind:    req.Kind,
		Type:    req.AgentType,
		AgentID: req.AgentID,
	}

	_, spawnErr := s.registry.Spawn(req.ID, opts)
	if spawnErr != nil {
		s.writeJSON(ctx, conn, ptyproto.SpawnResponse{
			Type: ptyproto.TypeSpawn,
			ID:   req.ID,
			OK:   false,
			Error: &ptyproto.SpawnErrorPayload{
				Code:    string(spawnErr.Code),
				Message: spawnErr.Message,
				Errno:   spawnErr.Errno,
				Syscall: spawnErr.Syscall,
				Path:    spawnErr.Path,
			},
		})
		s.writeJSON(ctx, conn, ptyproto.ErrorEventPayload{
			Type: ptyproto.TypeError,
			ID:   req.ID,
			Spawn: &ptyproto.SpawnErrorPayload{
				Code: string(spawnErr.Code), Message: spawnErr.Message, Errno: spawnErr.Errno, Syscall: spawnErr.Syscall, Path: spawnErr.Path,
			},
		})
		return
	}

	s.writeJSON(ctx, conn, ptyproto.SpawnResponse{Type: ptyproto.TypeSpawn, ID: req.ID, OK: true})
}

func (s *RPCSurface) handleSnapshot(ctx context.Context, conn *websocket.Conn, req ptyproto.SnapshotRequest) {
	term := s.registry.GetTerminal(req.ID)
	if term == nil || s.registry.projection == nil {
		s.writeJSON(ctx, conn, ptyproto.SnapshotResponse{Type: ptyproto.TypeSnapshot, ID: req.ID})
		return
	}

	if _, err := s.registry.projection.GetSnapshotAsync(req.ID, s.registry.SnapshotFn(req.ID)); err != nil {
		s.writeJSON(ctx, conn, ptyproto.SnapshotResponse{Type: ptyproto.TypeSnapshot, ID: req.ID})
		return
	}

	s.registry.mu.Lock()
	screen := s.registry.screens[req.ID]
	s.registry.mu.Unlock()
	var lines []string
	if screen != nil {
		lines = screen.Lines()
	}

	_, latest := s.registry.projection.GetCleanLog(req.ID, nil, nil)

	s.writeJSON(ctx, conn, ptyproto.SnapshotResponse{
		Type:      ptyproto.TypeSnapshot,
		ID:        req.ID,
		Sequence:  latest,
		Timestamp: s.now().UnixMilli(),
		Lines:     lines,
	})
}

func (s *RPCSurface) handleCleanLog(ctx context.Context, conn *websocket.Conn, req ptyproto.CleanLogRequest) {
	if s.registry.projection == nil {
		s.writeJSON(ctx, conn, ptyproto.CleanLogResponse{Type: ptyproto.TypeCleanLog, ID: req.ID})
		return
	}

	entries, latest := s.registry.projection.GetCleanLog(req.ID, req.SinceSequence, req.Limit)
	payload := make([]ptyproto.CleanLogEntryPayload, len(entries))
	for i, e := range entries {
		payload[i] = ptyproto.CleanLogEntryPayload{
			Sequence:  e.Sequence,
			Timestamp: e.Timestamp.UnixMilli(),
			Line:      e.Line,
		}
	}

	s.writeJSON(ctx, conn, ptyproto.CleanLogResponse{
		Type:           ptyproto.TypeCleanLog,
		ID:             req.ID,
		LatestSequence: latest,
		Entries:        payload,
	})
}

// sendHealthCheckHandshake sends a single ping and registers its pong with
// the Broker under sessionID. If the pong arrives within
// healthCheckFallbackTimeout, Resolve delivers it here and the fallback
// never starts. If not, the Broker's own timer rejects the pending entry
// with a timeout error and this goroutine begins periodic health-check
// polling instead (spec.md §6). A pong that arrives after the Broker has
// already timed out the entry finds nothing pending — Resolve is a no-op —
// so a late pong is correctly ignored.
func (s *RPCSurface) sendHealthCheckHandshake(ctx context.Context, conn *websocket.Conn, sessionID string) {
	s.writeJSON(ctx, conn, ptyproto.HealthCheckPing{Type: ptyproto.TypeHealthCheck})

	fut := Register[*ptyproto.HealthCheckPong](s.broker, sessionID, healthCheckFallbackTimeout.Milliseconds())
	go func() {
		_, err := fut.Wait(ctx)
		if err != nil && ctx.Err() == nil {
			s.startFallbackPolling(ctx, conn, sessionID)
		}
	}()
}

// startFallbackPolling sends a health-check on a fixed interval once the
// handshake ping has gone unanswered for healthCheckFallbackTimeout.
func (s *RPCSurface) startFallbackPolling(ctx context.Context, conn *websocket.Conn, sessionID string) {
	ticker := time.NewTicker(healthCheckFallbackTimeout)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if s.caps.Done(sessionID) {
					return
				}
				s.writeJSON(ctx, conn, ptyproto.HealthCheckPing{Type: ptyproto.TypeHealthCheck})
			}
		}
	}()
}

func (s *RPCSurface) writeJSON(ctx context.Context, conn *websocket.Conn, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Warn("failed to marshal rpc response", "error", err)
		return
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		s.logger.Warn("failed to write rpc response", "error", err)
	}
}

func (s *RPCSurface) writeError(ctx context.Context, conn *websocket.Conn, id, message string) {
	s.writeJSON(ctx, conn, ptyproto.ErrorResponse{Type: ptyproto.TypeError, ID: id, Message: message})
}

func (s *RPCSurface) writeDone(ctx context.Context, conn *websocket.Conn, sessionID string) {
	s.writeJSON(ctx, conn, ptyproto.DoneMarker{Type: ptyproto.TypeDone, SessionID: sessionID})
}
