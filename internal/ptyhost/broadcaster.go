package ptyhost

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/behrlich/ptyhost/internal/ptyproto"
)

// connectedSession is one upstream session's event connection.
type connectedSession struct {
	conn *websocket.Conn
}

// Broadcaster fans Registry events out to every connected session over
// the single multiplexed event channel spec.md §6 describes, each
// message tagged with the terminal id. Grounded on
// internal/relay/workers.go's WingRegistry.BroadcastAll (iterate a
// snapshot of connections under a read lock, write with a short
// per-write timeout so one stalled peer can't stall the others).
type Broadcaster struct {
	mu       sync.RWMutex
	sessions map[string]*connectedSession
	logger   *slog.Logger
	ack      func(terminalID string, n int64)
}

// NewBroadcaster builds an empty Broadcaster.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		sessions: make(map[string]*connectedSession),
		logger:   logger,
	}
}

// SetAcker binds the callback invoked once a data{} event has actually been
// written to a subscribed session — normally Registry.Ack, which drains the
// backpressure and IPC queue managers' per-terminal byte budgets. Wired
// after the Registry exists, since the Broadcaster is built first as the
// System's EventSink.
func (b *Broadcaster) SetAcker(ack func(terminalID string, n int64)) {
	b.mu.Lock()
	b.ack = ack
	b.mu.Unlock()
}

// Subscribe registers conn under sessionID so it receives events until
// Unsubscribe is called.
func (b *Broadcaster) Subscribe(sessionID string, conn *websocket.Conn) {
	b.mu.Lock()
	b.sessions[sessionID] = &connectedSession{conn: conn}
	b.mu.Unlock()
}

// Unsubscribe removes sessionID from the broadcast set.
func (b *Broadcaster) Unsubscribe(sessionID string) {
	b.mu.Lock()
	delete(b.sessions, sessionID)
	b.mu.Unlock()
}

// broadcast marshals v and writes it to every connected session, returning
// the number of writes that actually succeeded — callers that need to know
// whether delivery genuinely happened (Data's backpressure ack) use this;
// callers that don't (Exit, Error, ...) ignore it.
func (b *Broadcaster) broadcast(v any) int {
	data, err := json.Marshal(v)
	if err != nil {
		b.logger.Warn("failed to marshal event", "error", err)
		return 0
	}

	b.mu.RLock()
	sessions := make([]*connectedSession, 0, len(b.sessions))
	for _, s := range b.sessions {
		sessions = append(sessions, s)
	}
	b.mu.RUnlock()

	delivered := 0
	for _, s := range sessions {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
			b.logger.Warn("failed to write event to session", "error", err)
		} else {
			delivered++
		}
		cancel()
	}
	return delivered
}

// Data broadcasts a data{} event and, once it has actually been written to
// at least one subscribed session, acks the bytes with the bound acker so
// the backpressure and IPC queue managers can drain their per-terminal
// budgets. A terminal with no subscribers yet (or a fully stalled one)
// delivers to nobody, so its pending bytes correctly keep accumulating.
func (b *Broadcaster) Data(e DataEvent) {
	delivered := b.broadcast(ptyproto.DataEventPayload{Type: ptyproto.TypeData, ID: e.ID, Bytes: e.Bytes})

	b.mu.RLock()
	ack := b.ack
	b.mu.RUnlock()
	if ack != nil && delivered > 0 {
		ack(e.ID, int64(len(e.Bytes)))
	}
}

func (b *Broadcaster) Exit(e ExitEvent) {
	b.broadcast(ptyproto.ExitEventPayload{Type: ptyproto.TypeExit, ID: e.ID, ExitCode: e.ExitCode, Signal: e.Signal})
}

func (b *Broadcaster) Error(e ErrorEvent) {
	payload := ptyproto.ErrorEventPayload{Type: ptyproto.TypeError, ID: e.ID, Message: e.Msg}
	if e.Spawn != nil {
		payload.Spawn = &ptyproto.SpawnErrorPayload{
			Code:    string(e.Spawn.Code),
			Message: e.Spawn.Message,
			Errno:   e.Spawn.Errno,
			Syscall: e.Spawn.Syscall,
			Path:    e.Spawn.Path,
		}
	}
	b.broadcast(payload)
}

func (b *Broadcaster) TerminalStatus(e TerminalStatusEvent) {
	b.broadcast(ptyproto.TerminalStatusEventPayload{
		Type:              ptyproto.TypeTerminalStatus,
		ID:                e.ID,
		Status:            string(e.Status),
		BufferUtilization: e.BufferUtilization,
		PauseDurationMS:   e.PauseDurationMS,
		Timestamp:         e.Timestamp.UnixMilli(),
	})
}

func (b *Broadcaster) AgentStateChanged(e AgentStateChangedEvent) {
	b.broadcast(ptyproto.AgentStateChangedEventPayload{
		Type:          ptyproto.TypeAgentStateChanged,
		ID:            e.ID,
		State:         string(e.State),
		PreviousState: string(e.PreviousState),
		Trigger:       string(e.Trigger),
		Confidence:    e.Confidence,
		Timestamp:     e.Timestamp.UnixMilli(),
	})
}

func (b *Broadcaster) AgentCompleted(e AgentCompletedEvent) {
	b.broadcast(ptyproto.AgentCompletedEventPayload{
		Type:       ptyproto.TypeAgentCompleted,
		ID:         e.ID,
		ExitCode:   e.ExitCode,
		DurationMS: e.Duration.Milliseconds(),
		Timestamp:  e.Timestamp.UnixMilli(),
	})
}

func (b *Broadcaster) ReliabilityMetric(e ReliabilityMetricEvent) {
	b.broadcast(ptyproto.TerminalReliabilityMetricEventPayload{
		Type:              ptyproto.TypeTerminalReliabilityMetric,
		TerminalID:        e.TerminalID,
		MetricType:        string(e.MetricType),
		Timestamp:         e.Timestamp.UnixMilli(),
		DurationMS:        e.DurationMS,
		BufferUtilization: e.BufferUtilization,
		ShardIndex:        e.ShardIndex,
	})
}
