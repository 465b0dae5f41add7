// Package ptyproto defines the wire envelope and message shapes for the
// PTY Host RPC surface (spec.md §4.12/§6) — the request/response and
// event types a transport (WebSocket, in-process channel, …) carries
// between an upstream session and the PTY Host. Modeled directly on
// internal/ws/protocol.go's type-tagged envelope idiom, trimmed to the
// PTY Host's own operation set (no relay/tunnel/passkey concerns here).
package ptyproto

// Per-session caps enforced by the RPC surface (spec.md §4.12).
const (
	MaxMessages      = 100
	MaxMessageLength = 50_000
)

// Request/event type tags. Names are canonical; a transport may rename
// its own wire channel without changing these.
const (
	TypeSpawn       = "spawn"
	TypeWrite       = "write"
	TypeResize      = "resize"
	TypeKill        = "kill"
	TypeSnapshot    = "snapshot"
	TypeCleanLog    = "cleanLog"
	TypeHealthCheck = "health-check"

	TypeOK    = "ok"
	TypeError = "error"
	TypePong  = "pong"
	TypeDone  = "done"

	TypeData                      = "data"
	TypeExit                      = "exit"
	TypeTerminalStatus            = "terminal-status"
	TypeAgentStateChanged         = "agent:state-changed"
	TypeAgentCompleted            = "agent:completed"
	TypeTerminalReliabilityMetric = "terminal-reliability-metric"
)

// Envelope wraps every message with a type field for routing, mirroring
// ws.Envelope.
type Envelope struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
}

// SpawnRequest is the `spawn(id, opts)` RPC (spec.md §6).
type SpawnRequest struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	CWD       string `json:"cwd,omitempty"`
	Cols      int    `json:"cols"`
	Rows      int    `json:"rows"`
	Kind      string `json:"kind,omitempty"`
	AgentType string `json:"agentType,omitempty"`
	AgentID   string `json:"agentId,omitempty"`
}

// SpawnResponse is `{ok} | SpawnError`.
type SpawnResponse struct {
	Type  string      `json:"type"`
	ID    string      `json:"id"`
	OK    bool        `json:"ok"`
	Error *SpawnErrorPayload `json:"error,omitempty"`
}

// SpawnErrorPayload mirrors ptyhost.SpawnError across the wire.
type SpawnErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Errno   int    `json:"errno,omitempty"`
	Syscall string `json:"syscall,omitempty"`
	Path    string `json:"path,omitempty"`
}

// WriteRequest is the `write(id, bytes)` RPC. Data is carried as raw
// bytes at this layer — a wire transport is responsible for any
// base64/text encoding of the outer message, the way the teacher's
// ws.PTYInput base64-encodes Data for JSON transport.
type WriteRequest struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Data []byte `json:"data"`
}

// ResizeRequest is the `resize(id, cols, rows)` RPC.
type ResizeRequest struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Cols int    `json:"cols"`
	Rows int    `json:"rows"`
}

// KillRequest is the `kill(id, signal?)` RPC.
type KillRequest struct {
	Type   string `json:"type"`
	ID     string `json:"id"`
	Signal string `json:"signal,omitempty"`
}

// OKResponse is the generic `{ok}` response for write/resize/kill.
type OKResponse struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	OK   bool   `json:"ok"`
}

// SnapshotRequest is the `snapshot(id)` RPC.
type SnapshotRequest struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// SnapshotResponse is `{sequence, timestamp, lines} | null` — Lines is
// nil when the terminal has no snapshot available (spec.md §6 treats
// that as a null result).
type SnapshotResponse struct {
	Type      string   `json:"type"`
	ID        string   `json:"id"`
	Sequence  int64    `json:"sequence,omitempty"`
	Timestamp int64    `json:"timestamp,omitempty"`
	Lines     []string `json:"lines,omitempty"`
}

// CleanLogRequest is the `cleanLog(id, {sinceSequence?, limit?})` RPC.
type CleanLogRequest struct {
	Type          string `json:"type"`
	ID            string `json:"id"`
	SinceSequence *int64 `json:"sinceSequence,omitempty"`
	Limit         *int   `json:"limit,omitempty"`
}

// CleanLogEntryPayload mirrors ptyhost.CleanLogEntry across the wire.
type CleanLogEntryPayload struct {
	Sequence  int64  `json:"sequence"`
	Timestamp int64  `json:"timestamp"`
	Line      string `json:"line"`
}

// CleanLogResponse is `{latestSequence, entries}`.
type CleanLogResponse struct {
	Type           string                 `json:"type"`
	ID             string                 `json:"id"`
	LatestSequence int64                  `json:"latestSequence"`
	Entries        []CleanLogEntryPayload `json:"entries"`
}

// HealthCheckPing/Pong implement spec.md §6's handshake-then-fallback
// health-check behavior.
type HealthCheckPing struct {
	Type string `json:"type"`
}

type HealthCheckPong struct {
	Type  string `json:"type"`
	Nonce int64  `json:"nonce,omitempty"`
}

// ErrorResponse is sent for invalid payloads and any RPC-level failure.
type ErrorResponse struct {
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	Message string `json:"message"`
}

// DoneMarker is the terminal marker sent after an ErrorResponse for a
// session, per spec.md §4.12 ("a structured error followed by a
// terminal 'done' marker for the affected session").
type DoneMarker struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
}

// Event payloads — spec.md §6's "emitted events", tagged and multiplexed
// onto a single channel per session.

type DataEventPayload struct {
	Type  string `json:"type"`
	ID    string `json:"id"`
	Bytes []byte `json:"bytes"`
}

type ExitEventPayload struct {
	Type     string `json:"type"`
	ID       string `json:"id"`
	ExitCode int    `json:"exitCode"`
	Signal   string `json:"signal,omitempty"`
}

type ErrorEventPayload struct {
	Type    string             `json:"type"`
	ID      string             `json:"id"`
	Spawn   *SpawnErrorPayload `json:"spawnError,omitempty"`
	Message string             `json:"message,omitempty"`
}

type TerminalStatusEventPayload struct {
	Type              string  `json:"type"`
	ID                string  `json:"id"`
	Status            string  `json:"status"`
	BufferUtilization float64 `json:"bufferUtilization,omitempty"`
	PauseDurationMS   int64   `json:"pauseDuration,omitempty"`
	Timestamp         int64   `json:"timestamp"`
}

type AgentStateChangedEventPayload struct {
	Type          string  `json:"type"`
	ID            string  `json:"id"`
	State         string  `json:"state"`
	PreviousState string  `json:"previousState"`
	Trigger       string  `json:"trigger"`
	Confidence    float64 `json:"confidence"`
	Timestamp     int64   `json:"timestamp"`
}

type AgentCompletedEventPayload struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	ExitCode  int    `json:"exitCode"`
	DurationMS int64 `json:"duration"`
	Timestamp int64  `json:"timestamp"`
}

type TerminalReliabilityMetricEventPayload struct {
	Type              string  `json:"type"`
	TerminalID        string  `json:"terminalId"`
	MetricType        string  `json:"metricType"`
	Timestamp         int64   `json:"timestamp"`
	DurationMS        int64   `json:"durationMs,omitempty"`
	BufferUtilization float64 `json:"bufferUtilization,omitempty"`
	ShardIndex        int     `json:"shardIndex,omitempty"`
}
