package ptyproto

import (
	"encoding/json"
	"fmt"
	"sync"
)

// ValidationError is returned by Validate for a payload that is
// structurally wrong (spec.md §4.12/§7's "Validation" error class).
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

// Validate checks raw against the schema implied by Envelope.Type,
// rejecting unknown types and structurally-invalid payloads (e.g. a
// resize request with a non-positive cols/rows). Returns the decoded
// Envelope.Type alongside any error so a caller can still route
// unknown-type messages to a generic error response.
func Validate(raw []byte) (msgType string, err error) {
	var env Envelope
	if jerr := json.Unmarshal(raw, &env); jerr != nil {
		return "", &ValidationError{Reason: "malformed envelope: " + jerr.Error()}
	}
	if len(raw) > MaxMessageLength {
		return env.Type, &ValidationError{Reason: fmt.Sprintf("message exceeds MAX_MESSAGE_LENGTH (%d > %d)", len(raw), MaxMessageLength)}
	}

	switch env.Type {
	case TypeSpawn:
		var req SpawnRequest
		if jerr := json.Unmarshal(raw, &req); jerr != nil {
			return env.Type, &ValidationError{Reason: "invalid spawn payload: " + jerr.Error()}
		}
		if req.ID == "" {
			return env.Type, &ValidationError{Reason: "spawn requires id"}
		}
	case TypeWrite:
		var req WriteRequest
		if jerr := json.Unmarshal(raw, &req); jerr != nil {
			return env.Type, &ValidationError{Reason: "invalid write payload: " + jerr.Error()}
		}
		if req.ID == "" {
			return env.Type, &ValidationError{Reason: "write requires id"}
		}
	case TypeResize:
		var req ResizeRequest
		if jerr := json.Unmarshal(raw, &req); jerr != nil {
			return env.Type, &ValidationError{Reason: "invalid resize payload: " + jerr.Error()}
		}
		if req.ID == "" || req.Cols <= 0 || req.Rows <= 0 {
			return env.Type, &ValidationError{Reason: "resize requires id, cols > 0, rows > 0"}
		}
	case TypeKill:
		var req KillRequest
		if jerr := json.Unmarshal(raw, &req); jerr != nil {
			return env.Type, &ValidationError{Reason: "invalid kill payload: " + jerr.Error()}
		}
		if req.ID == "" {
			return env.Type, &ValidationError{Reason: "kill requires id"}
		}
	case TypeSnapshot:
		var req SnapshotRequest
		if jerr := json.Unmarshal(raw, &req); jerr != nil {
			return env.Type, &ValidationError{Reason: "invalid snapshot payload: " + jerr.Error()}
		}
		if req.ID == "" {
			return env.Type, &ValidationError{Reason: "snapshot requires id"}
		}
	case TypeCleanLog:
		var req CleanLogRequest
		if jerr := json.Unmarshal(raw, &req); jerr != nil {
			return env.Type, &ValidationError{Reason: "invalid cleanLog payload: " + jerr.Error()}
		}
		if req.ID == "" {
			return env.Type, &ValidationError{Reason: "cleanLog requires id"}
		}
	case TypeHealthCheck:
		// No body beyond the envelope.
	case TypePong:
		var req HealthCheckPong
		if jerr := json.Unmarshal(raw, &req); jerr != nil {
			return env.Type, &ValidationError{Reason: "invalid pong payload: " + jerr.Error()}
		}
	default:
		return env.Type, &ValidationError{Reason: "unknown request type: " + env.Type}
	}

	return env.Type, nil
}

// SessionCaps enforces the per-session message caps from spec.md §4.12:
// MAX_MESSAGES total inbound requests, MAX_MESSAGE_LENGTH bytes per
// message. Once the cap is exceeded the session is marked done and
// every subsequent call to Admit reports the cap violation again,
// matching the teacher's "structured error then terminal done marker"
// idiom (internal/relay/pty_relay.go's per-connection error-then-close
// pattern, generalized from a connection cap into an explicit counter
// since the PTY Host has no direct network connection of its own to
// close).
type SessionCaps struct {
	mu       sync.Mutex
	sessions map[string]*sessionCounter
}

type sessionCounter struct {
	messages int
	done     bool
}

// NewSessionCaps builds an empty cap tracker.
func NewSessionCaps() *SessionCaps {
	return &SessionCaps{sessions: make(map[string]*sessionCounter)}
}

// Admit records one inbound message for sessionID and reports whether it
// is still within MAX_MESSAGES / MAX_MESSAGE_LENGTH. Once a session is
// marked done, every subsequent Admit call returns ok=false without
// incrementing further, so repeat offenders don't silently reset.
func (s *SessionCaps) Admit(sessionID string, messageLen int) (ok bool, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, exists := s.sessions[sessionID]
	if !exists {
		c = &sessionCounter{}
		s.sessions[sessionID] = c
	}
	if c.done {
		return false, "session already closed after a prior cap violation"
	}

	if messageLen > MaxMessageLength {
		c.done = true
		return false, fmt.Sprintf("message exceeds MAX_MESSAGE_LENGTH (%d > %d)", messageLen, MaxMessageLength)
	}

	c.messages++
	if c.messages > MaxMessages {
		c.done = true
		return false, fmt.Sprintf("session exceeded MAX_MESSAGES (%d)", MaxMessages)
	}

	return true, ""
}

// Done reports whether sessionID has already been closed by a cap
// violation.
func (s *SessionCaps) Done(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.sessions[sessionID]
	return ok && c.done
}

// Remove stops tracking sessionID (on disconnect).
func (s *SessionCaps) Remove(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
}
