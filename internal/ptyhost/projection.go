package ptyhost

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// CleanLogEntry is one row of human-readable output, derived from
// successive screen snapshots (spec.md §4.10).
type CleanLogEntry struct {
	Sequence  int64
	Timestamp time.Time
	Line      string
}

type lineRecord struct {
	text      string
	timestamp time.Time
}

type projectionState struct {
	lastLines    []string
	lastEmission map[int]lineRecord
	entries      []CleanLogEntry
	nextSequence int64
}

// ProjectionService produces screen snapshots (single-flighted per
// terminal id) and derives a bounded "clean log" from them, suppressing
// spinner-glyph-only updates. Grounded on egg.VTerm/its reconnect-payload
// Snapshot, generalized with golang.org/x/sync/singleflight so concurrent
// getSnapshotAsync calls for the same id share one in-flight computation
// instead of the teacher's single-caller-at-a-time assumption.
type ProjectionService struct {
	sf singleflight.Group

	mu    sync.Mutex
	state map[string]*projectionState
	now   func() time.Time
}

// NewProjectionService creates a service with now defaulting to time.Now.
func NewProjectionService(now func() time.Time) *ProjectionService {
	if now == nil {
		now = time.Now
	}
	return &ProjectionService{
		state: make(map[string]*projectionState),
		now:   now,
	}
}

// GetSnapshotAsync runs snapshotFn for id, single-flighted so a snapshot
// already in progress for id is shared rather than re-run. On success the
// raw ANSI snapshot is fed into the clean-log ingestor (stripped of
// escape sequences first) before being returned. On error, returns nil,
// err — callers per spec.md §4.10 treat that as a null result.
func (p *ProjectionService) GetSnapshotAsync(id string, snapshotFn func() ([]byte, error)) ([]byte, error) {
	v, err, _ := p.sf.Do(id, func() (any, error) {
		raw, ferr := snapshotFn()
		if ferr != nil {
			return nil, ferr
		}
		p.ingest(id, raw, p.now())
		return raw, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// ingest runs under the singleflight group's own per-key serialization (via
// GetSnapshotAsync's Do callback) plus p.mu, so two snapshots for the same
// id can never be ingested out of order — the "stale snapshot sequence
// dropped" case from spec.md §4.10 cannot arise here and needs no
// separate guard.
func (p *ProjectionService) ingest(id string, raw []byte, now time.Time) {
	lines := strings.Split(StripANSI(string(raw)), "\n")

	p.mu.Lock()
	defer p.mu.Unlock()

	st, ok := p.state[id]
	if !ok {
		st = &projectionState{lastEmission: make(map[int]lineRecord)}
		p.state[id] = st
	}

	for row, line := range lines {
		var prev string
		if row < len(st.lastLines) {
			prev = st.lastLines[row]
		}
		if line == prev {
			continue
		}
		trimmed := strings.TrimRight(line, " \t")
		if trimmed == "" {
			continue
		}

		if rec, ok := st.lastEmission[row]; ok && isSpinnerish(rec.text, trimmed, now.Sub(rec.timestamp)) {
			st.lastEmission[row] = lineRecord{text: trimmed, timestamp: now}
			continue
		}

		st.nextSequence++
		st.entries = append(st.entries, CleanLogEntry{
			Sequence:  st.nextSequence,
			Timestamp: now,
			Line:      trimmed,
		})
		st.lastEmission[row] = lineRecord{text: trimmed, timestamp: now}

		if len(st.entries) > CleanLogMaxEntries {
			st.entries = st.entries[len(st.entries)-CleanLogMaxEntries:]
		}
	}

	st.lastLines = lines
}

var spinnerGlyphs = map[byte]bool{'|': true, '/': true, '-': true, '\\': true}

// isSpinnerish implements spec.md §4.10's spinner-ish update predicate:
// within 300ms, both lines non-empty after right-trim, last char of each
// in {|,/,-,\}, and the prefixes (everything but the last char) equal.
func isSpinnerish(prev, next string, dt time.Duration) bool {
	if dt < 0 {
		dt = -dt
	}
	if dt > 300*time.Millisecond {
		return false
	}
	if prev == "" || next == "" {
		return false
	}
	pc, nc := prev[len(prev)-1], next[len(next)-1]
	if !spinnerGlyphs[pc] || !spinnerGlyphs[nc] {
		return false
	}
	return prev[:len(prev)-1] == next[:len(next)-1]
}

// GetCleanLog returns entries with Sequence > sinceSequence (or all, if
// sinceSequence is nil), tail-limited to limit (defaulting to
// CleanLogDefaultLimit, capped at CleanLogMaxEntries), plus the current
// latestSequence for id.
func (p *ProjectionService) GetCleanLog(id string, sinceSequence *int64, limit *int) (entries []CleanLogEntry, latestSequence int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	st, ok := p.state[id]
	if !ok {
		return nil, 0
	}

	since := int64(0)
	if sinceSequence != nil {
		since = *sinceSequence
	}

	n := CleanLogDefaultLimit
	if limit != nil && *limit > 0 {
		n = *limit
	}
	if n > CleanLogMaxEntries {
		n = CleanLogMaxEntries
	}

	var filtered []CleanLogEntry
	for _, e := range st.entries {
		if e.Sequence > since {
			filtered = append(filtered, e)
		}
	}
	if len(filtered) > n {
		filtered = filtered[len(filtered)-n:]
	}
	return filtered, st.nextSequence
}

// Clear drops in-flight and clean-log state for id.
func (p *ProjectionService) Clear(id string) {
	p.mu.Lock()
	delete(p.state, id)
	p.mu.Unlock()
	p.sf.Forget(id)
}

// Dispose drops all per-terminal state.
func (p *ProjectionService) Dispose() {
	p.mu.Lock()
	p.state = make(map[string]*projectionState)
	p.mu.Unlock()
}
