package ptyhost

import "time"

// StateEvent is the input to the Agent State Machine's transition
// function (spec.md §4.7) — distinct from Trigger, which only records
// *why* the event fired for the emitted agent:state-changed payload.
type StateEvent string

const (
	EventBusy   StateEvent = "busy"
	EventPrompt StateEvent = "prompt"
	EventInput  StateEvent = "input"
	EventExit   StateEvent = "exit"
	EventError  StateEvent = "error"
)

// TransitionState runs spec.md §4.7's transition matrix against terminal
// and, if it produces a real state change, updates the terminal and
// emits agent:state-changed (and, on first entry into completed/failed,
// agent:completed exactly once) onto sink. Returns false without any
// mutation or emission when the token is stale or no transition applies.
//
// Grounded on other_examples' kdlbs-kandev AgentExecution stall-tracking
// shape and Hyper-Int-OrcaBot's pty-hub AgentStoppedEvent, adapted to
// spec.md's exact matrix rather than either example's own rules.
func TransitionState(terminal *Terminal, event StateEvent, trigger Trigger, confidence float64, exitCode int, spawnedAtToken int64, now time.Time, sink EventSink) bool {
	if spawnedAtToken != terminal.SpawnedAt {
		return false
	}

	current := terminal.State()
	next, isTerminal := nextState(current, event, exitCode)
	if next == current {
		return false
	}

	confidence = clamp01(confidence)
	terminal.setState(next, now)

	if sink != nil {
		sink.AgentStateChanged(AgentStateChangedEvent{
			ID:            terminal.ID,
			State:         next,
			PreviousState: current,
			Trigger:       trigger,
			Confidence:    confidence,
			Timestamp:     now,
		})
	}

	if isTerminal && terminal.claimCompletionEmission() {
		if sink != nil {
			sink.AgentCompleted(AgentCompletedEvent{
				ID:        terminal.ID,
				ExitCode:  exitCode,
				Duration:  maxDuration(0, now.Sub(time.Unix(0, terminal.SpawnedAt))),
				Timestamp: now,
			})
		}
	}

	return true
}

// nextState implements the matrix from spec.md §3/§4.7. isTerminal
// reports whether next is completed or failed.
func nextState(current AgentState, event StateEvent, exitCode int) (next AgentState, isTerminal bool) {
	if event == EventError {
		return StateFailed, true
	}

	switch {
	case event == EventBusy && (current == StateWaiting || current == StateIdle):
		return StateWorking, false
	case event == EventPrompt && current == StateWorking:
		return StateWaiting, false
	case event == EventInput && current == StateWaiting:
		return StateWorking, false
	case event == EventExit && (current == StateWorking || current == StateWaiting):
		if exitCode == 0 {
			return StateCompleted, true
		}
		return StateFailed, true
	default:
		return current, false
	}
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
