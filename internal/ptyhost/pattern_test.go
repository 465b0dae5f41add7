package ptyhost

import (
	"regexp"
	"testing"
)

func TestPatternRegistry_ClaudePrimaryMatch(t *testing.T) {
	r := NewPatternRegistry()
	out := "\x1b[2Kworking on it... (esc to interrupt)"
	m := r.Detect("claude", out)
	if !m.IsWorking {
		t.Fatal("expected working=true")
	}
	if m.MatchTier != TierPrimary {
		t.Fatalf("tier = %s, want primary", m.MatchTier)
	}
	if m.Confidence != defaultPrimaryConfidence {
		t.Fatalf("confidence = %v, want %v", m.Confidence, defaultPrimaryConfidence)
	}
}

func TestPatternRegistry_FallbackTier(t *testing.T) {
	r := NewPatternRegistry()
	out := "⠋ thinking about your request"
	m := r.Detect("claude", out)
	if !m.IsWorking {
		t.Fatal("expected working=true")
	}
	if m.MatchTier != TierFallback {
		t.Fatalf("tier = %s, want fallback", m.MatchTier)
	}
	if m.Confidence != defaultFallbackConfidence {
		t.Fatalf("confidence = %v, want %v", m.Confidence, defaultFallbackConfidence)
	}
}

func TestPatternRegistry_NoMatch(t *testing.T) {
	r := NewPatternRegistry()
	m := r.Detect("claude", "$ just a normal prompt\n$ ")
	if m.IsWorking {
		t.Fatal("expected working=false")
	}
	if m.MatchTier != TierNone {
		t.Fatalf("tier = %s, want none", m.MatchTier)
	}
	if m.Confidence != 0 {
		t.Fatalf("confidence = %v, want 0", m.Confidence)
	}
}

func TestPatternRegistry_GeminiUsesOwnProfile(t *testing.T) {
	r := NewPatternRegistry()
	m := r.Detect("gemini", "generating response (esc to cancel)")
	if !m.IsWorking || m.MatchTier != TierPrimary {
		t.Fatalf("expected primary match for gemini, got %+v", m)
	}
}

func TestPatternRegistry_UnregisteredAgentUsesUniversal(t *testing.T) {
	r := NewPatternRegistry()
	m := r.Detect("some-future-agent", "press esc to interrupt the run")
	if !m.IsWorking || m.MatchTier != TierPrimary {
		t.Fatalf("expected universal profile to match, got %+v", m)
	}
}

func TestPatternRegistry_ScanLineCountLimitsWindow(t *testing.T) {
	r := NewPatternRegistry()
	p := r.ProfileFor("claude")
	p.ScanLineCount = 2
	r.Register("claude", p)

	// The matching line is far above the last-2-lines window.
	out := "esc to interrupt\n" +
		"line2\nline3\nline4\nline5"
	m := r.Detect("claude", out)
	if m.IsWorking {
		t.Fatalf("expected no match once the matching line scrolled out of the scan window, got %+v", m)
	}
}

func TestPatternRegistry_RegisterOverridesDefault(t *testing.T) {
	r := NewPatternRegistry()
	custom := PatternProfile{
		Primary: []*regexp.Regexp{regexp.MustCompile(`custom-marker`)},
	}
	r.Register("claude", custom)

	m := r.Detect("claude", "custom-marker seen here")
	if !m.IsWorking || m.MatchTier != TierPrimary {
		t.Fatalf("expected custom profile to match, got %+v", m)
	}

	// The built-in "esc to interrupt" pattern must no longer apply.
	m2 := r.Detect("claude", "esc to interrupt")
	if m2.IsWorking {
		t.Fatalf("expected built-in pattern to be fully replaced, got %+v", m2)
	}
}
