package ptyhost

import "strings"

// Bracketed-paste tokens (spec.md §4.4).
const (
	bracketedPasteStart = "\x1b[200~"
	bracketedPasteEnd   = "\x1b[201~"

	// PasteThresholdChars is the length above which input is framed as a
	// paste even without an embedded newline. Not specified numerically by
	// spec.md §4.4/§8 — chosen to match the teacher's own input-chunking
	// threshold for "large paste" handling. It is a fixed package constant,
	// not a Config field.
	PasteThresholdChars = 1000
)

// softNewlineTable holds the per-agent soft-newline sequence (spec.md
// §4.4): the byte sequence an interactive assistant CLI interprets as
// "insert a line break in the composer" rather than "submit". Grounded
// on agents.go's agent-keyed profile table — same per-agent-id lookup
// idiom, different payload.
var softNewlineTable = map[string]string{
	"codex":    "\n",
	"opencode": "\n",
	"terminal": "\n",
}

const defaultSoftNewline = "\x1b\r" // ESC CR — claude, gemini, and any unregistered agent.

// SoftNewline returns the configured soft-newline sequence for agentID,
// falling back to ESC CR for claude, gemini, and any id not in the table.
func SoftNewline(agentID string) string {
	if seq, ok := softNewlineTable[agentID]; ok {
		return seq
	}
	return defaultSoftNewline
}

// ShouldUseBracketedPaste reports whether text should be framed as a
// bracketed paste: it contains a newline, or its length exceeds
// PasteThresholdChars. Exactly at the threshold, without a newline, it is
// false — the comparison is strict.
func ShouldUseBracketedPaste(text string) bool {
	return strings.Contains(text, "\n") || len(text) > PasteThresholdChars
}

// ContainsFullBracketedPaste reports whether text is a complete bracketed
// paste frame: it must begin with the start token and also contain the
// end token somewhere after it. A start token with no end token (a
// partial framing split across writes) is rejected.
func ContainsFullBracketedPaste(text string) bool {
	if !strings.HasPrefix(text, bracketedPasteStart) {
		return false
	}
	return strings.Contains(text[len(bracketedPasteStart):], bracketedPasteEnd)
}

// FormatWithBracketedPaste wraps text with the bracketed-paste start/end
// tokens.
func FormatWithBracketedPaste(text string) string {
	return bracketedPasteStart + text + bracketedPasteEnd
}

// TranslateSoftNewlines replaces literal "\n" in text with agentID's
// soft-newline sequence. Used by write(id, data) (spec.md §4.2 Terminal
// Registry) before bytes are forwarded to the pty, so a composer-bound
// agent sees "insert newline" rather than "submit".
func TranslateSoftNewlines(text, agentID string) string {
	seq := SoftNewline(agentID)
	if seq == "\n" {
		return text
	}
	return strings.ReplaceAll(text, "\n", seq)
}

// PrepareWrite applies the full write-path framing policy for input bound
// for a pty: soft-newline translation, then bracketed-paste framing when
// the original (untranslated) text qualifies for it.
func PrepareWrite(text, agentID string) string {
	translated := TranslateSoftNewlines(text, agentID)
	if ShouldUseBracketedPaste(text) {
		return FormatWithBracketedPaste(translated)
	}
	return translated
}
