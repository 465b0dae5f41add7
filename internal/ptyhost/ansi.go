package ptyhost

import "regexp"

// ansiSequence matches CSI, OSC, SGR, keypad, and cursor/line-control
// escape sequences so the Pattern Detector and the clean-log projection
// can work against plain text (spec.md §4.5). Broad rather than a strict
// ECMA-48 grammar — it only needs to strip what a real agent CLI emits,
// the same scope egg.VTerm's emulator already absorbs for rendering.
var ansiSequence = regexp.MustCompile(
	"\x1b(?:" +
		`\[[0-9;?]*[a-zA-Z@]` + // CSI: cursor movement, SGR, erase, modes
		`|\][^\x07\x1b]*(?:\x07|\x1b\\)` + // OSC, terminated by BEL or ST
		`|[()][AB012]` + // charset designation (keypad)
		`|[=>NOPXZ78]` + // keypad/DEC private modes, single-char escapes
		`)`,
)

// controlChars strips the remaining bare control bytes (BEL, backspace)
// that aren't part of a full escape sequence but still aren't printable.
var controlChars = regexp.MustCompile(`[\x07\x08]`)

// StripANSI removes ANSI/CSI/OSC/SGR/keypad/cursor control sequences from
// s, leaving plain text suitable for regex pattern matching or a
// human-readable clean log.
func StripANSI(s string) string {
	s = ansiSequence.ReplaceAllString(s, "")
	return controlChars.ReplaceAllString(s, "")
}
