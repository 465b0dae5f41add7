package ptyhost

import (
	"fmt"
	"strings"
	"sync"

	uv "github.com/charmbracelet/ultraviolet"
	"github.com/charmbracelet/x/vt"
)

// maxScrollbackLines bounds the ring buffer of scrolled-off lines kept
// per terminal for reconnect payloads.
const maxScrollbackLines = 50000

// ScreenBuffer maintains the authoritative VT100 screen grid for one
// terminal, via charmbracelet/x/vt, plus a ring-buffer scrollback of
// lines scrolled off the top. Adapted from egg.VTerm — same wrapping
// idiom and the same restricted API surface (Write, Resize, Close,
// CursorPosition, Render, SetCallbacks) since that's all the teacher's
// own usage demonstrates.
type ScreenBuffer struct {
	emu        *vt.Emulator
	scrollback []string
	sbHead     int
	sbLen      int

	mu           sync.Mutex
	altScreen    bool
	cursorHidden bool
	cols, rows   int
}

// NewScreenBuffer creates a ScreenBuffer with the given dimensions.
func NewScreenBuffer(cols, rows int) *ScreenBuffer {
	v := &ScreenBuffer{
		emu:        vt.NewEmulator(cols, rows),
		scrollback: make([]string, maxScrollbackLines),
		cols:       cols,
		rows:       rows,
	}
	v.emu.SetCallbacks(vt.Callbacks{
		ScrollOut: func(lines []uv.Line) {
			if v.altScreen {
				return
			}
			for _, line := range lines {
				rendered := line.Render()
				if v.sbLen == len(v.scrollback) {
					v.scrollback[v.sbHead] = ""
				}
				v.scrollback[v.sbHead] = rendered
				v.sbHead = (v.sbHead + 1) % len(v.scrollback)
				if v.sbLen < len(v.scrollback) {
					v.sbLen++
				}
			}
		},
		ScrollbackClear: func() {
			for i := range v.scrollback {
				v.scrollback[i] = ""
			}
			v.sbLen = 0
			v.sbHead = 0
		},
		AltScreen: func(on bool) {
			v.altScreen = on
		},
		CursorVisibility: func(visible bool) {
			v.cursorHidden = !visible
		},
	})
	return v
}

// Write feeds PTY output to the emulator.
func (v *ScreenBuffer) Write(p []byte) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.emu.Write(p)
}

// Resize changes the terminal dimensions.
func (v *ScreenBuffer) Resize(cols, rows int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.emu.Resize(cols, rows)
	v.cols = cols
	v.rows = rows
}

// Snapshot generates a reconnect payload: scrollback + grid + cursor
// restore, valid ANSI any terminal emulator can consume directly.
func (v *ScreenBuffer) Snapshot() []byte {
	v.mu.Lock()
	defer v.mu.Unlock()

	var buf strings.Builder

	lines := v.scrollbackLines()
	for _, line := range lines {
		buf.WriteString(line)
		buf.WriteString("\r\n")
	}

	if len(lines) > 0 {
		for range v.rows - 1 {
			buf.WriteByte('\n')
		}
	}

	buf.WriteString("\x1b[m\x1b[H")
	buf.WriteString(v.emu.Render())

	pos := v.emu.CursorPosition()
	fmt.Fprintf(&buf, "\x1b[%d;%dH", pos.Y+1, pos.X+1)

	if v.cursorHidden {
		buf.WriteString("\x1b[?25l")
	} else {
		buf.WriteString("\x1b[?25h")
	}

	return []byte(buf.String())
}

// Lines returns the currently rendered grid split into plain (non-ANSI)
// lines — used for the lines of a snapshot RPC response.
func (v *ScreenBuffer) Lines() []string {
	v.mu.Lock()
	rendered := v.emu.Render()
	v.mu.Unlock()
	plain := StripANSI(rendered)
	return strings.Split(plain, "\n")
}

// ScrollbackLen returns the number of scrollback lines currently stored.
func (v *ScreenBuffer) ScrollbackLen() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.sbLen
}

// Close releases the emulator resources.
func (v *ScreenBuffer) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.emu.Close()
}

func (v *ScreenBuffer) scrollbackLines() []string {
	if v.sbLen == 0 {
		return nil
	}
	lines := make([]string, v.sbLen)
	start := (v.sbHead - v.sbLen + len(v.scrollback)) % len(v.scrollback)
	for i := 0; i < v.sbLen; i++ {
		lines[i] = v.scrollback[(start+i)%len(v.scrollback)]
	}
	return lines
}
