package ptyhost

import "testing"

func TestStripANSI_CSI(t *testing.T) {
	in := "\x1b[31mred text\x1b[0m plain"
	want := "red text plain"
	if got := StripANSI(in); got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestStripANSI_CursorMovement(t *testing.T) {
	in := "\x1b[2J\x1b[H" + "hello"
	if got := StripANSI(in); got != "hello" {
		t.Fatalf("got %q, want %q", got, "hello")
	}
}

func TestStripANSI_OSC(t *testing.T) {
	in := "\x1b]0;window title\x07prompt$ "
	if got := StripANSI(in); got != "prompt$ " {
		t.Fatalf("got %q, want %q", got, "prompt$ ")
	}
}

func TestStripANSI_Bell(t *testing.T) {
	in := "done\x07"
	if got := StripANSI(in); got != "done" {
		t.Fatalf("got %q, want %q", got, "done")
	}
}

func TestStripANSI_PlainTextUnchanged(t *testing.T) {
	in := "no escapes here at all"
	if got := StripANSI(in); got != in {
		t.Fatalf("got %q, want unchanged %q", got, in)
	}
}
