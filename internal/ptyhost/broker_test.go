package ptyhost

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestBroker_ResolveDelivers(t *testing.T) {
	b := NewBroker(5000, nil)
	id := b.GenerateID("")
	fut := Register[string](b, id, 1000)

	if !b.Resolve(id, "ok") {
		t.Fatal("expected Resolve to find the pending entry")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	val, err := fut.Wait(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if val != "ok" {
		t.Fatalf("val = %q, want ok", val)
	}
	if b.Has(id) {
		t.Fatal("expected entry to be gone after resolve")
	}
}

func TestBroker_DuplicateIDRejectsPrior(t *testing.T) {
	b := NewBroker(5000, nil)
	id := "dup-1"
	first := Register[string](b, id, 1000)
	second := Register[string](b, id, 1000)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := first.Wait(ctx)
	if err == nil {
		t.Fatal("expected the first registration to be rejected")
	}

	if b.Size() != 1 {
		t.Fatalf("size = %d, want 1 (only the second registration live)", b.Size())
	}

	if !b.Resolve(id, "second-wins") {
		t.Fatal("expected second registration still pending")
	}
	val, err := second.Wait(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if val != "second-wins" {
		t.Fatalf("val = %q, want second-wins", val)
	}
}

func TestBroker_Timeout(t *testing.T) {
	var timedOut string
	b := NewBroker(5000, func(id string) { timedOut = id })
	id := "will-timeout"
	fut := Register[string](b, id, 30)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := fut.Wait(ctx)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	want := fmt.Sprintf("Request timeout: %s", id)
	if err.Error() != want {
		t.Fatalf("err = %q, want %q", err.Error(), want)
	}
	if timedOut != id {
		t.Fatalf("onTimeout called with %q, want %q", timedOut, id)
	}
}

func TestBroker_OnTimeoutPanicStillRejects(t *testing.T) {
	b := NewBroker(5000, func(id string) { panic("boom") })
	id := "panicky"
	fut := Register[string](b, id, 30)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := fut.Wait(ctx)
	if err == nil {
		t.Fatal("expected rejection despite onTimeout panicking")
	}
}

func TestBroker_ClearRejectsAllButStaysUsable(t *testing.T) {
	b := NewBroker(5000, nil)
	f1 := Register[string](b, "a", 1000)
	f2 := Register[string](b, "b", 1000)

	b.Clear(fmt.Errorf("shutting down"))

	if b.Size() != 0 {
		t.Fatalf("size = %d, want 0", b.Size())
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := f1.Wait(ctx); err == nil {
		t.Fatal("expected f1 rejected")
	}
	if _, err := f2.Wait(ctx); err == nil {
		t.Fatal("expected f2 rejected")
	}

	// Broker is still usable after Clear.
	id := "after-clear"
	fut := Register[string](b, id, 1000)
	if !b.Resolve(id, "fine") {
		t.Fatal("expected broker to accept new registrations after Clear")
	}
	val, err := fut.Wait(ctx)
	if err != nil || val != "fine" {
		t.Fatalf("val=%q err=%v, want fine/nil", val, err)
	}
}

func TestBroker_DisposeRejectsAllAndRefusesNew(t *testing.T) {
	b := NewBroker(5000, nil)
	fut := Register[string](b, "x", 1000)

	b.Dispose()

	if b.Size() != 0 {
		t.Fatalf("size = %d, want 0", b.Size())
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := fut.Wait(ctx); err == nil {
		t.Fatal("expected rejection on dispose")
	}

	after := Register[string](b, "y", 1000)
	_, err := after.Wait(ctx)
	if err == nil {
		t.Fatal("expected registrations after Dispose to be rejected immediately")
	}
}

func TestBroker_ResolveUnknownIDReturnsFalse(t *testing.T) {
	b := NewBroker(5000, nil)
	if b.Resolve("nope", "x") {
		t.Fatal("expected false for unknown id")
	}
	if b.Reject("nope", fmt.Errorf("x")) {
		t.Fatal("expected false for unknown id")
	}
}
