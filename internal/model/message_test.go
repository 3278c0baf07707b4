package model

import (
	"testing"
	"time"
)

func TestGroupKeyFor(t *testing.T) {
	if got := GroupKeyFor(ChannelEmail, "newQuestion"); got != "email-newQuestion" {
		t.Fatalf("expected email-newQuestion, got %q", got)
	}
	if got := GroupKeyFor(ChannelSMS, "newAnswer"); got != "sms-newAnswer" {
		t.Fatalf("expected sms-newAnswer, got %q", got)
	}
}

func TestDedupeKeyFor_TruncatesToBucket(t *testing.T) {
	base := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)

	a := DedupeKeyFor("a@example.com", base.Add(10*time.Second), 5*time.Minute)
	b := DedupeKeyFor("a@example.com", base.Add(4*time.Minute), 5*time.Minute)
	if a != b {
		t.Fatalf("expected same key within bucket, got %q and %q", a, b)
	}

	c := DedupeKeyFor("a@example.com", base.Add(5*time.Minute), 5*time.Minute)
	if a == c {
		t.Fatalf("expected different key in next bucket, got %q", c)
	}

	d := DedupeKeyFor("b@example.com", base, 5*time.Minute)
	if a == d {
		t.Fatalf("expected recipient to be part of key")
	}
}

func TestDedupeKeyFor_NoBucket(t *testing.T) {
	at := time.Unix(1700000123, 0)
	if got := DedupeKeyFor("+3612345678", at, 0); got != "+3612345678|1700000123" {
		t.Fatalf("unexpected key %q", got)
	}
}

func TestStatePredicates(t *testing.T) {
	tests := []struct {
		state    State
		terminal bool
		active   bool
	}{
		{Pending, false, true},
		{InFlight, false, true},
		{Failed, false, false},
		{Delivered, true, false},
		{DeadLettered, true, false},
	}
	for _, tt := range tests {
		if got := tt.state.Terminal(); got != tt.terminal {
			t.Errorf("%s.Terminal() = %v, want %v", tt.state, got, tt.terminal)
		}
		if got := tt.state.Active(); got != tt.active {
			t.Errorf("%s.Active() = %v, want %v", tt.state, got, tt.active)
		}
	}
}

func TestChannelValid(t *testing.T) {
	for _, ch := range Channels {
		if !ch.Valid() {
			t.Fatalf("expected %s to be valid", ch)
		}
	}
	if Channel("push").Valid() {
		t.Fatal("expected push to be invalid")
	}
}

func TestClone_DoesNotShareParams(t *testing.T) {
	m := Message{ID: "1", Params: map[string]any{"k": "v"}}
	c := m.Clone()
	c.Params["k"] = "changed"

	if m.Params["k"] != "v" {
		t.Fatalf("clone mutated original params: %v", m.Params)
	}
}
