package service

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestIdleSupervisor_Expired(t *testing.T) {
	start := time.Unix(1000, 0)
	s := &IdleSupervisor{
		Clock:     NewActivityClock(start),
		Limit:     10 * time.Second,
		Grace:     30 * time.Second,
		StartedAt: start,
	}

	if s.Expired(start.Add(20 * time.Second)) {
		t.Fatalf("expired inside the startup grace")
	}
	if !s.Expired(start.Add(31 * time.Second)) {
		t.Fatalf("not expired after grace with no activity")
	}

	s.Clock.Touch(start.Add(25 * time.Second))
	if s.Expired(start.Add(31 * time.Second)) {
		t.Fatalf("expired 6s after activity with a 10s limit")
	}
	if !s.Expired(start.Add(36 * time.Second)) {
		t.Fatalf("not expired 11s after activity")
	}
}

func TestIdleSupervisor_WaitsForConnectionsAndRetries(t *testing.T) {
	var active atomic.Int32
	active.Store(1)
	var calls atomic.Int32

	s := &IdleSupervisor{
		Clock:     NewActivityClock(time.Now().Add(-time.Hour)),
		Limit:     time.Millisecond,
		Tick:      5 * time.Millisecond,
		StartedAt: time.Now().Add(-time.Hour),
		Active:    func() int { return int(active.Load()) },
		OnIdle: func() bool {
			// The first attempt loses a race with a new connection.
			return calls.Add(1) > 1
		},
	}

	done := make(chan struct{})
	go func() {
		s.Run(context.Background())
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	if calls.Load() != 0 {
		t.Fatalf("OnIdle called while a connection was open")
	}
	active.Store(0)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("supervisor did not stop")
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("OnIdle calls = %d, want 2", got)
	}
}

func TestIdleSupervisor_StopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &IdleSupervisor{
		Clock:     NewActivityClock(time.Now()),
		Limit:     time.Hour,
		Tick:      5 * time.Millisecond,
		StartedAt: time.Now(),
		Active:    func() int { return 0 },
		OnIdle:    func() bool { return true },
	}
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Run ignored cancellation")
	}
}
