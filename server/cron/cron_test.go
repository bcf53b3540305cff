// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package cron

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"decred.org/dcrcustody/custody"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestGuard(t *testing.T) {
	g := NewGuard()
	release, ok := g.TryLock("a")
	if !ok {
		t.Fatalf("lock not taken")
	}
	if _, ok = g.TryLock("a"); ok {
		t.Fatalf("lock taken twice")
	}
	releaseB, ok := g.TryLock("b")
	if !ok {
		t.Fatalf("names are not independent")
	}
	if !g.Busy("a") {
		t.Fatalf("a not busy")
	}
	release()
	if g.Busy("a") {
		t.Fatalf("a busy after release")
	}
	if _, ok = g.TryLock("a"); !ok {
		t.Fatalf("lock not retaken")
	}
	releaseB()
}

func TestTriggerBusy(t *testing.T) {
	s := NewScheduler(nil, custody.Disabled)
	entered := make(chan struct{})
	unblock := make(chan struct{})
	err := s.Add("slow", time.Hour, TickFunc(func(context.Context) error {
		close(entered)
		<-unblock
		return nil
	}))
	if err != nil {
		t.Fatal(err)
	}
	errC := make(chan error, 1)
	go func() { errC <- s.Trigger(context.Background(), "slow") }()
	<-entered
	if err := s.Trigger(context.Background(), "slow"); !errors.Is(err, ErrBusy) {
		t.Fatalf("wanted ErrBusy, got %v", err)
	}
	close(unblock)
	if err := <-errC; err != nil {
		t.Fatal(err)
	}
	if err := s.Trigger(context.Background(), "nope"); err == nil {
		t.Fatalf("no error for unknown job")
	}
}

func TestHaltOnInvariant(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	s := NewScheduler(m, custody.Disabled)
	var calls atomic.Int32
	s.Add("bad", time.Millisecond, TickFunc(func(context.Context) error {
		calls.Add(1)
		return custody.NewError(custody.ErrInvariant, "count mismatch")
	}))
	var okCalls atomic.Int32
	s.Add("good", time.Millisecond, TickFunc(func(context.Context) error {
		if okCalls.Add(1) == 3 {
			return errors.New("rpc down")
		}
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	deadline := time.After(5 * time.Second)
	for okCalls.Load() < 10 {
		select {
		case <-deadline:
			t.Fatalf("good job stalled")
		case <-time.After(time.Millisecond):
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	if calls.Load() != 1 {
		t.Fatalf("halted job ran %d times", calls.Load())
	}
	if err := s.Trigger(context.Background(), "bad"); !errors.Is(err, ErrHalted) {
		t.Fatalf("wanted ErrHalted, got %v", err)
	}
	if v := testutil.ToFloat64(m.halted.WithLabelValues("bad")); v != 1 {
		t.Fatalf("halted gauge %v", v)
	}
	if v := testutil.ToFloat64(m.halted.WithLabelValues("good")); v != 0 {
		t.Fatalf("good job gauge %v", v)
	}
	if v := testutil.ToFloat64(m.runs.WithLabelValues("good", resultError)); v != 1 {
		t.Fatalf("error count %v", v)
	}

	stats := s.Status()
	if len(stats) != 2 || stats[0].Name != "bad" || !stats[0].Halted || stats[1].Halted {
		t.Fatalf("wrong status %+v", stats)
	}
	if stats[0].LastError == "" {
		t.Fatalf("last error not recorded")
	}
}

func TestAddValidation(t *testing.T) {
	s := NewScheduler(nil, custody.Disabled)
	nop := TickFunc(func(context.Context) error { return nil })
	if err := s.Add("a", 0, nop); err == nil {
		t.Fatalf("accepted zero interval")
	}
	if err := s.Add("a", time.Second, nop); err != nil {
		t.Fatal(err)
	}
	if err := s.Add("a", time.Second, nop); err == nil {
		t.Fatalf("accepted duplicate job")
	}
}
