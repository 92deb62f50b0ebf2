package poller

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"notesmith/pkg/domain"
)

func TestIntervalTightensWhileProcessing(t *testing.T) {
	p := New(nil, nil, 10*time.Millisecond, 100*time.Millisecond)

	p.active.Store(false)
	if got := p.interval(); got != 100*time.Millisecond {
		t.Fatalf("idle interval = %v, want slow", got)
	}

	p.active.Store(true)
	if got := p.interval(); got != 10*time.Millisecond {
		t.Fatalf("processing interval = %v, want fast", got)
	}

	p.active.Store(false)
	p.SetViewing(true)
	if got := p.interval(); got != 10*time.Millisecond {
		t.Fatalf("viewing interval = %v, want fast", got)
	}
}

func TestAnyInFlight(t *testing.T) {
	if anyInFlight([]domain.Document{{Status: domain.StatusCompleted}, {Status: domain.StatusFailed}}) {
		t.Fatalf("terminal documents are not in flight")
	}
	if !anyInFlight([]domain.Document{{Status: domain.StatusCompleted}, {Status: domain.StatusProcessing}}) {
		t.Fatalf("processing document is in flight")
	}
	if !anyInFlight([]domain.Document{{Status: domain.StatusUploaded}}) {
		t.Fatalf("uploaded document is in flight")
	}
}

func TestPollerDeliversUpdatesAndStops(t *testing.T) {
	var polls atomic.Int32
	list := func(ctx context.Context) ([]domain.Document, error) {
		polls.Add(1)
		return []domain.Document{{ID: "doc-1", Status: domain.StatusProcessing}}, nil
	}
	var updates atomic.Int32
	p := New(list, func(docs []domain.Document) {
		if len(docs) == 1 && docs[0].ID == "doc-1" {
			updates.Add(1)
		}
	}, 5*time.Millisecond, 50*time.Millisecond)

	p.Start(context.Background())
	deadline := time.After(2 * time.Second)
	for updates.Load() < 2 {
		select {
		case <-deadline:
			t.Fatalf("expected repeated updates, got %d polls", polls.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}
	p.Stop()
	settled := polls.Load()
	time.Sleep(30 * time.Millisecond)
	if polls.Load() != settled {
		t.Fatalf("poller kept running after Stop")
	}
}

func TestPollerStopIsIdempotent(t *testing.T) {
	list := func(ctx context.Context) ([]domain.Document, error) {
		return nil, nil
	}

	unstarted := New(list, nil, 5*time.Millisecond, 50*time.Millisecond)
	done := make(chan struct{})
	go func() {
		unstarted.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Stop before Start must not block")
	}

	p := New(list, nil, 5*time.Millisecond, 50*time.Millisecond)
	p.Start(context.Background())
	p.Stop()
	p.Stop()
}

func TestPollerSurvivesListErrors(t *testing.T) {
	var polls atomic.Int32
	list := func(ctx context.Context) ([]domain.Document, error) {
		polls.Add(1)
		return nil, errors.New("transport down")
	}
	var updated atomic.Bool
	p := New(list, func([]domain.Document) {
		updated.Store(true)
	}, 5*time.Millisecond, 50*time.Millisecond)

	p.Start(context.Background())
	deadline := time.After(2 * time.Second)
	for polls.Load() < 2 {
		select {
		case <-deadline:
			t.Fatalf("poller stopped after list error")
		case <-time.After(5 * time.Millisecond):
		}
	}
	p.Stop()
	if updated.Load() {
		t.Fatalf("no update expected when every poll fails")
	}
}
