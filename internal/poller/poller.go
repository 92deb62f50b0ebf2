// Package poller implements client-side status synchronization: it
// periodically re-lists documents and tightens the polling interval while
// any document is still being processed or the user is watching one.
package poller

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"notesmith/pkg/domain"
)

// ListFunc fetches the current document set.
type ListFunc func(ctx context.Context) ([]domain.Document, error)

// UpdateFunc receives each successfully fetched document set.
type UpdateFunc func([]domain.Document)

type Poller struct {
	list     ListFunc
	onUpdate UpdateFunc
	fast     time.Duration
	slow     time.Duration
	viewing  atomic.Bool
	active   atomic.Bool
	started  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func New(list ListFunc, onUpdate UpdateFunc, fast, slow time.Duration) *Poller {
	if fast <= 0 {
		fast = 2 * time.Second
	}
	if slow <= fast {
		slow = 5 * fast
	}
	return &Poller{
		list:     list,
		onUpdate: onUpdate,
		fast:     fast,
		slow:     slow,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// SetViewing marks whether a document view is open. While viewing, the
// poller stays on the fast interval so artifact updates arrive promptly.
func (p *Poller) SetViewing(viewing bool) {
	p.viewing.Store(viewing)
}

// Start runs the polling loop until Stop is called or ctx is canceled.
// Only the first call starts a loop.
func (p *Poller) Start(ctx context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	go p.run(ctx)
}

// Stop halts the loop and waits for it to exit. Safe to call more than
// once, and before Start.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
	if p.started.Load() {
		<-p.done
	}
}

func (p *Poller) run(ctx context.Context) {
	defer close(p.done)
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-timer.C:
		}
		p.poll(ctx)
		timer.Reset(p.interval())
	}
}

func (p *Poller) poll(ctx context.Context) {
	docs, err := p.list(ctx)
	if err != nil {
		slog.Warn("poll documents", "error", err)
		return
	}
	p.active.Store(anyInFlight(docs))
	if p.onUpdate != nil {
		p.onUpdate(docs)
	}
}

// interval picks the next wait: fast while work is in flight or a view is
// open, slow otherwise.
func (p *Poller) interval() time.Duration {
	if p.active.Load() || p.viewing.Load() {
		return p.fast
	}
	return p.slow
}

func anyInFlight(docs []domain.Document) bool {
	for _, doc := range docs {
		if !doc.Status.Terminal() {
			return true
		}
	}
	return false
}
