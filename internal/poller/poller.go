// Package poller watches the progress of one campaign at a time.
//
// Each StartPolling begins a new session. Results that arrive for an older
// session are discarded, so a slow response for a previous title can never
// overwrite the state of the current one.
package poller

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/ignite/newsletter-engine/internal/domain"
	"github.com/ignite/newsletter-engine/internal/pkg/logger"
)

// DefaultInterval is the delay between progress queries.
const DefaultInterval = time.Second

// Status is the poller lifecycle state.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusPolling Status = "polling"
	StatusError   Status = "error"
)

// ProgressFetcher returns the progress of a campaign, or nil when it does
// not exist. *newsletter.Service and *HTTPFetcher satisfy it.
type ProgressFetcher interface {
	Progress(ctx context.Context, title string) (*domain.ProgressSnapshot, error)
}

// State is what observers see.
type State struct {
	Status   Status
	Title    string
	Snapshot *domain.ProgressSnapshot
	Err      string
}

// Option customises a Poller.
type Option func(*Poller)

// WithFetchTimeout bounds each progress query.
func WithFetchTimeout(d time.Duration) Option {
	return func(p *Poller) { p.fetchTimeout = d }
}

// Poller runs at most one polling session at a time. It is safe for
// concurrent use.
type Poller struct {
	fetcher      ProgressFetcher
	interval     time.Duration
	fetchTimeout time.Duration

	mu        sync.Mutex
	state     State
	session   uint64
	cancel    context.CancelFunc
	closed    bool
	listeners []func(State)

	wg sync.WaitGroup
}

// New returns an idle poller.
func New(fetcher ProgressFetcher, interval time.Duration, opts ...Option) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	p := &Poller{
		fetcher:  fetcher,
		interval: interval,
		state:    State{Status: StatusIdle},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// OnUpdate registers fn to be called after every state change. Callbacks run
// on the poller's goroutines and must not block.
func (p *Poller) OnUpdate(fn func(State)) {
	p.mu.Lock()
	p.listeners = append(p.listeners, fn)
	p.mu.Unlock()
}

// State returns the current state.
func (p *Poller) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// StartPolling cancels any running session and starts watching title. The
// first query is issued immediately.
func (p *Poller) StartPolling(title string) {
	title = strings.TrimSpace(title)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.stopLocked()
	if title == "" {
		p.state = State{Status: StatusError, Err: "campaign title is required"}
		p.emitLocked()
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	id := p.session
	p.state = State{Status: StatusPolling, Title: title}
	p.wg.Add(1)
	go p.loop(ctx, id, title)
	p.emitLocked()
}

// StopPolling ends the current session and returns to idle. The last
// snapshot is kept.
func (p *Poller) StopPolling() {
	p.mu.Lock()
	p.stopLocked()
	if p.state.Status == StatusPolling {
		p.state.Status = StatusIdle
	}
	p.emitLocked()
}

// Close stops polling and waits for the session goroutine to exit. The
// poller cannot be restarted.
func (p *Poller) Close() {
	p.mu.Lock()
	p.closed = true
	p.stopLocked()
	if p.state.Status == StatusPolling {
		p.state.Status = StatusIdle
	}
	p.mu.Unlock()
	p.wg.Wait()
}

// stopLocked invalidates the running session.
func (p *Poller) stopLocked() {
	p.session++
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
}

// emitLocked unlocks p.mu and notifies listeners.
func (p *Poller) emitLocked() {
	st := p.state
	fns := append([]func(State){}, p.listeners...)
	p.mu.Unlock()
	for _, fn := range fns {
		fn(st)
	}
}

func (p *Poller) loop(ctx context.Context, id uint64, title string) {
	defer p.wg.Done()

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		snap, err := p.fetch(ctx, title)
		if !p.apply(id, snap, err) {
			return
		}
		timer.Reset(p.interval)
	}
}

func (p *Poller) fetch(ctx context.Context, title string) (*domain.ProgressSnapshot, error) {
	if p.fetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.fetchTimeout)
		defer cancel()
	}
	return p.fetcher.Progress(ctx, title)
}

// apply records a query result for session id and reports whether polling
// should continue.
func (p *Poller) apply(id uint64, snap *domain.ProgressSnapshot, err error) bool {
	p.mu.Lock()
	if id != p.session {
		p.mu.Unlock()
		return false
	}

	switch {
	case err != nil:
		logger.Warn("progress query failed", "component", "poller", "title", p.state.Title, "error", err)
		p.state.Status = StatusError
		p.state.Err = err.Error()
		p.stopLocked()
		p.emitLocked()
		return false
	case snap != nil && snap.Status.IsTerminal():
		p.state.Snapshot = snap
		p.state.Status = StatusIdle
		p.stopLocked()
		p.emitLocked()
		return false
	default:
		p.state.Snapshot = snap
		p.emitLocked()
		return true
	}
}
