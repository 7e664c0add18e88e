package status

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/reedfamily/gamewarden/internal/lifecycle"
)

const DefaultInterval = 60 * time.Second

// Source produces a fresh status report.
type Source interface {
	Status(ctx context.Context) lifecycle.Status
}

type Report struct {
	lifecycle.Status
	CheckedAt time.Time `json:"checked_at"`
}

// Poller refreshes the status on an interval, caches the latest report and
// fans it out to subscribers.
type Poller struct {
	source   Source
	interval time.Duration

	mu        sync.RWMutex
	latest    *Report
	listeners []chan *Report

	cancel context.CancelFunc
	done   chan struct{}
}

func NewPoller(source Source, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Poller{source: source, interval: interval}
}

func (p *Poller) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})

	go func() {
		defer close(p.done)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		p.Refresh(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.Refresh(ctx)
			}
		}
	}()

	log.Printf("status: poller started (%s interval)", p.interval)
}

func (p *Poller) Stop() {
	if p.cancel != nil {
		p.cancel()
		<-p.done
	}
}

// Refresh polls the source now and publishes the result. Lifecycle handlers
// call it after an operation so subscribers do not wait for the next tick.
func (p *Poller) Refresh(ctx context.Context) *Report {
	r := &Report{Status: p.source.Status(ctx), CheckedAt: time.Now().UTC()}

	p.mu.Lock()
	p.latest = r
	listeners := append([]chan *Report(nil), p.listeners...)
	p.mu.Unlock()

	for _, ch := range listeners {
		select {
		case ch <- r:
		default:
			// slow listener, it keeps its previous report
		}
	}
	return r
}

func (p *Poller) Latest() *Report {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.latest
}

func (p *Poller) Subscribe() chan *Report {
	ch := make(chan *Report, 1)
	p.mu.Lock()
	p.listeners = append(p.listeners, ch)
	p.mu.Unlock()
	return ch
}

func (p *Poller) Unsubscribe(ch chan *Report) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, l := range p.listeners {
		if l == ch {
			p.listeners = append(p.listeners[:i], p.listeners[i+1:]...)
			close(ch)
			return
		}
	}
}
