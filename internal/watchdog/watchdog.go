// Package watchdog shuts an idle game server down after a sustained period
// with no connected players.
package watchdog

import (
	"context"
	"log"
	"time"

	"github.com/reedfamily/gamewarden/internal/session"
)

const (
	DefaultInterval  = 10 * time.Second
	DefaultThreshold = 300 * time.Second
)

// ShutdownFunc stops the server. idleSince is the idle start the threshold was
// measured from.
type ShutdownFunc func(ctx context.Context, idleSince time.Time) error

type Watchdog struct {
	state     *session.State
	shutdown  ShutdownFunc
	interval  time.Duration
	threshold time.Duration
	cancel    context.CancelFunc
}

func New(state *session.State, shutdown ShutdownFunc, interval, threshold time.Duration) *Watchdog {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Watchdog{
		state:     state,
		shutdown:  shutdown,
		interval:  interval,
		threshold: threshold,
	}
}

func (w *Watchdog) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel

	go func() {
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.Check(ctx)
			}
		}
	}()

	log.Printf("Idle watchdog started (%s interval, %s threshold)", w.interval, w.threshold)
}

func (w *Watchdog) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
}

// Check evaluates the session once and triggers shutdown when it has been
// empty for at least the threshold. It reports whether shutdown was invoked.
func (w *Watchdog) Check(ctx context.Context) bool {
	snap := w.state.Snapshot()

	if snap.ActiveMap == "" || snap.PlayerCount != 0 {
		if snap.Idle() {
			w.state.ClearIdleSince(snap.IdleSince)
		}
		return false
	}
	if snap.Phase != session.Running || !snap.Idle() {
		return false
	}

	idle := w.state.Now().Sub(snap.IdleSince)
	if idle < w.threshold {
		return false
	}

	log.Printf("watchdog: %s idle for %s, shutting down", snap.ActiveMap, idle.Round(time.Second))
	// a started shutdown runs to completion even if the watchdog is stopped
	if err := w.shutdown(context.WithoutCancel(ctx), snap.IdleSince); err != nil {
		log.Printf("watchdog: idle shutdown of %s failed: %v", snap.ActiveMap, err)
	}
	w.state.ClearIdleSince(snap.IdleSince)
	return true
}
