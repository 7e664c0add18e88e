// Package scheduler runs cron-driven start and stop actions through the
// lifecycle controller.
package scheduler

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/reedfamily/gamewarden/internal/lifecycle"
)

// Runner is the part of the lifecycle controller schedules drive.
type Runner interface {
	Start(ctx context.Context, mapName string) error
	Stop(ctx context.Context, mapName string) error
}

type Scheduler struct {
	store  *Store
	runner Runner
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(store *Store, runner Runner) *Scheduler {
	return &Scheduler{store: store, runner: runner}
}

func (s *Scheduler) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		// aligned to the minute
		for {
			now := time.Now()
			next := now.Truncate(time.Minute).Add(time.Minute)

			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Until(next)):
				// lifecycle operations can outlast a minute
				s.wg.Add(1)
				go func(at time.Time) {
					defer s.wg.Done()
					s.Tick(ctx, at)
				}(next)
			}
		}
	}()

	log.Println("scheduler: started")
}

// Stop ends the ticker and waits for running actions to return.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Tick runs every enabled schedule matching now.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	schedules, err := s.store.Enabled()
	if err != nil {
		log.Printf("scheduler: query: %v", err)
		return
	}

	for _, sc := range schedules {
		cron, err := ParseCron(sc.CronExpr)
		if err != nil {
			log.Printf("scheduler: invalid cron %q for schedule %s: %v", sc.CronExpr, sc.ID, err)
			continue
		}
		if !cron.Matches(now) {
			continue
		}

		log.Printf("scheduler: running %s %s (schedule %s)", sc.Action, sc.MapName, sc.ID)
		s.execute(lifecycle.WithTrigger(context.WithoutCancel(ctx), "schedule:"+sc.ID), sc)

		if err := s.store.MarkRun(sc.ID, now); err != nil {
			log.Printf("scheduler: mark %s: %v", sc.ID, err)
		}
	}
}

func (s *Scheduler) execute(ctx context.Context, sc Schedule) {
	var err error
	switch sc.Action {
	case ActionStart:
		err = s.runner.Start(ctx, sc.MapName)
	case ActionStop:
		err = s.runner.Stop(ctx, sc.MapName)
	default:
		log.Printf("scheduler: unknown action %q", sc.Action)
		return
	}

	if err != nil {
		log.Printf("scheduler: %s %s failed: %v", sc.Action, sc.MapName, err)
	}
}
