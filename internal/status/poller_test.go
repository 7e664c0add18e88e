package status

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reedfamily/gamewarden/internal/lifecycle"
	"github.com/reedfamily/gamewarden/internal/power"
	"github.com/reedfamily/gamewarden/internal/session"
)

type countingSource struct{ calls atomic.Int32 }

func (s *countingSource) Status(ctx context.Context) lifecycle.Status {
	n := s.calls.Add(1)
	return lifecycle.Status{
		Snapshot: session.Snapshot{Phase: session.Running, ActiveMap: "alpha", PlayerCount: int(n)},
		Instance: power.Running,
	}
}

func TestRefreshCachesAndFansOut(t *testing.T) {
	src := &countingSource{}
	p := NewPoller(src, time.Hour)
	assert.Nil(t, p.Latest())

	ch := p.Subscribe()
	r := p.Refresh(t.Context())
	assert.Equal(t, 1, r.PlayerCount)
	assert.Equal(t, power.Running, r.Instance)
	assert.Same(t, r, p.Latest())

	select {
	case got := <-ch:
		assert.Same(t, r, got)
	default:
		t.Fatal("subscriber not notified")
	}

	p.Unsubscribe(ch)
	_, open := <-ch
	assert.False(t, open)
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	p := NewPoller(&countingSource{}, time.Hour)
	ch := p.Subscribe()
	p.Refresh(t.Context())
	p.Refresh(t.Context())

	got := <-ch
	assert.Equal(t, 1, got.PlayerCount)
	assert.Equal(t, 2, p.Latest().PlayerCount)
}

func TestStartPollsImmediately(t *testing.T) {
	src := &countingSource{}
	p := NewPoller(src, time.Hour)
	p.Start()
	defer p.Stop()

	require.Eventually(t, func() bool { return p.Latest() != nil }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), src.calls.Load())
}
