package lifecycle

import (
	"bytes"
	"context"
	"errors"
	"log"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reedfamily/gamewarden/internal/backup"
	"github.com/reedfamily/gamewarden/internal/game"
	"github.com/reedfamily/gamewarden/internal/game/factorio"
	"github.com/reedfamily/gamewarden/internal/power"
	"github.com/reedfamily/gamewarden/internal/remote"
	"github.com/reedfamily/gamewarden/internal/remote/remotetest"
	"github.com/reedfamily/gamewarden/internal/session"
	"github.com/reedfamily/gamewarden/internal/watchdog"
)

const (
	home     = "/srv/factorio"
	savesDir = home + "/saves"
)

type fakePower struct {
	mu     sync.Mutex
	state  power.State
	starts int
	stops  int
}

func (p *fakePower) Start(ctx context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.starts++
	p.state = power.Running
	return nil
}

func (p *fakePower) Stop(ctx context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stops++
	p.state = power.Stopped
	return nil
}

func (p *fakePower) Describe(ctx context.Context, id string) (power.State, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state, nil
}

func (p *fakePower) counts() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.starts, p.stops
}

// fakeServer emulates the game binary behind the shell commands the adapter renders.
type fakeServer struct {
	mu sync.Mutex
	// running is the server process state
	running bool
	// ignoreStop keeps the process alive after SIGINT
	ignoreStop bool
	// created is written when map generation runs; empty writes nothing
	created string
	host    *remotetest.Host
}

func (s *fakeServer) exec(cmd string) (remote.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case strings.HasPrefix(cmd, "pgrep"):
		if s.running {
			return remote.Result{Stdout: "4242\n"}, nil
		}
		return remote.Result{ExitCode: 1}, nil
	case strings.HasPrefix(cmd, "pkill -INT"):
		if !s.running {
			return remote.Result{ExitCode: 1}, nil
		}
		if !s.ignoreStop {
			s.running = false
		}
	case strings.Contains(cmd, "--start-server"):
		s.running = true
	case strings.Contains(cmd, "--create") && s.created != "":
		s.host.PutFile(s.created, []byte("generated"), time.Now())
	}
	return remote.Result{}, nil
}

type countingArchiver struct {
	mu    sync.Mutex
	calls []string
}

func (a *countingArchiver) Archive(ctx context.Context, conn remote.Conn, mapName, savePath string) (*backup.Archive, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, savePath)
	return &backup.Archive{MapName: mapName}, nil
}

type memRecorder struct {
	mu  sync.Mutex
	ops []string
}

func (r *memRecorder) Begin(action, mapName, trigger string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, action+" "+mapName+" "+trigger)
	return action, nil
}

func (r *memRecorder) Finish(id string, err error) error { return nil }

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fixture struct {
	ctl      *Controller
	state    *session.State
	host     *remotetest.Host
	power    *fakePower
	server   *fakeServer
	archiver *countingArchiver
	recorder *memRecorder
	clock    *testClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		host:     remotetest.NewHost(),
		power:    &fakePower{state: power.Stopped},
		archiver: &countingArchiver{},
		recorder: &memRecorder{},
		clock:    &testClock{t: time.Date(2025, 2, 10, 12, 0, 0, 0, time.UTC)},
	}
	f.server = &fakeServer{host: f.host}
	f.host.OnExec = f.server.exec
	f.state = session.NewWithClock(f.clock.Now)
	f.ctl = New(
		Config{InstanceID: "i-0abc", CreateTimeout: 10 * time.Second},
		f.state, f.power, f.host,
		factorio.New(game.Options{Home: home}),
		WithArchiver(f.archiver),
		WithRecorder(f.recorder),
		WithSleep(func(ctx context.Context, d time.Duration) error { return ctx.Err() }),
	)
	t.Cleanup(f.ctl.Close)
	return f
}

func (f *fixture) startAlpha(t *testing.T) {
	t.Helper()
	f.host.PutFile(savesDir+"/alpha.zip", []byte("manual"), f.clock.Now())
	require.NoError(t, f.ctl.Start(t.Context(), "alpha"))
	require.True(t, f.host.WaitStream(time.Second), "tailer never opened its stream")
}

func TestStartFromStopped(t *testing.T) {
	f := newFixture(t)
	f.startAlpha(t)

	snap := f.state.Snapshot()
	assert.Equal(t, session.Running, snap.Phase)
	assert.Equal(t, "alpha", snap.ActiveMap)
	assert.Equal(t, 0, snap.PlayerCount)

	starts, _ := f.power.counts()
	assert.Equal(t, 1, starts)
	_, ok := f.host.File(home + "/server-settings.json")
	assert.True(t, ok, "server settings uploaded")
	assert.Equal(t, 1, f.host.RanMatching("--start-server '/srv/factorio/saves/alpha.zip'"))
	assert.Equal(t, 1, f.host.OpenConns(), "only the tailer connection stays open")

	f.ctl.Close()
	assert.Equal(t, 0, f.host.OpenConns())
}

func TestStartDoesNotRelaunchRunningProcess(t *testing.T) {
	f := newFixture(t)
	f.server.running = true
	f.startAlpha(t)
	assert.Equal(t, 0, f.host.RanMatching("--start-server"))
	assert.Equal(t, session.Running, f.state.Snapshot().Phase)
}

func TestStartRejections(t *testing.T) {
	t.Run("invalid map name", func(t *testing.T) {
		f := newFixture(t)
		err := f.ctl.Start(t.Context(), "../etc")
		assert.ErrorIs(t, err, ErrInvalidMapName)
	})

	t.Run("not stopped", func(t *testing.T) {
		f := newFixture(t)
		f.startAlpha(t)
		err := f.ctl.Start(t.Context(), "beta")
		assert.ErrorIs(t, err, ErrInvalidPhase)
		assert.True(t, IsPrecondition(err))
		starts, _ := f.power.counts()
		assert.Equal(t, 1, starts)
	})

	t.Run("instance not stopped", func(t *testing.T) {
		f := newFixture(t)
		f.power.state = power.Stopping
		err := f.ctl.Start(t.Context(), "alpha")
		assert.ErrorIs(t, err, ErrInstanceBusy)
		starts, _ := f.power.counts()
		assert.Equal(t, 0, starts)
		assert.Equal(t, session.Snapshot{Phase: session.Stopped}, f.state.Snapshot())
	})
}

func TestStartMissingSaveLeavesPartialState(t *testing.T) {
	f := newFixture(t)

	err := f.ctl.Start(t.Context(), "alpha")
	require.ErrorIs(t, err, ErrVerification)
	assert.False(t, IsPrecondition(err))

	snap := f.state.Snapshot()
	assert.Equal(t, session.Starting, snap.Phase)
	assert.Equal(t, "alpha", snap.ActiveMap)
	assert.Equal(t, 0, f.host.OpenConns())

	assert.ErrorIs(t, f.ctl.Stop(t.Context(), ""), ErrInvalidPhase)

	require.NoError(t, f.ctl.Abort(t.Context()))
	assert.Equal(t, session.Snapshot{Phase: session.Stopped}, f.state.Snapshot())
	_, stops := f.power.counts()
	assert.Equal(t, 1, stops)
}

func TestDialFailureDuringStart(t *testing.T) {
	f := newFixture(t)
	f.host.DialErr = errors.New("connection refused")

	err := f.ctl.Start(t.Context(), "alpha")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, session.Starting, f.state.Snapshot().Phase)
}

func TestStopRejections(t *testing.T) {
	t.Run("not running", func(t *testing.T) {
		f := newFixture(t)
		assert.ErrorIs(t, f.ctl.Stop(t.Context(), ""), ErrInvalidPhase)
	})

	t.Run("map mismatch", func(t *testing.T) {
		f := newFixture(t)
		f.startAlpha(t)
		assert.ErrorIs(t, f.ctl.Stop(t.Context(), "beta"), ErrMapMismatch)
		assert.Equal(t, session.Running, f.state.Snapshot().Phase)
	})

	t.Run("players connected", func(t *testing.T) {
		f := newFixture(t)
		f.startAlpha(t)
		f.state.Join()
		assert.ErrorIs(t, f.ctl.Stop(t.Context(), "alpha"), ErrPlayersConnected)
		assert.ErrorIs(t, f.ctl.IdleShutdown(t.Context(), f.clock.Now()), ErrPlayersConnected)
		_, stops := f.power.counts()
		assert.Equal(t, 0, stops)
	})

	t.Run("idle period interrupted", func(t *testing.T) {
		f := newFixture(t)
		f.startAlpha(t)
		f.state.Leave()
		observed := f.state.Snapshot().IdleSince

		f.clock.Advance(time.Minute)
		f.state.Join()
		f.state.Leave()
		assert.ErrorIs(t, f.ctl.IdleShutdown(t.Context(), observed), ErrNotIdle)
		assert.Equal(t, session.Running, f.state.Snapshot().Phase)
		_, stops := f.power.counts()
		assert.Equal(t, 0, stops)
	})
}

func TestStopRotatesSavesAndPowersOff(t *testing.T) {
	f := newFixture(t)
	f.startAlpha(t)
	f.host.PutFile(savesDir+"/_autosave1.zip", []byte("A"), f.clock.Now().Add(3*time.Second))
	f.host.PutFile(savesDir+"/_autosave2.zip", []byte("B"), f.clock.Now().Add(5*time.Second))

	require.NoError(t, f.ctl.Stop(t.Context(), "alpha"))

	assert.Equal(t, session.Snapshot{Phase: session.Stopped}, f.state.Snapshot())
	live, _ := f.host.File(savesDir + "/alpha.zip")
	backupSave, _ := f.host.File(savesDir + "/alpha_save.zip")
	assert.Equal(t, "B", string(live))
	assert.Equal(t, "manual", string(backupSave))

	_, stops := f.power.counts()
	assert.Equal(t, 1, stops)
	assert.Equal(t, []string{savesDir + "/alpha.zip"}, f.archiver.calls)
	assert.Equal(t, 0, f.host.OpenConns())
	assert.False(t, f.server.running)
}

func TestStopWithoutMapName(t *testing.T) {
	f := newFixture(t)
	f.startAlpha(t)
	require.NoError(t, f.ctl.Stop(t.Context(), ""))

	live, _ := f.host.File(savesDir + "/alpha.zip")
	assert.Equal(t, "manual", string(live))
	_, ok := f.host.File(savesDir + "/alpha_save.zip")
	assert.False(t, ok)
}

func TestStopProcessTimeout(t *testing.T) {
	f := newFixture(t)
	f.startAlpha(t)
	f.server.ignoreStop = true

	err := f.ctl.Stop(t.Context(), "alpha")
	require.ErrorIs(t, err, ErrVerification)
	assert.Equal(t, session.Stopping, f.state.Snapshot().Phase)
	_, stops := f.power.counts()
	assert.Equal(t, 0, stops, "instance must stay on while the server may still be saving")
	assert.Empty(t, f.archiver.calls)
}

func TestConcurrentStopAndIdleShutdown(t *testing.T) {
	f := newFixture(t)
	f.startAlpha(t)
	f.state.StartIdle()
	idleSince := f.state.Snapshot().IdleSince

	var wg sync.WaitGroup
	errs := make([]error, 2)
	start := make(chan struct{})
	wg.Add(2)
	go func() {
		defer wg.Done()
		<-start
		errs[0] = f.ctl.Stop(context.Background(), "alpha")
	}()
	go func() {
		defer wg.Done()
		<-start
		errs[1] = f.ctl.IdleShutdown(context.Background(), idleSince)
	}()
	close(start)
	wg.Wait()

	var ok, rejected int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrInvalidPhase):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, rejected)

	_, stops := f.power.counts()
	assert.Equal(t, 1, stops)
	assert.Len(t, f.archiver.calls, 1)
	assert.Equal(t, session.Stopped, f.state.Snapshot().Phase)
}

func TestIdleShutdownEndToEnd(t *testing.T) {
	f := newFixture(t)
	dog := watchdog.New(f.state, f.ctl.IdleShutdown, time.Second, 300*time.Second)

	f.startAlpha(t)
	f.host.PutFile(savesDir+"/_autosave1.zip", []byte("auto"), f.clock.Now().Add(time.Minute))

	f.host.Feed("2025-02-10 12:01:00 [JOIN] alice joined the game")
	require.Eventually(t, func() bool { return f.state.Snapshot().PlayerCount == 1 }, time.Second, 5*time.Millisecond)
	assert.False(t, f.state.Snapshot().Idle())

	f.host.Feed("2025-02-10 12:02:00 [LEAVE] alice left the game")
	require.Eventually(t, func() bool { return f.state.Snapshot().Idle() }, time.Second, 5*time.Millisecond)
	snap := f.state.Snapshot()
	assert.Equal(t, 0, snap.PlayerCount)
	assert.Equal(t, f.clock.Now(), snap.IdleSince)

	f.clock.Advance(299 * time.Second)
	assert.False(t, dog.Check(t.Context()))
	assert.Equal(t, session.Running, f.state.Snapshot().Phase)

	f.clock.Advance(time.Second)
	assert.True(t, dog.Check(t.Context()))

	assert.Equal(t, session.Snapshot{Phase: session.Stopped}, f.state.Snapshot())
	live, _ := f.host.File(savesDir + "/alpha.zip")
	assert.Equal(t, "auto", string(live))
	_, stops := f.power.counts()
	assert.Equal(t, 1, stops)
	assert.Contains(t, f.recorder.ops, "stop alpha idle")
}

func TestIdleShutdownQueuedBehindRejoin(t *testing.T) {
	f := newFixture(t)
	queued := make(chan struct{})
	dog := watchdog.New(f.state, func(ctx context.Context, idleSince time.Time) error {
		close(queued)
		return f.ctl.IdleShutdown(ctx, idleSince)
	}, time.Second, 300*time.Second)

	f.startAlpha(t)
	f.state.Join()
	f.state.Leave()
	f.clock.Advance(300 * time.Second)

	// a long create holds the token while the watchdog decides to shut down
	f.ctl.token.Lock()
	fired := make(chan bool, 1)
	go func() { fired <- dog.Check(context.Background()) }()
	<-queued

	f.state.Join()
	f.state.Leave()
	rejoined := f.state.Snapshot().IdleSince
	f.ctl.token.Unlock()

	assert.True(t, <-fired)
	snap := f.state.Snapshot()
	assert.Equal(t, session.Running, snap.Phase)
	assert.Equal(t, rejoined, snap.IdleSince, "the new idle period must survive the rejected shutdown")
	_, stops := f.power.counts()
	assert.Equal(t, 0, stops)

	f.clock.Advance(299 * time.Second)
	assert.False(t, dog.Check(t.Context()))
}

func TestIdleOnStart(t *testing.T) {
	f := newFixture(t)
	f.ctl.cfg.IdleOnStart = true
	f.startAlpha(t)
	assert.Equal(t, f.clock.Now(), f.state.Snapshot().IdleSince)
}

func TestCreate(t *testing.T) {
	t.Run("generates save and restores power", func(t *testing.T) {
		f := newFixture(t)
		f.server.created = savesDir + "/beta.zip"
		f.host.PutFile(home+"/mods/Krastorio2_1.3.24.zip", []byte("zip"), time.Now())
		f.host.PutFile(home+"/mods/mod-list.json", []byte(`{"mods":[{"name":"base","enabled":true},{"name":"rso-mod","enabled":true}]}`), time.Now())

		require.NoError(t, f.ctl.Create(t.Context(), "beta", []string{"Krastorio2"}))

		_, ok := f.host.File(savesDir + "/beta.zip")
		assert.True(t, ok)
		manifest, _ := f.host.File(home + "/mods/mod-list.json")
		assert.JSONEq(t, `{"mods":[{"name":"base","enabled":true},{"name":"rso-mod","enabled":false},{"name":"Krastorio2","enabled":true}]}`, string(manifest))

		starts, stops := f.power.counts()
		assert.Equal(t, 1, starts)
		assert.Equal(t, 1, stops)
		assert.Equal(t, 0, f.host.OpenConns())
		assert.Equal(t, session.Snapshot{Phase: session.Stopped}, f.state.Snapshot())
	})

	t.Run("leaves a running instance on", func(t *testing.T) {
		f := newFixture(t)
		f.power.state = power.Running
		f.server.created = savesDir + "/beta.zip"
		require.NoError(t, f.ctl.Create(t.Context(), "beta", nil))
		starts, stops := f.power.counts()
		assert.Equal(t, 0, starts)
		assert.Equal(t, 0, stops)
		_, ok := f.host.File(home + "/mods/mod-list.json")
		assert.False(t, ok, "manifest untouched without a mod selection")
	})

	t.Run("rejects existing save", func(t *testing.T) {
		f := newFixture(t)
		f.host.PutFile(savesDir+"/beta.zip", []byte("old"), time.Now())
		err := f.ctl.Create(t.Context(), "beta", nil)
		assert.ErrorIs(t, err, ErrMapExists)
		assert.Equal(t, 0, f.host.RanMatching("--create"))
		_, stops := f.power.counts()
		assert.Equal(t, 1, stops)
	})

	t.Run("rejects unknown mod before touching manifest", func(t *testing.T) {
		f := newFixture(t)
		original := []byte(`{"mods":[{"name":"base","enabled":true},{"name":"rso-mod","enabled":true}]}`)
		f.host.PutFile(home+"/mods/mod-list.json", original, time.Now())
		f.host.PutFile(home+"/mods/rso-mod_6.2.0.zip", []byte("zip"), time.Now())

		err := f.ctl.Create(t.Context(), "beta", []string{"rso-mod", "nonexistent"})
		require.ErrorIs(t, err, ErrModNotFound)
		assert.Contains(t, err.Error(), "nonexistent")

		manifest, _ := f.host.File(home + "/mods/mod-list.json")
		assert.Equal(t, original, manifest)
		assert.Equal(t, 0, f.host.RanMatching("--create"))
	})

	t.Run("generation produced nothing", func(t *testing.T) {
		f := newFixture(t)
		err := f.ctl.Create(t.Context(), "beta", nil)
		require.ErrorIs(t, err, ErrVerification)
		_, ok := f.host.File(savesDir + "/beta.zip")
		assert.False(t, ok)
		assert.Equal(t, 1, f.host.RanMatching("[-]-create"))
		_, stops := f.power.counts()
		assert.Equal(t, 1, stops)
	})

	t.Run("cancel failure is logged", func(t *testing.T) {
		var logs bytes.Buffer
		log.SetOutput(&logs)
		t.Cleanup(func() { log.SetOutput(os.Stderr) })

		f := newFixture(t)
		f.host.OnExec = func(cmd string) (remote.Result, error) {
			if strings.Contains(cmd, "[-]-create") {
				return remote.Result{}, errors.New("connection reset")
			}
			return f.server.exec(cmd)
		}
		err := f.ctl.Create(t.Context(), "beta", nil)
		require.ErrorIs(t, err, ErrVerification)
		assert.Contains(t, logs.String(), "cancel generation of beta: connection reset")
		_, stops := f.power.counts()
		assert.Equal(t, 1, stops)
	})
}

func TestCreateSerializesWithStart(t *testing.T) {
	f := newFixture(t)
	f.server.created = savesDir + "/beta.zip"
	f.host.PutFile(savesDir+"/alpha.zip", []byte("manual"), time.Now())

	var wg sync.WaitGroup
	var startErr, createErr error
	wg.Add(2)
	go func() { defer wg.Done(); startErr = f.ctl.Start(context.Background(), "alpha") }()
	go func() { defer wg.Done(); createErr = f.ctl.Create(context.Background(), "beta", nil) }()
	wg.Wait()

	require.NoError(t, createErr)
	require.NoError(t, startErr)
	assert.Equal(t, session.Running, f.state.Snapshot().Phase)
	starts, stops := f.power.counts()
	assert.Equal(t, starts-1, stops, "instance is left on only for the running server")
}

func TestOperationsAreRecorded(t *testing.T) {
	f := newFixture(t)
	f.startAlpha(t)
	require.NoError(t, f.ctl.Stop(WithTrigger(t.Context(), "operator:admin"), ""))
	assert.Equal(t, []string{"start alpha operator", "stop alpha operator:admin"}, f.recorder.ops)
}

func TestAbort(t *testing.T) {
	t.Run("rejected while running", func(t *testing.T) {
		f := newFixture(t)
		f.startAlpha(t)
		assert.ErrorIs(t, f.ctl.Abort(t.Context()), ErrInvalidPhase)
	})

	t.Run("rejected when nothing is on", func(t *testing.T) {
		f := newFixture(t)
		assert.ErrorIs(t, f.ctl.Abort(t.Context()), ErrInvalidPhase)
		_, stops := f.power.counts()
		assert.Equal(t, 0, stops)
	})

	t.Run("powers off a stray instance", func(t *testing.T) {
		f := newFixture(t)
		f.power.state = power.Running
		f.server.running = true
		require.NoError(t, f.ctl.Abort(t.Context()))
		assert.False(t, f.server.running)
		_, stops := f.power.counts()
		assert.Equal(t, 1, stops)
		assert.Equal(t, session.Snapshot{Phase: session.Stopped}, f.state.Snapshot())
	})

	t.Run("clears a stuck stop", func(t *testing.T) {
		f := newFixture(t)
		f.startAlpha(t)
		f.server.ignoreStop = true
		require.ErrorIs(t, f.ctl.Stop(t.Context(), ""), ErrVerification)

		require.NoError(t, f.ctl.Abort(t.Context()))
		assert.Equal(t, session.Snapshot{Phase: session.Stopped}, f.state.Snapshot())
		assert.Equal(t, 0, f.host.OpenConns())
	})
}
