// Package lifecycle drives the game server through
// Stopped → Starting → Running → Stopping → Stopped. Start, stop, idle
// shutdown and map creation hold a single operation token for their whole
// sequence so they never interleave.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/reedfamily/gamewarden/internal/backup"
	"github.com/reedfamily/gamewarden/internal/game"
	"github.com/reedfamily/gamewarden/internal/power"
	"github.com/reedfamily/gamewarden/internal/remote"
	"github.com/reedfamily/gamewarden/internal/saves"
	"github.com/reedfamily/gamewarden/internal/session"
	"github.com/reedfamily/gamewarden/internal/tailer"
)

type Config struct {
	InstanceID string
	// SettleDelay is waited after power-on; the power API has no readiness signal.
	SettleDelay time.Duration
	// ProcessTimeout bounds the wait for the server process to exit after stop.
	ProcessTimeout     time.Duration
	CreatePollInterval time.Duration
	CreateTimeout      time.Duration
	// OpTimeout bounds a whole operation; zero means no limit.
	OpTimeout time.Duration
	// IdleOnStart starts the idle clock as soon as the server is running, so a
	// server nobody joins is still shut down.
	IdleOnStart bool
}

func (c *Config) defaults() {
	if c.SettleDelay == 0 {
		c.SettleDelay = 60 * time.Second
	}
	if c.ProcessTimeout == 0 {
		c.ProcessTimeout = 60 * time.Second
	}
	if c.CreatePollInterval == 0 {
		c.CreatePollInterval = 2 * time.Second
	}
	if c.CreateTimeout == 0 {
		c.CreateTimeout = 5 * time.Minute
	}
}

// Recorder persists operation outcomes.
type Recorder interface {
	Begin(action, mapName, trigger string) (string, error)
	Finish(id string, err error) error
}

// Archiver keeps a copy of the live save before rotation.
type Archiver interface {
	Archive(ctx context.Context, conn remote.Conn, mapName, savePath string) (*backup.Archive, error)
}

type Status struct {
	session.Snapshot
	Instance power.State `json:"instance"`
}

type Controller struct {
	cfg     Config
	state   *session.State
	power   power.Port
	dialer  remote.Dialer
	adapter game.Adapter

	recorder Recorder
	archiver Archiver
	onLine   func(string)
	sleep    func(ctx context.Context, d time.Duration) error

	// token serializes Start, Stop, IdleShutdown, Create and Abort.
	token sync.Mutex
	tail  *tailer.Handle
}

type Option func(*Controller)

func WithRecorder(r Recorder) Option { return func(c *Controller) { c.recorder = r } }

func WithArchiver(a Archiver) Option { return func(c *Controller) { c.archiver = a } }

// WithLineHook receives every raw log line seen by the tailer.
func WithLineHook(f func(string)) Option { return func(c *Controller) { c.onLine = f } }

func WithSleep(f func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Controller) { c.sleep = f }
}

func New(cfg Config, state *session.State, powerPort power.Port, dialer remote.Dialer, adapter game.Adapter, opts ...Option) *Controller {
	cfg.defaults()
	c := &Controller{
		cfg:     cfg,
		state:   state,
		power:   powerPort,
		dialer:  dialer,
		adapter: adapter,
		sleep:   sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type triggerKey struct{}

// WithTrigger tags operations started with ctx (e.g. "schedule", "operator:alice").
func WithTrigger(ctx context.Context, trigger string) context.Context {
	return context.WithValue(ctx, triggerKey{}, trigger)
}

// Trigger reports who started the operation carried by ctx; "operator" when untagged.
func Trigger(ctx context.Context) string {
	if t, ok := ctx.Value(triggerKey{}).(string); ok && t != "" {
		return t
	}
	return "operator"
}

func (c *Controller) record(ctx context.Context, action, mapName string) func(error) {
	if c.recorder == nil {
		return func(error) {}
	}
	id, err := c.recorder.Begin(action, mapName, Trigger(ctx))
	if err != nil {
		log.Printf("lifecycle: record %s: %v", action, err)
		return func(error) {}
	}
	return func(opErr error) {
		if err := c.recorder.Finish(id, opErr); err != nil {
			log.Printf("lifecycle: record %s result: %v", action, err)
		}
	}
}

func (c *Controller) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.cfg.OpTimeout > 0 {
		return context.WithTimeout(ctx, c.cfg.OpTimeout)
	}
	return context.WithCancel(ctx)
}

func (c *Controller) withConn(ctx context.Context, fn func(remote.Conn) error) error {
	conn, err := c.dialer.Dial(ctx)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close()
	return fn(conn)
}

// Status reports the session and the instance power state. It does not take
// the operation token.
func (c *Controller) Status(ctx context.Context) Status {
	st, err := c.power.Describe(ctx, c.cfg.InstanceID)
	if err != nil {
		log.Printf("lifecycle: describe instance: %v", err)
		st = power.Unknown
	}
	return Status{Snapshot: c.state.Snapshot(), Instance: st}
}

// Start powers the instance on and launches the server on mapName. A failure
// leaves the phase where it was reached; Abort clears it.
func (c *Controller) Start(ctx context.Context, mapName string) (err error) {
	if err := ValidateMapName(mapName); err != nil {
		return err
	}

	c.token.Lock()
	defer c.token.Unlock()

	done := c.record(ctx, "start", mapName)
	defer func() { done(err) }()

	snap := c.state.Snapshot()
	if snap.Phase != session.Stopped {
		return fmt.Errorf("%w: server is %s", ErrInvalidPhase, snap.Phase)
	}
	if snap.ActiveMap != "" {
		return fmt.Errorf("%w: %s", ErrMapActive, snap.ActiveMap)
	}

	ctx, cancel := c.opContext(ctx)
	defer cancel()

	st, err := c.power.Describe(ctx, c.cfg.InstanceID)
	if err != nil {
		return fmt.Errorf("describe instance: %w", err)
	}
	if st != power.Stopped {
		return fmt.Errorf("%w: instance is %s", ErrInstanceBusy, st)
	}

	log.Printf("lifecycle: starting %s", mapName)
	c.state.Begin(mapName)

	if err := c.power.Start(ctx, c.cfg.InstanceID); err != nil {
		return fmt.Errorf("power on: %w", err)
	}
	if err := c.sleep(ctx, c.cfg.SettleDelay); err != nil {
		return fmt.Errorf("wait for instance: %w", err)
	}

	err = c.withConn(ctx, func(conn remote.Conn) error {
		return c.launch(ctx, conn, mapName)
	})
	if err != nil {
		return err
	}

	c.state.SetPhase(session.Running)
	if c.cfg.IdleOnStart {
		c.state.StartIdle()
	}
	log.Printf("lifecycle: %s running", mapName)
	return nil
}

func (c *Controller) launch(ctx context.Context, conn remote.Conn, mapName string) error {
	p := c.adapter.Paths()

	doc, err := c.adapter.SettingsDocument()
	if err != nil {
		return fmt.Errorf("render server settings: %w", err)
	}
	if err := conn.WriteFile(ctx, p.ServerSettings, doc); err != nil {
		return fmt.Errorf("upload server settings: %w", err)
	}

	ok, err := remote.Exists(ctx, conn, p.SavesDir, c.adapter.SaveName(mapName))
	if err != nil {
		return fmt.Errorf("check save: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: no save for map %s", ErrVerification, mapName)
	}

	running, err := c.processRunning(ctx, conn)
	if err != nil {
		return fmt.Errorf("check server process: %w", err)
	}

	c.state.ResetPresence()
	c.stopTailer()
	tconn, err := c.dialer.Dial(ctx)
	if err != nil {
		return fmt.Errorf("connect log tailer: %w", err)
	}
	t := tailer.New(tconn, c.adapter, c.state)
	t.OnLine = c.onLine
	c.tail = tailer.Spawn(t)

	if running {
		log.Printf("lifecycle: server process already running, not launching again")
		return nil
	}
	if _, err := remote.Run(ctx, conn, c.adapter.LaunchCommand(mapName)); err != nil {
		return fmt.Errorf("launch server: %w", err)
	}
	return nil
}

func (c *Controller) processRunning(ctx context.Context, conn remote.Conn) (bool, error) {
	res, err := conn.Exec(ctx, c.adapter.ProcessCommand())
	if err != nil {
		return false, err
	}
	return res.OK(), nil
}

// Stop shuts the server down. It is rejected unless the server is running
// with nobody connected; mapName, when given, must be the active map.
func (c *Controller) Stop(ctx context.Context, mapName string) (err error) {
	c.token.Lock()
	defer c.token.Unlock()

	snap := c.state.Snapshot()
	target := mapName
	if target == "" {
		target = snap.ActiveMap
	}
	done := c.record(ctx, "stop", target)
	defer func() { done(err) }()

	if snap.Phase != session.Running {
		return fmt.Errorf("%w: server is %s", ErrInvalidPhase, snap.Phase)
	}
	if mapName != "" && mapName != snap.ActiveMap {
		return fmt.Errorf("%w: %s is running, not %s", ErrMapMismatch, snap.ActiveMap, mapName)
	}
	if snap.PlayerCount != 0 {
		return fmt.Errorf("%w: %d online", ErrPlayersConnected, snap.PlayerCount)
	}
	return c.shutdown(ctx, snap.ActiveMap)
}

// IdleShutdown is the watchdog's entry into the stop sequence. It always
// targets the active map. idleSince is the idle start the caller measured its
// threshold from; the shutdown is refused unless the session is still idle
// since exactly that instant.
func (c *Controller) IdleShutdown(ctx context.Context, idleSince time.Time) (err error) {
	ctx = WithTrigger(ctx, "idle")

	c.token.Lock()
	defer c.token.Unlock()

	snap := c.state.Snapshot()
	done := c.record(ctx, "stop", snap.ActiveMap)
	defer func() { done(err) }()

	if snap.Phase != session.Running {
		return fmt.Errorf("%w: server is %s", ErrInvalidPhase, snap.Phase)
	}
	if snap.PlayerCount != 0 {
		return fmt.Errorf("%w: %d online", ErrPlayersConnected, snap.PlayerCount)
	}
	if !snap.Idle() || !snap.IdleSince.Equal(idleSince) {
		return fmt.Errorf("%w: idle since %s, expected %s", ErrNotIdle,
			snap.IdleSince.Format(time.RFC3339), idleSince.Format(time.RFC3339))
	}
	return c.shutdown(ctx, snap.ActiveMap)
}

// shutdown must be called with the token held.
func (c *Controller) shutdown(ctx context.Context, mapName string) error {
	ctx, cancel := c.opContext(ctx)
	defer cancel()

	log.Printf("lifecycle: stopping %s", mapName)
	c.state.SetPhase(session.Stopping)

	err := c.withConn(ctx, func(conn remote.Conn) error {
		if err := c.stopProcess(ctx, conn); err != nil {
			return fmt.Errorf("stop server process: %w", err)
		}

		if c.archiver != nil {
			savePath := path.Join(c.adapter.Paths().SavesDir, c.adapter.SaveName(mapName))
			if _, err := c.archiver.Archive(ctx, conn, mapName, savePath); err != nil {
				log.Printf("lifecycle: archive %s: %v", mapName, err)
			}
		}

		res, err := saves.Rotate(ctx, conn, c.adapter, mapName)
		if err != nil {
			return fmt.Errorf("rotate saves: %w", err)
		}
		if res.Promoted != "" {
			log.Printf("lifecycle: promoted %s to %s, previous save kept as %s", res.Promoted, mapName, res.Backup)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if err := c.power.Stop(ctx, c.cfg.InstanceID); err != nil {
		return fmt.Errorf("power off: %w", err)
	}
	c.stopTailer()
	c.state.Reset()
	log.Printf("lifecycle: %s stopped", mapName)
	return nil
}

// stopProcess asks the server to save and exit, then waits until it is gone.
func (c *Controller) stopProcess(ctx context.Context, conn remote.Conn) error {
	res, err := conn.Exec(ctx, c.adapter.StopCommand())
	if err != nil {
		return err
	}
	// pkill exits 1 when nothing matched
	if res.ExitCode > 1 {
		return &remote.ExitError{Cmd: c.adapter.StopCommand(), Result: res}
	}

	interval := time.Second
	for waited := time.Duration(0); ; waited += interval {
		running, err := c.processRunning(ctx, conn)
		if err != nil {
			return err
		}
		if !running {
			return nil
		}
		if waited >= c.cfg.ProcessTimeout {
			return fmt.Errorf("%w: server process still running after %s", ErrVerification, c.cfg.ProcessTimeout)
		}
		if err := c.sleep(ctx, interval); err != nil {
			return err
		}
	}
}

func (c *Controller) stopTailer() {
	if c.tail != nil {
		c.tail.Stop()
		c.tail = nil
	}
}

// Abort clears a session stuck in Starting or Stopping after a failed
// operation: it asks the server to save and exit, powers the instance off and
// resets the session. Save rotation is not attempted. From Stopped it only
// applies to an instance left powered on outside any session, for example
// across a restart of this process.
func (c *Controller) Abort(ctx context.Context) (err error) {
	c.token.Lock()
	defer c.token.Unlock()

	snap := c.state.Snapshot()
	done := c.record(ctx, "abort", snap.ActiveMap)
	defer func() { done(err) }()

	ctx, cancel := c.opContext(ctx)
	defer cancel()

	switch snap.Phase {
	case session.Starting, session.Stopping:
	case session.Stopped:
		st, err := c.power.Describe(ctx, c.cfg.InstanceID)
		if err != nil {
			return fmt.Errorf("describe instance: %w", err)
		}
		if st == power.Stopped {
			return fmt.Errorf("%w: server is stopped", ErrInvalidPhase)
		}
	default:
		return fmt.Errorf("%w: server is %s", ErrInvalidPhase, snap.Phase)
	}

	err = c.withConn(ctx, func(conn remote.Conn) error {
		return c.stopProcess(ctx, conn)
	})
	if err != nil {
		log.Printf("lifecycle: abort: stop server process: %v", err)
	}
	if err := c.power.Stop(ctx, c.cfg.InstanceID); err != nil {
		return fmt.Errorf("power off: %w", err)
	}
	c.stopTailer()
	c.state.Reset()
	return nil
}

// Create generates a new map, optionally with a mod selection. The instance is
// powered on for the duration if it was off.
func (c *Controller) Create(ctx context.Context, mapName string, mods []string) (err error) {
	if err := ValidateMapName(mapName); err != nil {
		return err
	}
	for _, m := range mods {
		if strings.TrimSpace(m) == "" {
			return fmt.Errorf("%w: empty mod name", ErrModNotFound)
		}
	}

	c.token.Lock()
	defer c.token.Unlock()

	done := c.record(ctx, "create", mapName)
	defer func() { done(err) }()

	ctx, cancel := c.opContext(ctx)
	defer cancel()

	st, err := c.power.Describe(ctx, c.cfg.InstanceID)
	if err != nil {
		return fmt.Errorf("describe instance: %w", err)
	}
	switch st {
	case power.Running:
	case power.Stopped:
		log.Printf("lifecycle: powering instance on to create %s", mapName)
		if err := c.power.Start(ctx, c.cfg.InstanceID); err != nil {
			return fmt.Errorf("power on: %w", err)
		}
		defer func() {
			if perr := c.power.Stop(context.WithoutCancel(ctx), c.cfg.InstanceID); perr != nil {
				log.Printf("lifecycle: power off after create: %v", perr)
				if err == nil {
					err = fmt.Errorf("power off: %w", perr)
				}
			}
		}()
		if err := c.sleep(ctx, c.cfg.SettleDelay); err != nil {
			return fmt.Errorf("wait for instance: %w", err)
		}
	default:
		return fmt.Errorf("%w: instance is %s", ErrInstanceBusy, st)
	}

	return c.withConn(ctx, func(conn remote.Conn) error {
		return c.generate(ctx, conn, mapName, mods)
	})
}

func (c *Controller) generate(ctx context.Context, conn remote.Conn, mapName string, mods []string) error {
	p := c.adapter.Paths()
	saveName := c.adapter.SaveName(mapName)

	exists, err := remote.Exists(ctx, conn, p.SavesDir, saveName)
	if err != nil {
		return fmt.Errorf("check saves: %w", err)
	}
	if exists {
		return fmt.Errorf("%w: %s", ErrMapExists, mapName)
	}

	if len(mods) > 0 {
		if err := c.selectMods(ctx, conn, mods); err != nil {
			return err
		}
	}

	if _, err := remote.Run(ctx, conn, c.adapter.CreateCommand(mapName)); err != nil {
		return fmt.Errorf("start map generation: %w", err)
	}

	attempts := int(c.cfg.CreateTimeout / c.cfg.CreatePollInterval)
	if attempts < 1 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		if err := c.sleep(ctx, c.cfg.CreatePollInterval); err != nil {
			return err
		}
		ok, err := remote.Exists(ctx, conn, p.SavesDir, saveName)
		if err != nil {
			return fmt.Errorf("check saves: %w", err)
		}
		if ok {
			log.Printf("lifecycle: created map %s", mapName)
			return nil
		}
	}

	// Generation may still finish later; kill it and drop anything it wrote.
	if _, err := conn.Exec(ctx, c.adapter.CancelCreateCommand(mapName)); err != nil {
		log.Printf("lifecycle: cancel generation of %s: %v", mapName, err)
	}
	if err := conn.Remove(ctx, path.Join(p.SavesDir, saveName)); err != nil && !errors.Is(err, remote.ErrNotExist) {
		log.Printf("lifecycle: remove partial save %s: %v", saveName, err)
	}
	return fmt.Errorf("%w: no save %s after %s", ErrVerification, saveName, c.cfg.CreateTimeout)
}

// selectMods verifies every requested mod is installed before rewriting the manifest.
func (c *Controller) selectMods(ctx context.Context, conn remote.Conn, mods []string) error {
	p := c.adapter.Paths()

	entries, err := conn.ReadDir(ctx, p.ModsDir)
	if err != nil && !errors.Is(err, remote.ErrNotExist) {
		return fmt.Errorf("list mods: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name)
	}
	catalog := c.adapter.ModCatalog(names)

	var missing []string
	for _, m := range mods {
		if !catalog[m] {
			missing = append(missing, m)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrModNotFound, strings.Join(missing, ", "))
	}

	manifest, err := conn.ReadFile(ctx, p.ModManifest)
	if err != nil && !errors.Is(err, remote.ErrNotExist) {
		return fmt.Errorf("read mod manifest: %w", err)
	}
	updated, err := c.adapter.EnableMods(manifest, mods)
	if err != nil {
		return err
	}
	if err := conn.WriteFile(ctx, p.ModManifest, updated); err != nil {
		return fmt.Errorf("write mod manifest: %w", err)
	}
	return nil
}

// Close stops the log tailer, if any.
func (c *Controller) Close() {
	c.token.Lock()
	defer c.token.Unlock()
	c.stopTailer()
}
