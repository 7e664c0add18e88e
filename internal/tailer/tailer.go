// Package tailer follows the game server log on the remote host and turns
// join/leave lines into session updates.
package tailer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/reedfamily/gamewarden/internal/game"
	"github.com/reedfamily/gamewarden/internal/remote"
	"github.com/reedfamily/gamewarden/internal/session"
)

// Presence receives classified events.
type Presence interface {
	Join()
	Leave()
}

var _ Presence = (*session.State)(nil)

type Tailer struct {
	conn     remote.Conn
	adapter  game.Adapter
	presence Presence
	// OnLine, when set, receives every raw line before classification.
	OnLine func(line string)
}

// New takes ownership of conn; Run closes it.
func New(conn remote.Conn, adapter game.Adapter, presence Presence) *Tailer {
	return &Tailer{conn: conn, adapter: adapter, presence: presence}
}

// Run follows new log lines until ctx is cancelled or the stream fails. It
// never reconnects. The returned error is nil when stopped through ctx.
func (t *Tailer) Run(ctx context.Context) error {
	defer t.conn.Close()

	stream, err := t.conn.Stream(ctx, t.adapter.FollowLogCommand(0))
	if err != nil {
		return fmt.Errorf("open log stream: %w", err)
	}
	defer stream.Close()

	// Closing the stream unblocks the scanner once the stop signal is raised.
	stop := context.AfterFunc(ctx, func() { stream.Close() })
	defer stop()

	scanner := bufio.NewScanner(stream)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		t.handle(scanner.Text())
	}

	if ctx.Err() != nil {
		return nil
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		return fmt.Errorf("read log stream: %w", err)
	}
	return fmt.Errorf("read log stream: %w", io.ErrUnexpectedEOF)
}

func (t *Tailer) handle(line string) {
	if t.OnLine != nil {
		t.OnLine(line)
	}
	ev := t.adapter.ParseLogLine(line)
	if ev == nil {
		return
	}
	switch ev.Type {
	case game.PlayerJoin:
		t.presence.Join()
		log.Printf("tailer: %s joined", ev.Player)
	case game.PlayerLeave:
		t.presence.Leave()
		log.Printf("tailer: %s left", ev.Player)
	}
}

// Handle owns a running tailer goroutine.
type Handle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Spawn runs t in the background. Failures are logged.
func Spawn(t *Tailer) *Handle {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Handle{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(h.done)
		if err := t.Run(ctx); err != nil {
			log.Printf("tailer: stopped: %v", err)
			return
		}
		log.Println("tailer: stopped")
	}()
	return h
}

// Stop raises the stop signal and waits for the tailer to release its stream.
func (h *Handle) Stop() {
	h.cancel()
	<-h.done
}

// Done is closed when the tailer has exited.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}
