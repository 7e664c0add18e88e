// Package remotetest provides an in-memory remote host for tests.
package remotetest

import (
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/reedfamily/gamewarden/internal/remote"
)

type file struct {
	data    []byte
	modTime time.Time
}

// Host is a fake remote host. It implements remote.Dialer; every Dial returns
// a connection sharing the same file system and command log.
type Host struct {
	mu       sync.Mutex
	files    map[string]file
	commands []string
	clock    time.Time
	opened   int
	closed   int
	streams  []*io.PipeWriter
	streamCh chan struct{}

	// OnExec, when set, answers Exec calls. It is called without the lock held
	// so it may use the Host's file helpers.
	OnExec func(cmd string) (remote.Result, error)
	// DialErr makes every Dial fail.
	DialErr error
	// StreamErr makes every Stream fail.
	StreamErr error
}

func NewHost() *Host {
	return &Host{
		files:    make(map[string]file),
		clock:    time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		streamCh: make(chan struct{}, 16),
	}
}

// PutFile stores data at p with the given modification time.
func (h *Host) PutFile(p string, data []byte, modTime time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.files[p] = file{data: append([]byte(nil), data...), modTime: modTime}
}

func (h *Host) File(p string) ([]byte, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	f, ok := h.files[p]
	return f.data, ok
}

func (h *Host) Commands() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.commands...)
}

// RanMatching counts executed commands containing substr.
func (h *Host) RanMatching(substr string) int {
	n := 0
	for _, c := range h.Commands() {
		if strings.Contains(c, substr) {
			n++
		}
	}
	return n
}

// OpenConns returns the number of connections dialed but not yet closed.
func (h *Host) OpenConns() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.opened - h.closed
}

// WaitStream blocks until a stream has been opened or the timeout elapses.
func (h *Host) WaitStream(timeout time.Duration) bool {
	select {
	case <-h.streamCh:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Feed writes a line to every open stream.
func (h *Host) Feed(line string) {
	h.mu.Lock()
	streams := append([]*io.PipeWriter(nil), h.streams...)
	h.mu.Unlock()
	for _, w := range streams {
		io.WriteString(w, line+"\n")
	}
}

// BreakStreams fails every open stream with err.
func (h *Host) BreakStreams(err error) {
	h.mu.Lock()
	streams := h.streams
	h.streams = nil
	h.mu.Unlock()
	for _, w := range streams {
		w.CloseWithError(err)
	}
}

func (h *Host) Dial(ctx context.Context) (remote.Conn, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.DialErr != nil {
		return nil, h.DialErr
	}
	h.opened++
	return &conn{host: h}, nil
}

type conn struct {
	host   *Host
	closed bool
}

func (c *conn) Exec(ctx context.Context, cmd string) (remote.Result, error) {
	h := c.host
	h.mu.Lock()
	h.commands = append(h.commands, cmd)
	onExec := h.OnExec
	h.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return remote.Result{}, err
	}
	if onExec == nil {
		return remote.Result{}, nil
	}
	return onExec(cmd)
}

func (c *conn) Stream(ctx context.Context, cmd string) (io.ReadCloser, error) {
	h := c.host
	h.mu.Lock()
	h.commands = append(h.commands, cmd)
	if h.StreamErr != nil {
		h.mu.Unlock()
		return nil, h.StreamErr
	}
	r, w := io.Pipe()
	h.streams = append(h.streams, w)
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		w.CloseWithError(ctx.Err())
	}()
	select {
	case h.streamCh <- struct{}{}:
	default:
	}
	return r, nil
}

func (c *conn) ReadFile(ctx context.Context, p string) ([]byte, error) {
	data, ok := c.host.File(p)
	if !ok {
		return nil, fmt.Errorf("%w: %s", remote.ErrNotExist, p)
	}
	return data, nil
}

func (c *conn) WriteFile(ctx context.Context, p string, data []byte) error {
	h := c.host
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clock = h.clock.Add(time.Second)
	h.files[p] = file{data: append([]byte(nil), data...), modTime: h.clock}
	return nil
}

func (c *conn) ReadDir(ctx context.Context, dir string) ([]remote.FileInfo, error) {
	h := c.host
	h.mu.Lock()
	defer h.mu.Unlock()
	var result []remote.FileInfo
	for p, f := range h.files {
		if path.Dir(p) == path.Clean(dir) {
			result = append(result, remote.FileInfo{
				Name:    path.Base(p),
				Size:    int64(len(f.data)),
				ModTime: f.modTime,
			})
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

func (c *conn) Remove(ctx context.Context, p string) error {
	h := c.host
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.files[p]; !ok {
		return fmt.Errorf("%w: %s", remote.ErrNotExist, p)
	}
	delete(h.files, p)
	return nil
}

func (c *conn) Close() error {
	h := c.host
	h.mu.Lock()
	defer h.mu.Unlock()
	if !c.closed {
		c.closed = true
		h.closed++
	}
	return nil
}
