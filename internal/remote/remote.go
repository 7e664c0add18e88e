// Package remote defines the transport used to run commands and move files on
// the game host. Connections are opened per logical operation and must be
// closed by the caller on every exit path.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"time"
)

// ErrNotExist is returned by file operations when the remote path is missing.
var ErrNotExist = fs.ErrNotExist

type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

func (r Result) OK() bool {
	return r.ExitCode == 0
}

type FileInfo struct {
	Name    string
	Size    int64
	ModTime time.Time
	IsDir   bool
}

type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

type Conn interface {
	// Exec runs cmd and waits for it to finish. A non-zero exit status is
	// reported through Result.ExitCode; err is reserved for transport failures.
	Exec(ctx context.Context, cmd string) (Result, error)
	// Stream runs cmd and returns its stdout as it is produced. Closing the
	// reader terminates the remote command.
	Stream(ctx context.Context, cmd string) (io.ReadCloser, error)
	ReadFile(ctx context.Context, path string) ([]byte, error)
	WriteFile(ctx context.Context, path string, data []byte) error
	ReadDir(ctx context.Context, dir string) ([]FileInfo, error)
	Remove(ctx context.Context, path string) error
	Close() error
}

// Run executes cmd and converts a non-zero exit status into an error.
func Run(ctx context.Context, conn Conn, cmd string) (Result, error) {
	res, err := conn.Exec(ctx, cmd)
	if err != nil {
		return res, err
	}
	if !res.OK() {
		return res, &ExitError{Cmd: cmd, Result: res}
	}
	return res, nil
}

// Exists reports whether dir contains an entry called name.
func Exists(ctx context.Context, conn Conn, dir, name string) (bool, error) {
	entries, err := conn.ReadDir(ctx, dir)
	if err != nil {
		if errors.Is(err, ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	for _, e := range entries {
		if e.Name == name {
			return true, nil
		}
	}
	return false, nil
}

// CopyFile copies src to dst through the file transfer channel.
func CopyFile(ctx context.Context, conn Conn, src, dst string) error {
	data, err := conn.ReadFile(ctx, src)
	if err != nil {
		return fmt.Errorf("read %s: %w", src, err)
	}
	if err := conn.WriteFile(ctx, dst, data); err != nil {
		return fmt.Errorf("write %s: %w", dst, err)
	}
	return nil
}

type ExitError struct {
	Cmd    string
	Result Result
}

func (e *ExitError) Error() string {
	msg := e.Result.Stderr
	if msg == "" {
		msg = e.Result.Stdout
	}
	return fmt.Sprintf("remote command %q exited %d: %s", e.Cmd, e.Result.ExitCode, msg)
}
