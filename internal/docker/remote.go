package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/reedfamily/gamewarden/internal/remote"
)

// Dialer runs remote operations inside a container through the exec API.
type Dialer struct {
	client    *Client
	container string
}

func NewDialer(c *Client, containerName string) *Dialer {
	return &Dialer{client: c, container: containerName}
}

func (d *Dialer) Dial(ctx context.Context) (remote.Conn, error) {
	if _, err := d.client.cli.ContainerInspect(ctx, d.container); err != nil {
		return nil, fmt.Errorf("inspect container %s: %w", d.container, err)
	}
	return &execConn{cli: d.client.cli, container: d.container}, nil
}

type execConn struct {
	cli       *client.Client
	container string
}

func (c *execConn) attach(ctx context.Context, cmd string) (string, io.ReadCloser, error) {
	exec, err := c.cli.ContainerExecCreate(ctx, c.container, container.ExecOptions{
		Cmd:          []string{"sh", "-c", cmd},
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", nil, fmt.Errorf("exec create: %w", err)
	}
	resp, err := c.cli.ContainerExecAttach(ctx, exec.ID, container.ExecAttachOptions{})
	if err != nil {
		return "", nil, fmt.Errorf("exec attach: %w", err)
	}
	return exec.ID, hijacked{resp}, nil
}

// hijacked reads through the response's buffered reader, which may already
// hold output read along with the upgrade response.
type hijacked struct {
	resp types.HijackedResponse
}

func (h hijacked) Read(p []byte) (int, error) { return h.resp.Reader.Read(p) }

func (h hijacked) Close() error {
	h.resp.Close()
	return nil
}

func (c *execConn) Exec(ctx context.Context, cmd string) (remote.Result, error) {
	id, conn, err := c.attach(ctx, cmd)
	if err != nil {
		return remote.Result{}, err
	}
	defer conn.Close()

	// Exec output is multiplexed with 8-byte stream headers since there is no TTY.
	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, conn); err != nil {
		return remote.Result{}, fmt.Errorf("read exec output: %w", err)
	}

	inspect, err := c.cli.ContainerExecInspect(ctx, id)
	if err != nil {
		return remote.Result{}, fmt.Errorf("exec inspect: %w", err)
	}
	return remote.Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: inspect.ExitCode,
	}, nil
}

func (c *execConn) Stream(ctx context.Context, cmd string) (io.ReadCloser, error) {
	_, conn, err := c.attach(ctx, cmd)
	if err != nil {
		return nil, err
	}
	pr, pw := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(pw, io.Discard, conn)
		pw.CloseWithError(err)
	}()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	return &execStream{PipeReader: pr, conn: conn}, nil
}

type execStream struct {
	*io.PipeReader
	conn io.Closer
}

func (s *execStream) Close() error {
	s.PipeReader.Close()
	return s.conn.Close()
}

func (c *execConn) ReadFile(ctx context.Context, p string) ([]byte, error) {
	rc, _, err := c.cli.CopyFromContainer(ctx, c.container, p)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, fmt.Errorf("%w: %s", remote.ErrNotExist, p)
		}
		return nil, fmt.Errorf("copy from container: %w", err)
	}
	defer rc.Close()

	tr := tar.NewReader(rc)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil, fmt.Errorf("%w: %s", remote.ErrNotExist, p)
		}
		if err != nil {
			return nil, err
		}
		if header.Typeflag == tar.TypeReg {
			return io.ReadAll(tr)
		}
	}
}

func (c *execConn) WriteFile(ctx context.Context, p string, data []byte) error {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	if err := tw.WriteHeader(&tar.Header{
		Name:     path.Base(p),
		Mode:     0644,
		Size:     int64(len(data)),
		ModTime:  time.Now(),
		Typeflag: tar.TypeReg,
	}); err != nil {
		return err
	}
	if _, err := tw.Write(data); err != nil {
		return err
	}
	if err := tw.Close(); err != nil {
		return err
	}
	if err := c.cli.CopyToContainer(ctx, c.container, path.Dir(p), &buf, container.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("copy to container: %w", err)
	}
	return nil
}

func (c *execConn) ReadDir(ctx context.Context, dir string) ([]remote.FileInfo, error) {
	res, err := c.Exec(ctx, fmt.Sprintf("find '%s' -mindepth 1 -maxdepth 1 -printf '%%f\\t%%s\\t%%T@\\t%%y\\n'", dir))
	if err != nil {
		return nil, err
	}
	if !res.OK() {
		if strings.Contains(res.Stderr, "No such file") {
			return nil, fmt.Errorf("%w: %s", remote.ErrNotExist, dir)
		}
		return nil, &remote.ExitError{Cmd: "find " + dir, Result: res}
	}
	return parseFind(res.Stdout), nil
}

// parseFind parses `find -printf '%f\t%s\t%T@\t%y\n'` output.
func parseFind(out string) []remote.FileInfo {
	var result []remote.FileInfo
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		fields := strings.Split(line, "\t")
		if len(fields) != 4 {
			continue
		}
		size, _ := strconv.ParseInt(fields[1], 10, 64)
		result = append(result, remote.FileInfo{
			Name:    fields[0],
			Size:    size,
			ModTime: parseEpoch(fields[2]),
			IsDir:   fields[3] == "d",
		})
	}
	return result
}

// parseEpoch parses "<seconds>.<fraction>" without going through float64.
func parseEpoch(s string) time.Time {
	secStr, fracStr, _ := strings.Cut(s, ".")
	sec, _ := strconv.ParseInt(secStr, 10, 64)
	var nsec int64
	if fracStr != "" {
		if len(fracStr) > 9 {
			fracStr = fracStr[:9]
		}
		fracStr += strings.Repeat("0", 9-len(fracStr))
		nsec, _ = strconv.ParseInt(fracStr, 10, 64)
	}
	return time.Unix(sec, nsec)
}

func (c *execConn) Remove(ctx context.Context, p string) error {
	res, err := c.Exec(ctx, fmt.Sprintf("rm '%s'", p))
	if err != nil {
		return err
	}
	if !res.OK() {
		if strings.Contains(res.Stderr, "No such file") {
			return fmt.Errorf("%w: %s", remote.ErrNotExist, p)
		}
		return &remote.ExitError{Cmd: "rm " + p, Result: res}
	}
	return nil
}

func (c *execConn) Close() error {
	return nil
}
