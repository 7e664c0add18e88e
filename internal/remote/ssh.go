package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"path"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

type SSHConfig struct {
	Addr       string // host:port
	User       string
	PrivateKey []byte // PEM
	HostKey    string // authorized_keys format; empty accepts any host key
	Timeout    time.Duration
}

type SSHDialer struct {
	addr   string
	config *ssh.ClientConfig
}

func NewSSHDialer(cfg SSHConfig) (*SSHDialer, error) {
	signer, err := ssh.ParsePrivateKey(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if cfg.HostKey != "" {
		pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(cfg.HostKey))
		if err != nil {
			return nil, fmt.Errorf("parse host key: %w", err)
		}
		hostKeyCallback = ssh.FixedHostKey(pub)
	} else {
		log.Printf("remote: no host key pinned for %s, accepting any", cfg.Addr)
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}

	return &SSHDialer{
		addr: cfg.Addr,
		config: &ssh.ClientConfig{
			User:            cfg.User,
			Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
			HostKeyCallback: hostKeyCallback,
			Timeout:         timeout,
		},
	}, nil
}

func (d *SSHDialer) Dial(ctx context.Context) (Conn, error) {
	var nd net.Dialer
	nc, err := nd.DialContext(ctx, "tcp", d.addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", d.addr, err)
	}
	c, chans, reqs, err := ssh.NewClientConn(nc, d.addr, d.config)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("ssh handshake %s: %w", d.addr, err)
	}
	return &sshConn{client: ssh.NewClient(c, chans, reqs)}, nil
}

type sshConn struct {
	client *ssh.Client
	sftp   *sftp.Client
}

// files opens the sftp subsystem lazily; most connections only run commands.
func (c *sshConn) files() (*sftp.Client, error) {
	if c.sftp != nil {
		return c.sftp, nil
	}
	sc, err := sftp.NewClient(c.client)
	if err != nil {
		return nil, fmt.Errorf("open sftp: %w", err)
	}
	c.sftp = sc
	return sc, nil
}

func (c *sshConn) Exec(ctx context.Context, cmd string) (Result, error) {
	sess, err := c.client.NewSession()
	if err != nil {
		return Result{}, fmt.Errorf("new session: %w", err)
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- sess.Run(cmd) }()

	select {
	case <-ctx.Done():
		sess.Signal(ssh.SIGKILL)
		return Result{}, ctx.Err()
	case err = <-done:
	}

	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitStatus()
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("run %q: %w", cmd, err)
	}
	return res, nil
}

func (c *sshConn) Stream(ctx context.Context, cmd string) (io.ReadCloser, error) {
	sess, err := c.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("new session: %w", err)
	}
	out, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := sess.Start(cmd); err != nil {
		sess.Close()
		return nil, fmt.Errorf("start %q: %w", cmd, err)
	}
	s := &sshStream{sess: sess, r: out}
	go func() {
		<-ctx.Done()
		s.Close()
	}()
	return s, nil
}

type sshStream struct {
	sess *ssh.Session
	r    io.Reader
}

func (s *sshStream) Read(p []byte) (int, error) { return s.r.Read(p) }

func (s *sshStream) Close() error {
	s.sess.Signal(ssh.SIGTERM)
	err := s.sess.Close()
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (c *sshConn) ReadFile(ctx context.Context, p string) ([]byte, error) {
	fc, err := c.files()
	if err != nil {
		return nil, err
	}
	f, err := fc.Open(p)
	if err != nil {
		return nil, mapNotExist(err)
	}
	defer f.Close()
	return io.ReadAll(f)
}

// WriteFile replaces the whole file: it writes to a sibling temp file and renames over p.
func (c *sshConn) WriteFile(ctx context.Context, p string, data []byte) error {
	fc, err := c.files()
	if err != nil {
		return err
	}
	tmp := path.Join(path.Dir(p), "."+path.Base(p)+".tmp")
	f, err := fc.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return mapNotExist(err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		fc.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		fc.Remove(tmp)
		return err
	}
	if err := fc.PosixRename(tmp, p); err != nil {
		fc.Remove(tmp)
		return fmt.Errorf("rename %s: %w", p, err)
	}
	return nil
}

func (c *sshConn) ReadDir(ctx context.Context, dir string) ([]FileInfo, error) {
	fc, err := c.files()
	if err != nil {
		return nil, err
	}
	infos, err := fc.ReadDir(dir)
	if err != nil {
		return nil, mapNotExist(err)
	}
	result := make([]FileInfo, 0, len(infos))
	for _, fi := range infos {
		result = append(result, FileInfo{
			Name:    fi.Name(),
			Size:    fi.Size(),
			ModTime: fi.ModTime(),
			IsDir:   fi.IsDir(),
		})
	}
	return result, nil
}

func (c *sshConn) Remove(ctx context.Context, p string) error {
	fc, err := c.files()
	if err != nil {
		return err
	}
	return mapNotExist(fc.Remove(p))
}

func (c *sshConn) Close() error {
	if c.sftp != nil {
		c.sftp.Close()
	}
	return c.client.Close()
}

func mapNotExist(err error) error {
	if err == nil || errors.Is(err, ErrNotExist) {
		return err
	}
	var status *sftp.StatusError
	if errors.As(err, &status) && status.FxCode() == sftp.ErrSSHFxNoSuchFile {
		return fmt.Errorf("%w: %v", ErrNotExist, err)
	}
	return err
}
