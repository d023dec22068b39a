// Package ssh is the remote shell transport for fleet nodes: one multiplexed
// connection per node, one SSH session per command.
package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	xssh "golang.org/x/crypto/ssh"

	"github.com/3cpo-dev/burst/pkg/burst"
)

type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// Connector opens authenticated connections to nodes. It implements
// burst.Connector.
type Connector struct {
	User     string
	Signer   xssh.Signer
	HostKeys xssh.HostKeyCallback
	// Port is used when the address passed to Connect has none.
	Port int
	// Timeout bounds the TCP dial and the SSH handshake.
	Timeout time.Duration
	Dialer  Dialer
}

func (c *Connector) makeConfig() (*xssh.ClientConfig, error) {
	if c.Signer == nil {
		return nil, errors.New("ssh: signer required")
	}
	if c.HostKeys == nil {
		return nil, errors.New("ssh: host key callback required")
	}
	return &xssh.ClientConfig{
		User:            c.User,
		Auth:            []xssh.AuthMethod{xssh.PublicKeys(c.Signer)},
		HostKeyCallback: c.HostKeys,
		Timeout:         c.Timeout,
	}, nil
}

func (c *Connector) target(addr string) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	port := c.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(addr, strconv.Itoa(port))
}

// Connect dials addr and completes the SSH handshake. Cancelling ctx aborts
// a handshake in progress.
func (c *Connector) Connect(ctx context.Context, addr string) (burst.Session, error) {
	cfg, err := c.makeConfig()
	if err != nil {
		return nil, err
	}
	target := c.target(addr)
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	dialer := c.Dialer
	if dialer == nil {
		dialer = &net.Dialer{}
	}
	conn, err := dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	sc, chans, reqs, err := xssh.NewClientConn(conn, target, cfg)
	if !stop() {
		if err == nil {
			sc.Close()
		}
		conn.Close()
		return nil, fmt.Errorf("ssh handshake %s: %w", target, ctx.Err())
	}
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake %s: %w", target, err)
	}
	return &Session{client: xssh.NewClient(sc, chans, reqs), addr: target}, nil
}

// Session is an established connection to one node. Commands run on
// separate SSH sessions, so a Session can be shared between goroutines.
type Session struct {
	client *xssh.Client
	addr   string
}

func (s *Session) Addr() string { return s.addr }

// Client exposes the underlying connection, e.g. for SFTP.
func (s *Session) Client() *xssh.Client { return s.client }

// Execute runs cmd and collects its output. A command that exits non-zero
// returns an *xssh.ExitError; see ExitStatus. If ctx is cancelled the remote
// command is killed and ctx.Err() is returned.
func (s *Session) Execute(ctx context.Context, cmd string, stdin io.Reader) ([]byte, []byte, error) {
	sess, err := s.client.NewSession()
	if err != nil {
		return nil, nil, fmt.Errorf("new session: %w", err)
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr
	if stdin != nil {
		sess.Stdin = stdin
	}
	if err := sess.Start(cmd); err != nil {
		return nil, nil, fmt.Errorf("start command: %w", err)
	}
	done := make(chan error, 1)
	go func() { done <- sess.Wait() }()
	select {
	case err := <-done:
		return stdout.Bytes(), stderr.Bytes(), err
	case <-ctx.Done():
		_ = sess.Signal(xssh.SIGKILL)
		_ = sess.Close()
		<-done
		return stdout.Bytes(), stderr.Bytes(), ctx.Err()
	}
}

func (s *Session) Close() error {
	return s.client.Close()
}

// ExitStatus extracts the remote exit status from an Execute error. ok is
// false if the command did not exit normally.
func ExitStatus(err error) (status int, ok bool) {
	if err == nil {
		return 0, true
	}
	var exitErr *xssh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus(), true
	}
	return 0, false
}

// Of returns the SSH session behind a session handed out by the
// orchestrator.
func Of(s burst.Session) (*Session, bool) {
	ss, ok := burst.Unwrap(s).(*Session)
	return ss, ok
}
