package burst

import (
	"context"
	"fmt"
	"io"
	"strings"
)

// Session is an established remote shell connection to one node.
//
// Execute runs cmd and returns its output. A command that exits non-zero
// returns an error; the transport decides how the exit status is exposed.
// Sessions may be used from several goroutines at once.
type Session interface {
	Execute(ctx context.Context, cmd string, stdin io.Reader) (stdout, stderr []byte, err error)
	Close() error
}

// Connector opens sessions. addr is a host, or host:port.
type Connector interface {
	Connect(ctx context.Context, addr string) (Session, error)
}

// Unwrap returns the transport session beneath any wrappers added by the
// orchestrator, so callers can reach transport specific methods.
func Unwrap(s Session) Session {
	for {
		u, ok := s.(interface{ Unwrap() Session })
		if !ok {
			return s
		}
		s = u.Unwrap()
	}
}

// Run executes cmd on s, folding stderr into the returned error when the
// command fails.
func Run(ctx context.Context, s Session, cmd string) (string, error) {
	stdout, stderr, err := s.Execute(ctx, cmd, nil)
	if err != nil {
		if len(stderr) > 0 {
			return string(stdout), fmt.Errorf("%q: %w: %s", cmd, err, trimOutput(stderr))
		}
		return string(stdout), fmt.Errorf("%q: %w", cmd, err)
	}
	return string(stdout), nil
}

func trimOutput(b []byte) string {
	const max = 512
	s := strings.TrimSpace(string(b))
	if len(s) > max {
		s = "..." + s[len(s)-max:]
	}
	return s
}
