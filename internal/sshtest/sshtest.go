// Package sshtest runs an in-process SSH server for tests. It serves exec
// sessions through a callback and the sftp subsystem against the local
// filesystem.
package sshtest

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
	xssh "golang.org/x/crypto/ssh"
)

// ExecFunc handles one "exec" request and returns the exit status.
type ExecFunc func(command string, stdin io.Reader, stdout, stderr io.Writer) uint32

// Server accepts SSH connections on a loopback port.
type Server struct {
	Exec           ExecFunc
	HostKey        xssh.Signer
	AuthorizedKeys []xssh.PublicKey

	listener net.Listener
	conns    atomic.Int32
	mu       sync.Mutex
	closed   bool
	wg       sync.WaitGroup
}

// NewSigner returns a fresh ed25519 signer.
func NewSigner() xssh.Signer {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		panic(err)
	}
	signer, err := xssh.NewSignerFromKey(priv)
	if err != nil {
		panic(err)
	}
	return signer
}

// Start listens on 127.0.0.1 and serves connections until Close.
func (s *Server) Start() error {
	if s.HostKey == nil {
		s.HostKey = NewSigner()
	}
	config := &xssh.ServerConfig{
		PublicKeyCallback: func(c xssh.ConnMetadata, pubKey xssh.PublicKey) (*xssh.Permissions, error) {
			for _, ak := range s.AuthorizedKeys {
				if bytes.Equal(ak.Marshal(), pubKey.Marshal()) {
					return &xssh.Permissions{}, nil
				}
			}
			return nil, fmt.Errorf("unknown public key for %q", c.User())
		},
	}
	config.AddHostKey(s.HostKey)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return err
	}
	s.listener = ln
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			nConn, err := ln.Accept()
			if err != nil {
				if !errors.Is(err, net.ErrClosed) {
					log.Error().Err(err).Msg("sshtest accept")
				}
				return
			}
			go s.serveConn(nConn, config)
		}
	}()
	return nil
}

// Addr is the host:port the server listens on.
func (s *Server) Addr() string { return s.listener.Addr().String() }

// Port is the port the server listens on.
func (s *Server) Port() int { return s.listener.Addr().(*net.TCPAddr).Port }

// Connections counts completed handshakes.
func (s *Server) Connections() int { return int(s.conns.Load()) }

// Close stops accepting connections. Established connections are unaffected.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.listener.Close()
	s.wg.Wait()
}

func (s *Server) serveConn(nConn net.Conn, config *xssh.ServerConfig) {
	defer nConn.Close()
	conn, newchans, reqs, err := xssh.NewServerConn(nConn, config)
	if err != nil {
		log.Debug().Err(err).Msg("sshtest handshake")
		return
	}
	defer conn.Close()
	s.conns.Add(1)
	go xssh.DiscardRequests(reqs)
	for newch := range newchans {
		if newch.ChannelType() != "session" {
			_ = newch.Reject(xssh.UnknownChannelType, "unknown channel type")
			continue
		}
		ch, reqs, err := newch.Accept()
		if err != nil {
			log.Debug().Err(err).Msg("sshtest accept channel")
			return
		}
		go s.serveSession(ch, reqs)
	}
}

func (s *Server) serveSession(ch xssh.Channel, reqs <-chan *xssh.Request) {
	started := false
	for req := range reqs {
		switch {
		case started:
			// Signals and anything else after exec.
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		case req.Type == "exec":
			var execReq struct{ Command string }
			if err := xssh.Unmarshal(req.Payload, &execReq); err != nil {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			started = true
			go func() {
				var status uint32 = 127
				if s.Exec != nil {
					status = s.Exec(execReq.Command, ch, ch, ch.Stderr())
				}
				_, _ = ch.SendRequest("exit-status", false, xssh.Marshal(&struct{ Status uint32 }{status}))
				ch.Close()
			}()
		case req.Type == "subsystem":
			var subReq struct{ Name string }
			if err := xssh.Unmarshal(req.Payload, &subReq); err != nil || subReq.Name != "sftp" {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			started = true
			go func() {
				srv, err := sftp.NewServer(ch)
				if err != nil {
					ch.Close()
					return
				}
				if err := srv.Serve(); err != nil && !errors.Is(err, io.EOF) {
					log.Debug().Err(err).Msg("sshtest sftp")
				}
				srv.Close()
			}()
		default:
			// env, pty-req and friends.
			if req.WantReply {
				_ = req.Reply(true, nil)
			}
		}
	}
}
