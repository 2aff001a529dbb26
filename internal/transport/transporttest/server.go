// Package transporttest provides an in-process stand-in for an SSH server:
// a Dialer whose clients open shells and exec channels against a scripted
// shell and sftp channels against an in-memory file tree.
package transporttest

import (
	"context"
	"errors"
	"sync"
	"testing"

	"golang.org/x/crypto/ssh"

	"github.com/yzhelezko/thermic-core/internal/remotefs/remotefstest"
	"github.com/yzhelezko/thermic-core/internal/transport"
)

// ErrDropped is the error clients report after Drop.
var ErrDropped = errors.New("connection dropped")

// Server counts dials and hands out fake clients.
type Server struct {
	SFTP *remotefstest.Server

	// Handler runs shell and exec requests. It defaults to Shell.
	Handler Handler

	mu      sync.Mutex
	dials   int
	failErr error
	gate    chan struct{}
	clients []*Client
}

// New starts a server whose file tree lives until the test ends.
func New(t testing.TB) *Server {
	t.Helper()
	s := &Server{SFTP: remotefstest.New(t)}
	s.Handler = Shell(s.SFTP.FS)
	t.Cleanup(s.Drop)
	return s
}

// Dial implements transport.Dialer.
func (s *Server) Dial(ctx context.Context, addr string, cfg *ssh.ClientConfig, stage func(transport.Status)) (transport.Client, error) {
	s.mu.Lock()
	s.dials++
	gate, failErr := s.gate, s.failErr
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if failErr != nil {
		return nil, failErr
	}

	stage(transport.StatusConnected)
	stage(transport.StatusAuthenticating)

	c := newClient(s)
	s.mu.Lock()
	s.clients = append(s.clients, c)
	s.mu.Unlock()
	return c, nil
}

// Dials returns how many times Dial was called.
func (s *Server) Dials() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

// FailDials makes every following dial fail with err. Nil restores normal
// dialing.
func (s *Server) FailDials(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failErr = err
}

// HoldDials blocks dials until the returned release func is called.
func (s *Server) HoldDials() (release func()) {
	gate := make(chan struct{})
	s.mu.Lock()
	s.gate = gate
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			if s.gate == gate {
				s.gate = nil
			}
			s.mu.Unlock()
			close(gate)
		})
	}
}

// Drop breaks every live connection.
func (s *Server) Drop() {
	s.mu.Lock()
	clients := s.clients
	s.clients = nil
	s.mu.Unlock()

	for _, c := range clients {
		c.drop(ErrDropped)
	}
}

// Options returns transport options dialing this server with keepalives off.
func (s *Server) Options() transport.Options {
	return transport.Options{
		ReconnectAttempts: 3,
		Dialer:            s,
	}
}

// Profile is a profile the server accepts.
func Profile() transport.Profile {
	return transport.Profile{Host: "fixture.test", Port: 22, Username: "tester"}
}

// Credential is a credential the server accepts.
func Credential() transport.Credential {
	return transport.Credential{Password: "secret"}
}
