// Package remotefstest runs an in-memory SFTP server for tests.
package remotefstest

import (
	"io"
	"sync"
	"testing"

	"github.com/pkg/sftp"

	"github.com/yzhelezko/thermic-core/internal/remotefs"
)

// Server is an in-memory SFTP file tree. Every client opened with Open sees
// the same tree.
type Server struct {
	handlers sftp.Handlers

	mu    sync.Mutex
	conns []*pipeFS

	// FS is a client opened by New.
	FS remotefs.FS
}

// New starts a server with one client. Everything is closed when the test
// ends.
func New(t testing.TB) *Server {
	t.Helper()
	s, err := Start()
	if err != nil {
		t.Fatalf("start in-memory sftp: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// Start is New without a testing.TB.
func Start() (*Server, error) {
	s := &Server{handlers: sftp.InMemHandler()}
	fs, err := s.Open()
	if err != nil {
		return nil, err
	}
	s.FS = fs
	return s, nil
}

// Open connects a new client to the tree.
func (s *Server) Open() (remotefs.FS, error) {
	clientRead, serverWrite := io.Pipe()
	serverRead, clientWrite := io.Pipe()

	srv := sftp.NewRequestServer(struct {
		io.Reader
		io.WriteCloser
	}{serverRead, serverWrite}, s.handlers)
	go srv.Serve()

	client, err := sftp.NewClientPipe(clientRead, clientWrite)
	if err != nil {
		srv.Close()
		return nil, err
	}

	c := &pipeFS{SFTP: remotefs.NewSFTP(client), srv: srv}
	s.mu.Lock()
	s.conns = append(s.conns, c)
	s.mu.Unlock()
	return c, nil
}

// Close disconnects every client and stops the servers.
func (s *Server) Close() error {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	return nil
}

type pipeFS struct {
	*remotefs.SFTP
	srv  *sftp.RequestServer
	once sync.Once
}

func (c *pipeFS) Close() error {
	// Closing the server side first ends the client's receive loop, which
	// the client's Close waits for.
	c.once.Do(func() {
		c.srv.Close()
		c.SFTP.Close()
	})
	return nil
}
