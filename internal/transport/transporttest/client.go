package transporttest

import (
	"errors"
	"sync"

	"github.com/yzhelezko/thermic-core/internal/remotefs"
	"github.com/yzhelezko/thermic-core/internal/transport"
)

var errClientClosed = errors.New("client closed")

// Client is a fake transport.Client.
type Client struct {
	srv *Server

	once    sync.Once
	dropped chan struct{}
	err     error

	mu       sync.Mutex
	fss      []remotefs.FS
	sessions []*RemoteSession
}

func newClient(srv *Server) *Client {
	return &Client{srv: srv, dropped: make(chan struct{})}
}

func (c *Client) alive() error {
	select {
	case <-c.dropped:
		return c.err
	default:
		return nil
	}
}

func (c *Client) NewSession() (transport.RemoteSession, error) {
	if err := c.alive(); err != nil {
		return nil, err
	}
	rs := NewRemoteSession(c.srv.Handler)
	c.mu.Lock()
	c.sessions = append(c.sessions, rs)
	c.mu.Unlock()
	return rs, nil
}

func (c *Client) OpenSFTP() (remotefs.FS, error) {
	if err := c.alive(); err != nil {
		return nil, err
	}
	fs, err := c.srv.SFTP.Open()
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.fss = append(c.fss, fs)
	c.mu.Unlock()
	return fs, nil
}

func (c *Client) SendKeepAlive() error {
	return c.alive()
}

func (c *Client) Wait() error {
	<-c.dropped
	return c.err
}

func (c *Client) Close() error {
	c.drop(errClientClosed)
	return nil
}

func (c *Client) drop(err error) {
	c.once.Do(func() {
		c.err = err
		close(c.dropped)

		c.mu.Lock()
		fss, sessions := c.fss, c.sessions
		c.fss, c.sessions = nil, nil
		c.mu.Unlock()

		for _, fs := range fss {
			fs.Close()
		}
		for _, rs := range sessions {
			rs.Close()
		}
	})
}
