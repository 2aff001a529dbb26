package transport

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/yzhelezko/thermic-core/internal/remotefs"
)

// RemoteSession is the part of *ssh.Session used by shell and exec channels.
type RemoteSession interface {
	RequestPty(term string, h, w int, modes ssh.TerminalModes) error
	Shell() error
	Start(cmd string) error
	WindowChange(h, w int) error
	StdinPipe() (io.WriteCloser, error)
	StdoutPipe() (io.Reader, error)
	StderrPipe() (io.Reader, error)
	Wait() error
	Close() error
}

// Client is an authenticated connection that channels are opened on.
type Client interface {
	NewSession() (RemoteSession, error)
	OpenSFTP() (remotefs.FS, error)
	SendKeepAlive() error
	// Wait blocks until the connection is gone.
	Wait() error
	Close() error
}

// Dialer establishes Clients. stage is called as the dial moves through
// Connected and Authenticating.
type Dialer interface {
	Dial(ctx context.Context, addr string, cfg *ssh.ClientConfig, stage func(Status)) (Client, error)
}

// SSHDialer dials real SSH servers over TCP.
type SSHDialer struct {
	SFTP remotefs.Options
}

func (d SSHDialer) Dial(ctx context.Context, addr string, cfg *ssh.ClientConfig, stage func(Status)) (Client, error) {
	nd := net.Dialer{Timeout: cfg.Timeout}
	conn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	stage(StatusConnected)

	deadline, ok := ctx.Deadline()
	if !ok && cfg.Timeout > 0 {
		deadline = time.Now().Add(cfg.Timeout)
	}
	if !deadline.IsZero() {
		conn.SetDeadline(deadline)
	}

	// The host key is checked once key exchange finishes; user auth follows.
	hostKey := cfg.HostKeyCallback
	var once sync.Once
	staged := *cfg
	staged.HostKeyCallback = func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		if err := hostKey(hostname, remote, key); err != nil {
			return err
		}
		once.Do(func() { stage(StatusAuthenticating) })
		return nil
	}

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, &staged)
	stop()
	if err != nil {
		conn.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	conn.SetDeadline(time.Time{})

	return &sshClient{Client: ssh.NewClient(c, chans, reqs), sftp: d.SFTP}, nil
}

type sshClient struct {
	*ssh.Client
	sftp remotefs.Options
}

func (c *sshClient) NewSession() (RemoteSession, error) {
	s, err := c.Client.NewSession()
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (c *sshClient) OpenSFTP() (remotefs.FS, error) {
	fs, err := remotefs.Dial(c.Client, c.sftp)
	if err != nil {
		return nil, err
	}
	return fs, nil
}

func (c *sshClient) SendKeepAlive() error {
	_, _, err := c.SendRequest("keepalive@openssh.com", true, nil)
	return err
}
