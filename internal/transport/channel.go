package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/yzhelezko/thermic-core/internal/coreerr"
	"github.com/yzhelezko/thermic-core/internal/remotefs"
)

// Channel is a logical stream owned by a Session. Shell and exec channels
// carry a RemoteSession; sftp channels carry a remote file system.
type Channel struct {
	id      string
	kind    ChannelKind
	session *Session
	remote  RemoteSession
	fs      remotefs.FS

	once sync.Once
	done chan struct{}
	err  error
}

// ID identifies the channel within its session.
func (c *Channel) ID() string { return c.id }

// Kind is shell, exec or sftp.
func (c *Channel) Kind() ChannelKind { return c.kind }

// Session returns the session that owns the channel.
func (c *Channel) Session() *Session { return c.session }

// Remote is the remote session of a shell or exec channel, nil for sftp.
func (c *Channel) Remote() RemoteSession { return c.remote }

// FS is the remote file system of an sftp channel, nil otherwise.
func (c *Channel) FS() remotefs.FS { return c.fs }

// Done is closed when the channel is closed by its owner or failed by the
// session.
func (c *Channel) Done() <-chan struct{} { return c.done }

// Err returns why the session ended the channel. It is nil while the
// channel is open and after a local Close.
func (c *Channel) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Close releases the channel and removes it from its session.
func (c *Channel) Close() error {
	c.session.removeChannel(c)
	return c.finish(nil)
}

func (c *Channel) finish(err error) error {
	var cerr error
	// Owners woken by Done see Err before their streams hit EOF.
	c.once.Do(func() {
		c.err = err
		close(c.done)
		if c.remote != nil {
			cerr = c.remote.Close()
		}
		if c.fs != nil {
			cerr = c.fs.Close()
		}
	})
	return cerr
}

// OpenChannel opens a channel of the given kind. The session must be Ready.
func (s *Session) OpenChannel(ctx context.Context, kind ChannelKind) (*Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	status, client := s.status, s.client
	s.mu.Unlock()
	if status != StatusReady || client == nil {
		return nil, &coreerr.ChannelError{
			Kind:      coreerr.SessionNotReady,
			SessionID: s.id,
			Err:       fmt.Errorf("session is %s", status),
		}
	}

	ch := &Channel{
		id:      uuid.NewString(),
		kind:    kind,
		session: s,
		done:    make(chan struct{}),
	}

	var err error
	switch kind {
	case ChannelShell, ChannelExec:
		ch.remote, err = client.NewSession()
	case ChannelSFTP:
		ch.fs, err = client.OpenSFTP()
	default:
		err = fmt.Errorf("unknown channel kind %d", kind)
	}
	if err != nil {
		return nil, &coreerr.ChannelError{Kind: coreerr.ChannelOpenFailed, SessionID: s.id, Err: err}
	}

	s.mu.Lock()
	if s.client != client || s.status != StatusReady {
		s.mu.Unlock()
		ch.finish(nil)
		return nil, &coreerr.ChannelError{Kind: coreerr.SessionLost, SessionID: s.id}
	}
	s.channels[ch.id] = ch
	s.mu.Unlock()

	s.log.WithField("kind", kind.String()).WithField("channel", ch.id).Debug("channel opened")
	return ch, nil
}

// SFTP returns the session's shared sftp channel, opening it on first use
// and again after a reconnect.
func (s *Session) SFTP(ctx context.Context) (remotefs.FS, error) {
	s.mu.Lock()
	if s.sftp != nil && s.status == StatusReady {
		fs := s.sftp.fs
		s.mu.Unlock()
		return fs, nil
	}
	s.mu.Unlock()

	ch, err := s.OpenChannel(ctx, ChannelSFTP)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.sftp != nil {
		existing := s.sftp
		s.mu.Unlock()
		ch.Close()
		return existing.fs, nil
	}
	s.sftp = ch
	s.mu.Unlock()
	return ch.fs, nil
}

func (s *Session) removeChannel(ch *Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.channels, ch.id)
	if s.sftp == ch {
		s.sftp = nil
	}
}

func (s *Session) failChannelsLocked(reason error) {
	for id, ch := range s.channels {
		ch.finish(reason)
		delete(s.channels, id)
	}
	s.sftp = nil
}
