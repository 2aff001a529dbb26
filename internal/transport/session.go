// Package transport owns authenticated SSH connections and the logical
// channels multiplexed over them.
//
// A Session watches its connection and reconnects with backoff when it
// drops. Channels open at the time of the drop are failed with
// coreerr.ErrSessionLost and are never reopened behind their owner's back.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"github.com/yzhelezko/thermic-core/internal/config"
	"github.com/yzhelezko/thermic-core/internal/coreerr"
	"github.com/yzhelezko/thermic-core/internal/events"
	"github.com/yzhelezko/thermic-core/internal/logging"
	"github.com/yzhelezko/thermic-core/internal/metrics"
	"github.com/yzhelezko/thermic-core/internal/remotefs"
	"github.com/yzhelezko/thermic-core/internal/retry"
)

var errKeepAliveTimeout = errors.New("keepalive timed out")

// Options configure a Session.
type Options struct {
	ConnectTimeout    time.Duration
	KeepAliveInterval time.Duration // 0 disables keepalives
	KnownHostsFile    string
	ReconnectAttempts int
	ReconnectBackoff  time.Duration

	Dialer Dialer
	Clock  clockwork.Clock
	Events events.Publisher
	Logger *log.Entry
}

// OptionsFromConfig maps the ssh and sftp config sections to Options.
func OptionsFromConfig(cfg *config.AppConfig) Options {
	return Options{
		ConnectTimeout:    cfg.SSH.ConnectTimeout,
		KeepAliveInterval: cfg.SSH.KeepAliveInterval,
		KnownHostsFile:    cfg.SSH.KnownHostsFile,
		ReconnectAttempts: cfg.SSH.ReconnectAttempts,
		ReconnectBackoff:  cfg.SSH.ReconnectBackoff,
		Dialer: SSHDialer{SFTP: remotefs.Options{
			MaxPacketSize:      cfg.SFTP.MaxPacketSize,
			ConcurrentRequests: cfg.SFTP.ConcurrentRequests,
			UseConcurrentIO:    cfg.SFTP.UseConcurrentIO,
		}},
	}
}

func (o *Options) applyDefaults() {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = config.DefaultConnectTimeout
	}
	if o.ReconnectAttempts < 0 {
		o.ReconnectAttempts = 0
	}
	if o.ReconnectBackoff <= 0 {
		o.ReconnectBackoff = config.DefaultReconnectBackoff
	}
	if o.Dialer == nil {
		o.Dialer = SSHDialer{}
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	if o.Events == nil {
		o.Events = events.Nop{}
	}
	if o.Logger == nil {
		o.Logger = logging.Discard()
	}
}

// Session is one authenticated connection to a profile.
type Session struct {
	id      string
	profile Profile
	cred    Credential
	opts    Options
	log     *log.Entry

	mu       sync.Mutex
	status   Status
	client   Client
	agent    io.Closer
	channels map[string]*Channel
	sftp     *Channel
	lastErr  error
	changed  chan struct{}
	done     chan struct{}

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Connect dials and authenticates. The returned session is Ready.
func Connect(ctx context.Context, profile Profile, cred Credential, opts Options) (*Session, error) {
	if err := profile.Validate(); err != nil {
		return nil, fmt.Errorf("invalid profile: %w", err)
	}
	opts.applyDefaults()

	sctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:       uuid.NewString(),
		profile:  profile,
		cred:     cred,
		opts:     opts,
		channels: make(map[string]*Channel),
		changed:  make(chan struct{}),
		done:     make(chan struct{}),
		ctx:      sctx,
		cancel:   cancel,
	}
	s.log = opts.Logger.WithFields(log.Fields{
		"session": s.id,
		"profile": profile.Key(),
	})

	s.setStatus(StatusConnecting)

	client, err := s.dial(ctx, s.setStatus)
	if err != nil {
		s.mu.Lock()
		s.lastErr = err
		s.setStatusLocked(StatusFailed)
		s.mu.Unlock()
		cancel()
		s.releaseAgent()
		s.log.WithError(err).Warn("connect failed")
		return nil, err
	}

	s.mu.Lock()
	s.client = client
	s.setStatusLocked(StatusReady)
	s.mu.Unlock()

	s.log.Info("session ready")
	s.wg.Add(1)
	go s.run(client)
	return s, nil
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Profile returns the profile the session was opened for.
func (s *Session) Profile() Profile { return s.profile }

// Status returns the current status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Err returns the error that moved the session to Failed, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Done is closed once the session is Closed or Failed.
func (s *Session) Done() <-chan struct{} { return s.done }

// ChannelCount returns the number of open channels.
func (s *Session) ChannelCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.channels)
}

func (s *Session) dial(ctx context.Context, stage func(Status)) (Client, error) {
	methods, agentConn, err := authMethods(s.cred, s.log)
	if err != nil {
		return nil, ClassifyDial(s.profile.Addr(), &coreerr.ConnError{
			Kind: coreerr.ConnAuthFailed, Addr: s.profile.Addr(), Err: err,
		})
	}
	hostKey, err := hostKeyCallback(s.opts.KnownHostsFile)
	if err != nil {
		if agentConn != nil {
			agentConn.Close()
		}
		return nil, &coreerr.ConnError{Kind: coreerr.ConnAuthFailed, Addr: s.profile.Addr(), Err: err}
	}

	cfg := &ssh.ClientConfig{
		User:            s.profile.Username,
		Auth:            methods,
		HostKeyCallback: hostKey,
		Timeout:         s.opts.ConnectTimeout,
	}

	dctx, cancel := context.WithTimeout(ctx, s.opts.ConnectTimeout)
	defer cancel()

	client, err := s.opts.Dialer.Dial(dctx, s.profile.Addr(), cfg, stage)
	if err != nil {
		if agentConn != nil {
			agentConn.Close()
		}
		return nil, ClassifyDial(s.profile.Addr(), err)
	}

	s.mu.Lock()
	if s.agent != nil {
		s.agent.Close()
	}
	s.agent = agentConn
	s.mu.Unlock()
	return client, nil
}

func (s *Session) releaseAgent() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.agent != nil {
		s.agent.Close()
		s.agent = nil
	}
}

func (s *Session) setStatus(status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setStatusLocked(status)
}

func (s *Session) setStatusLocked(status Status) {
	if s.status == status || s.status.Terminal() {
		return
	}
	s.status = status
	close(s.changed)
	s.changed = make(chan struct{})
	if status.Terminal() {
		close(s.done)
	}

	metrics.RecordSessionTransition(status.String())
	ev := events.Event{
		Type:      events.SessionState,
		SessionID: s.id,
		State:     status.String(),
	}
	if status == StatusFailed && s.lastErr != nil {
		ev.ErrorKind = coreerr.Kind(s.lastErr)
		ev.Error = s.lastErr.Error()
	}
	s.opts.Events.Publish(ev)
	s.log.WithField("status", status.String()).Debug("session status changed")
}

// run watches the connection and reconnects after drops until the session
// is closed or reconnecting gives up.
func (s *Session) run(client Client) {
	defer s.wg.Done()
	for client != nil {
		err := s.watch(client)
		if err == nil {
			return
		}
		client = s.recover(err)
	}
}

// watch returns the reason the connection dropped, or nil when the session
// was closed.
func (s *Session) watch(client Client) error {
	dropped := make(chan error, 1)
	go func() {
		err := client.Wait()
		if err == nil {
			err = io.EOF
		}
		dropped <- err
	}()

	var tick <-chan time.Time
	if s.opts.KeepAliveInterval > 0 {
		ticker := s.opts.Clock.NewTicker(s.opts.KeepAliveInterval)
		defer ticker.Stop()
		tick = ticker.Chan()
	}

	for {
		select {
		case <-s.ctx.Done():
			return nil
		case err := <-dropped:
			if s.ctx.Err() != nil {
				return nil
			}
			return err
		case <-tick:
			if err := s.keepAlive(client); err != nil {
				if s.ctx.Err() != nil {
					return nil
				}
				client.Close()
				return err
			}
		}
	}
}

func (s *Session) keepAlive(client Client) error {
	res := make(chan error, 1)
	go func() { res <- client.SendKeepAlive() }()

	select {
	case err := <-res:
		return err
	case <-s.opts.Clock.After(s.opts.KeepAliveInterval):
		return errKeepAliveTimeout
	case <-s.ctx.Done():
		return nil
	}
}

// recover fails the open channels and retries the connection. It returns
// the new client or nil when the session ended.
func (s *Session) recover(cause error) Client {
	s.mu.Lock()
	if s.status.Terminal() {
		s.mu.Unlock()
		return nil
	}
	s.lastErr = cause
	s.client = nil
	s.failChannelsLocked(&coreerr.ChannelError{Kind: coreerr.SessionLost, SessionID: s.id, Err: cause})
	s.setStatusLocked(StatusReconnecting)
	s.mu.Unlock()

	s.log.WithError(cause).Warn("connection lost")

	cfg := retry.Config{
		InitialWait: s.opts.ReconnectBackoff,
		MaxWait:     30 * time.Second,
		Multiplier:  2.0,
		Clock:       s.opts.Clock,
	}

	lastErr := cause
	for attempt := 1; attempt <= s.opts.ReconnectAttempts; attempt++ {
		wait := retry.Backoff(cfg, attempt)
		s.log.WithFields(log.Fields{
			"attempt": attempt,
			"wait":    wait,
		}).Info("reconnecting")

		if err := retry.Sleep(s.ctx, cfg, wait); err != nil {
			return nil
		}

		client, err := s.dial(s.ctx, func(Status) {})
		if err != nil {
			metrics.RecordReconnectAttempt("failure")
			s.log.WithError(err).WithField("attempt", attempt).Warn("reconnect attempt failed")
			lastErr = err
			continue
		}

		s.mu.Lock()
		if s.status != StatusReconnecting {
			s.mu.Unlock()
			client.Close()
			return nil
		}
		metrics.RecordReconnectAttempt("success")
		s.client = client
		s.lastErr = nil
		s.setStatusLocked(StatusReady)
		s.mu.Unlock()

		s.log.WithField("attempt", attempt).Info("reconnected")
		return client
	}

	s.mu.Lock()
	if s.status == StatusReconnecting {
		s.lastErr = &coreerr.ChannelError{Kind: coreerr.SessionLost, SessionID: s.id, Err: lastErr}
		s.setStatusLocked(StatusFailed)
	}
	s.mu.Unlock()
	s.releaseAgent()
	s.log.WithError(lastErr).Error("giving up reconnecting")
	return nil
}

// WaitReady blocks while the session is reconnecting. It returns nil once
// the session is Ready and a ChannelError when it is Closed or Failed.
func (s *Session) WaitReady(ctx context.Context) error {
	for {
		s.mu.Lock()
		status, changed, lastErr := s.status, s.changed, s.lastErr
		s.mu.Unlock()

		switch status {
		case StatusReady:
			return nil
		case StatusClosed:
			return &coreerr.ChannelError{Kind: coreerr.SessionClosed, SessionID: s.id}
		case StatusFailed:
			return &coreerr.ChannelError{Kind: coreerr.SessionLost, SessionID: s.id, Err: lastErr}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

// Close releases every channel, then the connection. It is safe to call
// more than once.
func (s *Session) Close() error {
	return s.closeWith(&coreerr.ChannelError{Kind: coreerr.SessionClosed, SessionID: s.id})
}

func (s *Session) closeWith(reason error) error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.failChannelsLocked(reason)
		client := s.client
		s.client = nil
		s.setStatusLocked(StatusClosed)
		s.mu.Unlock()

		s.cancel()
		if client != nil {
			err = client.Close()
		}
		s.releaseAgent()
		s.log.Info("session closed")
	})
	s.wg.Wait()
	return err
}
