// Package connmgr owns the registry of transport sessions and routes every
// request from UI collaborators to the session, transfer engine, terminal
// or edit-sync manager that serves it.
package connmgr

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/yzhelezko/thermic-core/internal/config"
	"github.com/yzhelezko/thermic-core/internal/coreerr"
	"github.com/yzhelezko/thermic-core/internal/editsync"
	"github.com/yzhelezko/thermic-core/internal/events"
	"github.com/yzhelezko/thermic-core/internal/logging"
	"github.com/yzhelezko/thermic-core/internal/metrics"
	"github.com/yzhelezko/thermic-core/internal/terminal"
	"github.com/yzhelezko/thermic-core/internal/transfer"
	"github.com/yzhelezko/thermic-core/internal/transport"
)

var (
	// ErrUnknownSession is returned for session ids that are not registered.
	ErrUnknownSession = errors.New("unknown session")
	// ErrUnknownTerminal is returned for terminal ids that are not open.
	ErrUnknownTerminal = errors.New("unknown terminal")
	// ErrShutdown is returned once ShutdownAll started.
	ErrShutdown = errors.New("connection manager is shut down")
)

// Options configure a Manager. Events and Logger are passed down to every
// component.
type Options struct {
	Transport       transport.Options
	Transfer        transfer.Options
	Sync            editsync.Options
	ShutdownTimeout time.Duration

	Events *events.Broadcaster
	Logger *log.Entry
}

// OptionsFromConfig builds Options from the application config.
func OptionsFromConfig(cfg *config.AppConfig) Options {
	return Options{
		Transport:       transport.OptionsFromConfig(cfg),
		Transfer:        transfer.OptionsFromConfig(cfg),
		Sync:            editsync.OptionsFromConfig(cfg),
		ShutdownTimeout: cfg.ShutdownTimeout,
	}
}

// SessionInfo describes a registered session.
type SessionInfo struct {
	ID       string            `json:"id"`
	Key      string            `json:"key"`
	Profile  transport.Profile `json:"profile"`
	Status   string            `json:"status"`
	Channels int               `json:"channels"`
}

// Manager is the single owner of live sessions.
type Manager struct {
	opts      Options
	events    *events.Broadcaster
	transfers *transfer.Engine
	edits     *editsync.Manager
	log       *log.Entry

	creating singleflight.Group

	mu        sync.RWMutex
	sessions  map[string]*transport.Session // by profile key
	terminals map[string]*terminal.Terminal
	closed    bool
}

// New creates a manager and the transfer engine and edit-sync manager it
// routes to.
func New(opts Options) *Manager {
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = config.DefaultShutdownTimeout
	}
	if opts.Events == nil {
		opts.Events = events.NewBroadcaster()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}

	opts.Transport.Events = opts.Events
	opts.Transport.Logger = opts.Logger
	opts.Transfer.Events = opts.Events
	opts.Transfer.Logger = opts.Logger
	opts.Sync.Events = opts.Events
	opts.Sync.Logger = opts.Logger

	transfers := transfer.NewEngine(opts.Transfer)
	return &Manager{
		opts:      opts,
		events:    opts.Events,
		transfers: transfers,
		edits:     editsync.NewManager(transfers, opts.Sync),
		log:       opts.Logger.WithField("component", "connmgr"),
		sessions:  make(map[string]*transport.Session),
		terminals: make(map[string]*terminal.Terminal),
	}
}

// Events returns the broadcaster every component publishes to.
func (m *Manager) Events() *events.Broadcaster { return m.events }

// Subscribe starts a new event subscription.
func (m *Manager) Subscribe() *events.Subscription { return m.events.Subscribe() }

// Transfers returns the transfer engine.
func (m *Manager) Transfers() *transfer.Engine { return m.transfers }

// Edits returns the edit-sync manager.
func (m *Manager) Edits() *editsync.Manager { return m.edits }

// GetOrCreateSession returns the live session for profile or connects a
// new one. Concurrent calls for the same profile share one dial.
func (m *Manager) GetOrCreateSession(ctx context.Context, profile transport.Profile, cred transport.Credential) (*transport.Session, error) {
	key := profile.Key()

	if s, ok := m.reuse(ctx, key); ok {
		return s, nil
	}

	v, err, _ := m.creating.Do(key, func() (interface{}, error) {
		if s, ok := m.reuse(ctx, key); ok {
			return s, nil
		}
		if m.isClosed() {
			return nil, ErrShutdown
		}

		s, err := transport.Connect(ctx, profile, cred, m.opts.Transport)
		if err != nil {
			return nil, err
		}

		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			s.Close()
			return nil, ErrShutdown
		}
		m.sessions[key] = s
		count := len(m.sessions)
		m.mu.Unlock()

		metrics.SetSessionsActive(count)
		go m.watchSession(key, s)
		m.log.WithFields(log.Fields{"session": s.ID(), "profile": key}).Info("session registered")
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*transport.Session), nil
}

// reuse returns the registered session for key once it is Ready. A session
// that is reconnecting is waited for; a dead one is dropped.
func (m *Manager) reuse(ctx context.Context, key string) (*transport.Session, bool) {
	m.mu.RLock()
	s, ok := m.sessions[key]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if err := s.WaitReady(ctx); err != nil {
		m.forget(key, s)
		return nil, false
	}
	return s, true
}

func (m *Manager) isClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// watchSession unregisters a session once it is Closed or Failed and
// releases whatever still depends on it.
func (m *Manager) watchSession(key string, s *transport.Session) {
	<-s.Done()

	reason := s.Err()
	if reason == nil || s.Status() == transport.StatusClosed {
		reason = &coreerr.ChannelError{Kind: coreerr.SessionClosed, SessionID: s.ID()}
	}
	m.transfers.FailSession(s.ID(), reason)
	m.edits.DetachSession(s.ID(), reason)
	m.forget(key, s)
}

func (m *Manager) forget(key string, s *transport.Session) {
	m.mu.Lock()
	if m.sessions[key] != s {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, key)
	count := len(m.sessions)
	m.mu.Unlock()

	metrics.SetSessionsActive(count)
	m.log.WithFields(log.Fields{"session": s.ID(), "profile": key}).Info("session unregistered")
}

// Session returns the registered session with id.
func (m *Manager) Session(id string) (*transport.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sessions {
		if s.ID() == id {
			return s, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownSession, id)
}

// SessionFor returns the registered session for profile.
func (m *Manager) SessionFor(profile transport.Profile) (*transport.Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[profile.Key()]
	return s, ok
}

// Sessions lists registered sessions ordered by profile key.
func (m *Manager) Sessions() []SessionInfo {
	m.mu.RLock()
	infos := make([]SessionInfo, 0, len(m.sessions))
	for key, s := range m.sessions {
		infos = append(infos, SessionInfo{
			ID:       s.ID(),
			Key:      key,
			Profile:  s.Profile(),
			Status:   s.Status().String(),
			Channels: s.ChannelCount(),
		})
	}
	m.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos
}

// CloseSession fails the transfers, terminals and edited files of the
// profile's session with SessionClosed, then closes it.
func (m *Manager) CloseSession(profile transport.Profile) error {
	key := profile.Key()
	m.mu.Lock()
	s, ok := m.sessions[key]
	if ok {
		delete(m.sessions, key)
	}
	count := len(m.sessions)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, key)
	}

	metrics.SetSessionsActive(count)
	return m.closeSession(s)
}

// Disconnect closes the session with id.
func (m *Manager) Disconnect(id string) error {
	s, err := m.Session(id)
	if err != nil {
		return err
	}
	return m.CloseSession(s.Profile())
}

func (m *Manager) closeSession(s *transport.Session) error {
	reason := &coreerr.ChannelError{Kind: coreerr.SessionClosed, SessionID: s.ID()}
	m.transfers.FailSession(s.ID(), reason)
	m.edits.DetachSession(s.ID(), reason)

	// Terminals end with SessionClosed when their channel is failed below.
	err := s.Close()
	m.log.WithField("session", s.ID()).Info("session closed by request")
	return err
}

// ShutdownAll closes every session concurrently. Sessions that have not
// closed within the shutdown timeout are abandoned.
func (m *Manager) ShutdownAll(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	sessions := make([]*transport.Session, 0, len(m.sessions))
	for key, s := range m.sessions {
		sessions = append(sessions, s)
		delete(m.sessions, key)
	}
	terminals := make([]*terminal.Terminal, 0, len(m.terminals))
	for _, t := range m.terminals {
		terminals = append(terminals, t)
	}
	m.mu.Unlock()
	metrics.SetSessionsActive(0)

	ctx, cancel := context.WithTimeout(ctx, m.opts.ShutdownTimeout)
	defer cancel()

	var g errgroup.Group
	for _, s := range sessions {
		g.Go(func() error { return m.closeSession(s) })
	}
	for _, t := range terminals {
		g.Go(t.Close)
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = fmt.Errorf("shutdown incomplete: %w", ctx.Err())
		m.log.WithError(err).Warn("forcing release of remaining sessions")
	}

	released := make(chan struct{})
	go func() {
		defer close(released)
		m.edits.CloseAll()
		m.transfers.Close()
	}()
	select {
	case <-released:
	case <-ctx.Done():
		if err == nil {
			err = fmt.Errorf("shutdown incomplete: %w", ctx.Err())
		}
		m.log.WithError(err).Warn("abandoning transfers still running")
	}
	m.log.WithField("sessions", len(sessions)).Info("all sessions shut down")
	return err
}
