package transport_test

import (
	"context"
	"errors"
	"net"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yzhelezko/thermic-core/internal/coreerr"
	"github.com/yzhelezko/thermic-core/internal/events"
	"github.com/yzhelezko/thermic-core/internal/transport"
	"github.com/yzhelezko/thermic-core/internal/transport/transporttest"
)

func connect(t *testing.T, srv *transporttest.Server, opts transport.Options) *transport.Session {
	t.Helper()
	s, err := transport.Connect(context.Background(), transporttest.Profile(), transporttest.Credential(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestConnectReportsStatusPath(t *testing.T) {
	srv := transporttest.New(t)
	b := events.NewBroadcaster()
	defer b.Close()
	sub := b.Subscribe()

	opts := srv.Options()
	opts.Events = b
	s := connect(t, srv, opts)
	assert.Equal(t, transport.StatusReady, s.Status())

	var states []string
	for len(states) < 4 {
		select {
		case ev := <-sub.Events():
			require.Equal(t, events.SessionState, ev.Type)
			assert.Equal(t, s.ID(), ev.SessionID)
			states = append(states, ev.State)
		case <-time.After(time.Second):
			t.Fatalf("missing status events, got %v", states)
		}
	}
	assert.Equal(t, []string{"connecting", "connected", "authenticating", "ready"}, states)
}

func TestConnectClassifiesFailures(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind coreerr.ConnKind
	}{
		{
			name: "refused",
			err:  &net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)},
			kind: coreerr.ConnRefused,
		},
		{
			name: "auth",
			err:  errors.New("ssh: handshake failed: ssh: unable to authenticate, attempted methods [none password], no supported methods remain"),
			kind: coreerr.ConnAuthFailed,
		},
		{
			name: "timeout",
			err:  context.DeadlineExceeded,
			kind: coreerr.ConnTimeout,
		},
		{
			name: "unreachable",
			err:  &net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("connect", syscall.ENETUNREACH)},
			kind: coreerr.ConnNetworkUnreachable,
		},
		{
			name: "dns",
			err:  &net.DNSError{Err: "no such host", Name: "fixture.test", IsNotFound: true},
			kind: coreerr.ConnNetworkUnreachable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := transporttest.New(t)
			srv.FailDials(tt.err)

			_, err := transport.Connect(context.Background(), transporttest.Profile(), transporttest.Credential(), srv.Options())
			require.Error(t, err)
			assert.ErrorIs(t, err, &coreerr.ConnError{Kind: tt.kind})

			var ce *coreerr.ConnError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, "fixture.test:22", ce.Addr)
		})
	}
}

func TestConnectRejectsInvalidProfile(t *testing.T) {
	srv := transporttest.New(t)
	_, err := transport.Connect(context.Background(), transport.Profile{Host: "h"}, transporttest.Credential(), srv.Options())
	assert.Error(t, err)
	assert.Equal(t, 0, srv.Dials())
}

func TestCloseIsIdempotentAndFailsChannels(t *testing.T) {
	srv := transporttest.New(t)
	s := connect(t, srv, srv.Options())

	ch, err := s.OpenChannel(context.Background(), transport.ChannelShell)
	require.NoError(t, err)
	assert.Equal(t, 1, s.ChannelCount())

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	assert.Equal(t, transport.StatusClosed, s.Status())
	assert.Equal(t, 0, s.ChannelCount())
	<-ch.Done()
	assert.ErrorIs(t, ch.Err(), coreerr.ErrSessionClosed)

	_, err = s.OpenChannel(context.Background(), transport.ChannelSFTP)
	assert.ErrorIs(t, err, coreerr.ErrSessionNotReady)

	select {
	case <-s.Done():
	default:
		t.Fatal("Done not closed after Close")
	}
}

func TestChannelCloseDeregisters(t *testing.T) {
	srv := transporttest.New(t)
	s := connect(t, srv, srv.Options())

	ch, err := s.OpenChannel(context.Background(), transport.ChannelExec)
	require.NoError(t, err)
	require.NoError(t, ch.Close())

	assert.Equal(t, 0, s.ChannelCount())
	assert.NoError(t, ch.Err())
}

func TestSharedSFTPChannel(t *testing.T) {
	srv := transporttest.New(t)
	s := connect(t, srv, srv.Options())

	fs1, err := s.SFTP(context.Background())
	require.NoError(t, err)
	fs2, err := s.SFTP(context.Background())
	require.NoError(t, err)

	assert.Same(t, fs1, fs2)
	assert.Equal(t, 1, s.ChannelCount())
}

func TestReconnectAfterDrop(t *testing.T) {
	srv := transporttest.New(t)
	clock := clockwork.NewFakeClock()
	opts := srv.Options()
	opts.Clock = clock
	s := connect(t, srv, opts)

	ch, err := s.OpenChannel(context.Background(), transport.ChannelShell)
	require.NoError(t, err)

	srv.Drop()

	<-ch.Done()
	assert.ErrorIs(t, ch.Err(), coreerr.ErrSessionLost)

	clock.BlockUntil(1)
	assert.Equal(t, transport.StatusReconnecting, s.Status())
	clock.Advance(time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.WaitReady(ctx))

	assert.Equal(t, 2, srv.Dials())
	assert.Equal(t, 0, s.ChannelCount(), "channels are not reopened after a reconnect")

	_, err = s.OpenChannel(context.Background(), transport.ChannelShell)
	assert.NoError(t, err)
}

func TestReconnectGivesUpAfterThreeAttempts(t *testing.T) {
	srv := transporttest.New(t)
	clock := clockwork.NewFakeClock()
	opts := srv.Options()
	opts.Clock = clock
	s := connect(t, srv, opts)

	srv.FailDials(&net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)})
	srv.Drop()

	for i, wait := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second} {
		clock.BlockUntil(1)
		dials := srv.Dials()

		clock.Advance(wait - time.Millisecond)
		assert.Never(t, func() bool { return srv.Dials() != dials }, 50*time.Millisecond, 10*time.Millisecond,
			"attempt %d ran before its backoff elapsed", i+1)

		clock.Advance(time.Millisecond)
		require.Eventually(t, func() bool { return srv.Dials() == dials+1 }, time.Second, 5*time.Millisecond)
	}

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("session did not fail")
	}
	assert.Equal(t, transport.StatusFailed, s.Status())
	assert.Equal(t, 4, srv.Dials())

	err := s.WaitReady(context.Background())
	assert.ErrorIs(t, err, coreerr.ErrSessionLost)
}

func TestWaitReadyAfterClose(t *testing.T) {
	srv := transporttest.New(t)
	s := connect(t, srv, srv.Options())
	s.Close()

	assert.ErrorIs(t, s.WaitReady(context.Background()), coreerr.ErrSessionClosed)
}

func TestExec(t *testing.T) {
	srv := transporttest.New(t)
	s := connect(t, srv, srv.Options())

	res, err := s.Exec(context.Background(), "echo hello world")
	require.NoError(t, err)
	assert.Equal(t, "hello world\r\n", res.Stdout)
	assert.Equal(t, 0, res.ExitCode)

	res, err = s.Exec(context.Background(), "false")
	require.NoError(t, err)
	assert.Equal(t, 1, res.ExitCode)

	res, err = s.Exec(context.Background(), "frobnicate")
	require.NoError(t, err)
	assert.Equal(t, 127, res.ExitCode)
	assert.Contains(t, res.Stderr, "command not found")

	assert.Equal(t, 0, s.ChannelCount())
}

func TestProfile(t *testing.T) {
	p := transport.Profile{Host: "Example.COM", Username: "root"}
	assert.Equal(t, "root@example.com:22", p.Key())
	assert.Equal(t, "Example.COM:22", p.Addr())
	assert.NoError(t, p.Validate())

	assert.Error(t, transport.Profile{Username: "root"}.Validate())
	assert.Error(t, transport.Profile{Host: "h"}.Validate())
	assert.Error(t, transport.Profile{Host: "h", Username: "u", Port: 70000}.Validate())
}
