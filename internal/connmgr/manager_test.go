package connmgr_test

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yzhelezko/thermic-core/internal/config"
	"github.com/yzhelezko/thermic-core/internal/connmgr"
	"github.com/yzhelezko/thermic-core/internal/coreerr"
	"github.com/yzhelezko/thermic-core/internal/editsync"
	"github.com/yzhelezko/thermic-core/internal/remotefs"
	"github.com/yzhelezko/thermic-core/internal/terminal"
	"github.com/yzhelezko/thermic-core/internal/transfer"
	"github.com/yzhelezko/thermic-core/internal/transport"
	"github.com/yzhelezko/thermic-core/internal/transport/transporttest"
)

type fixture struct {
	srv   *transporttest.Server
	clock clockwork.FakeClock
	mgr   *connmgr.Manager
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWith(t, nil)
}

func newFixtureWith(t *testing.T, tune func(*connmgr.Options)) *fixture {
	t.Helper()
	srv := transporttest.New(t)
	clock := clockwork.NewFakeClock()

	topts := srv.Options()
	topts.Clock = clock
	opts := connmgr.Options{
		Transport: topts,
		Transfer:  transfer.Options{ProgressInterval: time.Millisecond, BufferSize: 32 * 1024},
		Sync:      editsync.Options{TempDir: t.TempDir(), Debounce: 50 * time.Millisecond},
	}
	if tune != nil {
		tune(&opts)
	}
	mgr := connmgr.New(opts)
	t.Cleanup(func() { mgr.ShutdownAll(context.Background()) })

	return &fixture{srv: srv, clock: clock, mgr: mgr}
}

func (f *fixture) connect(t *testing.T) *transport.Session {
	t.Helper()
	s, err := f.mgr.GetOrCreateSession(context.Background(), transporttest.Profile(), transporttest.Credential())
	require.NoError(t, err)
	return s
}

func TestGetOrCreateReusesReadySession(t *testing.T) {
	f := newFixture(t)

	first := f.connect(t)
	second := f.connect(t)

	assert.Same(t, first, second)
	assert.Equal(t, 1, f.srv.Dials())

	infos := f.mgr.Sessions()
	require.Len(t, infos, 1)
	assert.Equal(t, first.ID(), infos[0].ID)
	assert.Equal(t, "tester@fixture.test:22", infos[0].Key)
	assert.Equal(t, "ready", infos[0].Status)

	other := transporttest.Profile()
	other.Username = "someone-else"
	third, err := f.mgr.GetOrCreateSession(context.Background(), other, transporttest.Credential())
	require.NoError(t, err)
	assert.NotSame(t, first, third)
	assert.Equal(t, 2, f.srv.Dials())
}

func TestConcurrentCreatesDialOnce(t *testing.T) {
	f := newFixture(t)
	release := f.srv.HoldDials()

	const n = 10
	sessions := make([]*transport.Session, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := f.mgr.GetOrCreateSession(context.Background(), transporttest.Profile(), transporttest.Credential())
			assert.NoError(t, err)
			sessions[i] = s
		}(i)
	}

	require.Eventually(t, func() bool { return f.srv.Dials() == 1 }, 5*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	release()
	wg.Wait()

	assert.Equal(t, 1, f.srv.Dials())
	for _, s := range sessions {
		assert.Same(t, sessions[0], s)
	}
	assert.Len(t, f.mgr.Sessions(), 1)
}

func TestCloseSessionFailsDependents(t *testing.T) {
	f := newFixture(t)
	s := f.connect(t)

	local := filepath.Join(t.TempDir(), "big.bin")
	data := make([]byte, 4<<20)
	_, err := rand.Read(data)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(local, data, 0600))

	task, err := f.mgr.Upload(s.ID(), local, "/big.bin")
	require.NoError(t, err)
	require.NoError(t, f.mgr.PauseTransfer(task.ID))

	term, err := f.mgr.OpenTerminal(context.Background(), s.ID(), 80, 24)
	require.NoError(t, err)

	require.NoError(t, remotefs.WriteFile(f.srv.SFTP.FS, "/edit.txt", []byte("edit")))
	_, err = f.mgr.OpenForEdit(context.Background(), s.ID(), "/edit.txt", false)
	require.NoError(t, err)

	require.NoError(t, f.mgr.CloseSession(transporttest.Profile()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.ErrorIs(t, task.Wait(ctx), coreerr.ErrSessionClosed)
	assert.Equal(t, transfer.StateFailed, task.State())

	select {
	case <-term.Closed():
	case <-time.After(5 * time.Second):
		t.Fatal("terminal still open")
	}
	reason, _, _ := term.CloseReason()
	assert.Equal(t, terminal.ReasonSessionClosed, reason)

	assert.Empty(t, f.mgr.Edits().Files())
	assert.Empty(t, f.mgr.Sessions())
	assert.Equal(t, transport.StatusClosed, s.Status())

	_, err = f.mgr.Session(s.ID())
	assert.ErrorIs(t, err, connmgr.ErrUnknownSession)
	assert.ErrorIs(t, f.mgr.CloseSession(transporttest.Profile()), connmgr.ErrUnknownSession)
}

func TestFailedSessionIsReplaced(t *testing.T) {
	f := newFixture(t)
	first := f.connect(t)

	f.srv.FailDials(errors.New("connection refused"))
	f.srv.Drop()
	for i := 0; i < 3; i++ {
		f.clock.BlockUntil(1)
		f.clock.Advance(4 * time.Second)
	}

	select {
	case <-first.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not give up")
	}
	assert.Equal(t, transport.StatusFailed, first.Status())
	require.Eventually(t, func() bool { return len(f.mgr.Sessions()) == 0 }, 5*time.Second, 5*time.Millisecond)

	f.srv.FailDials(nil)
	second := f.connect(t)
	assert.NotEqual(t, first.ID(), second.ID())
	assert.Equal(t, 5, f.srv.Dials())
}

func TestRemoteFileOperations(t *testing.T) {
	f := newFixture(t)
	s := f.connect(t)
	ctx := context.Background()

	require.NoError(t, f.mgr.MakeDir(ctx, s.ID(), "/work/src", true))
	require.NoError(t, f.mgr.CreateFile(ctx, s.ID(), "/work/README"))
	require.NoError(t, f.mgr.Rename(ctx, s.ID(), "/work/README", "/work/README.md"))

	entries, err := f.mgr.ListDir(ctx, s.ID(), "/work")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "src", entries[0].Name)
	assert.Equal(t, "README.md", entries[1].Name)

	require.NoError(t, f.mgr.Remove(ctx, s.ID(), "/work", true))
	_, err = f.mgr.ListDir(ctx, s.ID(), "/work")
	assert.Error(t, err)

	res, err := f.mgr.Exec(ctx, s.ID(), "echo routed")
	require.NoError(t, err)
	assert.Equal(t, "routed\r\n", res.Stdout)
	assert.Equal(t, 0, res.ExitCode)

	_, err = f.mgr.ListDir(ctx, "no-such-session", "/")
	assert.ErrorIs(t, err, connmgr.ErrUnknownSession)
	_, err = f.mgr.Upload("no-such-session", "/tmp/a", "/a")
	assert.ErrorIs(t, err, connmgr.ErrUnknownSession)
}

func TestTerminalRouting(t *testing.T) {
	f := newFixture(t)
	s := f.connect(t)

	term, err := f.mgr.OpenTerminal(context.Background(), s.ID(), 0, 0)
	require.NoError(t, err)

	require.NoError(t, f.mgr.TerminalWrite(term.ID(), []byte("echo routed-input\n")))

	var out bytes.Buffer
	deadline := time.After(5 * time.Second)
	for !strings.Contains(out.String(), "routed-input\r\nrouted-input") {
		select {
		case chunk := <-term.Output():
			out.Write(chunk)
		case <-deadline:
			t.Fatalf("no output, got %q", out.String())
		}
	}

	require.NoError(t, f.mgr.TerminalResize(term.ID(), 100, 40))
	cols, rows := term.Size()
	assert.Equal(t, 100, cols)
	assert.Equal(t, 40, rows)

	require.NoError(t, f.mgr.CloseTerminal(term.ID()))
	require.Eventually(t, func() bool {
		_, err := f.mgr.Terminal(term.ID())
		return errors.Is(err, connmgr.ErrUnknownTerminal)
	}, 5*time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, f.mgr.TerminalWrite(term.ID(), []byte("x")), connmgr.ErrUnknownTerminal)
}

func TestDownloadRouting(t *testing.T) {
	f := newFixture(t)
	s := f.connect(t)
	require.NoError(t, remotefs.WriteFile(f.srv.SFTP.FS, "/report.csv", []byte("a,b\n1,2\n")))

	local := filepath.Join(t.TempDir(), "report.csv")
	task, err := f.mgr.Download(s.ID(), "/report.csv", local)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, task.Wait(ctx))

	data, err := os.ReadFile(local)
	require.NoError(t, err)
	assert.Equal(t, "a,b\n1,2\n", string(data))
}

func TestShutdownAll(t *testing.T) {
	f := newFixture(t)
	a := f.connect(t)
	other := transporttest.Profile()
	other.Port = 2222
	b, err := f.mgr.GetOrCreateSession(context.Background(), other, transporttest.Credential())
	require.NoError(t, err)

	term, err := f.mgr.OpenTerminal(context.Background(), a.ID(), 80, 24)
	require.NoError(t, err)

	require.NoError(t, f.mgr.ShutdownAll(context.Background()))

	assert.Equal(t, transport.StatusClosed, a.Status())
	assert.Equal(t, transport.StatusClosed, b.Status())
	select {
	case <-term.Closed():
	default:
		t.Fatal("terminal still open after shutdown")
	}
	assert.Empty(t, f.mgr.Sessions())

	_, err = f.mgr.GetOrCreateSession(context.Background(), transporttest.Profile(), transporttest.Credential())
	assert.ErrorIs(t, err, connmgr.ErrShutdown)
	assert.NoError(t, f.mgr.ShutdownAll(context.Background()))
}

// hangFS blocks local opens until release is closed.
type hangFS struct {
	afero.Fs
	entered chan struct{}
	release chan struct{}
}

func (fs hangFS) Open(name string) (afero.File, error) {
	select {
	case fs.entered <- struct{}{}:
	default:
	}
	<-fs.release
	return fs.Fs.Open(name)
}

func TestShutdownAllIsBoundedByStuckTransfers(t *testing.T) {
	fs := hangFS{Fs: afero.NewOsFs(), entered: make(chan struct{}, 1), release: make(chan struct{})}
	f := newFixtureWith(t, func(o *connmgr.Options) {
		o.ShutdownTimeout = 100 * time.Millisecond
		o.Transfer.LocalFS = fs
	})
	t.Cleanup(func() { close(fs.release) })
	s := f.connect(t)

	local := filepath.Join(t.TempDir(), "stuck.bin")
	require.NoError(t, os.WriteFile(local, []byte("stuck"), 0644))
	_, err := f.mgr.Upload(s.ID(), local, "/stuck.bin")
	require.NoError(t, err)

	select {
	case <-fs.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("upload never started")
	}

	returned := make(chan error, 1)
	go func() { returned <- f.mgr.ShutdownAll(context.Background()) }()

	select {
	case err := <-returned:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(5 * time.Second):
		t.Fatal("ShutdownAll waited on a stuck transfer past its timeout")
	}
}

func TestProfileFromSaved(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Connections = []config.SavedConnection{
		{Name: "Prod", Host: "prod.example.com", Port: 2200, Username: "deploy", KeyPath: "~/.ssh/deploy", UseAgent: true},
	}

	saved, err := connmgr.FindSaved(cfg, "prod")
	require.NoError(t, err)

	profile, cred := connmgr.ProfileFromSaved(saved)
	assert.Equal(t, "deploy@prod.example.com:2200", profile.Key())
	assert.True(t, profile.Saved)
	assert.Equal(t, "Prod", profile.CredentialRef)
	assert.Equal(t, "~/.ssh/deploy", cred.KeyPath)
	assert.True(t, cred.UseAgent)
	assert.Empty(t, cred.Password)

	_, err = connmgr.FindSaved(cfg, "staging")
	assert.Error(t, err)
}
