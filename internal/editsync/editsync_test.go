package editsync_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yzhelezko/thermic-core/internal/coreerr"
	"github.com/yzhelezko/thermic-core/internal/editsync"
	"github.com/yzhelezko/thermic-core/internal/events"
	"github.com/yzhelezko/thermic-core/internal/remotefs"
	"github.com/yzhelezko/thermic-core/internal/transfer"
	"github.com/yzhelezko/thermic-core/internal/transport"
	"github.com/yzhelezko/thermic-core/internal/transport/transporttest"
)

const debounceDelay = 50 * time.Millisecond

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(ev events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) states(remotePath string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.events {
		if ev.Type == events.SyncState && ev.Path == remotePath {
			out = append(out, ev.State)
		}
	}
	return out
}

func (r *recorder) last(remotePath string) events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Path == remotePath {
			return r.events[i]
		}
	}
	return events.Event{}
}

// countingUploader counts uploads. The first upload waits for gate when
// one is set, and failures makes that many uploads fail up front.
type countingUploader struct {
	engine *transfer.Engine

	mu       sync.Mutex
	uploads  int
	failures int
	gate     chan struct{}
	started  chan struct{}
}

func (u *countingUploader) EnqueueUpload(sess transfer.Session, localPath, remotePath string) (*transfer.Task, error) {
	u.mu.Lock()
	u.uploads++
	first := u.uploads == 1
	gate := u.gate
	fail := u.failures > 0
	if fail {
		u.failures--
	}
	u.mu.Unlock()

	if fail {
		return nil, errors.New("upload refused")
	}
	if first && gate != nil {
		close(u.started)
		<-gate
	}
	return u.engine.EnqueueUpload(sess, localPath, remotePath)
}

func (u *countingUploader) Cancel(id string) error { return u.engine.Cancel(id) }

func (u *countingUploader) count() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.uploads
}

type fixture struct {
	srv      *transporttest.Server
	sess     *transport.Session
	uploader *countingUploader
	mgr      *editsync.Manager
	rec      *recorder
	tempDir  string
}

func newFixture(t *testing.T, tune func(*editsync.Options, *transfer.Options)) *fixture {
	t.Helper()

	srv := transporttest.New(t)
	topts := srv.Options()
	topts.Clock = clockwork.NewFakeClock()
	sess, err := transport.Connect(context.Background(), transporttest.Profile(), transporttest.Credential(), topts)
	require.NoError(t, err)
	t.Cleanup(func() { sess.Close() })

	rec := &recorder{}
	eopts := transfer.Options{ProgressInterval: time.Millisecond}
	sopts := editsync.Options{
		Debounce: debounceDelay,
		TempDir:  t.TempDir(),
		Events:   rec,
	}
	if tune != nil {
		tune(&sopts, &eopts)
	}

	engine := transfer.NewEngine(eopts)
	t.Cleanup(engine.Close)

	uploader := &countingUploader{engine: engine}
	mgr := editsync.NewManager(uploader, sopts)
	t.Cleanup(mgr.CloseAll)

	return &fixture{
		srv:      srv,
		sess:     sess,
		uploader: uploader,
		mgr:      mgr,
		rec:      rec,
		tempDir:  sopts.TempDir,
	}
}

func (f *fixture) writeRemote(t *testing.T, p, content string) {
	t.Helper()
	require.NoError(t, remotefs.MakeDir(f.srv.SFTP.FS, filepath.Dir(p), true))
	require.NoError(t, remotefs.WriteFile(f.srv.SFTP.FS, p, []byte(content)))
}

func (f *fixture) readRemote(t *testing.T, p string) string {
	t.Helper()
	data, err := remotefs.ReadFile(f.srv.SFTP.FS, p)
	require.NoError(t, err)
	return string(data)
}

func (f *fixture) remoteEquals(p, want string) bool {
	data, err := remotefs.ReadFile(f.srv.SFTP.FS, p)
	return err == nil && string(data) == want
}

func (f *fixture) tempCopies(t *testing.T) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(f.tempDir, editsync.TempPrefix+"*"))
	require.NoError(t, err)
	return matches
}

func sum(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])
}

func TestOpenDownloadsCopy(t *testing.T) {
	f := newFixture(t, nil)
	f.writeRemote(t, "/etc/app.conf", "listen = 80\n")

	wf, err := f.mgr.Open(context.Background(), f.sess, "/etc/app.conf", editsync.OpenOptions{})
	require.NoError(t, err)

	base := filepath.Base(wf.LocalPath)
	assert.True(t, strings.HasPrefix(base, editsync.TempPrefix), base)
	assert.True(t, strings.HasSuffix(base, "_app.conf"), base)

	data, err := os.ReadFile(wf.LocalPath)
	require.NoError(t, err)
	assert.Equal(t, "listen = 80\n", string(data))
	assert.Equal(t, sum("listen = 80\n"), wf.Hash())
	assert.Equal(t, editsync.StateInSync, wf.State())

	again, err := f.mgr.Open(context.Background(), f.sess, "/etc/../etc/app.conf", editsync.OpenOptions{})
	require.NoError(t, err)
	assert.Same(t, wf, again)
	assert.Len(t, f.mgr.Files(), 1)
	assert.Len(t, f.tempCopies(t), 1)
}

func TestConcurrentOpensShareOneFile(t *testing.T) {
	f := newFixture(t, nil)
	f.writeRemote(t, "/srv/shared.txt", "shared")

	const n = 8
	files := make([]*editsync.WatchedFile, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			wf, err := f.mgr.Open(context.Background(), f.sess, "/srv/shared.txt", editsync.OpenOptions{})
			assert.NoError(t, err)
			files[i] = wf
		}(i)
	}
	wg.Wait()

	for _, wf := range files {
		assert.Same(t, files[0], wf)
	}
	assert.Len(t, f.tempCopies(t), 1)
}

func TestBurstOfEditsUploadsOnce(t *testing.T) {
	f := newFixture(t, nil)
	f.writeRemote(t, "/srv/notes.txt", "v0")

	wf, err := f.mgr.Open(context.Background(), f.sess, "/srv/notes.txt", editsync.OpenOptions{})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(wf.LocalPath, []byte("v1 draft"), 0600))
	require.NoError(t, os.WriteFile(wf.LocalPath, []byte("v2 final text"), 0600))

	require.Eventually(t, func() bool {
		return f.remoteEquals("/srv/notes.txt", "v2 final text") && wf.State() == editsync.StateInSync
	}, 5*time.Second, 10*time.Millisecond)

	time.Sleep(4 * debounceDelay)
	assert.Equal(t, 1, f.uploader.count())
	assert.Equal(t, sum("v2 final text"), wf.Hash())

	states := f.rec.states("/srv/notes.txt")
	assert.Equal(t, []string{"in_sync", "dirty", "syncing", "in_sync"}, states)
}

func TestEditsDuringSyncScheduleOneFollowUp(t *testing.T) {
	f := newFixture(t, nil)
	f.uploader.gate = make(chan struct{})
	f.uploader.started = make(chan struct{})
	f.writeRemote(t, "/srv/main.go", "package main\n")

	wf, err := f.mgr.Open(context.Background(), f.sess, "/srv/main.go", editsync.OpenOptions{})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(wf.LocalPath, []byte("package main // 1\n"), 0600))
	select {
	case <-f.uploader.started:
	case <-time.After(5 * time.Second):
		t.Fatal("first sync did not start")
	}
	assert.Equal(t, editsync.StateSyncing, wf.State())

	for i, content := range []string{"package main // 2\n", "package main // 3\n", "package main // 4\n"} {
		require.NoError(t, os.WriteFile(wf.LocalPath, []byte(content), 0600), i)
		time.Sleep(2 * debounceDelay)
	}
	close(f.uploader.gate)

	require.Eventually(t, func() bool {
		return f.uploader.count() == 2 && wf.State() == editsync.StateInSync &&
			f.remoteEquals("/srv/main.go", "package main // 4\n")
	}, 5*time.Second, 10*time.Millisecond)

	time.Sleep(4 * debounceDelay)
	assert.Equal(t, 2, f.uploader.count())
	assert.Equal(t, sum("package main // 4\n"), wf.Hash())
}

func TestUnchangedContentIsNotUploaded(t *testing.T) {
	f := newFixture(t, nil)
	f.writeRemote(t, "/srv/same.txt", "same")

	wf, err := f.mgr.Open(context.Background(), f.sess, "/srv/same.txt", editsync.OpenOptions{})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(wf.LocalPath, []byte("same"), 0600))
	time.Sleep(6 * debounceDelay)

	assert.Equal(t, 0, f.uploader.count())
	assert.Equal(t, editsync.StateInSync, wf.State())
}

func TestDeletedCopyIsOrphaned(t *testing.T) {
	f := newFixture(t, nil)
	f.writeRemote(t, "/srv/gone.txt", "data")

	wf, err := f.mgr.Open(context.Background(), f.sess, "/srv/gone.txt", editsync.OpenOptions{})
	require.NoError(t, err)

	require.NoError(t, os.Remove(wf.LocalPath))

	require.Eventually(t, func() bool {
		return wf.State() == editsync.StateOrphaned
	}, 5*time.Second, 10*time.Millisecond)

	_, ok := f.mgr.Get(f.sess.ID(), "/srv/gone.txt")
	assert.False(t, ok)
	assert.ErrorIs(t, wf.Err(), coreerr.ErrOrphaned)
	assert.Equal(t, "orphaned", f.rec.last("/srv/gone.txt").ErrorKind)
	assert.Empty(t, f.tempCopies(t))
	assert.Equal(t, "data", f.readRemote(t, "/srv/gone.txt"))

	reopened, err := f.mgr.Open(context.Background(), f.sess, "/srv/gone.txt", editsync.OpenOptions{})
	require.NoError(t, err)
	assert.NotSame(t, wf, reopened)
}

func TestOpenCloseCyclesLeaveNothingBehind(t *testing.T) {
	f := newFixture(t, nil)
	f.writeRemote(t, "/srv/cycle.txt", "cycle")

	for i := 0; i < 20; i++ {
		wf, err := f.mgr.Open(context.Background(), f.sess, "/srv/cycle.txt", editsync.OpenOptions{})
		require.NoError(t, err)
		require.NoError(t, f.mgr.Close(f.sess.ID(), "/srv/cycle.txt"))
		assert.Equal(t, editsync.StateDetached, wf.State())
	}

	assert.Empty(t, f.tempCopies(t))
	assert.Empty(t, f.mgr.Files())
	assert.ErrorIs(t, f.mgr.Close(f.sess.ID(), "/srv/cycle.txt"), editsync.ErrNotWatched)
}

func TestDetachSession(t *testing.T) {
	f := newFixture(t, nil)
	f.writeRemote(t, "/srv/a.txt", "a")
	f.writeRemote(t, "/srv/b.txt", "b")

	for _, p := range []string{"/srv/a.txt", "/srv/b.txt"} {
		_, err := f.mgr.Open(context.Background(), f.sess, p, editsync.OpenOptions{})
		require.NoError(t, err)
	}

	f.mgr.DetachSession(f.sess.ID(), coreerr.ErrSessionClosed)

	assert.Empty(t, f.mgr.Files())
	assert.Empty(t, f.tempCopies(t))
	last := f.rec.last("/srv/a.txt")
	assert.Equal(t, "detached", last.State)
	assert.Equal(t, "session_closed", last.ErrorKind)
}

func TestLargeFileNeedsForce(t *testing.T) {
	f := newFixture(t, func(o *editsync.Options, _ *transfer.Options) {
		o.LargeFileWarning = 16
	})
	f.writeRemote(t, "/srv/big.log", strings.Repeat("x", 32))

	_, err := f.mgr.Open(context.Background(), f.sess, "/srv/big.log", editsync.OpenOptions{})
	assert.ErrorIs(t, err, editsync.ErrFileTooLarge)
	assert.Empty(t, f.tempCopies(t))

	wf, err := f.mgr.Open(context.Background(), f.sess, "/srv/big.log", editsync.OpenOptions{Force: true})
	require.NoError(t, err)
	assert.Equal(t, editsync.StateInSync, wf.State())
}

func TestOpenInvalidRemote(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, remotefs.MakeDir(f.srv.SFTP.FS, "/srv/dir", true))

	_, err := f.mgr.Open(context.Background(), f.sess, "/srv/missing.txt", editsync.OpenOptions{})
	assert.ErrorIs(t, err, coreerr.ErrInvalidPath)

	_, err = f.mgr.Open(context.Background(), f.sess, "/srv/dir", editsync.OpenOptions{})
	assert.ErrorIs(t, err, coreerr.ErrInvalidPath)

	_, err = f.mgr.Open(context.Background(), f.sess, "", editsync.OpenOptions{})
	assert.ErrorIs(t, err, coreerr.ErrInvalidPath)
}

func TestFailedSyncCanBeRetried(t *testing.T) {
	f := newFixture(t, nil)
	f.uploader.failures = 1
	f.writeRemote(t, "/srv/retry.txt", "old")

	wf, err := f.mgr.Open(context.Background(), f.sess, "/srv/retry.txt", editsync.OpenOptions{})
	require.NoError(t, err)
	assert.Error(t, f.mgr.Retry(f.sess.ID(), "/srv/retry.txt"))

	require.NoError(t, os.WriteFile(wf.LocalPath, []byte("new"), 0600))
	require.Eventually(t, func() bool {
		return wf.State() == editsync.StateSyncFailed
	}, 5*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, wf.Err(), coreerr.ErrSyncFailed)
	assert.Equal(t, "old", f.readRemote(t, "/srv/retry.txt"))

	require.NoError(t, f.mgr.Retry(f.sess.ID(), "/srv/retry.txt"))
	require.Eventually(t, func() bool {
		return wf.State() == editsync.StateInSync && f.remoteEquals("/srv/retry.txt", "new")
	}, 5*time.Second, 10*time.Millisecond)
	assert.NoError(t, wf.Err())
}

func TestPollingDetectsChanges(t *testing.T) {
	memfs := afero.NewMemMapFs()
	clock := clockwork.NewFakeClock()
	f := newFixture(t, func(o *editsync.Options, e *transfer.Options) {
		o.FS = memfs
		o.Clock = clock
		o.PollInterval = time.Second
		e.LocalFS = memfs
	})
	f.writeRemote(t, "/srv/polled.txt", "short")

	wf, err := f.mgr.Open(context.Background(), f.sess, "/srv/polled.txt", editsync.OpenOptions{})
	require.NoError(t, err)

	clock.BlockUntil(1)
	require.NoError(t, afero.WriteFile(memfs, wf.LocalPath, []byte("a longer body"), 0600))
	clock.Advance(time.Second)

	require.Eventually(t, func() bool {
		return f.remoteEquals("/srv/polled.txt", "a longer body") && wf.State() == editsync.StateInSync
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, memfs.Remove(wf.LocalPath))
	clock.Advance(time.Second)
	require.Eventually(t, func() bool {
		return wf.State() == editsync.StateOrphaned
	}, 5*time.Second, 10*time.Millisecond)
}

// denyFS refuses Open once deny is set, like a copy whose permissions were
// taken away.
type denyFS struct {
	afero.Fs
	deny atomic.Bool
}

func (fs *denyFS) Open(name string) (afero.File, error) {
	if fs.deny.Load() {
		return nil, &os.PathError{Op: "open", Path: name, Err: os.ErrPermission}
	}
	return fs.Fs.Open(name)
}

func TestUnreadableCopyIsOrphaned(t *testing.T) {
	memfs := afero.NewMemMapFs()
	dfs := &denyFS{Fs: memfs}
	clock := clockwork.NewFakeClock()
	f := newFixture(t, func(o *editsync.Options, e *transfer.Options) {
		o.FS = dfs
		o.Clock = clock
		o.PollInterval = time.Second
		e.LocalFS = memfs
	})
	f.writeRemote(t, "/srv/locked.txt", "original")

	wf, err := f.mgr.Open(context.Background(), f.sess, "/srv/locked.txt", editsync.OpenOptions{})
	require.NoError(t, err)

	clock.BlockUntil(1)
	require.NoError(t, afero.WriteFile(memfs, wf.LocalPath, []byte("edited while locked"), 0600))
	dfs.deny.Store(true)
	clock.Advance(time.Second)

	require.Eventually(t, func() bool {
		return wf.State() == editsync.StateOrphaned
	}, 5*time.Second, 10*time.Millisecond)

	assert.ErrorIs(t, wf.Err(), coreerr.ErrOrphaned)
	assert.ErrorIs(t, wf.Err(), os.ErrPermission)
	_, ok := f.mgr.Get(f.sess.ID(), "/srv/locked.txt")
	assert.False(t, ok)
	_, err = memfs.Stat(wf.LocalPath)
	assert.True(t, os.IsNotExist(err))
	assert.Equal(t, "original", f.readRemote(t, "/srv/locked.txt"))
}
