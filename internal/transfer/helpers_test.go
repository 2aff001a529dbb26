package transfer_test

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/yzhelezko/thermic-core/internal/events"
	"github.com/yzhelezko/thermic-core/internal/remotefs"
	"github.com/yzhelezko/thermic-core/internal/transfer"
	"github.com/yzhelezko/thermic-core/internal/transport"
	"github.com/yzhelezko/thermic-core/internal/transport/transporttest"
)

type recorder struct {
	mu     sync.Mutex
	events []events.Event
	hook   func(events.Event)
}

func (r *recorder) Publish(ev events.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	hook := r.hook
	r.mu.Unlock()
	if hook != nil {
		hook(ev)
	}
}

func (r *recorder) setHook(h func(events.Event)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hook = h
}

func (r *recorder) finished() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, ev := range r.events {
		if ev.Type != events.TransferState {
			continue
		}
		switch transfer.State(ev.State) {
		case transfer.StateCompleted, transfer.StateFailed, transfer.StateCancelled:
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) count(typ events.Type, taskID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == typ && ev.TaskID == taskID {
			n++
		}
	}
	return n
}

type fixture struct {
	srv    *transporttest.Server
	sess   *transport.Session
	clock  clockwork.FakeClock
	engine *transfer.Engine
	rec    *recorder
	dir    string
}

func newFixture(t *testing.T, configure func(*transfer.Options)) *fixture {
	t.Helper()

	f := &fixture{
		srv:   transporttest.New(t),
		clock: clockwork.NewFakeClock(),
		rec:   &recorder{},
		dir:   t.TempDir(),
	}

	sopts := f.srv.Options()
	sopts.Clock = f.clock
	sess, err := transport.Connect(context.Background(), transporttest.Profile(), transporttest.Credential(), sopts)
	require.NoError(t, err)
	f.sess = sess

	opts := transfer.Options{
		BufferSize: 32 * 1024,
		Events:     f.rec,
	}
	if configure != nil {
		configure(&opts)
	}
	f.engine = transfer.NewEngine(opts)

	t.Cleanup(func() {
		f.engine.Close()
		sess.Close()
	})
	return f
}

func (f *fixture) writeLocal(t *testing.T, name string, size int) (string, []byte) {
	t.Helper()
	data := make([]byte, size)
	_, err := rand.Read(data)
	require.NoError(t, err)
	p := filepath.Join(f.dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
	require.NoError(t, os.WriteFile(p, data, 0644))
	return p, data
}

func (f *fixture) writeRemote(t *testing.T, p string, data []byte) {
	t.Helper()
	require.NoError(t, remotefs.WriteFile(f.srv.SFTP.FS, p, data))
}

func (f *fixture) readRemote(t *testing.T, p string) []byte {
	t.Helper()
	data, err := remotefs.ReadFile(f.srv.SFTP.FS, p)
	require.NoError(t, err)
	return data
}

func hash(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// onceAt runs fn the first time a progress event for any task reaches half
// of its total.
func onceAt(fn func(events.Event)) func(events.Event) {
	var fired atomic.Bool
	return func(ev events.Event) {
		if ev.Type != events.TransferProgress || ev.Total == 0 || ev.Transferred*2 < ev.Total {
			return
		}
		if fired.CompareAndSwap(false, true) {
			fn(ev)
		}
	}
}

// fullFS fails every local write with ENOSPC.
type fullFS struct {
	afero.Fs
}

func (fs fullFS) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	f, err := fs.Fs.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}
	return fullFile{f}, nil
}

type fullFile struct {
	afero.File
}

func (f fullFile) Write(p []byte) (int, error) {
	return 0, &os.PathError{Op: "write", Path: f.Name(), Err: syscall.ENOSPC}
}

// gateFS blocks Open until released and tracks how many opens are waiting.
type gateFS struct {
	afero.Fs
	gate    chan struct{}
	waiting atomic.Int32
	peak    atomic.Int32
}

func (fs *gateFS) Open(name string) (afero.File, error) {
	n := fs.waiting.Add(1)
	for {
		peak := fs.peak.Load()
		if n <= peak || fs.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	<-fs.gate
	fs.waiting.Add(-1)
	return fs.Fs.Open(name)
}
