// Package transfer runs file uploads and downloads over a session's sftp
// channel.
//
// Each session runs a bounded number of tasks at once. Tasks that target
// the same local and remote path pair run one at a time in submission
// order, even across sessions. Transient failures are retried with backoff
// and resume from the bytes already confirmed at the destination.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/yzhelezko/thermic-core/internal/config"
	"github.com/yzhelezko/thermic-core/internal/coreerr"
	"github.com/yzhelezko/thermic-core/internal/events"
	"github.com/yzhelezko/thermic-core/internal/logging"
	"github.com/yzhelezko/thermic-core/internal/metrics"
	"github.com/yzhelezko/thermic-core/internal/remotefs"
)

// ErrEngineClosed is returned by Enqueue after Close.
var ErrEngineClosed = errors.New("transfer engine closed")

// Session is the part of a transport session the engine needs.
type Session interface {
	ID() string
	SFTP(ctx context.Context) (remotefs.FS, error)
	WaitReady(ctx context.Context) error
}

// Archiver stores finished tasks.
type Archiver interface {
	ArchiveTransfer(TaskInfo) error
}

// Options configure an Engine.
type Options struct {
	ParallelTransfers int
	MaxRetries        int
	RetryBackoff      time.Duration
	ProgressInterval  time.Duration
	BufferSize        int

	// LocalFS is the local file system. Nil means the OS.
	LocalFS afero.Fs
	// FreeSpace reports free bytes on the volume holding path. Nil uses
	// gopsutil; a func returning an error skips the check.
	FreeSpace func(path string) (uint64, error)

	Clock    clockwork.Clock
	Events   events.Publisher
	Archiver Archiver
	Logger   *log.Entry
}

// OptionsFromConfig maps the sftp and transfer config sections to Options.
func OptionsFromConfig(cfg *config.AppConfig) Options {
	return Options{
		ParallelTransfers: cfg.SFTP.ParallelTransfers,
		MaxRetries:        cfg.Transfer.MaxRetries,
		RetryBackoff:      cfg.Transfer.RetryBackoff,
		ProgressInterval:  cfg.Transfer.ProgressInterval,
		BufferSize:        cfg.SFTP.BufferSize,
	}
}

func (o *Options) applyDefaults() {
	if o.ParallelTransfers <= 0 {
		o.ParallelTransfers = config.DefaultSFTPParallelTransfers
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = config.DefaultRetryBackoff
	}
	if o.ProgressInterval <= 0 {
		o.ProgressInterval = config.DefaultProgressInterval
	}
	if o.BufferSize <= 0 {
		o.BufferSize = config.DefaultSFTPBufferSize
	}
	if o.LocalFS == nil {
		o.LocalFS = afero.NewOsFs()
	}
	if o.FreeSpace == nil {
		o.FreeSpace = diskFree
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

type sessionQueue struct {
	sess    Session
	pending []*Task
	running int
}

// Engine schedules and runs transfer tasks.
type Engine struct {
	opts Options
	log  *log.Entry

	mu       sync.Mutex
	tasks    map[string]*Task
	sessions map[string]*sessionQueue
	pairs    map[string][]*Task // unfinished tasks per path pair, submission order
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine returns an engine ready to accept tasks.
func NewEngine(opts Options) *Engine {
	opts.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		opts:     opts,
		log:      opts.Logger,
		tasks:    make(map[string]*Task),
		sessions: make(map[string]*sessionQueue),
		pairs:    make(map[string][]*Task),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// EnqueueUpload queues localPath to be copied to remotePath.
func (e *Engine) EnqueueUpload(sess Session, localPath, remotePath string) (*Task, error) {
	if err := e.validate(Upload, localPath, remotePath); err != nil {
		return nil, err
	}
	return e.enqueue(sess, Upload, localPath, remotePath)
}

// EnqueueDownload queues remotePath to be copied to localPath.
func (e *Engine) EnqueueDownload(sess Session, remotePath, localPath string) (*Task, error) {
	if err := e.validate(Download, localPath, remotePath); err != nil {
		return nil, err
	}
	return e.enqueue(sess, Download, localPath, remotePath)
}

func (e *Engine) validate(dir Direction, localPath, remotePath string) error {
	invalid := func(p, reason string) error {
		return &coreerr.TransferError{Kind: coreerr.InvalidPath, Path: p, Err: errors.New(reason)}
	}

	for _, p := range []string{localPath, remotePath} {
		if strings.TrimSpace(p) == "" {
			return invalid(p, "path is empty")
		}
		if strings.ContainsRune(p, 0) {
			return invalid(p, "path contains NUL")
		}
	}
	if !path.IsAbs(remotePath) {
		if c := path.Clean(remotePath); c == ".." || strings.HasPrefix(c, "../") {
			return invalid(remotePath, "relative path escapes the working directory")
		}
	}

	if dir == Upload {
		st, err := e.opts.LocalFS.Stat(localPath)
		if err != nil {
			return &coreerr.TransferError{Kind: Classify(err), Path: localPath, Err: err}
		}
		if st.IsDir() {
			return invalid(localPath, "source is a directory")
		}
	}
	return nil
}

func pairKey(localPath, remotePath string) string {
	return localPath + "\x00" + remotePath
}

func (e *Engine) enqueue(sess Session, dir Direction, localPath, remotePath string) (*Task, error) {
	ctx, cancel := context.WithCancel(e.ctx)
	t := &Task{
		ID:         uuid.NewString(),
		SessionID:  sess.ID(),
		Direction:  dir,
		LocalPath:  localPath,
		RemotePath: remotePath,
		pair:       pairKey(localPath, remotePath),
		state:      StateQueued,
		created:    e.opts.Clock.Now(),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		cancel()
		return nil, ErrEngineClosed
	}
	q, ok := e.sessions[t.SessionID]
	if !ok {
		q = &sessionQueue{sess: sess}
		e.sessions[t.SessionID] = q
	}
	q.pending = append(q.pending, t)
	e.tasks[t.ID] = t
	e.pairs[t.pair] = append(e.pairs[t.pair], t)
	e.mu.Unlock()

	e.log.WithFields(log.Fields{
		"task":      t.ID,
		"session":   t.SessionID,
		"direction": dir,
		"local":     localPath,
		"remote":    remotePath,
	}).Debug("transfer queued")
	e.publishState(t)

	e.mu.Lock()
	e.dispatchLocked()
	e.mu.Unlock()
	return t, nil
}

// dispatchLocked starts every pending task that has a free slot in its
// session and heads its path pair.
func (e *Engine) dispatchLocked() {
	if e.closed {
		return
	}
	for _, q := range e.sessions {
		for i := 0; i < len(q.pending) && q.running < e.opts.ParallelTransfers; {
			t := q.pending[i]
			if head := e.pairs[t.pair]; len(head) == 0 || head[0] != t {
				i++
				continue
			}
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			q.running++

			t.mu.Lock()
			t.dispatched = true
			t.mu.Unlock()

			e.wg.Add(1)
			go e.run(q.sess, t)
		}
	}
}

// Get returns a task by id.
func (e *Engine) Get(id string) (*Task, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tasks[id]
	return t, ok
}

// Tasks returns a snapshot of every task the engine still tracks.
func (e *Engine) Tasks() []TaskInfo {
	e.mu.Lock()
	tasks := make([]*Task, 0, len(e.tasks))
	for _, t := range e.tasks {
		tasks = append(tasks, t)
	}
	e.mu.Unlock()

	infos := make([]TaskInfo, 0, len(tasks))
	for _, t := range tasks {
		infos = append(infos, t.Info())
	}
	return infos
}

// Cancel stops a task. A running task stops at its next chunk boundary.
func (e *Engine) Cancel(id string) error {
	t, ok := e.Get(id)
	if !ok {
		return fmt.Errorf("transfer %s not found", id)
	}
	reason := &coreerr.TransferError{Kind: coreerr.Cancelled, TaskID: t.ID, Path: t.RemotePath}
	if t.stop(reason, true) {
		e.finishIfQueued(t)
	}
	return nil
}

// Pause holds a task at its next chunk boundary. It keeps its worker slot.
func (e *Engine) Pause(id string) error {
	t, ok := e.Get(id)
	if !ok {
		return fmt.Errorf("transfer %s not found", id)
	}
	if t.pause() {
		e.publishState(t)
	}
	return nil
}

// Resume continues a paused task.
func (e *Engine) Resume(id string) error {
	t, ok := e.Get(id)
	if !ok {
		return fmt.Errorf("transfer %s not found", id)
	}
	if t.resume() {
		e.publishState(t)
	}
	return nil
}

// FailSession stops every queued and running task of a session with reason.
func (e *Engine) FailSession(sessionID string, reason error) {
	e.mu.Lock()
	var tasks []*Task
	for _, t := range e.tasks {
		if t.SessionID == sessionID {
			tasks = append(tasks, t)
		}
	}
	e.mu.Unlock()

	for _, t := range tasks {
		if t.stop(reason, false) {
			e.finishIfQueued(t)
		}
	}
}

// finishIfQueued completes a stopped task that never got a worker.
func (e *Engine) finishIfQueued(t *Task) {
	e.mu.Lock()
	q := e.sessions[t.SessionID]
	found := false
	if q != nil {
		for i, p := range q.pending {
			if p == t {
				q.pending = append(q.pending[:i], q.pending[i+1:]...)
				found = true
				break
			}
		}
	}
	e.mu.Unlock()

	if found {
		e.finish(t, t.stopErr(), false)
	}
}

func (e *Engine) run(sess Session, t *Task) {
	defer e.wg.Done()

	t.mu.Lock()
	t.started = e.opts.Clock.Now()
	if !t.paused {
		t.state = StateRunning
	}
	t.mu.Unlock()
	e.publishState(t)

	err := e.execute(sess, t)
	e.finish(t, err, true)
}

func (e *Engine) finish(t *Task, err error, dispatched bool) {
	t.mu.Lock()
	switch {
	case err == nil:
		t.state = StateCompleted
	case t.stopReason != nil && t.cancelled:
		t.state = StateCancelled
		err = t.stopReason
	case t.stopReason != nil:
		t.state = StateFailed
		err = t.stopReason
	case coreerr.TransferKindOf(err) == coreerr.Cancelled:
		t.state = StateCancelled
	default:
		t.state = StateFailed
	}
	if err != nil {
		err = classifyTask(t, err)
	}
	t.err = err
	t.finished = e.opts.Clock.Now()
	started, state := t.started, t.state
	t.mu.Unlock()

	if started.IsZero() {
		started = t.finished
	}
	metrics.RecordTransfer(string(t.Direction), string(state), t.transferred.Load(), t.finished.Sub(started))

	entry := e.log.WithFields(log.Fields{
		"task":        t.ID,
		"state":       state,
		"transferred": t.transferred.Load(),
	})
	if err != nil {
		entry.WithError(err).Warn("transfer finished")
	} else {
		entry.Info("transfer finished")
	}

	e.publishState(t)
	if e.opts.Archiver != nil {
		if aerr := e.opts.Archiver.ArchiveTransfer(t.Info()); aerr != nil {
			e.log.WithError(aerr).Warn("failed to archive transfer")
		}
	}

	e.mu.Lock()
	if queue := e.pairs[t.pair]; len(queue) > 0 {
		for i, p := range queue {
			if p == t {
				queue = append(queue[:i], queue[i+1:]...)
				break
			}
		}
		if len(queue) == 0 {
			delete(e.pairs, t.pair)
		} else {
			e.pairs[t.pair] = queue
		}
	}
	if q := e.sessions[t.SessionID]; q != nil {
		if dispatched {
			q.running--
		}
		if q.running == 0 && len(q.pending) == 0 {
			delete(e.sessions, t.SessionID)
		}
	}
	delete(e.tasks, t.ID)
	e.dispatchLocked()
	e.mu.Unlock()

	t.cancel()
	close(t.done)
}

func (e *Engine) publishState(t *Task) {
	info := t.Info()
	e.opts.Events.Publish(events.Event{
		Type:        events.TransferState,
		SessionID:   info.SessionID,
		TaskID:      info.ID,
		Path:        info.RemotePath,
		FileName:    path.Base(info.RemotePath),
		Direction:   string(info.Direction),
		State:       string(info.State),
		Transferred: info.Transferred,
		Total:       info.Total,
		Percent:     t.percent(),
		ErrorKind:   info.ErrorKind,
		Error:       info.Error,
	})
}

// Close cancels every task and waits for running ones to stop.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	tasks := make([]*Task, 0, len(e.tasks))
	for _, t := range e.tasks {
		tasks = append(tasks, t)
	}
	e.mu.Unlock()

	for _, t := range tasks {
		if t.stop(&coreerr.TransferError{Kind: coreerr.Cancelled, TaskID: t.ID, Path: t.RemotePath}, true) {
			e.finishIfQueued(t)
		}
	}
	e.cancel()
	e.wg.Wait()
}
