// Package terminal runs interactive shells over a session's shell channel
// or a local PTY.
//
// Input written to a Terminal is delivered by a single writer goroutine in
// the order it was written. Output is delivered in order on a channel that
// is closed once the shell is gone; chunks are never dropped while the
// terminal is open.
package terminal

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/yzhelezko/thermic-core/internal/events"
	"github.com/yzhelezko/thermic-core/internal/logging"
	"github.com/yzhelezko/thermic-core/internal/metrics"
)

// Default viewport.
const (
	DefaultCols = 120
	DefaultRows = 30
)

const (
	readBufferSize = 4096
	outputBacklog  = 64
	drainTimeout   = 2 * time.Second
)

// ErrClosed is returned by Write and Resize after the terminal closed.
var ErrClosed = errors.New("terminal closed")

// CloseReason tells why a terminal ended.
type CloseReason int

const (
	ReasonNone CloseReason = iota
	ReasonExited
	ReasonSessionLost
	ReasonLocalClose
	ReasonSessionClosed
)

func (r CloseReason) String() string {
	switch r {
	case ReasonExited:
		return "exited"
	case ReasonSessionLost:
		return "session_lost"
	case ReasonLocalClose:
		return "local_close"
	case ReasonSessionClosed:
		return "session_closed"
	default:
		return "open"
	}
}

// Options configure a terminal.
type Options struct {
	Cols   int
	Rows   int
	Events events.Publisher
	Logger *log.Entry
}

func (o *Options) applyDefaults() {
	if o.Cols <= 0 {
		o.Cols = DefaultCols
	}
	if o.Rows <= 0 {
		o.Rows = DefaultRows
	}
	if o.Events == nil {
		o.Events = events.Nop{}
	}
	if o.Logger == nil {
		o.Logger = logging.Discard()
	}
}

// backend is the process on the other side of a terminal.
type backend interface {
	stdin() io.Writer
	// streams are read until EOF; stderr streams are marked for colouring.
	streams() []stream
	resize(cols, rows int) error
	// wait blocks until the shell is gone and tells why.
	wait() (CloseReason, int, error)
	close() error
}

type stream struct {
	r      io.Reader
	stderr bool
}

// Terminal is one interactive shell.
type Terminal struct {
	id        string
	sessionID string
	kind      string
	be        backend
	opts      Options
	log       *log.Entry

	inMu    sync.Mutex
	inQueue [][]byte
	inWake  chan struct{}

	output  chan []byte
	readers sync.WaitGroup

	mu         sync.Mutex
	cols       int
	rows       int
	reason     CloseReason
	exitStatus int
	err        error

	closing   chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

func start(sessionID, kind string, be backend, opts Options) *Terminal {
	t := &Terminal{
		id:        uuid.NewString(),
		sessionID: sessionID,
		kind:      kind,
		be:        be,
		opts:      opts,
		inWake:    make(chan struct{}, 1),
		output:    make(chan []byte, outputBacklog),
		cols:      opts.Cols,
		rows:      opts.Rows,
		closing:   make(chan struct{}),
		done:      make(chan struct{}),
	}
	t.log = opts.Logger.WithFields(log.Fields{"terminal": t.id, "kind": kind})

	for _, s := range be.streams() {
		t.readers.Add(1)
		go t.readLoop(s)
	}
	go t.writeLoop()
	go t.monitor()

	metrics.AddTerminals(1)
	opts.Events.Publish(events.Event{
		Type:       events.TerminalOpened,
		SessionID:  sessionID,
		TerminalID: t.id,
		State:      kind,
	})
	t.log.Info("terminal opened")
	return t
}

// ID identifies the terminal.
func (t *Terminal) ID() string { return t.id }

// SessionID is the owning transport session, empty for local terminals.
func (t *Terminal) SessionID() string { return t.sessionID }

// Output delivers shell output in order. It is closed after the shell ends
// and all output was delivered.
func (t *Terminal) Output() <-chan []byte { return t.output }

// Closed is closed once the terminal ended.
func (t *Terminal) Closed() <-chan struct{} { return t.done }

// CloseReason returns why the terminal ended, the exit status for
// ReasonExited, and the underlying error if any.
func (t *Terminal) CloseReason() (CloseReason, int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason, t.exitStatus, t.err
}

// Size returns the viewport.
func (t *Terminal) Size() (cols, rows int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cols, t.rows
}

// Write queues input for the shell. It never blocks on the shell.
func (t *Terminal) Write(p []byte) (int, error) {
	select {
	case <-t.done:
		return 0, ErrClosed
	case <-t.closing:
		return 0, ErrClosed
	default:
	}

	buf := make([]byte, len(p))
	copy(buf, p)

	t.inMu.Lock()
	t.inQueue = append(t.inQueue, buf)
	t.inMu.Unlock()

	select {
	case t.inWake <- struct{}{}:
	default:
	}
	return len(p), nil
}

func (t *Terminal) writeLoop() {
	w := t.be.stdin()
	for {
		select {
		case <-t.done:
			return
		case <-t.inWake:
		}

		t.inMu.Lock()
		queue := t.inQueue
		t.inQueue = nil
		t.inMu.Unlock()

		for _, chunk := range queue {
			if _, err := w.Write(chunk); err != nil {
				t.log.WithError(err).Debug("terminal input dropped")
				return
			}
		}
	}
}

func (t *Terminal) readLoop(s stream) {
	defer t.readers.Done()

	buf := make([]byte, readBufferSize)
	for {
		n, err := s.r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if s.stderr {
				chunk = append(append([]byte("\x1b[31m"), chunk...), "\x1b[0m"...)
			}
			select {
			case t.output <- chunk:
			case <-t.closing:
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				t.log.WithError(err).Debug("terminal read ended")
			}
			return
		}
	}
}

// Resize changes the viewport. Failures are logged and otherwise ignored.
func (t *Terminal) Resize(cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return errors.New("invalid terminal size")
	}
	select {
	case <-t.done:
		return ErrClosed
	default:
	}

	t.mu.Lock()
	t.cols, t.rows = cols, rows
	t.mu.Unlock()

	if err := t.be.resize(cols, rows); err != nil {
		t.log.WithError(err).Debug("resize failed")
	}
	return nil
}

// Close ends the terminal. It is safe to call more than once.
func (t *Terminal) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closing)
		err = t.be.close()
	})
	<-t.done
	return err
}

func (t *Terminal) waitReaders(timeout time.Duration) {
	drained := make(chan struct{})
	go func() {
		t.readers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(timeout):
	}
}

func (t *Terminal) monitor() {
	reason, status, err := t.be.wait()

	select {
	case <-t.closing:
		reason, status, err = ReasonLocalClose, 0, nil
	default:
	}
	if reason == ReasonExited {
		// Let the owner still read what the shell printed last. A local PTY
		// may never report EOF, so its drain is bounded.
		if t.kind == "local" {
			t.waitReaders(drainTimeout)
		} else {
			t.readers.Wait()
		}
	}
	t.closeOnce.Do(func() {
		close(t.closing)
		t.be.close()
	})
	t.readers.Wait()

	t.mu.Lock()
	t.reason, t.exitStatus, t.err = reason, status, err
	t.mu.Unlock()

	close(t.output)
	close(t.done)

	metrics.AddTerminals(-1)
	ev := events.Event{
		Type:       events.TerminalClosed,
		SessionID:  t.sessionID,
		TerminalID: t.id,
		State:      reason.String(),
	}
	if err != nil {
		ev.Error = err.Error()
	}
	t.opts.Events.Publish(ev)
	t.log.WithFields(log.Fields{"reason": reason.String(), "status": status}).Info("terminal closed")
}
