package transfer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Direction of a transfer.
type Direction string

const (
	Upload   Direction = "upload"
	Download Direction = "download"
)

// State of a task.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StatePaused    State = "paused"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// TaskInfo is a point-in-time copy of a task.
type TaskInfo struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"sessionId"`
	Direction   Direction `json:"direction"`
	LocalPath   string    `json:"localPath"`
	RemotePath  string    `json:"remotePath"`
	Total       int64     `json:"total"`
	Transferred int64     `json:"transferred"`
	State       State     `json:"state"`
	Retries     int       `json:"retries"`
	ErrorKind   string    `json:"errorKind,omitempty"`
	Error       string    `json:"error,omitempty"`
	Created     time.Time `json:"created"`
	Started     time.Time `json:"started,omitempty"`
	Finished    time.Time `json:"finished,omitempty"`
}

// Task is one file transfer.
type Task struct {
	ID         string
	SessionID  string
	Direction  Direction
	LocalPath  string
	RemotePath string

	pair string

	total       atomic.Int64
	transferred atomic.Int64

	mu         sync.Mutex
	state      State
	retries    int
	err        error
	paused     bool
	wake       chan struct{}
	dispatched bool
	stopReason error // set by Cancel or FailSession
	cancelled  bool  // stopReason came from Cancel
	touched    bool  // the local destination was opened for writing
	created    time.Time
	started    time.Time
	finished   time.Time

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Done is closed when the task reaches a terminal state.
func (t *Task) Done() <-chan struct{} { return t.done }

// Wait blocks until the task finishes and returns its error.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the final error, nil while running or on success.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// State returns the current state.
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Info returns a snapshot of the task.
func (t *Task) Info() TaskInfo {
	t.mu.Lock()
	defer t.mu.Unlock()

	info := TaskInfo{
		ID:          t.ID,
		SessionID:   t.SessionID,
		Direction:   t.Direction,
		LocalPath:   t.LocalPath,
		RemotePath:  t.RemotePath,
		Total:       t.total.Load(),
		Transferred: t.transferred.Load(),
		State:       t.state,
		Retries:     t.retries,
		Created:     t.created,
		Started:     t.started,
		Finished:    t.finished,
	}
	if t.err != nil {
		info.ErrorKind = kindOf(t.err)
		info.Error = t.err.Error()
	}
	return info
}

// checkpoint is called at every chunk boundary. It blocks while the task is
// paused and returns the stop reason once the task is cancelled.
func (t *Task) checkpoint() error {
	for {
		t.mu.Lock()
		if t.stopReason != nil {
			err := t.stopReason
			t.mu.Unlock()
			return err
		}
		if !t.paused {
			t.mu.Unlock()
			return nil
		}
		wake := t.wake
		t.mu.Unlock()

		select {
		case <-wake:
		case <-t.ctx.Done():
		}
	}
}

func (t *Task) stop(reason error, cancelled bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Terminal() || t.stopReason != nil {
		return false
	}
	t.stopReason = reason
	t.cancelled = cancelled
	t.cancel()
	return true
}

func (t *Task) stopErr() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopReason
}

func (t *Task) pause() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Terminal() || t.paused {
		return false
	}
	t.paused = true
	t.wake = make(chan struct{})
	t.state = StatePaused
	return true
}

func (t *Task) resume() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.paused || t.state.Terminal() {
		return false
	}
	t.paused = false
	close(t.wake)
	if t.dispatched {
		t.state = StateRunning
	} else {
		t.state = StateQueued
	}
	return true
}

func (t *Task) percent() float64 {
	total := t.total.Load()
	if total <= 0 {
		return 0
	}
	return float64(t.transferred.Load()) * 100.0 / float64(total)
}
