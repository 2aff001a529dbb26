package transporttest

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"

	"github.com/yzhelezko/thermic-core/internal/remotefs"
)

// Handler serves one shell (cmd == "") or exec request and returns the exit
// status.
type Handler func(cmd string, stdin io.Reader, stdout, stderr io.Writer) int

// ExitError is returned by Wait for a non-zero exit status.
type ExitError struct {
	Status int
}

func (e *ExitError) Error() string   { return fmt.Sprintf("Process exited with status %d", e.Status) }
func (e *ExitError) ExitStatus() int { return e.Status }

// Shell is a line-oriented shell over fs. It echoes each input line and
// understands ls, cat, echo, pwd, true, false and exit.
func Shell(fs remotefs.FS) Handler {
	return func(cmd string, stdin io.Reader, stdout, stderr io.Writer) int {
		if cmd != "" {
			code, _ := run(fs, cmd, stdout, stderr)
			return code
		}

		scanner := bufio.NewScanner(stdin)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			fmt.Fprintf(stdout, "%s\r\n", line)
			if line == "" {
				continue
			}
			if code, exit := run(fs, line, stdout, stderr); exit {
				return code
			}
		}
		return 0
	}
}

func run(fs remotefs.FS, line string, stdout, stderr io.Writer) (code int, exit bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return 0, false
	}
	args := fields[1:]

	switch fields[0] {
	case "exit":
		if len(args) > 0 {
			n, _ := strconv.Atoi(args[0])
			return n, true
		}
		return 0, true
	case "true":
		return 0, false
	case "false":
		return 1, false
	case "pwd":
		fmt.Fprint(stdout, "/\r\n")
		return 0, false
	case "echo":
		fmt.Fprintf(stdout, "%s\r\n", strings.Join(args, " "))
		return 0, false
	case "ls":
		dir := "/"
		if len(args) > 0 {
			dir = args[0]
		}
		entries, err := remotefs.List(fs, dir)
		if err != nil {
			fmt.Fprintf(stderr, "ls: cannot access '%s': No such file or directory\r\n", dir)
			return 2, false
		}
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name)
		}
		fmt.Fprintf(stdout, "%s\r\n", strings.Join(names, "  "))
		return 0, false
	case "cat":
		for _, p := range args {
			data, err := remotefs.ReadFile(fs, p)
			if err != nil {
				fmt.Fprintf(stderr, "cat: %s: No such file or directory\r\n", p)
				return 1, false
			}
			stdout.Write(data)
		}
		return 0, false
	default:
		fmt.Fprintf(stderr, "sh: %s: command not found\r\n", fields[0])
		return 127, false
	}
}

// RemoteSession is a fake transport.RemoteSession driven by a Handler.
type RemoteSession struct {
	handler Handler

	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter

	mu      sync.Mutex
	term    string
	cols    int
	rows    int
	resizes [][2]int
	started bool
	exit    int
	closed  bool

	doneOnce sync.Once
	done     chan struct{}
}

// NewRemoteSession returns a session that runs h once started.
func NewRemoteSession(h Handler) *RemoteSession {
	rs := &RemoteSession{handler: h, done: make(chan struct{})}
	rs.stdinR, rs.stdinW = io.Pipe()
	rs.stdoutR, rs.stdoutW = io.Pipe()
	rs.stderrR, rs.stderrW = io.Pipe()
	return rs
}

func (rs *RemoteSession) RequestPty(term string, h, w int, modes ssh.TerminalModes) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.term, rs.rows, rs.cols = term, h, w
	return nil
}

func (rs *RemoteSession) Shell() error { return rs.start("") }

func (rs *RemoteSession) Start(cmd string) error { return rs.start(cmd) }

func (rs *RemoteSession) start(cmd string) error {
	rs.mu.Lock()
	if rs.started || rs.closed {
		rs.mu.Unlock()
		return errors.New("session already started")
	}
	rs.started = true
	rs.mu.Unlock()

	go func() {
		code := rs.handler(cmd, rs.stdinR, rs.stdoutW, rs.stderrW)
		rs.stdoutW.Close()
		rs.stderrW.Close()
		rs.mu.Lock()
		rs.exit = code
		rs.mu.Unlock()
		rs.doneOnce.Do(func() { close(rs.done) })
	}()
	return nil
}

func (rs *RemoteSession) WindowChange(h, w int) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.rows, rs.cols = h, w
	rs.resizes = append(rs.resizes, [2]int{w, h})
	return nil
}

func (rs *RemoteSession) StdinPipe() (io.WriteCloser, error) { return rs.stdinW, nil }
func (rs *RemoteSession) StdoutPipe() (io.Reader, error)     { return rs.stdoutR, nil }
func (rs *RemoteSession) StderrPipe() (io.Reader, error)     { return rs.stderrR, nil }

func (rs *RemoteSession) Wait() error {
	<-rs.done
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.closed {
		return &ssh.ExitMissingError{}
	}
	if rs.exit != 0 {
		return &ExitError{Status: rs.exit}
	}
	return nil
}

func (rs *RemoteSession) Close() error {
	rs.mu.Lock()
	finished := false
	select {
	case <-rs.done:
		finished = true
	default:
	}
	if !finished {
		rs.closed = true
	}
	rs.mu.Unlock()

	rs.stdinR.CloseWithError(io.EOF)
	rs.stdinW.Close()
	rs.stdoutR.CloseWithError(io.EOF)
	rs.stderrR.CloseWithError(io.EOF)
	rs.stdoutW.CloseWithError(io.EOF)
	rs.stderrW.CloseWithError(io.EOF)
	rs.doneOnce.Do(func() { close(rs.done) })
	return nil
}

// Term returns the requested terminal type and current size.
func (rs *RemoteSession) Term() (term string, cols, rows int) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.term, rs.cols, rs.rows
}

// Resizes returns every window-change as (cols, rows).
func (rs *RemoteSession) Resizes() [][2]int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return append([][2]int(nil), rs.resizes...)
}
