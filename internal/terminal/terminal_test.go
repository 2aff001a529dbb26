package terminal_test

import (
	"context"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yzhelezko/thermic-core/internal/remotefs"
	"github.com/yzhelezko/thermic-core/internal/terminal"
	"github.com/yzhelezko/thermic-core/internal/transport"
	"github.com/yzhelezko/thermic-core/internal/transport/transporttest"
)

// capturing records the shell channel a terminal opens.
type capturing struct {
	*transport.Session
	ch *transport.Channel
}

func (c *capturing) OpenChannel(ctx context.Context, kind transport.ChannelKind) (*transport.Channel, error) {
	ch, err := c.Session.OpenChannel(ctx, kind)
	c.ch = ch
	return ch, err
}

func (c *capturing) remote() *transporttest.RemoteSession {
	return c.ch.Remote().(*transporttest.RemoteSession)
}

func setup(t *testing.T) (*transporttest.Server, *capturing) {
	t.Helper()
	srv := transporttest.New(t)
	opts := srv.Options()
	opts.Clock = clockwork.NewFakeClock()
	sess, err := transport.Connect(context.Background(), transporttest.Profile(), transporttest.Credential(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { sess.Close() })
	return srv, &capturing{Session: sess}
}

// readUntil collects output until it contains want.
func readUntil(t *testing.T, term *terminal.Terminal, want string) string {
	t.Helper()
	var sb strings.Builder
	deadline := time.After(5 * time.Second)
	for !strings.Contains(sb.String(), want) {
		select {
		case chunk, ok := <-term.Output():
			if !ok {
				t.Fatalf("output closed before %q, got %q", want, sb.String())
			}
			sb.Write(chunk)
		case <-deadline:
			t.Fatalf("timed out waiting for %q, got %q", want, sb.String())
		}
	}
	return sb.String()
}

func waitClosed(t *testing.T, term *terminal.Terminal) {
	t.Helper()
	select {
	case <-term.Closed():
	case <-time.After(5 * time.Second):
		t.Fatal("terminal did not close")
	}
}

func TestListingReachesOutput(t *testing.T) {
	srv, sess := setup(t)
	require.NoError(t, remotefs.WriteFile(srv.SFTP.FS, "/known-file.txt", []byte("x")))

	term, err := terminal.Open(context.Background(), sess, terminal.Options{})
	require.NoError(t, err)
	defer term.Close()

	_, err = term.Write([]byte("ls\n"))
	require.NoError(t, err)

	out := readUntil(t, term, "known-file.txt")
	assert.True(t, strings.Index(out, "ls") < strings.Index(out, "known-file.txt"))
}

func TestOutputFollowsInputOrder(t *testing.T) {
	_, sess := setup(t)

	term, err := terminal.Open(context.Background(), sess, terminal.Options{})
	require.NoError(t, err)
	defer term.Close()

	for _, word := range []string{"alpha", "bravo", "charlie", "delta"} {
		_, err := term.Write([]byte("echo " + word + "\n"))
		require.NoError(t, err)
	}

	out := readUntil(t, term, "delta\r\ndelta")
	last := -1
	for _, word := range []string{"alpha", "bravo", "charlie", "delta"} {
		idx := strings.Index(out, word)
		require.GreaterOrEqual(t, idx, 0, word)
		assert.Greater(t, idx, last, "%s out of order in %q", word, out)
		last = idx
	}
}

func TestPtyRequestAndResize(t *testing.T) {
	_, sess := setup(t)

	term, err := terminal.Open(context.Background(), sess, terminal.Options{Cols: 100, Rows: 40})
	require.NoError(t, err)
	defer term.Close()

	termType, cols, rows := sess.remote().Term()
	assert.Equal(t, terminal.TermType, termType)
	assert.Equal(t, 100, cols)
	assert.Equal(t, 40, rows)

	require.NoError(t, term.Resize(132, 50))
	assert.Equal(t, [][2]int{{132, 50}}, sess.remote().Resizes())

	c, r := term.Size()
	assert.Equal(t, 132, c)
	assert.Equal(t, 50, r)

	assert.Error(t, term.Resize(0, 10))
}

func TestShellExitReportsStatus(t *testing.T) {
	_, sess := setup(t)

	term, err := terminal.Open(context.Background(), sess, terminal.Options{})
	require.NoError(t, err)

	_, err = term.Write([]byte("echo bye\nexit 3\n"))
	require.NoError(t, err)

	readUntil(t, term, "exit 3")
	for range term.Output() {
	}
	waitClosed(t, term)

	reason, status, _ := term.CloseReason()
	assert.Equal(t, terminal.ReasonExited, reason)
	assert.Equal(t, 3, status)
	assert.Equal(t, 0, sess.ChannelCount())
}

func TestLocalClose(t *testing.T) {
	_, sess := setup(t)

	term, err := terminal.Open(context.Background(), sess, terminal.Options{})
	require.NoError(t, err)

	require.NoError(t, term.Close())
	require.NoError(t, term.Close())

	reason, _, _ := term.CloseReason()
	assert.Equal(t, terminal.ReasonLocalClose, reason)

	_, err = term.Write([]byte("ls\n"))
	assert.ErrorIs(t, err, terminal.ErrClosed)
	assert.Equal(t, 0, sess.ChannelCount())
}

func TestSessionCloseEndsTerminal(t *testing.T) {
	_, sess := setup(t)

	term, err := terminal.Open(context.Background(), sess, terminal.Options{})
	require.NoError(t, err)

	sess.Close()
	waitClosed(t, term)

	reason, _, err := term.CloseReason()
	assert.Equal(t, terminal.ReasonSessionClosed, reason)
	assert.Error(t, err)
}

func TestDroppedConnectionEndsTerminal(t *testing.T) {
	srv, sess := setup(t)

	term, err := terminal.Open(context.Background(), sess, terminal.Options{})
	require.NoError(t, err)

	srv.Drop()
	waitClosed(t, term)

	reason, _, err := term.CloseReason()
	assert.Equal(t, terminal.ReasonSessionLost, reason)
	assert.Error(t, err)
}

func TestOpenRequiresReadySession(t *testing.T) {
	_, sess := setup(t)
	sess.Close()

	_, err := terminal.Open(context.Background(), sess, terminal.Options{})
	assert.Error(t, err)
}

func TestOpenLocal(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses a POSIX shell")
	}

	term, err := terminal.OpenLocal("sh", terminal.Options{})
	if err != nil {
		t.Skipf("local pty unavailable: %v", err)
	}
	defer term.Close()

	_, err = term.Write([]byte("echo marker-$((40+2))\n"))
	require.NoError(t, err)
	readUntil(t, term, "marker-42")

	_, err = term.Write([]byte("exit 7\n"))
	require.NoError(t, err)
	waitClosed(t, term)

	reason, status, _ := term.CloseReason()
	assert.Equal(t, terminal.ReasonExited, reason)
	assert.Equal(t, 7, status)
}
