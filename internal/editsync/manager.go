// Package editsync keeps local copies of remote files in sync while they
// are open in an editor.
//
// A WatchedFile is downloaded to a temp file, watched for local changes and
// uploaded through the transfer engine after every change. Bursts of writes
// are debounced, and a change that arrives while an upload runs schedules
// exactly one follow-up upload.
package editsync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/bep/debounce"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/sync/singleflight"

	"github.com/yzhelezko/thermic-core/internal/config"
	"github.com/yzhelezko/thermic-core/internal/coreerr"
	"github.com/yzhelezko/thermic-core/internal/events"
	"github.com/yzhelezko/thermic-core/internal/logging"
	"github.com/yzhelezko/thermic-core/internal/metrics"
	"github.com/yzhelezko/thermic-core/internal/transfer"
)

// TempPrefix starts the name of every local edit copy.
const TempPrefix = "sftp_edit_"

// ErrFileTooLarge is returned by Open for files above the large file
// threshold unless OpenOptions.Force is set.
var ErrFileTooLarge = errors.New("file too large for editing")

// ErrNotWatched is returned for files that are not open for editing.
var ErrNotWatched = errors.New("file is not open for editing")

// Uploader runs uploads. *transfer.Engine implements it.
type Uploader interface {
	EnqueueUpload(sess transfer.Session, localPath, remotePath string) (*transfer.Task, error)
	Cancel(id string) error
}

// Archiver stores the outcome of every sync.
type Archiver interface {
	ArchiveSync(Record) error
}

// Record is one finished sync.
type Record struct {
	SessionID  string
	RemotePath string
	LocalPath  string
	Hash       string
	Size       int64
	State      State
	Error      string
	Time       time.Time
}

// Options configure a Manager.
type Options struct {
	Debounce         time.Duration
	PollInterval     time.Duration
	LargeFileWarning int64
	TempDir          string

	// FS holds the temp copies. Native change notification is only used
	// on the OS file system; any other FS is polled.
	FS afero.Fs

	Clock    clockwork.Clock
	Events   events.Publisher
	Archiver Archiver
	Logger   *log.Entry
}

// OptionsFromConfig maps the sync section of cfg.
func OptionsFromConfig(cfg *config.AppConfig) Options {
	return Options{
		Debounce:         cfg.Sync.Debounce,
		PollInterval:     cfg.Sync.PollInterval,
		LargeFileWarning: cfg.Sync.LargeFileWarning,
		TempDir:          cfg.Sync.TempDir,
	}
}

func (o *Options) applyDefaults() {
	if o.Debounce <= 0 {
		o.Debounce = config.DefaultSyncDebounce
	}
	if o.PollInterval <= 0 {
		o.PollInterval = config.DefaultSyncPollInterval
	}
	if o.LargeFileWarning <= 0 {
		o.LargeFileWarning = config.DefaultLargeFileWarning
	}
	if o.TempDir == "" {
		o.TempDir = os.TempDir()
	}
	if o.FS == nil {
		o.FS = afero.NewOsFs()
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

// OpenOptions tune a single Open.
type OpenOptions struct {
	// Force opens files above the large file threshold.
	Force bool
}

type fileKey struct {
	sessionID  string
	remotePath string
}

func (k fileKey) String() string { return k.sessionID + "\x00" + k.remotePath }

// Manager owns every WatchedFile.
type Manager struct {
	opts     Options
	uploader Uploader
	log      *log.Entry

	opening singleflight.Group

	mu     sync.Mutex
	files  map[fileKey]*WatchedFile
	closed bool
}

// NewManager creates a manager uploading through uploader.
func NewManager(uploader Uploader, opts Options) *Manager {
	opts.applyDefaults()
	return &Manager{
		opts:     opts,
		uploader: uploader,
		log:      opts.Logger.WithField("component", "editsync"),
		files:    make(map[fileKey]*WatchedFile),
	}
}

// Open returns the WatchedFile for (sess, remotePath), downloading and
// watching the file if it is not open yet.
func (m *Manager) Open(ctx context.Context, sess transfer.Session, remotePath string, oo OpenOptions) (*WatchedFile, error) {
	if remotePath == "" {
		return nil, &coreerr.TransferError{Kind: coreerr.InvalidPath, Path: remotePath, Err: errors.New("empty path")}
	}
	remotePath = path.Clean(remotePath)
	key := fileKey{sessionID: sess.ID(), remotePath: remotePath}

	v, err, _ := m.opening.Do(key.String(), func() (interface{}, error) {
		if f, ok := m.lookup(key); ok {
			return f, nil
		}
		f, err := m.open(ctx, sess, key, oo)
		if err != nil {
			return nil, err
		}

		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			f.shutdown()
			return nil, errors.New("edit-sync manager closed")
		}
		m.files[key] = f
		m.mu.Unlock()

		metrics.AddWatchedFiles(1)
		f.publish()
		f.start()
		return f, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*WatchedFile), nil
}

func (m *Manager) lookup(key fileKey) (*WatchedFile, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[key]
	return f, ok
}

func (m *Manager) open(ctx context.Context, sess transfer.Session, key fileKey, oo OpenOptions) (*WatchedFile, error) {
	fs, err := sess.SFTP(ctx)
	if err != nil {
		return nil, err
	}

	info, err := fs.Stat(key.remotePath)
	if err != nil {
		return nil, remoteErr("stat", key.remotePath, err)
	}
	if info.IsDir() {
		return nil, &coreerr.TransferError{Kind: coreerr.InvalidPath, Path: key.remotePath, Err: errors.New("is a directory")}
	}
	if info.Size() > m.opts.LargeFileWarning && !oo.Force {
		return nil, fmt.Errorf("%w: %s is %d bytes (limit %d)", ErrFileTooLarge, key.remotePath, info.Size(), m.opts.LargeFileWarning)
	}

	src, err := fs.Open(key.remotePath)
	if err != nil {
		return nil, remoteErr("open", key.remotePath, err)
	}
	defer src.Close()

	if err := m.opts.FS.MkdirAll(m.opts.TempDir, config.ConfigDirMode); err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	dst, err := afero.TempFile(m.opts.FS, m.opts.TempDir, TempPrefix+"*_"+path.Base(key.remotePath))
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	localPath := dst.Name()

	h := sha256.New()
	n, copyErr := io.Copy(io.MultiWriter(dst, h), src)
	closeErr := dst.Close()
	if copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		m.opts.FS.Remove(localPath)
		return nil, remoteErr("download", key.remotePath, copyErr)
	}

	fctx, cancel := context.WithCancel(context.Background())
	f := &WatchedFile{
		SessionID:  key.sessionID,
		RemotePath: key.remotePath,
		LocalPath:  localPath,
		m:          m,
		sess:       sess,
		key:        key,
		state:      StateInSync,
		hash:       hex.EncodeToString(h.Sum(nil)),
		size:       n,
		debounced:  debounce.New(m.opts.Debounce),
		ctx:        fctx,
		cancel:     cancel,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	f.log = m.log.WithFields(log.Fields{"session": key.sessionID, "remote": key.remotePath})
	f.log.WithField("local", localPath).Info("opened remote file for editing")
	return f, nil
}

// Get returns the WatchedFile for (sessionID, remotePath).
func (m *Manager) Get(sessionID, remotePath string) (*WatchedFile, bool) {
	return m.lookup(fileKey{sessionID: sessionID, remotePath: path.Clean(remotePath)})
}

// Files lists every open file, ordered by session and path.
func (m *Manager) Files() []FileInfo {
	m.mu.Lock()
	files := make([]*WatchedFile, 0, len(m.files))
	for _, f := range m.files {
		files = append(files, f)
	}
	m.mu.Unlock()

	infos := make([]FileInfo, 0, len(files))
	for _, f := range files {
		infos = append(infos, f.Info())
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].SessionID != infos[j].SessionID {
			return infos[i].SessionID < infos[j].SessionID
		}
		return infos[i].RemotePath < infos[j].RemotePath
	})
	return infos
}

// Close stops editing a file: the watch is released and the temp copy
// removed.
func (m *Manager) Close(sessionID, remotePath string) error {
	f, ok := m.take(fileKey{sessionID: sessionID, remotePath: path.Clean(remotePath)})
	if !ok {
		return ErrNotWatched
	}
	f.detach(StateDetached, nil)
	return nil
}

// Retry uploads a file whose last sync failed.
func (m *Manager) Retry(sessionID, remotePath string) error {
	f, ok := m.Get(sessionID, remotePath)
	if !ok {
		return ErrNotWatched
	}
	return f.retry()
}

// DetachSession closes every file of a session. reason is reported on the
// final state event.
func (m *Manager) DetachSession(sessionID string, reason error) {
	m.mu.Lock()
	var files []*WatchedFile
	for k, f := range m.files {
		if k.sessionID == sessionID {
			files = append(files, f)
			delete(m.files, k)
		}
	}
	m.mu.Unlock()

	for _, f := range files {
		f.detach(StateDetached, reason)
	}
}

// CloseAll closes every file and refuses further opens.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	m.closed = true
	files := make([]*WatchedFile, 0, len(m.files))
	for k, f := range m.files {
		files = append(files, f)
		delete(m.files, k)
	}
	m.mu.Unlock()

	for _, f := range files {
		f.detach(StateDetached, nil)
	}
}

// take removes f from the registry. It reports false if f was already
// removed.
func (m *Manager) take(key fileKey) (*WatchedFile, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[key]
	if ok {
		delete(m.files, key)
	}
	return f, ok
}

// remove takes f out of the registry unless it was already replaced or
// removed.
func (m *Manager) remove(f *WatchedFile) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.files[f.key] != f {
		return false
	}
	delete(m.files, f.key)
	return true
}

func (m *Manager) hashFile(p string) (string, int64, error) {
	file, err := m.opts.FS.Open(p)
	if err != nil {
		return "", 0, err
	}
	defer file.Close()

	h := sha256.New()
	n, err := io.Copy(h, file)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

func remoteErr(op, p string, err error) error {
	var ce *coreerr.ChannelError
	if errors.As(err, &ce) {
		return err
	}
	return &coreerr.TransferError{Kind: transfer.Classify(err), Path: p, Err: fmt.Errorf("%s: %w", op, err)}
}
