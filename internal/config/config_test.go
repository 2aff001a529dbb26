package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v2"

	"github.com/yzhelezko/thermic-core/internal/logging"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(filepath.Join(t.TempDir(), ConfigDirName, ConfigFileName), logging.Discard())
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 3, cfg.SSH.ReconnectAttempts)
	assert.Equal(t, time.Second, cfg.SSH.ReconnectBackoff)
	assert.Equal(t, 150*time.Millisecond, cfg.Transfer.ProgressInterval)
	assert.Equal(t, int64(10*1024*1024), cfg.Sync.LargeFileWarning)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SFTP.ParallelTransfers = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Connections = []SavedConnection{
		{Name: "a", Host: "h", Port: 22, Username: "u"},
		{Name: "a", Host: "h2", Port: 22, Username: "u"},
	}
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Connections = []SavedConnection{{Name: "bad", Host: "h", Port: 70000, Username: "u"}}
	assert.Error(t, cfg.Validate())
}

func TestLoadCreatesDefaultFile(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.Load())

	info, err := os.Stat(m.Path())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(ConfigFileMode), info.Mode().Perm())

	data, err := os.ReadFile(m.Path())
	require.NoError(t, err)
	var onDisk AppConfig
	require.NoError(t, yaml.Unmarshal(data, &onDisk))
	assert.Equal(t, SchemaVersion, onDisk.Version)
	assert.Equal(t, DefaultConnectTimeout, onDisk.SSH.ConnectTimeout)
}

func TestLoadPartialFileAppliesDefaults(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(m.Path()), ConfigDirMode))
	require.NoError(t, os.WriteFile(m.Path(), []byte("version: 1.1.0\nsftp:\n  parallel_transfers: 2\n"), ConfigFileMode))

	require.NoError(t, m.Load())
	cfg := m.Config()
	assert.Equal(t, 2, cfg.SFTP.ParallelTransfers)
	assert.Equal(t, DefaultSFTPBufferSize, cfg.SFTP.BufferSize)
	assert.Equal(t, DefaultSyncDebounce, cfg.Sync.Debounce)
}

func TestLoadMigratesLegacyWorkers(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(m.Path()), ConfigDirMode))
	require.NoError(t, os.WriteFile(m.Path(), []byte("max_workers: 4\n"), ConfigFileMode))

	require.NoError(t, m.Load())
	cfg := m.Config()
	assert.Equal(t, 4, cfg.SFTP.ParallelTransfers)
	assert.Equal(t, SchemaVersion, cfg.Version)
	assert.Zero(t, cfg.LegacyMaxWorkers)

	require.NoError(t, m.Close())
	data, err := os.ReadFile(m.Path())
	require.NoError(t, err)
	assert.NotContains(t, string(data), "max_workers")
}

func TestLoadRejectsNewerMajor(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(m.Path()), ConfigDirMode))
	require.NoError(t, os.WriteFile(m.Path(), []byte("version: 2.0.0\nsftp:\n  parallel_transfers: 5\n"), ConfigFileMode))

	require.NoError(t, m.Load())
	assert.Equal(t, DefaultSFTPParallelTransfers, m.Config().SFTP.ParallelTransfers)
}

func TestLoadBrokenYAMLFallsBack(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(m.Path()), ConfigDirMode))
	require.NoError(t, os.WriteFile(m.Path(), []byte("ssh: [unclosed"), ConfigFileMode))

	require.NoError(t, m.Load())
	assert.Equal(t, *DefaultConfig(), m.Config())
}

func TestSavedConnectionsAndShortcuts(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.Load())

	require.NoError(t, m.SaveConnection(SavedConnection{Name: "web", Host: "web.example", Port: 22, Username: "deploy"}))
	require.NoError(t, m.SaveConnection(SavedConnection{Name: "web", Host: "web2.example", Port: 2222, Username: "deploy"}))
	assert.Error(t, m.SaveConnection(SavedConnection{Name: "broken"}))

	conn, ok := m.Connection("web")
	require.True(t, ok)
	assert.Equal(t, "web2.example", conn.Host)
	assert.Len(t, m.Config().Connections, 1)

	require.NoError(t, m.AddShortcut(CommandShortcut{Name: "disk", Command: "df -h"}))
	require.NoError(t, m.AddShortcut(CommandShortcut{Name: "logs", Command: "journalctl -f", Category: "Ops"}))
	grouped := m.ShortcutsByCategory()
	assert.Len(t, grouped["General"], 1)
	assert.Len(t, grouped["Ops"], 1)

	require.NoError(t, m.RemoveConnection("web"))
	assert.Error(t, m.RemoveConnection("web"))

	require.NoError(t, m.Close())
	reloaded := NewManager(m.Path(), logging.Discard())
	require.NoError(t, reloaded.Load())
	assert.Empty(t, reloaded.Config().Connections)
	assert.Len(t, reloaded.Config().Shortcuts, 2)
}

func TestDefaultPathHonoursEnv(t *testing.T) {
	t.Setenv(ConfigEnvVar, "/tmp/custom.yaml")
	p, err := DefaultPath()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/custom.yaml", p)
}
