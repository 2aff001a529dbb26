// Package config holds the YAML configuration of the session core: tuning
// for SSH, SFTP, transfers and edit-sync, saved connections and command
// shortcuts.
package config

import (
	"fmt"
	"time"

	"github.com/yzhelezko/thermic-core/internal/logging"
)

// SchemaVersion is written to every saved config file.
const SchemaVersion = "1.1.0"

// Config constants
const (
	ConfigFileName  = "config.yaml"
	ConfigDirName   = "ThermicCore"
	HistoryFileName = "history.db"
	ConfigEnvVar    = "THERMIC_CORE_CONFIG"
	APITokenEnvVar  = "THERMIC_CORE_API_TOKEN"
	DebounceDelay   = 1 * time.Second
	ConfigFileMode  = 0600
	ConfigDirMode   = 0750
)

// Defaults
const (
	DefaultConnectTimeout    = 30 * time.Second
	DefaultKeepAliveInterval = 15 * time.Second
	DefaultReconnectAttempts = 3
	DefaultReconnectBackoff  = 1 * time.Second

	DefaultSFTPMaxPacketSize      = 256 * 1024
	DefaultSFTPBufferSize         = 256 * 1024
	DefaultSFTPConcurrentRequests = 64
	DefaultSFTPParallelTransfers  = 3

	DefaultTransferRetries  = 3
	DefaultRetryBackoff     = 1 * time.Second
	DefaultProgressInterval = 150 * time.Millisecond

	DefaultSyncDebounce     = 300 * time.Millisecond
	DefaultSyncPollInterval = 2 * time.Second
	DefaultLargeFileWarning = 10 * 1024 * 1024

	DefaultShutdownTimeout = 5 * time.Second
	DefaultAPIListen       = "127.0.0.1:7722"
)

// Limits
const (
	MaxParallelTransfers = 16
	MaxReconnectAttempts = 20
	MaxSavedConnections  = 500
	MaxShortcuts         = 200
)

// SSHConfig tunes transport sessions.
type SSHConfig struct {
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	KeepAliveInterval time.Duration `yaml:"keepalive_interval"`
	KnownHostsFile    string        `yaml:"known_hosts_file,omitempty"` // Empty accepts any host key
	ReconnectAttempts int           `yaml:"reconnect_attempts"`
	ReconnectBackoff  time.Duration `yaml:"reconnect_backoff"`
}

// SFTPConfig tunes the SFTP client and the per-session worker count.
type SFTPConfig struct {
	MaxPacketSize      int  `yaml:"max_packet_size"`
	BufferSize         int  `yaml:"buffer_size"`
	ConcurrentRequests int  `yaml:"concurrent_requests"`
	ParallelTransfers  int  `yaml:"parallel_transfers"`
	UseConcurrentIO    bool `yaml:"use_concurrent_io"`
}

// TransferConfig controls retry and progress reporting.
type TransferConfig struct {
	MaxRetries       int           `yaml:"max_retries"`
	RetryBackoff     time.Duration `yaml:"retry_backoff"`
	ProgressInterval time.Duration `yaml:"progress_interval"`
}

// SyncConfig controls edit-sync behaviour.
type SyncConfig struct {
	Debounce         time.Duration `yaml:"debounce"`
	PollInterval     time.Duration `yaml:"poll_interval"`
	LargeFileWarning int64         `yaml:"large_file_warning"`
	TempDir          string        `yaml:"temp_dir,omitempty"` // Empty uses os.TempDir()
}

// HistoryConfig enables the transfer/edit archive.
type HistoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path,omitempty"` // Empty stores next to config.yaml
}

// APIConfig configures the WebSocket bridge.
type APIConfig struct {
	Listen string `yaml:"listen"`
	Token  string `yaml:"token,omitempty"` // Empty generates one per run
}

// SavedConnection is a persisted connection profile. Passwords are never
// stored; SavePassword only records that the UI keeps one elsewhere.
type SavedConnection struct {
	Name         string `yaml:"name"`
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	Username     string `yaml:"username"`
	KeyPath      string `yaml:"key_path,omitempty"`
	UseAgent     bool   `yaml:"use_agent,omitempty"`
	SavePassword bool   `yaml:"save_password,omitempty"`
	RemoteDir    string `yaml:"remote_dir,omitempty"`
}

// Validate checks a saved connection.
func (c *SavedConnection) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("connection name cannot be empty")
	}
	if c.Host == "" {
		return fmt.Errorf("connection %q: host cannot be empty", c.Name)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("connection %q: port must be between 1 and 65535, got: %d", c.Name, c.Port)
	}
	if c.Username == "" {
		return fmt.Errorf("connection %q: username cannot be empty", c.Name)
	}
	return nil
}

// CommandShortcut is a named command the UI can run in a terminal.
type CommandShortcut struct {
	Name        string `yaml:"name"`
	Command     string `yaml:"command"`
	Description string `yaml:"description,omitempty"`
	Category    string `yaml:"category,omitempty"`
}

// AppConfig holds the core configuration
type AppConfig struct {
	Version         string            `yaml:"version"`
	SSH             SSHConfig         `yaml:"ssh"`
	SFTP            SFTPConfig        `yaml:"sftp"`
	Transfer        TransferConfig    `yaml:"transfer"`
	Sync            SyncConfig        `yaml:"sync"`
	Log             logging.Config    `yaml:"log"`
	History         HistoryConfig     `yaml:"history"`
	API             APIConfig         `yaml:"api"`
	ShutdownTimeout time.Duration     `yaml:"shutdown_timeout"`
	Editor          string            `yaml:"editor,omitempty"` // Empty uses $VISUAL / $EDITOR
	Connections     []SavedConnection `yaml:"connections,omitempty"`
	Shortcuts       []CommandShortcut `yaml:"shortcuts,omitempty"`

	// Pre-1.0 files kept the worker count at the top level.
	LegacyMaxWorkers int `yaml:"max_workers,omitempty"`
}

// DefaultConfig returns a new AppConfig with default values
func DefaultConfig() *AppConfig {
	return &AppConfig{
		Version: SchemaVersion,
		SSH: SSHConfig{
			ConnectTimeout:    DefaultConnectTimeout,
			KeepAliveInterval: DefaultKeepAliveInterval,
			ReconnectAttempts: DefaultReconnectAttempts,
			ReconnectBackoff:  DefaultReconnectBackoff,
		},
		SFTP: SFTPConfig{
			MaxPacketSize:      DefaultSFTPMaxPacketSize,
			BufferSize:         DefaultSFTPBufferSize,
			ConcurrentRequests: DefaultSFTPConcurrentRequests,
			ParallelTransfers:  DefaultSFTPParallelTransfers,
			UseConcurrentIO:    true,
		},
		Transfer: TransferConfig{
			MaxRetries:       DefaultTransferRetries,
			RetryBackoff:     DefaultRetryBackoff,
			ProgressInterval: DefaultProgressInterval,
		},
		Sync: SyncConfig{
			Debounce:         DefaultSyncDebounce,
			PollInterval:     DefaultSyncPollInterval,
			LargeFileWarning: DefaultLargeFileWarning,
		},
		Log: logging.Config{
			Level:  "info",
			Format: "text",
		},
		History: HistoryConfig{
			Enabled: true,
		},
		API: APIConfig{
			Listen: DefaultAPIListen,
		},
		ShutdownTimeout: DefaultShutdownTimeout,
	}
}

// ApplyDefaults fills zero values left by partial config files.
func (c *AppConfig) ApplyDefaults() {
	d := DefaultConfig()
	if c.SSH.ConnectTimeout == 0 {
		c.SSH.ConnectTimeout = d.SSH.ConnectTimeout
	}
	if c.SSH.KeepAliveInterval == 0 {
		c.SSH.KeepAliveInterval = d.SSH.KeepAliveInterval
	}
	if c.SSH.ReconnectAttempts == 0 {
		c.SSH.ReconnectAttempts = d.SSH.ReconnectAttempts
	}
	if c.SSH.ReconnectBackoff == 0 {
		c.SSH.ReconnectBackoff = d.SSH.ReconnectBackoff
	}
	if c.SFTP.MaxPacketSize == 0 {
		c.SFTP.MaxPacketSize = d.SFTP.MaxPacketSize
	}
	if c.SFTP.BufferSize == 0 {
		c.SFTP.BufferSize = d.SFTP.BufferSize
	}
	if c.SFTP.ConcurrentRequests == 0 {
		c.SFTP.ConcurrentRequests = d.SFTP.ConcurrentRequests
	}
	if c.SFTP.ParallelTransfers == 0 {
		c.SFTP.ParallelTransfers = d.SFTP.ParallelTransfers
	}
	if c.Transfer.MaxRetries == 0 {
		c.Transfer.MaxRetries = d.Transfer.MaxRetries
	}
	if c.Transfer.RetryBackoff == 0 {
		c.Transfer.RetryBackoff = d.Transfer.RetryBackoff
	}
	if c.Transfer.ProgressInterval == 0 {
		c.Transfer.ProgressInterval = d.Transfer.ProgressInterval
	}
	if c.Sync.Debounce == 0 {
		c.Sync.Debounce = d.Sync.Debounce
	}
	if c.Sync.PollInterval == 0 {
		c.Sync.PollInterval = d.Sync.PollInterval
	}
	if c.Sync.LargeFileWarning == 0 {
		c.Sync.LargeFileWarning = d.Sync.LargeFileWarning
	}
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = d.Log.Format
	}
	if c.API.Listen == "" {
		c.API.Listen = d.API.Listen
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
}

// Validate checks the configuration for basic validity.
func (c *AppConfig) Validate() error {
	if c.SSH.ConnectTimeout < time.Second {
		return fmt.Errorf("ssh connect timeout %s is too short (min 1s)", c.SSH.ConnectTimeout)
	}
	if c.SSH.ReconnectAttempts < 0 || c.SSH.ReconnectAttempts > MaxReconnectAttempts {
		return fmt.Errorf("ssh reconnect attempts %d is out of range (0-%d)", c.SSH.ReconnectAttempts, MaxReconnectAttempts)
	}
	if c.SFTP.ParallelTransfers < 1 || c.SFTP.ParallelTransfers > MaxParallelTransfers {
		return fmt.Errorf("sftp parallel transfers %d is out of range (1-%d)", c.SFTP.ParallelTransfers, MaxParallelTransfers)
	}
	if c.SFTP.MaxPacketSize < 1024 {
		return fmt.Errorf("sftp max packet size %d is too small (min 1024)", c.SFTP.MaxPacketSize)
	}
	if c.SFTP.BufferSize < 1024 {
		return fmt.Errorf("sftp buffer size %d is too small (min 1024)", c.SFTP.BufferSize)
	}
	if c.Transfer.MaxRetries < 0 {
		return fmt.Errorf("transfer max retries cannot be negative")
	}
	if c.Sync.Debounce < 0 || c.Sync.PollInterval < 0 {
		return fmt.Errorf("sync intervals cannot be negative")
	}
	if len(c.Connections) > MaxSavedConnections {
		return fmt.Errorf("too many saved connections: %d, maximum allowed: %d", len(c.Connections), MaxSavedConnections)
	}
	if len(c.Shortcuts) > MaxShortcuts {
		return fmt.Errorf("too many shortcuts: %d, maximum allowed: %d", len(c.Shortcuts), MaxShortcuts)
	}

	seen := make(map[string]bool, len(c.Connections))
	for i := range c.Connections {
		if err := c.Connections[i].Validate(); err != nil {
			return err
		}
		if seen[c.Connections[i].Name] {
			return fmt.Errorf("duplicate connection name: %q", c.Connections[i].Name)
		}
		seen[c.Connections[i].Name] = true
	}
	for _, s := range c.Shortcuts {
		if s.Name == "" || s.Command == "" {
			return fmt.Errorf("shortcut requires a name and a command")
		}
	}
	return nil
}
