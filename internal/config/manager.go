package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

// DefaultPath returns the config file location: $THERMIC_CORE_CONFIG when
// set, otherwise the user config directory.
func DefaultPath() (string, error) {
	if p := os.Getenv(ConfigEnvVar); p != "" {
		return p, nil
	}
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user config directory: %w", err)
	}
	return filepath.Join(configDir, ConfigDirName, ConfigFileName), nil
}

// Manager owns the loaded configuration and its file.
type Manager struct {
	path          string
	log           *log.Entry
	mutex         sync.Mutex
	config        *AppConfig
	dirty         bool
	debounceTimer *time.Timer
	closed        bool
}

// NewManager creates a manager for the file at path, starting from defaults.
func NewManager(path string, logger *log.Entry) *Manager {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &Manager{
		path:   path,
		log:    logger,
		config: DefaultConfig(),
	}
}

// Path returns the config file location.
func (m *Manager) Path() string {
	return m.path
}

// HistoryPath returns where the history database lives.
func (m *Manager) HistoryPath() string {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.config.History.Path != "" {
		return m.config.History.Path
	}
	return filepath.Join(filepath.Dir(m.path), HistoryFileName)
}

func (m *Manager) ensureConfigDir() error {
	configDir := filepath.Dir(m.path)
	if err := os.MkdirAll(configDir, ConfigDirMode); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", configDir, err)
	}
	return nil
}

// Load reads the config file, creating it with defaults when missing. A
// file that cannot be read or parsed is reported and replaced by defaults
// in memory, never on disk.
func (m *Manager) Load() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if err := m.ensureConfigDir(); err != nil {
		m.log.WithError(err).Warn("Using default config")
		return nil
	}

	if _, err := os.Stat(m.path); os.IsNotExist(err) {
		m.log.WithField("path", m.path).Info("Config file not found, creating with default values")
		return m.saveLocked()
	}

	data, err := os.ReadFile(m.path)
	if err != nil {
		m.log.WithError(err).WithField("path", m.path).Warn("Failed to read config file, using default config")
		return nil
	}

	cfg := &AppConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		m.log.WithError(err).WithField("path", m.path).Warn("Failed to parse config file, using default config")
		m.config = DefaultConfig()
		return nil
	}
	cfg.ApplyDefaults()

	migrated, err := migrate(cfg)
	if err != nil {
		m.log.WithError(err).Warn("Config migration failed, using default config")
		m.config = DefaultConfig()
		return nil
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", m.path, err)
	}

	m.config = cfg
	if migrated {
		m.log.WithField("version", cfg.Version).Info("Migrated config to current schema")
		m.markDirtyLocked()
	}

	m.log.WithField("path", m.path).Debug("Config loaded")
	return nil
}

// migrate upgrades files written by older releases. It refuses files from
// a newer major schema.
func migrate(cfg *AppConfig) (bool, error) {
	current := semver.MustParse(SchemaVersion)

	if cfg.Version == "" {
		cfg.Version = "0.0.0"
	}
	fileVer, err := semver.NewVersion(strings.TrimPrefix(cfg.Version, "v"))
	if err != nil {
		return false, fmt.Errorf("invalid config version %q: %w", cfg.Version, err)
	}
	if fileVer.Major() > current.Major() {
		return false, fmt.Errorf("config version %s is newer than supported %s", fileVer, current)
	}
	if !fileVer.LessThan(current) {
		return false, nil
	}

	if fileVer.Major() < 1 && cfg.LegacyMaxWorkers > 0 {
		cfg.SFTP.ParallelTransfers = cfg.LegacyMaxWorkers
		if cfg.SFTP.ParallelTransfers > MaxParallelTransfers {
			cfg.SFTP.ParallelTransfers = MaxParallelTransfers
		}
	}
	cfg.LegacyMaxWorkers = 0
	cfg.Version = SchemaVersion
	return true, nil
}

// Save writes the configuration immediately.
func (m *Manager) Save() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.saveLocked()
}

func (m *Manager) saveLocked() error {
	if m.config == nil {
		return fmt.Errorf("config is nil, cannot save")
	}
	if err := m.ensureConfigDir(); err != nil {
		return fmt.Errorf("failed to ensure config directory: %w", err)
	}

	data, err := yaml.Marshal(m.config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, ConfigFileMode); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		return fmt.Errorf("failed to replace config file %s: %w", m.path, err)
	}
	m.dirty = false
	return nil
}

// Config returns a copy of the current configuration.
func (m *Manager) Config() AppConfig {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	cfg := *m.config
	cfg.Connections = append([]SavedConnection(nil), m.config.Connections...)
	cfg.Shortcuts = append([]CommandShortcut(nil), m.config.Shortcuts...)
	return cfg
}

// Update applies fn, validates the result and schedules a save.
func (m *Manager) Update(fn func(*AppConfig)) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	next := *m.config
	next.Connections = append([]SavedConnection(nil), m.config.Connections...)
	next.Shortcuts = append([]CommandShortcut(nil), m.config.Shortcuts...)
	fn(&next)
	if err := next.Validate(); err != nil {
		return err
	}
	m.config = &next
	m.markDirtyLocked()
	return nil
}

// markDirtyLocked flags the configuration as needing a save and resets the debounce timer.
func (m *Manager) markDirtyLocked() {
	if m.closed {
		return
	}
	m.dirty = true
	if m.debounceTimer != nil {
		m.debounceTimer.Stop()
	}
	m.debounceTimer = time.AfterFunc(DebounceDelay, m.saveIfDirty)
}

// saveIfDirty saves the configuration if the dirty flag is set. A failed
// save keeps the flag so the next change retries it.
func (m *Manager) saveIfDirty() {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if !m.dirty {
		return
	}
	if err := m.saveLocked(); err != nil {
		m.log.WithError(err).Error("Error saving config")
		return
	}
	m.log.Debug("Config saved")
}

// Close stops the debounce timer and writes pending changes.
func (m *Manager) Close() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.closed = true
	if m.debounceTimer != nil {
		m.debounceTimer.Stop()
		m.debounceTimer = nil
	}
	if !m.dirty {
		return nil
	}
	return m.saveLocked()
}

// Connection looks up a saved connection by name.
func (m *Manager) Connection(name string) (SavedConnection, bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	for _, c := range m.config.Connections {
		if c.Name == name {
			return c, true
		}
	}
	return SavedConnection{}, false
}

// SaveConnection adds or replaces a saved connection.
func (m *Manager) SaveConnection(conn SavedConnection) error {
	if err := conn.Validate(); err != nil {
		return err
	}
	return m.Update(func(cfg *AppConfig) {
		for i := range cfg.Connections {
			if cfg.Connections[i].Name == conn.Name {
				cfg.Connections[i] = conn
				return
			}
		}
		cfg.Connections = append(cfg.Connections, conn)
	})
}

// RemoveConnection deletes a saved connection by name.
func (m *Manager) RemoveConnection(name string) error {
	if _, ok := m.Connection(name); !ok {
		return fmt.Errorf("connection %q not found", name)
	}
	return m.Update(func(cfg *AppConfig) {
		kept := cfg.Connections[:0]
		for _, c := range cfg.Connections {
			if c.Name != name {
				kept = append(kept, c)
			}
		}
		cfg.Connections = kept
	})
}

// AddShortcut adds or replaces a command shortcut.
func (m *Manager) AddShortcut(s CommandShortcut) error {
	if s.Category == "" {
		s.Category = "General"
	}
	return m.Update(func(cfg *AppConfig) {
		for i := range cfg.Shortcuts {
			if cfg.Shortcuts[i].Name == s.Name {
				cfg.Shortcuts[i] = s
				return
			}
		}
		cfg.Shortcuts = append(cfg.Shortcuts, s)
	})
}

// RemoveShortcut deletes a shortcut by name.
func (m *Manager) RemoveShortcut(name string) error {
	return m.Update(func(cfg *AppConfig) {
		kept := cfg.Shortcuts[:0]
		for _, s := range cfg.Shortcuts {
			if s.Name != name {
				kept = append(kept, s)
			}
		}
		cfg.Shortcuts = kept
	})
}

// ShortcutsByCategory groups shortcuts, sorted by category then name.
func (m *Manager) ShortcutsByCategory() map[string][]CommandShortcut {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	grouped := make(map[string][]CommandShortcut)
	for _, s := range m.config.Shortcuts {
		grouped[s.Category] = append(grouped[s.Category], s)
	}
	for _, list := range grouped {
		sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	}
	return grouped
}
