// Package config handles loading, validating, atomically persisting, and
// remote-syncing the agent's BackupConfiguration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	// DefaultChunkBytes is the default SFTP chunk size: 256 MiB.
	DefaultChunkBytes int64 = 256 * 1024 * 1024
	// MinChunkBytes is the smallest chunkBytes override accepted.
	MinChunkBytes int64 = 1024 * 1024
	// DefaultConfigSyncIntervalMinutes is used when configSyncIntervalMinutes is unset.
	DefaultConfigSyncIntervalMinutes = 60
)

// Connection holds the SFTP transport connection parameters.
type Connection struct {
	Host                 string `json:"host"`
	Port                 int    `json:"port"`
	Username             string `json:"username"`
	Password             string `json:"password,omitempty"`
	PrivateKeyPath       string `json:"privateKeyPath,omitempty"`
	PrivateKeyPassphrase string `json:"privateKeyPassphrase,omitempty"`
	RemoteBasePath       string `json:"remoteBasePath"`
}

// Config is the BackupConfiguration entity of spec §3.
type Config struct {
	CustomerID                string     `json:"customerId"`
	SourceRoots               []string   `json:"sourceRoots"`
	ExcludePatterns           []string   `json:"excludePatterns,omitempty"`
	FileBackupCron            string     `json:"fileBackupCron"`
	FullImageCron             string     `json:"fullImageCron,omitempty"`
	EnableFullImageBackup     bool       `json:"enableFullImageBackup,omitempty"`
	QuotaBytes                int64      `json:"quotaBytes"`
	RetentionKeepLast         int        `json:"retentionKeepLast"`
	ConfigSyncIntervalMinutes int        `json:"configSyncIntervalMinutes,omitempty"`
	ChunkBytes                int64      `json:"chunkBytes,omitempty"`
	CompressBeforeUpload      bool       `json:"compressBeforeUpload,omitempty"`
	EncryptionPassphrase      string     `json:"encryptionPassphrase,omitempty"`
	Connection                Connection `json:"connection"`
	LastModifiedUTC           time.Time  `json:"lastModifiedUtc"`
}

// Prepare validates all fields and fills in derived defaults (ChunkBytes,
// ConfigSyncIntervalMinutes). It returns an error if any required field is
// missing or any value is invalid.
func (c *Config) Prepare() error {
	if c.CustomerID == "" {
		return fmt.Errorf("customerId is required")
	}
	if len(c.SourceRoots) == 0 {
		return fmt.Errorf("sourceRoots must contain at least one path")
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	if c.FileBackupCron == "" {
		return fmt.Errorf("fileBackupCron is required")
	}
	if _, err := parser.Parse(c.FileBackupCron); err != nil {
		return fmt.Errorf("invalid fileBackupCron %q: %w", c.FileBackupCron, err)
	}

	if c.EnableFullImageBackup {
		if c.FullImageCron == "" {
			return fmt.Errorf("fullImageCron is required when enableFullImageBackup is true")
		}
		if _, err := parser.Parse(c.FullImageCron); err != nil {
			return fmt.Errorf("invalid fullImageCron %q: %w", c.FullImageCron, err)
		}
	}

	if c.QuotaBytes < 0 {
		return fmt.Errorf("quotaBytes must be >= 0")
	}
	if c.RetentionKeepLast < 0 {
		return fmt.Errorf("retentionKeepLast must be >= 0")
	}
	if c.RetentionKeepLast != 0 && c.RetentionKeepLast < 1 {
		return fmt.Errorf("retentionKeepLast must be >= 1 when set")
	}

	if c.ChunkBytes == 0 {
		c.ChunkBytes = DefaultChunkBytes
	} else if c.ChunkBytes < MinChunkBytes {
		return fmt.Errorf("chunkBytes must be >= %d", MinChunkBytes)
	}

	if c.ConfigSyncIntervalMinutes == 0 {
		c.ConfigSyncIntervalMinutes = DefaultConfigSyncIntervalMinutes
	}

	if c.Connection.Host == "" {
		return fmt.Errorf("connection.host is required")
	}
	if c.Connection.RemoteBasePath == "" {
		return fmt.Errorf("connection.remoteBasePath is required")
	}

	return nil
}

// Load reads and validates a Config from path. It is the caller's
// responsibility to call Prepare if Load is bypassed (e.g. in tests that
// construct a Config by hand).
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := cfg.Prepare(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return &cfg, nil
}

// Save writes cfg to path using temp-file-then-rename semantics so a reader
// never observes a partially written config.
func Save(cfg *Config, path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".config-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp config file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing temp config file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp config file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming temp config file into place: %w", err)
	}
	return nil
}

// Sync implements spec §4.6: if remote deserializes and its LastModifiedUTC
// is strictly newer than local's, adopt remote but keep local's transport
// connection fields (host, credentials, remote base path remain
// locally-managed even when the NAS stores policy). Any parse error in
// remote leaves local unchanged. The returned bool reports whether remote
// was adopted.
func Sync(local *Config, remoteData []byte) (*Config, bool, error) {
	var remote Config
	if err := json.Unmarshal(remoteData, &remote); err != nil {
		return local, false, fmt.Errorf("parsing remote config: %w", err)
	}

	if !remote.LastModifiedUTC.After(local.LastModifiedUTC) {
		return local, false, nil
	}

	merged := remote
	merged.Connection = local.Connection

	if err := merged.Prepare(); err != nil {
		return local, false, fmt.Errorf("remote config failed validation: %w", err)
	}

	return &merged, true, nil
}

// ResolveFileValue reads a secret from a file path, trimming surrounding
// whitespace, the same _FILE-variant convention the teacher's CLI flags use
// for db-password-file/db-uri-file. Returns "" if filePath is empty or
// unreadable.
func ResolveFileValue(filePath string) string {
	if filePath == "" {
		return ""
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
