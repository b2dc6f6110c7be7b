package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"

	"github.com/google/uuid"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "ntp"
	// DefaultListenPort is the HTTP/relay port used when no user override exists.
	DefaultListenPort = 8000
	// DefaultVersion is the application version advertised before any update.
	DefaultVersion = "1.0.0"
	// DefaultHeartbeatSeconds is the relay session liveness ping interval.
	DefaultHeartbeatSeconds = 30
	// DefaultRegistryRefreshSeconds is the device registry snapshot refresh period.
	DefaultRegistryRefreshSeconds = 15
	// DefaultFileChunkSize is the chunk size for direct peer file delivery.
	DefaultFileChunkSize = 64 * 1024
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// DefaultQuarantinedExtensions are file extensions never written to disk bare.
var DefaultQuarantinedExtensions = []string{".exe", ".bat", ".sh", ".cmd", ".ps1"}

// NodeConfig contains persistent local-node settings.
type NodeConfig struct {
	NodeID                  string   `json:"node_id"`
	DeviceName              string   `json:"device_name"`
	ListenPort              int      `json:"listen_port"`
	Version                 string   `json:"version"`
	RelaySecret             string   `json:"relay_secret"`
	AuthTokens              []string `json:"auth_tokens"`
	SigningPrivateKeyPath   string   `json:"signing_private_key_path"`
	SigningPublicKeyPath    string   `json:"signing_public_key_path"`
	TrustedPublisherKeyPath string   `json:"trusted_publisher_key_path"`
	HeartbeatSeconds        int      `json:"heartbeat_seconds"`
	RegistryRefreshSeconds  int      `json:"registry_refresh_seconds"`
	FileChunkSize           int      `json:"file_chunk_size"`
	QuarantinedExtensions   []string `json:"quarantined_extensions"`
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If NTP_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv("NTP_DATA_DIR"); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// ReceivedDir is where uploaded files without a folder land.
func ReceivedDir(dataDir string) string {
	return filepath.Join(dataDir, "received")
}

// UpdatesDir holds published update artifacts and metadata.
func UpdatesDir(dataDir string) string {
	return filepath.Join(dataDir, "updates")
}

// BackupsDir holds one archive per previously installed version.
func BackupsDir(dataDir string) string {
	return filepath.Join(dataDir, "updates", "backups")
}

// SharedDir is the root of the shared-folder tree.
func SharedDir(dataDir string) string {
	return filepath.Join(dataDir, "updates", "shared")
}

// AppDir is the tree update artifacts are extracted over.
func AppDir(dataDir string) string {
	return filepath.Join(dataDir, "app")
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "keys"),
		ReceivedDir(dataDir),
		UpdatesDir(dataDir),
		BackupsDir(dataDir),
		SharedDir(dataDir),
		AppDir(dataDir),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*NodeConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg NodeConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *NodeConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, then returns both.
func LoadOrCreate() (*NodeConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg, err = defaultConfig(dataDir)
		if err != nil {
			return nil, "", err
		}
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}

		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, cfgPath, nil
}

func defaultConfig(dataDir string) (*NodeConfig, error) {
	deviceName := "NTP Device"
	if host, err := os.Hostname(); err == nil && host != "" {
		deviceName = host
	}

	secret, err := mintSecret()
	if err != nil {
		return nil, err
	}
	token, err := mintSecret()
	if err != nil {
		return nil, err
	}

	keysDir := filepath.Join(dataDir, "keys")
	return &NodeConfig{
		NodeID:                  uuid.NewString(),
		DeviceName:              deviceName,
		ListenPort:              DefaultListenPort,
		Version:                 DefaultVersion,
		RelaySecret:             secret,
		AuthTokens:              []string{token},
		SigningPrivateKeyPath:   filepath.Join(keysDir, "signing_private.pem"),
		SigningPublicKeyPath:    filepath.Join(keysDir, "signing_public.pem"),
		TrustedPublisherKeyPath: filepath.Join(keysDir, "publisher_public.pem"),
		HeartbeatSeconds:        DefaultHeartbeatSeconds,
		RegistryRefreshSeconds:  DefaultRegistryRefreshSeconds,
		FileChunkSize:           DefaultFileChunkSize,
		QuarantinedExtensions:   append([]string(nil), DefaultQuarantinedExtensions...),
	}, nil
}

func normalizeDefaults(cfg *NodeConfig, dataDir string) bool {
	updated := false
	keysDir := filepath.Join(dataDir, "keys")

	if cfg.NodeID == "" {
		cfg.NodeID = uuid.NewString()
		updated = true
	}

	if cfg.DeviceName == "" {
		deviceName := "NTP Device"
		if host, err := os.Hostname(); err == nil && host != "" {
			deviceName = host
		}
		cfg.DeviceName = deviceName
		updated = true
	}

	if cfg.ListenPort <= 0 {
		cfg.ListenPort = DefaultListenPort
		updated = true
	}

	if cfg.Version == "" {
		cfg.Version = DefaultVersion
		updated = true
	}

	if cfg.RelaySecret == "" {
		if secret, err := mintSecret(); err == nil {
			cfg.RelaySecret = secret
			updated = true
		}
	}

	if len(cfg.AuthTokens) == 0 {
		if token, err := mintSecret(); err == nil {
			cfg.AuthTokens = []string{token}
			updated = true
		}
	}

	if cfg.SigningPrivateKeyPath == "" {
		cfg.SigningPrivateKeyPath = filepath.Join(keysDir, "signing_private.pem")
		updated = true
	}
	if cfg.SigningPublicKeyPath == "" {
		cfg.SigningPublicKeyPath = filepath.Join(keysDir, "signing_public.pem")
		updated = true
	}
	if cfg.TrustedPublisherKeyPath == "" {
		cfg.TrustedPublisherKeyPath = filepath.Join(keysDir, "publisher_public.pem")
		updated = true
	}

	if cfg.HeartbeatSeconds <= 0 {
		cfg.HeartbeatSeconds = DefaultHeartbeatSeconds
		updated = true
	}
	if cfg.RegistryRefreshSeconds <= 0 {
		cfg.RegistryRefreshSeconds = DefaultRegistryRefreshSeconds
		updated = true
	}
	if cfg.FileChunkSize <= 0 {
		cfg.FileChunkSize = DefaultFileChunkSize
		updated = true
	}
	if len(cfg.QuarantinedExtensions) == 0 {
		cfg.QuarantinedExtensions = append([]string(nil), DefaultQuarantinedExtensions...)
		updated = true
	}

	return updated
}

func mintSecret() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(raw), nil
}
