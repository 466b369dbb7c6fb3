package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/alexjbarnes/bep-sync/internal/protocol"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for bep-sync.
type Config struct {
	// Device name sent in the hello message. Defaults to system hostname.
	DeviceName string `env:"DEVICE_NAME"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`

	// StateDir holds the certificate, the state database and staged
	// blocks. Defaults to ~/.bep-sync.
	StateDir string `env:"STATE_DIR"`

	ListenAddr      string `env:"LISTEN_ADDR" envDefault:":22000"`
	RelayListenAddr string `env:"RELAY_LISTEN_ADDR"`

	// Peers lists the devices to sync with:
	// "DEVICEID@tcp://host:22000|wss://relay/bep,DEVICEID2"
	Peers string `env:"PEERS"`

	// FoldersFile is a YAML or TOML file describing shared folders.
	FoldersFile string `env:"FOLDERS_FILE"`

	LocalDiscovery bool `env:"LOCAL_DISCOVERY" envDefault:"true"`
	EnableWatch    bool `env:"ENABLE_WATCH" envDefault:"false"`
	MaxSendKBps    int  `env:"MAX_SEND_KBPS" envDefault:"0"`
	Compression    bool `env:"COMPRESSION" envDefault:"true"`

	// Transfer and connection policy.
	PullWorkers            int           `env:"PULL_WORKERS" envDefault:"4"`
	PullMaxAttempts        int           `env:"PULL_MAX_ATTEMPTS" envDefault:"5"`
	PullBackoffBase        time.Duration `env:"PULL_BACKOFF_BASE" envDefault:"300ms"`
	BlockRequestTimeout    time.Duration `env:"BLOCK_REQUEST_TIMEOUT" envDefault:"60s"`
	PingInterval           time.Duration `env:"PING_INTERVAL" envDefault:"90s"`
	ReceiveTimeout         time.Duration `env:"RECEIVE_TIMEOUT" envDefault:"300s"`
	ReconnectCheckInterval time.Duration `env:"RECONNECT_CHECK_INTERVAL" envDefault:"30s"`
	ProbeInterval          time.Duration `env:"PROBE_INTERVAL" envDefault:"1m"`
	IndexWaitTimeout       time.Duration `env:"INDEX_WAIT_TIMEOUT" envDefault:"30s"`
	IndexBatchSize         int           `env:"INDEX_BATCH_SIZE" envDefault:"1000"`

	// MCP control surface.
	EnableMCP     bool   `env:"ENABLE_MCP" envDefault:"false"`
	MCPListenAddr string `env:"MCP_LISTEN_ADDR" envDefault:":8090"`
	MCPAuthUsers  string `env:"MCP_AUTH_USERS"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.DeviceName == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "bep-sync"
		}

		cfg.DeviceName = hostname
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.StateDir == "" {
		dir, err := DefaultStateDir()
		if err != nil {
			return nil, err
		}

		cfg.StateDir = dir
	}

	absDir, err := filepath.Abs(cfg.StateDir)
	if err != nil {
		return nil, fmt.Errorf("resolving state dir to absolute path: %w", err)
	}

	cfg.StateDir = absDir

	return cfg, nil
}

func (c *Config) validate() error {
	if _, err := c.ParsePeers(); err != nil {
		return err
	}

	positive := []struct {
		name  string
		value int64
	}{
		{"PULL_WORKERS", int64(c.PullWorkers)},
		{"PULL_MAX_ATTEMPTS", int64(c.PullMaxAttempts)},
		{"PULL_BACKOFF_BASE", int64(c.PullBackoffBase)},
		{"BLOCK_REQUEST_TIMEOUT", int64(c.BlockRequestTimeout)},
		{"PING_INTERVAL", int64(c.PingInterval)},
		{"RECEIVE_TIMEOUT", int64(c.ReceiveTimeout)},
		{"RECONNECT_CHECK_INTERVAL", int64(c.ReconnectCheckInterval)},
		{"PROBE_INTERVAL", int64(c.ProbeInterval)},
		{"INDEX_WAIT_TIMEOUT", int64(c.IndexWaitTimeout)},
		{"INDEX_BATCH_SIZE", int64(c.IndexBatchSize)},
	}

	for _, p := range positive {
		if p.value <= 0 {
			return fmt.Errorf("%s must be positive", p.name)
		}
	}

	if c.MaxSendKBps < 0 {
		return fmt.Errorf("MAX_SEND_KBPS must not be negative")
	}

	if c.ReceiveTimeout <= c.PingInterval {
		return fmt.Errorf("RECEIVE_TIMEOUT must be longer than PING_INTERVAL")
	}

	if c.ListenAddr == "" && c.RelayListenAddr == "" && c.Peers == "" {
		return fmt.Errorf("nothing to connect: set LISTEN_ADDR, RELAY_LISTEN_ADDR or PEERS")
	}

	if c.EnableMCP {
		if c.MCPAuthUsers == "" {
			return fmt.Errorf("MCP_AUTH_USERS is required when MCP is enabled")
		}

		if _, err := c.ParseMCPUsers(); err != nil {
			return err
		}
	}

	return nil
}

// DefaultStateDir returns ~/.bep-sync.
func DefaultStateDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".bep-sync"), nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// Peer is one entry of PEERS.
type Peer struct {
	ID        protocol.DeviceID
	Addresses []string
}

var addressSchemes = map[string]bool{"tcp": true, "tcp4": true, "tcp6": true, "ws": true, "wss": true}

// ParsePeers parses the PEERS string.
// Format: "ID1@tcp://host:22000|wss://relay/bep,ID2"
func (c *Config) ParsePeers() ([]Peer, error) {
	if c.Peers == "" {
		return nil, nil
	}

	seen := make(map[protocol.DeviceID]struct{})

	var peers []Peer

	for _, entry := range strings.Split(c.Peers, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		idPart, addrPart, _ := strings.Cut(entry, "@")

		id, err := protocol.ParseDeviceID(strings.TrimSpace(idPart))
		if err != nil {
			return nil, fmt.Errorf("invalid device id in peer entry %d: %w", len(peers)+1, err)
		}

		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("duplicate device %s in PEERS", id.Short())
		}

		seen[id] = struct{}{}

		p := Peer{ID: id}

		for _, addr := range strings.Split(addrPart, "|") {
			addr = strings.TrimSpace(addr)
			if addr == "" {
				continue
			}

			u, err := url.Parse(addr)
			if err != nil || !addressSchemes[u.Scheme] || u.Host == "" {
				return nil, fmt.Errorf("invalid address %q for peer %s", addr, id.Short())
			}

			p.Addresses = append(p.Addresses, addr)
		}

		peers = append(peers, p)
	}

	return peers, nil
}

// ParseMCPUsers parses the MCP_AUTH_USERS string into username to bcrypt
// hash pairs.
// Format: "user1:$2a$10$...,user2:$2a$10$..."
func (c *Config) ParseMCPUsers() (map[string]string, error) {
	users := make(map[string]string)
	if c.MCPAuthUsers == "" {
		return users, nil
	}

	for _, pair := range strings.Split(c.MCPAuthUsers, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		idx := strings.Index(pair, ":")
		if idx < 0 {
			return nil, fmt.Errorf("invalid user entry (missing ':')")
		}

		username := pair[:idx]

		hash := pair[idx+1:]
		if username == "" || hash == "" {
			return nil, fmt.Errorf("empty username or hash in entry %d", len(users)+1)
		}

		if !strings.HasPrefix(hash, "$2") {
			return nil, fmt.Errorf("hash for %q is not a bcrypt hash; use bep-sync hash-password", username)
		}

		if _, dup := users[username]; dup {
			return nil, fmt.Errorf("duplicate username %q in MCP_AUTH_USERS", username)
		}

		users[username] = hash
	}

	return users, nil
}
