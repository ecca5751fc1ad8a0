// Package statestore persists the routing engine's control-plane state — the
// key-value blob the core reads at start and writes on mutation.
package statestore

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
)

// Endpoint is a resolvable upstream target.
type Endpoint struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// Rule mirrors matcher.Rule without importing the matcher package, so the
// persistence layer carries no dependency on classification logic.
type Rule struct {
	Pattern string `json:"pattern"`
	Tunnel  bool   `json:"tunnel"`
}

// State captures everything the engine needs to resume across restarts.
type State struct {
	Rules []Rule `json:"rules"`

	VPNInterfaceName string `json:"vpnInterfaceName"`
	VPNPeerPublicKey string `json:"vpnPeerPublicKey"`

	TunnelUpstream Endpoint `json:"tunnelUpstream"`
	DirectUpstream Endpoint `json:"directUpstream"`

	ProxyPort int `json:"proxyPort"`
	SOCKSPort int `json:"socksPort"`

	// DNSBackup is an opaque OS-specific blob captured by the system DNS
	// adapter before redirection is applied, restored on crash recovery.
	DNSBackup json.RawMessage `json:"dnsBackup,omitempty"`

	LastActiveUnix int64 `json:"lastActiveUnix,omitempty"`

	// Auth — stored as bcrypt hash and random token.
	// These fields are omitted from JSON output on API responses;
	// only the control-auth manager reads/writes them directly.
	AuthPasswordHash string `json:"authPasswordHash,omitempty"`
	AuthToken        string `json:"authToken,omitempty"`
	AuthReadToken    string `json:"authReadToken,omitempty"`
}

// Defaults returns the state used when no file exists yet.
func Defaults() State {
	return State{
		TunnelUpstream: Endpoint{Host: "8.8.8.8", Port: 53},
		DirectUpstream: Endpoint{Host: "1.1.1.1", Port: 53},
		ProxyPort:      5353,
		SOCKSPort:      1080,
	}
}

// Manager handles persistence of State on disk.
type Manager struct {
	path   string
	mu     sync.RWMutex
	cached State
	loaded bool
}

// NewManager creates a state manager whose file is at statePath.
// Pass the full file path (e.g. "/data/splitrouted/state.json").
func NewManager(statePath string) *Manager {
	return &Manager{path: statePath}
}

// Get returns the cached state, loading from disk if necessary.
func (m *Manager) Get() (State, error) {
	m.mu.RLock()
	if m.loaded {
		defer m.mu.RUnlock()
		return m.cached, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loaded {
		return m.cached, nil
	}

	bytes, err := os.ReadFile(m.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			m.loaded = true
			m.cached = Defaults()
			return m.cached, nil
		}
		return State{}, err
	}

	state := Defaults()
	if err := json.Unmarshal(bytes, &state); err != nil {
		return State{}, err
	}
	m.cached = state
	m.loaded = true
	return state, nil
}

// Save persists the provided state to disk via write-then-rename.
func (m *Manager) Save(state State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}

	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, m.path); err != nil {
		return err
	}
	m.cached = state
	m.loaded = true
	return nil
}
