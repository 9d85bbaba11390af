// Package config is lpnode's flag + JSON-file configuration, in the
// teacher's ConfigManager style (go/config.go): a typed NodeConfig
// struct, a home-dir JSON file, and a Manager guarding load/save with a
// RWMutex. Field set adapted to the core inputs spec §6 lists
// (node_id, prefill_chunk_size, max_pipes, job_port, EXPIRED_JOB_TIME,
// CHECK_JOB_INTERVAL) plus the ambient fields a runnable process needs
// (bootstrap peers, local-mode flag, metrics address).
package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// NodeConfig is lpnode's persistent configuration (spec §6).
type NodeConfig struct {
	NodeID            string       `json:"node_id"`
	PrefillChunkSize  int          `json:"prefill_chunk_size"`
	MaxPipes          int          `json:"max_pipes"`
	JobPort           int          `json:"job_port"`
	ExpiredJobTimeSec int          `json:"expired_job_time_sec"`
	CheckIntervalSec  int          `json:"check_job_interval_sec"`
	MetricsAddr       string       `json:"metrics_addr"`
	LocalMode         bool         `json:"local_mode"`
	BootstrapPeers    []string     `json:"bootstrap_peers"`
	LastSavedAt       string       `json:"last_saved_at"`
	Pipes             []PipeSpec  `json:"pipes"`
	Models            []ModelSpec `json:"models"`
}

// PipeSpec is the on-disk declaration of one pipe's topology (spec §3):
// which node owns which layer range for a given model. Loaded once at
// startup; weight-store-driven segment add/remove at runtime is the
// local model manager's job and out of scope here (spec §1).
type PipeSpec struct {
	PipeID          string        `json:"pipe_id"`
	ModelID         string        `json:"model_id"`
	NumHiddenLayers int           `json:"num_hidden_layers"`
	Segments        []SegmentSpec `json:"segments"`
}

// SegmentSpec is one entry of PipeSpec.Segments.
type SegmentSpec struct {
	NodeID     string `json:"node_id"`
	StartLayer int    `json:"start_layer"`
	EndLayer   int    `json:"end_layer"`
	Loaded     bool   `json:"loaded"`
}

// ModelSpec declares the shape of the deterministic stub end/layer model
// this node serves for model_id — a stand-in for the real weight-backed
// kernels, which spec §1 places out of scope.
type ModelSpec struct {
	ModelID         string `json:"model_id"`
	HiddenSize      int    `json:"hidden_size"`
	VocabSize       int    `json:"vocab_size"`
	NumHiddenLayers int    `json:"num_hidden_layers"`
	EOSTokenID      int    `json:"eos_token_id"`
	IsEndNode       bool   `json:"is_end_node"`
}

// Defaults returns the spec's compile-time defaults (spec §6:
// "prefill_chunk_size: integer > 0 (default 6)").
func Defaults(nodeID string) NodeConfig {
	return NodeConfig{
		NodeID:            nodeID,
		PrefillChunkSize:  6,
		MaxPipes:          1,
		JobPort:           7070,
		ExpiredJobTimeSec: 60,
		CheckIntervalSec:  10,
		MetricsAddr:       ":9090",
	}
}

// ExpiredJobTime and CheckInterval convert the JSON-friendly int-second
// fields into time.Duration for the tracker.
func (c NodeConfig) ExpiredJobTime() time.Duration {
	return time.Duration(c.ExpiredJobTimeSec) * time.Second
}

func (c NodeConfig) CheckInterval() time.Duration {
	return time.Duration(c.CheckIntervalSec) * time.Second
}

// Manager loads and saves NodeConfig to disk, mirroring the teacher's
// ConfigManager (go/config.go).
type Manager struct {
	configPath string
	config     *NodeConfig
	mu         sync.RWMutex
}

// NewManager builds a Manager whose config file lives at
// ~/.lpnode/node_<id>_config.json (falling back to os.TempDir if the
// home directory is unavailable, matching the teacher's fallback path).
func NewManager(nodeID string) *Manager {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		log.Printf("could not get user home directory: %v", err)
		homeDir = os.TempDir()
	}

	configDir := filepath.Join(homeDir, ".lpnode")
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		log.Printf("could not create config directory: %v", err)
		configDir = os.TempDir()
	}

	configPath := filepath.Join(configDir, fmt.Sprintf("node_%s_config.json", nodeID))
	defaults := Defaults(nodeID)
	return &Manager{configPath: configPath, config: &defaults}
}

// LoadConfig loads configuration from disk, or returns the defaults if
// no file exists yet.
func (m *Manager) LoadConfig() (*NodeConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := os.Stat(m.configPath); os.IsNotExist(err) {
		return m.config, nil
	}

	data, err := os.ReadFile(m.configPath)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", m.configPath, err)
	}
	if err := json.Unmarshal(data, m.config); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", m.configPath, err)
	}
	return m.config, nil
}

// SaveConfig persists cfg to disk, stamping LastSavedAt.
func (m *Manager) SaveConfig(cfg *NodeConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg.LastSavedAt = time.Now().Format(time.RFC3339)
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(m.configPath, data, 0o644); err != nil {
		return fmt.Errorf("config: write %s: %w", m.configPath, err)
	}
	m.config = cfg
	return nil
}

// GetConfig returns a deep copy of the current configuration, to
// prevent callers from mutating Manager's internal state.
func (m *Manager) GetConfig() *NodeConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cp := *m.config
	if m.config.BootstrapPeers != nil {
		cp.BootstrapPeers = append([]string(nil), m.config.BootstrapPeers...)
	}
	if m.config.Pipes != nil {
		cp.Pipes = make([]PipeSpec, len(m.config.Pipes))
		for i, ps := range m.config.Pipes {
			cp.Pipes[i] = ps
			cp.Pipes[i].Segments = append([]SegmentSpec(nil), ps.Segments...)
		}
	}
	if m.config.Models != nil {
		cp.Models = append([]ModelSpec(nil), m.config.Models...)
	}
	return &cp
}

// AddBootstrapPeer appends peerAddr if not already present.
func (m *Manager) AddBootstrapPeer(peerAddr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.config.BootstrapPeers {
		if existing == peerAddr {
			return
		}
	}
	m.config.BootstrapPeers = append(m.config.BootstrapPeers, peerAddr)
}
