// Package config defines the relay configuration, loaded from YAML with
// sane defaults for every field.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Limits     LimitsConfig     `yaml:"limits"`
	Timeouts   TimeoutsConfig   `yaml:"timeouts"`
	TLS        TLSConfig        `yaml:"tls"`
	MOTD       MOTDConfig       `yaml:"motd"`
	Allowlist  AllowlistConfig  `yaml:"allowlist"`
	Banlist    BanlistConfig    `yaml:"banlist"`
	Ratings    RatingsConfig    `yaml:"ratings"`
	Agentcourt AgentcourtConfig `yaml:"agentcourt"`
}

type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
	Name string `yaml:"name"`
}

type LimitsConfig struct {
	RateLimitMs         int `yaml:"rate_limit_ms"`
	MessageBufferSize   int `yaml:"message_buffer_size"`
	MaxFrameBytes       int `yaml:"max_frame_bytes"`
	MaxConnectionsPerIP int `yaml:"max_connections_per_ip"` // 0 = unlimited
}

type TimeoutsConfig struct {
	IdleTimeoutMs         int `yaml:"idle_timeout_ms"`
	HeartbeatIntervalMs   int `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeoutMs    int `yaml:"heartbeat_timeout_ms"`
	VerificationTimeoutMs int `yaml:"verification_timeout_ms"`
	ChallengeTimeoutMs    int `yaml:"challenge_timeout_ms"`
	FloorClaimTTLMs       int `yaml:"floor_claim_ttl_ms"`
}

type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

func (t TLSConfig) Enabled() bool {
	return t.CertFile != "" && t.KeyFile != ""
}

type MOTDConfig struct {
	Text string `yaml:"text"`
	File string `yaml:"file"`
}

// Resolve returns the MOTD text, reading the file form when configured.
func (m MOTDConfig) Resolve() (string, error) {
	if m.File != "" {
		data, err := os.ReadFile(m.File)
		if err != nil {
			return "", fmt.Errorf("config: read motd file: %w", err)
		}
		return string(data), nil
	}
	return m.Text, nil
}

type AllowlistConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Strict   bool   `yaml:"strict"`
	AdminKey string `yaml:"admin_key"`
	File     string `yaml:"file"`
}

type BanlistConfig struct {
	File string `yaml:"file"`
}

type RatingsConfig struct {
	Path string `yaml:"path"`
}

type AgentcourtConfig struct {
	Enabled                bool `yaml:"enabled"`
	PanelSize              int  `yaml:"panel_size"`
	MinArbiterRating       int  `yaml:"min_arbiter_rating"`
	MinArbiterTransactions int  `yaml:"min_arbiter_transactions"`
}

// Default returns the configuration with every default filled in.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 6667,
			Host: "0.0.0.0",
			Name: "agentchat",
		},
		Limits: LimitsConfig{
			RateLimitMs:         1000,
			MessageBufferSize:   200,
			MaxFrameBytes:       256 * 1024,
			MaxConnectionsPerIP: 0,
		},
		Timeouts: TimeoutsConfig{
			IdleTimeoutMs:         300000,
			HeartbeatIntervalMs:   30000,
			HeartbeatTimeoutMs:    10000,
			VerificationTimeoutMs: 30000,
			ChallengeTimeoutMs:    60000,
			FloorClaimTTLMs:       30000,
		},
		Ratings: RatingsConfig{
			Path: "data/ratings.json",
		},
		Agentcourt: AgentcourtConfig{
			PanelSize:              3,
			MinArbiterRating:       1100,
			MinArbiterTransactions: 5,
		},
	}
}

// Load reads a YAML config file over the defaults. An empty path returns
// the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	return cfg, nil
}

// AccessEntry is one allowlist or banlist row: a pubkey PEM or an agent id.
type AccessEntry struct {
	Pubkey  string `json:"pubkey,omitempty"`
	AgentID string `json:"agentId,omitempty"`
	Note    string `json:"note,omitempty"`
}

// LoadAccessList reads a JSON access-list file. A missing file yields an
// empty list.
func LoadAccessList(path string) ([]AccessEntry, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("config: read access list %s: %w", path, err)
	}
	var entries []AccessEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("config: parse access list %s: %w", path, err)
	}
	return entries, nil
}
