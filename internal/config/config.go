// Package config loads and holds MatchBox's single process-wide
// configuration value.
package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// FieldSceneMapping maps a field number (1-based) to a switcher scene name.
// JSON round-trips it with string keys, per the upstream config file format,
// while the in-memory representation keeps integer keys for arithmetic.
type FieldSceneMapping map[int]string

func (m FieldSceneMapping) MarshalJSON() ([]byte, error) {
	strKeyed := make(map[string]string, len(m))
	for k, v := range m {
		strKeyed[fmt.Sprint(k)] = v
	}
	return json.Marshal(strKeyed)
}

func (m *FieldSceneMapping) UnmarshalJSON(data []byte) error {
	var strKeyed map[string]string
	if err := json.Unmarshal(data, &strKeyed); err != nil {
		return err
	}
	out := make(FieldSceneMapping, len(strKeyed))
	for k, v := range strKeyed {
		var n int
		if _, err := fmt.Sscanf(k, "%d", &n); err != nil {
			return fmt.Errorf("config: field_scene_mapping key %q is not an integer: %w", k, err)
		}
		out[n] = v
	}
	*m = out
	return nil
}

// Config holds all runtime configuration for a MatchBox instance. Fields
// carry both yaml tags (compiled-in defaults layer) and json tags (the
// on-disk override file and the /api/config wire format).
type Config struct {
	EventCode string `yaml:"eventCode" json:"event_code"`

	ScoringHost string `yaml:"scoringHost" json:"scoring_host"`
	ScoringPort int    `yaml:"scoringPort" json:"scoring_port"`

	SwitcherHost     string `yaml:"switcherHost"     json:"switcher_host"`
	SwitcherPort     int    `yaml:"switcherPort"     json:"switcher_port"`
	SwitcherPassword string `yaml:"switcherPassword" json:"switcher_password"`

	NumFields         int               `yaml:"numFields"         json:"num_fields"`
	FieldSceneMapping FieldSceneMapping `yaml:"fieldSceneMapping" json:"field_scene_mapping"`
	OverlayURL        string            `yaml:"overlayUrl"        json:"overlay_url"`

	OutputDir string `yaml:"outputDir" json:"output_dir"`
	WebPort   int    `yaml:"webPort"   json:"web_port"`
	MDNSName  string `yaml:"mdnsName"  json:"mdns_name"`

	PreMatchBufferSeconds  int `yaml:"preMatchBufferSeconds"  json:"pre_match_buffer_seconds"`
	PostMatchBufferSeconds int `yaml:"postMatchBufferSeconds" json:"post_match_buffer_seconds"`
	MatchDurationSeconds   int `yaml:"matchDurationSeconds"   json:"match_duration_seconds"`

	RsyncEnabled         bool   `yaml:"rsyncEnabled"         json:"rsync_enabled"`
	RsyncHost            string `yaml:"rsyncHost"            json:"rsync_host"`
	RsyncModule          string `yaml:"rsyncModule"          json:"rsync_module"`
	RsyncUsername        string `yaml:"rsyncUsername"        json:"rsync_username"`
	RsyncPassword        string `yaml:"rsyncPassword"        json:"rsync_password"`
	RsyncIntervalSeconds int    `yaml:"rsyncIntervalSeconds" json:"rsync_interval_seconds"`

	TunnelEnabled   bool   `yaml:"tunnelEnabled"   json:"tunnel_enabled"`
	TunnelRelayURL  string `yaml:"tunnelRelayUrl"  json:"tunnel_relay_url"`
	TunnelPassword  string `yaml:"tunnelPassword"  json:"tunnel_password"`
	TunnelAllowAdmin bool  `yaml:"tunnelAllowAdmin" json:"tunnel_allow_admin"`

	// AdminSalt/AdminHash gate the admin password at /admin/_auth when
	// TunnelAllowAdmin is set. Generated by cmd/matchbox-hash.
	AdminSalt string `yaml:"adminSalt" json:"-"`
	AdminHash string `yaml:"adminHash" json:"-"`
}

// LoadResult holds both the effective merged config and the compiled-in
// defaults, keeping the two-layer config/override split visible to
// callers that need to tell an operator override apart from a default.
type LoadResult struct {
	Config   *Config
	Defaults *Config
}

//go:embed config.default.yaml
var defaultYAML []byte

// Load reads the compiled-in defaults, then layers a JSON override file
// (overridePath) on top if it exists. A missing override file is the
// normal first-run state and is not an error; a present but malformed
// one is.
func Load(overridePath string) (*LoadResult, error) {
	var defaults Config
	if err := yaml.Unmarshal(defaultYAML, &defaults); err != nil {
		return nil, fmt.Errorf("config: parse embedded defaults: %w", err)
	}

	cfg := defaults
	if data, err := os.ReadFile(overridePath); err == nil {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: malformed override file %s: %w", overridePath, err)
		}
	}

	return &LoadResult{Config: &cfg, Defaults: &defaults}, nil
}

// Save writes cfg as indented JSON to path, the mechanism behind
// /api/save-config.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Store is a mutex-guarded holder for the single mutable Config value,
// read frequently and mutated rarely.
type Store struct {
	mu  sync.RWMutex
	cfg *Config
}

func NewStore(cfg *Config) *Store {
	return &Store{cfg: cfg}
}

func (s *Store) Get() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return *s.cfg
}

// Update replaces the stored config wholesale. /api/config's PUT/POST
// handler uses Merge instead.
func (s *Store) Update(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	*s.cfg = cfg
}

// Merge decodes a partial JSON object onto a copy of the current config and
// stores the result, so callers can PATCH individual fields without
// clobbering the rest (matchbox.py's update_config()).
func (s *Store) Merge(partial []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	merged := *s.cfg
	if err := json.Unmarshal(partial, &merged); err != nil {
		return err
	}
	*s.cfg = merged
	return nil
}
