// Package config provides configuration loading for Lattice. Options come
// from a single YAML file, overridable via LATTICE_* environment variables.
// Interval-style options are expressed in milliseconds to match the external
// contract; use the Duration helpers when scheduling.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete static configuration.
type Config struct {
	Fleet         FleetConfig      `yaml:"fleet"`
	Sprite        SpriteConfig     `yaml:"sprite"`
	Guardrails    GuardrailsConfig `yaml:"guardrails"`
	TaskAllowlist AllowlistConfig  `yaml:"task_allowlist"`
	Ambient       AmbientConfig    `yaml:"ambient"`
	Shutdown      ShutdownConfig   `yaml:"shutdown"`
	Exec          ExecConfig       `yaml:"exec"`
	Rollback      RollbackConfig   `yaml:"rollback"`
	WorkerAPI     WorkerAPIConfig  `yaml:"worker_api"`
	Governance    GovernanceConfig `yaml:"governance"`
	Notify        NotifyConfig     `yaml:"notify"`
	Relay         RelayConfig      `yaml:"relay"`

	// DatabasePath is the SQLite file for the audit log and sprite metadata.
	DatabasePath string `yaml:"database_path"`
	// HTTPAddr is the TCP address for the health/metrics HTTP server
	// (e.g. ":8080"). When empty the server is disabled.
	HTTPAddr string `yaml:"http_addr"`
}

// FleetConfig tunes the fleet reconciliation loop.
type FleetConfig struct {
	// ReconcileFastMS is the interval when dashboard viewers are present.
	ReconcileFastMS int `yaml:"reconcile_fast_ms"`
	// ReconcileSlowMS is the interval otherwise.
	ReconcileSlowMS int `yaml:"reconcile_slow_ms"`
	// StaticSprites is the fallback sprite id list used when discovery fails.
	StaticSprites []string `yaml:"static_sprites"`
}

// SpriteConfig tunes per-sprite observation and backoff.
type SpriteConfig struct {
	ReconcileIntervalMS int `yaml:"reconcile_interval_ms"`
	BaseBackoffMS       int `yaml:"base_backoff_ms"`
	MaxBackoffMS        int `yaml:"max_backoff_ms"`
	MaxRetries          int `yaml:"max_retries"`
}

// GuardrailsConfig is the safety gate policy.
type GuardrailsConfig struct {
	AllowControlled              bool `yaml:"allow_controlled"`
	AllowDangerous               bool `yaml:"allow_dangerous"`
	RequireApprovalForControlled bool `yaml:"require_approval_for_controlled"`
}

// AllowlistConfig enumerates repositories whose task intents skip approval.
type AllowlistConfig struct {
	// AutoApproveRepos lists "owner/name" strings.
	AutoApproveRepos []string `yaml:"auto_approve_repos"`
}

// AmbientConfig tunes the ambient responder.
type AmbientConfig struct {
	CooldownMS int `yaml:"cooldown_ms"`
}

// ShutdownConfig bounds the termination drain.
type ShutdownConfig struct {
	DrainTimeoutMS int `yaml:"drain_timeout_ms"`
}

// ExecConfig tunes exec sessions.
type ExecConfig struct {
	IdleTimeoutMS  int `yaml:"idle_timeout_ms"`
	MaxBufferLines int `yaml:"max_buffer_lines"`
}

// RollbackConfig controls the automatic rollback proposer.
type RollbackConfig struct {
	// AutoPropose enables automatic rollback intents for failed intents that
	// carry a rollback strategy. Off by default.
	AutoPropose bool `yaml:"auto_propose"`
}

// WorkerAPIConfig selects and configures the worker API capability.
type WorkerAPIConfig struct {
	// BaseURL of the remote worker API. Empty plus no Docker → stub.
	BaseURL string `yaml:"base_url"`
	// Token is the API token. Usually supplied via LATTICE_WORKER_API_TOKEN.
	Token string `yaml:"-"`
	// UseDocker selects the local-container implementation for dev fleets.
	UseDocker bool `yaml:"use_docker"`
	// DockerNetwork is the bridge network for container sprites.
	DockerNetwork string `yaml:"docker_network"`
	// DockerImage is the container image run for each sprite.
	DockerImage string `yaml:"docker_image"`
}

// GovernanceConfig configures the governance bridge.
type GovernanceConfig struct {
	// Repo is the "owner/name" of the approvals repository.
	Repo string `yaml:"repo"`
	// Token is the issue-tracker token. Usually via LATTICE_GOVERNANCE_TOKEN.
	Token string `yaml:"-"`
	// SyncIntervalMS is the label/comment sync cadence.
	SyncIntervalMS int `yaml:"sync_interval_ms"`
	// ApproveLabel and RejectLabel are the authoritative decision labels.
	ApproveLabel string `yaml:"approve_label"`
	RejectLabel  string `yaml:"reject_label"`
}

// NotifyConfig configures the optional Matrix ops-room notifier.
type NotifyConfig struct {
	Homeserver  string `yaml:"homeserver"`
	UserID      string `yaml:"user_id"`
	AccessToken string `yaml:"-"`
	RoomID      string `yaml:"room_id"`
}

// RelayConfig configures the optional NATS topic relay.
type RelayConfig struct {
	// URL of the NATS server. Empty disables the relay.
	URL string `yaml:"url"`
	// SubjectPrefix for republished topics. Defaults to "lattice".
	SubjectPrefix string `yaml:"subject_prefix"`
}

// Default returns a Config populated with the documented defaults.
func Default() *Config {
	return &Config{
		Fleet: FleetConfig{
			ReconcileFastMS: 10_000,
			ReconcileSlowMS: 60_000,
		},
		Sprite: SpriteConfig{
			ReconcileIntervalMS: 5_000,
			BaseBackoffMS:       1_000,
			MaxBackoffMS:        60_000,
			MaxRetries:          10,
		},
		Guardrails: GuardrailsConfig{
			AllowControlled:              true,
			AllowDangerous:               false,
			RequireApprovalForControlled: true,
		},
		Ambient:  AmbientConfig{CooldownMS: 60_000},
		Shutdown: ShutdownConfig{DrainTimeoutMS: 600_000},
		Exec: ExecConfig{
			IdleTimeoutMS:  300_000,
			MaxBufferLines: 1_000,
		},
		Governance: GovernanceConfig{
			SyncIntervalMS: 60_000,
			ApproveLabel:   "lattice:approved",
			RejectLabel:    "lattice:rejected",
		},
		Relay:        RelayConfig{SubjectPrefix: "lattice"},
		DatabasePath: "./lattice.db",
	}
}

// Load reads the YAML file at path (when non-empty), applies it over the
// defaults, then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays LATTICE_* environment variables. Secrets are env-only.
func (c *Config) applyEnv() {
	setString(&c.DatabasePath, "LATTICE_DATABASE_PATH")
	setString(&c.HTTPAddr, "LATTICE_HTTP_ADDR")

	setInt(&c.Fleet.ReconcileFastMS, "LATTICE_FLEET_RECONCILE_FAST_MS")
	setInt(&c.Fleet.ReconcileSlowMS, "LATTICE_FLEET_RECONCILE_SLOW_MS")
	setList(&c.Fleet.StaticSprites, "LATTICE_FLEET_STATIC_SPRITES")

	setInt(&c.Sprite.ReconcileIntervalMS, "LATTICE_SPRITE_RECONCILE_INTERVAL_MS")
	setInt(&c.Sprite.BaseBackoffMS, "LATTICE_SPRITE_BASE_BACKOFF_MS")
	setInt(&c.Sprite.MaxBackoffMS, "LATTICE_SPRITE_MAX_BACKOFF_MS")
	setInt(&c.Sprite.MaxRetries, "LATTICE_SPRITE_MAX_RETRIES")

	setBool(&c.Guardrails.AllowControlled, "LATTICE_GUARDRAILS_ALLOW_CONTROLLED")
	setBool(&c.Guardrails.AllowDangerous, "LATTICE_GUARDRAILS_ALLOW_DANGEROUS")
	setBool(&c.Guardrails.RequireApprovalForControlled, "LATTICE_GUARDRAILS_REQUIRE_APPROVAL_FOR_CONTROLLED")

	setList(&c.TaskAllowlist.AutoApproveRepos, "LATTICE_TASK_ALLOWLIST_AUTO_APPROVE_REPOS")

	setInt(&c.Ambient.CooldownMS, "LATTICE_AMBIENT_COOLDOWN_MS")
	setInt(&c.Shutdown.DrainTimeoutMS, "LATTICE_SHUTDOWN_DRAIN_TIMEOUT_MS")
	setInt(&c.Exec.IdleTimeoutMS, "LATTICE_EXEC_IDLE_TIMEOUT_MS")
	setInt(&c.Exec.MaxBufferLines, "LATTICE_EXEC_MAX_BUFFER_LINES")
	setBool(&c.Rollback.AutoPropose, "LATTICE_ROLLBACK_AUTO_PROPOSE")

	setString(&c.WorkerAPI.BaseURL, "LATTICE_WORKER_API_URL")
	setString(&c.WorkerAPI.Token, "LATTICE_WORKER_API_TOKEN")
	setBool(&c.WorkerAPI.UseDocker, "LATTICE_WORKER_API_USE_DOCKER")
	setString(&c.WorkerAPI.DockerNetwork, "LATTICE_WORKER_API_DOCKER_NETWORK")
	setString(&c.WorkerAPI.DockerImage, "LATTICE_WORKER_API_DOCKER_IMAGE")

	setString(&c.Governance.Repo, "LATTICE_GOVERNANCE_REPO")
	setString(&c.Governance.Token, "LATTICE_GOVERNANCE_TOKEN")
	setInt(&c.Governance.SyncIntervalMS, "LATTICE_GOVERNANCE_SYNC_INTERVAL_MS")

	setString(&c.Notify.Homeserver, "LATTICE_MATRIX_HOMESERVER")
	setString(&c.Notify.UserID, "LATTICE_MATRIX_USER_ID")
	setString(&c.Notify.AccessToken, "LATTICE_MATRIX_ACCESS_TOKEN")
	setString(&c.Notify.RoomID, "LATTICE_MATRIX_ROOM_ID")

	setString(&c.Relay.URL, "LATTICE_NATS_URL")
	setString(&c.Relay.SubjectPrefix, "LATTICE_NATS_SUBJECT_PREFIX")
}

// Validate checks structural invariants that would otherwise surface as
// confusing runtime behaviour.
func (c *Config) Validate() error {
	if c.Sprite.BaseBackoffMS <= 0 {
		return fmt.Errorf("config: sprite.base_backoff_ms must be positive, got %d", c.Sprite.BaseBackoffMS)
	}
	if c.Sprite.MaxBackoffMS < c.Sprite.BaseBackoffMS {
		return fmt.Errorf("config: sprite.max_backoff_ms (%d) must be >= base_backoff_ms (%d)",
			c.Sprite.MaxBackoffMS, c.Sprite.BaseBackoffMS)
	}
	if c.Sprite.MaxRetries < 0 {
		return fmt.Errorf("config: sprite.max_retries must be >= 0, got %d", c.Sprite.MaxRetries)
	}
	if c.Exec.MaxBufferLines <= 0 {
		return fmt.Errorf("config: exec.max_buffer_lines must be positive, got %d", c.Exec.MaxBufferLines)
	}
	for _, repo := range c.TaskAllowlist.AutoApproveRepos {
		if !strings.Contains(repo, "/") {
			return fmt.Errorf("config: task_allowlist entry %q is not owner/name", repo)
		}
	}
	return nil
}

// Duration helpers.

func (f FleetConfig) ReconcileFast() time.Duration {
	return time.Duration(f.ReconcileFastMS) * time.Millisecond
}
func (f FleetConfig) ReconcileSlow() time.Duration {
	return time.Duration(f.ReconcileSlowMS) * time.Millisecond
}
func (s SpriteConfig) ReconcileInterval() time.Duration {
	return time.Duration(s.ReconcileIntervalMS) * time.Millisecond
}
func (s SpriteConfig) BaseBackoff() time.Duration {
	return time.Duration(s.BaseBackoffMS) * time.Millisecond
}
func (s SpriteConfig) MaxBackoff() time.Duration {
	return time.Duration(s.MaxBackoffMS) * time.Millisecond
}
func (s ShutdownConfig) DrainTimeout() time.Duration {
	return time.Duration(s.DrainTimeoutMS) * time.Millisecond
}
func (e ExecConfig) IdleTimeout() time.Duration {
	return time.Duration(e.IdleTimeoutMS) * time.Millisecond
}
func (g GovernanceConfig) SyncInterval() time.Duration {
	return time.Duration(g.SyncIntervalMS) * time.Millisecond
}
func (a AmbientConfig) Cooldown() time.Duration {
	return time.Duration(a.CooldownMS) * time.Millisecond
}

// env helpers

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setList(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		*dst = parts
	}
}
