package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"vaultline/internal/domain"
	"vaultline/internal/engine/auth"
)

// FileName is the config file kept at the vault root.
const FileName = "vaultline.yml"

// Config models vaultline.yml.
type Config struct {
	Agent    AgentConfig           `yaml:"agent"`
	Roles    map[string]RoleConfig `yaml:"roles"`
	Approval ApprovalConfig        `yaml:"approval"`
	Planner  PlannerConfig         `yaml:"planner"`
	Channels map[string]Channel    `yaml:"channels"`
	Sync     SyncConfig            `yaml:"sync"`
	Signals  SignalsConfig         `yaml:"signals"`
	Schedule ScheduleConfig        `yaml:"schedule"`
	Ingest   IngestConfig          `yaml:"ingest"`
	Server   ServerConfig          `yaml:"server"`
	Logging  LoggingConfig         `yaml:"logging"`
}

type AgentConfig struct {
	PollInterval  time.Duration `yaml:"poll_interval"`
	ItemTimeout   time.Duration `yaml:"item_timeout"`
	MaxIterations int           `yaml:"max_iterations"`
	Watch         bool          `yaml:"watch"`
	CacheBytes    int64         `yaml:"cache_bytes"`
}

type RoleConfig struct {
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
	Writes      []string `yaml:"writes"`
	Sources     []string `yaml:"sources"`
}

type ApprovalConfig struct {
	FinancialThreshold float64                 `yaml:"financial_threshold"`
	DefaultExecutor    string                  `yaml:"default_executor"`
	Actions            map[string]ActionPolicy `yaml:"actions"`
}

// ActionPolicy describes how the gate treats one action kind.
type ActionPolicy struct {
	SideEffect *bool    `yaml:"side_effect"`
	External   bool     `yaml:"external"`
	Financial  bool     `yaml:"financial"`
	Threshold  *float64 `yaml:"threshold"`
	Channel    string   `yaml:"channel"`
	Executor   string   `yaml:"executor"`
}

// HasSideEffect defaults to true when unset.
func (p ActionPolicy) HasSideEffect() bool {
	return p.SideEffect == nil || *p.SideEffect
}

type PlannerConfig struct {
	Command string        `yaml:"command"`
	Args    []string      `yaml:"args"`
	Timeout time.Duration `yaml:"timeout"`
}

// Channel is one configured collaborator. Only the keys for its type are read.
type Channel struct {
	Type    string        `yaml:"type"`
	Breaker BreakerConfig `yaml:"breaker"`

	// email
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	Username    string `yaml:"username"`
	PasswordEnv string `yaml:"password_env"`
	From        string `yaml:"from"`

	// webhook
	URL      string `yaml:"url"`
	TokenEnv string `yaml:"token_env"`

	// mcp
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	Env     []string `yaml:"env"`
	Tool    string   `yaml:"tool"`

	// ledger
	Path string `yaml:"path"`
}

type BreakerConfig struct {
	MaxFailures int           `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
}

type SyncConfig struct {
	Remote   string        `yaml:"remote"`
	Branch   string        `yaml:"branch"`
	Interval time.Duration `yaml:"interval"`
	Exclude  []string      `yaml:"exclude"`
	Author   string        `yaml:"author"`
	Email    string        `yaml:"email"`
}

type SignalsConfig struct {
	NATSURL string `yaml:"nats_url"`
	Subject string `yaml:"subject"`
	Recent  int    `yaml:"recent"`
}

type ScheduleConfig struct {
	Enabled       bool     `yaml:"enabled"`
	BriefingHour  int      `yaml:"briefing_hour"`
	ReviewWeekday string   `yaml:"review_weekday"`
	SocialDays    []string `yaml:"social_days"`
	Role          string   `yaml:"role"`
}

type IngestConfig struct {
	DropDir    string   `yaml:"drop_dir"`
	Extensions []string `yaml:"extensions"`
	Role       string   `yaml:"role"`
}

type ServerConfig struct {
	Addr         string `yaml:"addr"`
	BasePath     string `yaml:"base_path"`
	JWTSecretEnv string `yaml:"jwt_secret_env"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads and validates config from the vault root.
func Load(root string) (*Config, error) {
	path := Path(root)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config %s not found; create one with vl init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(root string) (*Config, error) {
	data, err := os.ReadFile(Path(root))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Path returns the config file path for a vault root.
func Path(root string) string {
	if root == "" {
		root = "."
	}
	return filepath.Join(root, FileName)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config.
func Default() *Config {
	cfg, err := FromYAML([]byte(defaultTemplate))
	if err != nil {
		panic(fmt.Sprintf("default config invalid: %v", err))
	}
	return cfg
}

// FromYAML parses config over the defaults and validates it. Unknown keys
// are rejected.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	cfg.applyDefaults()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

func (c *Config) applyDefaults() {
	c.Agent.PollInterval = 30 * time.Second
	c.Agent.ItemTimeout = 2 * time.Minute
	c.Agent.Watch = true
	c.Agent.CacheBytes = 8 << 20
	c.Approval.FinancialThreshold = 500
	c.Planner.Timeout = 2 * time.Minute
	c.Sync.Branch = "main"
	c.Sync.Interval = 60 * time.Second
	c.Sync.Author = "vaultline"
	c.Sync.Email = "vaultline@localhost"
	c.Signals.Subject = "vaultline.signals"
	c.Signals.Recent = 10
	c.Schedule.BriefingHour = 8
	c.Schedule.ReviewWeekday = "monday"
	c.Schedule.SocialDays = []string{"wednesday"}
	c.Ingest.DropDir = "Drop"
	c.Ingest.Extensions = []string{".txt", ".pdf", ".doc", ".docx", ".md"}
	c.Server.Addr = "127.0.0.1:8787"
	c.Server.BasePath = "/v0"
	c.Server.JWTSecretEnv = "VAULTLINE_JWT_SECRET"
	c.Logging.Level = "info"
	c.Logging.Format = "json"
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Agent.PollInterval <= 0 {
		return fmt.Errorf("config.agent.poll_interval must be positive")
	}
	if c.Agent.ItemTimeout <= 0 {
		return fmt.Errorf("config.agent.item_timeout must be positive")
	}
	if c.Agent.MaxIterations < 0 {
		return fmt.Errorf("config.agent.max_iterations must be >= 0")
	}
	if len(c.Roles) == 0 {
		return fmt.Errorf("config.roles is required")
	}
	deciders := 0
	for name, role := range c.Roles {
		if name == "" {
			return fmt.Errorf("config.roles contains empty role id")
		}
		if len(role.Permissions) == 0 {
			return fmt.Errorf("role %s has no permissions", name)
		}
		for _, perm := range role.Permissions {
			if !slices.Contains(auth.Permissions(), perm) {
				return fmt.Errorf("role %s has unknown permission %s", name, perm)
			}
		}
		for _, st := range append(append([]string{}, role.Writes...), role.Sources...) {
			if _, err := domain.ParseStage(st); err != nil {
				return fmt.Errorf("role %s: %w", name, err)
			}
		}
		if slices.Contains(role.Permissions, auth.PermApprovalDecide) {
			deciders++
		}
	}
	if deciders == 0 {
		return fmt.Errorf("config.roles must include a role with %s", auth.PermApprovalDecide)
	}
	if c.Approval.FinancialThreshold < 0 {
		return fmt.Errorf("config.approval.financial_threshold must be >= 0")
	}
	if c.Approval.DefaultExecutor == "" {
		return fmt.Errorf("config.approval.default_executor is required")
	}
	if err := c.checkExecutor(c.Approval.DefaultExecutor); err != nil {
		return fmt.Errorf("config.approval.default_executor: %w", err)
	}
	for kind, p := range c.Approval.Actions {
		if kind == "" {
			return fmt.Errorf("config.approval.actions contains empty kind")
		}
		if p.Executor != "" {
			if err := c.checkExecutor(p.Executor); err != nil {
				return fmt.Errorf("action %s executor: %w", kind, err)
			}
		}
		if p.Channel != "" {
			if _, ok := c.Channels[p.Channel]; !ok {
				return fmt.Errorf("action %s references unknown channel %s", kind, p.Channel)
			}
		}
		if p.Threshold != nil && *p.Threshold < 0 {
			return fmt.Errorf("action %s threshold must be >= 0", kind)
		}
	}
	for name, ch := range c.Channels {
		switch ch.Type {
		case "email":
			if ch.Host == "" || ch.From == "" {
				return fmt.Errorf("channel %s: email requires host and from", name)
			}
		case "webhook":
			if ch.URL == "" {
				return fmt.Errorf("channel %s: webhook requires url", name)
			}
		case "mcp":
			if ch.Command == "" || ch.Tool == "" {
				return fmt.Errorf("channel %s: mcp requires command and tool", name)
			}
		case "ledger":
		default:
			return fmt.Errorf("channel %s has unknown type %q", name, ch.Type)
		}
	}
	if c.Sync.Interval <= 0 {
		return fmt.Errorf("config.sync.interval must be positive")
	}
	if c.Schedule.Enabled {
		if c.Schedule.BriefingHour < 0 || c.Schedule.BriefingHour > 23 {
			return fmt.Errorf("config.schedule.briefing_hour must be 0-23")
		}
		if _, err := ParseWeekday(c.Schedule.ReviewWeekday); err != nil {
			return fmt.Errorf("config.schedule.review_weekday: %w", err)
		}
		for _, d := range c.Schedule.SocialDays {
			if _, err := ParseWeekday(d); err != nil {
				return fmt.Errorf("config.schedule.social_days: %w", err)
			}
		}
		if c.Schedule.Role != "" {
			if _, ok := c.Roles[c.Schedule.Role]; !ok {
				return fmt.Errorf("config.schedule.role references unknown role %s", c.Schedule.Role)
			}
		}
	}
	if c.Ingest.Role != "" {
		if _, ok := c.Roles[c.Ingest.Role]; !ok {
			return fmt.Errorf("config.ingest.role references unknown role %s", c.Ingest.Role)
		}
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("config.logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("config.logging.format must be json or text")
	}
	return nil
}

func (c *Config) checkExecutor(name string) error {
	role, ok := c.Roles[name]
	if !ok {
		return fmt.Errorf("unknown role %s", name)
	}
	if !slices.Contains(role.Permissions, auth.PermActionExecute) {
		return fmt.Errorf("role %s lacks %s", name, auth.PermActionExecute)
	}
	return nil
}

// Role resolves a configured role into an auth.Role.
func (c *Config) Role(name string) (auth.Role, error) {
	rc, ok := c.Roles[name]
	if !ok {
		return auth.Role{}, fmt.Errorf("role %s is not configured", name)
	}
	role := auth.Role{Name: name, Permissions: append([]string{}, rc.Permissions...)}
	for _, w := range rc.Writes {
		st, _ := domain.ParseStage(w)
		role.Writes = append(role.Writes, st)
	}
	for _, s := range rc.Sources {
		st, _ := domain.ParseStage(s)
		role.Sources = append(role.Sources, st)
	}
	return role, nil
}

// RoleNames returns configured role ids sorted.
func (c *Config) RoleNames() []string {
	names := make([]string, 0, len(c.Roles))
	for n := range c.Roles {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// ExecutorFor returns the role that executes an action kind.
func (c *Config) ExecutorFor(kind string) string {
	if p, ok := c.Approval.Actions[kind]; ok && p.Executor != "" {
		return p.Executor
	}
	return c.Approval.DefaultExecutor
}

var weekdays = map[string]time.Weekday{
	"sunday": time.Sunday, "monday": time.Monday, "tuesday": time.Tuesday,
	"wednesday": time.Wednesday, "thursday": time.Thursday, "friday": time.Friday,
	"saturday": time.Saturday,
}

func ParseWeekday(v string) (time.Weekday, error) {
	d, ok := weekdays[v]
	if !ok {
		return 0, fmt.Errorf("unknown weekday %q", v)
	}
	return d, nil
}

const defaultTemplate = `agent:
  poll_interval: 30s
  item_timeout: 2m
  max_iterations: 0
  watch: true

roles:
  cloud:
    description: "Always-on drafting agent; never executes or approves"
    permissions: [task.create, task.claim, plan.write, approval.request]
    writes: [needs_action, in_progress, planned, pending_approval, done, quarantine]
    sources: [needs_action]
  local:
    description: "Operator-side agent; ingests, approves and executes. Never claims from needs_action"
    permissions: [task.create, approval.decide, action.execute, dashboard.write]
    writes: [needs_action, in_progress, planned, pending_approval, approved, rejected, done, quarantine]
    sources: []

approval:
  financial_threshold: 500
  default_executor: local
  actions:
    analysis:
      side_effect: false
    send-message:
      external: true
    post-content:
      external: true
    create-ledger-entry:
      external: true
      financial: true
      channel: books
    record-payment:
      financial: true
      channel: books

channels:
  books:
    type: ledger
    path: .vaultline/ledger.db
    breaker:
      max_failures: 5
      timeout: 1m

planner:
  command: ""
  timeout: 2m

sync:
  branch: main
  interval: 60s
  exclude:
    - .env
    - "*.env"
    - "*.session"
    - sessions/
    - "*.token"
    - tokens/
    - creds/
    - credentials/
    - profiles/
    - browsers/
    - local_config/
    - Logs/
    - "*.log"
    - tmp/
    - "*.tmp"
    - .vaultline/
    - Drop/

signals:
  subject: vaultline.signals
  recent: 10

schedule:
  enabled: false
  role: cloud
  briefing_hour: 8
  review_weekday: monday
  social_days: [wednesday]

ingest:
  drop_dir: Drop
  role: local

server:
  addr: 127.0.0.1:8787
  jwt_secret_env: VAULTLINE_JWT_SECRET

logging:
  level: info
  format: json
`
