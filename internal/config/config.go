package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/agentworkforce/relayinbox/internal/inbox"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "RELAYINBOX_"

type Config struct {
	// Profile fills in source and state DSNs left empty: memory,
	// durable-local or production.
	Profile     string         `yaml:"profile"`
	DataDir     string         `yaml:"data_dir"`
	PostgresDSN string         `yaml:"postgres_dsn"`
	HTTP        HTTPConfig     `yaml:"http"`
	Sources     SourcesConfig  `yaml:"sources"`
	State       StateConfig    `yaml:"state"`
	Engine      EngineConfig   `yaml:"engine"`
	Sessions    SessionsConfig `yaml:"sessions"`
	Log         LogConfig      `yaml:"log"`
}

type HTTPConfig struct {
	Addr               string        `yaml:"addr"`
	JWTSecret          string        `yaml:"jwt_secret"`
	InternalHMACSecret string        `yaml:"internal_hmac_secret"`
	InternalMaxSkew    time.Duration `yaml:"internal_max_skew"`
	MaxBodyBytes       int64         `yaml:"max_body_bytes"`
	FrameRate          float64       `yaml:"frame_rate"`
	FrameBurst         int           `yaml:"frame_burst"`
}

type SourcesConfig struct {
	Channels     string `yaml:"channels"`
	Messages     string `yaml:"messages"`
	Metadata     string `yaml:"metadata"`
	ReadReceipts string `yaml:"read_receipts"`
}

// DSN returns the configured DSN for kind.
func (s SourcesConfig) DSN(kind inbox.SourceKind) string {
	switch kind {
	case inbox.SourceChannels:
		return s.Channels
	case inbox.SourceMessages:
		return s.Messages
	case inbox.SourceMetadata:
		return s.Metadata
	case inbox.SourceReadReceipts:
		return s.ReadReceipts
	}
	return ""
}

func (s *SourcesConfig) set(kind inbox.SourceKind, dsn string) {
	switch kind {
	case inbox.SourceChannels:
		s.Channels = dsn
	case inbox.SourceMessages:
		s.Messages = dsn
	case inbox.SourceMetadata:
		s.Metadata = dsn
	case inbox.SourceReadReceipts:
		s.ReadReceipts = dsn
	}
}

type StateConfig struct {
	DSN           string        `yaml:"dsn"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

type EngineConfig struct {
	Shards              int           `yaml:"shards"`
	ShardQueueSize      int           `yaml:"shard_queue_size"`
	RequireKnownChannel *bool         `yaml:"require_known_channel"`
	CommitInterval      time.Duration `yaml:"commit_interval"`
}

// RequiresKnownChannel reports whether messages for unknown channels are
// rejected. Defaults to true.
func (e EngineConfig) RequiresKnownChannel() bool {
	return e.RequireKnownChannel == nil || *e.RequireKnownChannel
}

type SessionsConfig struct {
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	OutboundQueueSize int           `yaml:"outbound_queue_size"`
	OverflowPolicy    string        `yaml:"overflow_policy"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file or env is given.
func Default() Config {
	cfg := Config{}
	applyDefaults(&cfg)
	return cfg
}

// Load builds a Config from defaults, the YAML file at path (optional) and
// RELAYINBOX_* environment overrides, in that order, then validates it.
func Load(path string) (Config, error) {
	var cfg Config
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := decode(data, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := applyProfile(&cfg); err != nil {
		return Config{}, err
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decode(data []byte, cfg *Config) error {
	decoder := yaml.NewDecoder(bytes.NewReader([]byte(os.ExpandEnv(string(data)))))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("failed to parse config: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse config: expected single document")
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = ":8080"
	}
	if cfg.HTTP.InternalMaxSkew == 0 {
		cfg.HTTP.InternalMaxSkew = 5 * time.Minute
	}
	if cfg.HTTP.MaxBodyBytes == 0 {
		cfg.HTTP.MaxBodyBytes = 1 << 20
	}
	if cfg.HTTP.FrameRate == 0 {
		cfg.HTTP.FrameRate = 20
	}
	if cfg.HTTP.FrameBurst == 0 {
		cfg.HTTP.FrameBurst = 40
	}
	for _, kind := range inbox.SourceKinds {
		if cfg.Sources.DSN(kind) == "" {
			cfg.Sources.set(kind, "memory://")
		}
	}
	if cfg.State.DSN == "" {
		cfg.State.DSN = "memory://"
	}
	if cfg.State.FlushInterval == 0 {
		cfg.State.FlushInterval = 500 * time.Millisecond
	}
	if cfg.Engine.Shards == 0 {
		cfg.Engine.Shards = 8
	}
	if cfg.Engine.ShardQueueSize == 0 {
		cfg.Engine.ShardQueueSize = 256
	}
	if cfg.Engine.CommitInterval == 0 {
		cfg.Engine.CommitInterval = time.Second
	}
	if cfg.Sessions.IdleTimeout == 0 {
		cfg.Sessions.IdleTimeout = 2 * time.Minute
	}
	if cfg.Sessions.HandshakeTimeout == 0 {
		cfg.Sessions.HandshakeTimeout = 10 * time.Second
	}
	if cfg.Sessions.WriteTimeout == 0 {
		cfg.Sessions.WriteTimeout = 10 * time.Second
	}
	if cfg.Sessions.OutboundQueueSize == 0 {
		cfg.Sessions.OutboundQueueSize = 64
	}
	if cfg.Sessions.OverflowPolicy == "" {
		cfg.Sessions.OverflowPolicy = string(inbox.OverflowDropOldest)
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}

// applyProfile fills DSNs that were left empty from the named storage
// profile.
func applyProfile(cfg *Config) error {
	profile := strings.ToLower(strings.TrimSpace(cfg.Profile))
	dataDir := strings.TrimSpace(cfg.DataDir)
	if dataDir == "" {
		dataDir = ".relayinbox"
	}
	var state string
	sources := map[inbox.SourceKind]string{}
	switch profile {
	case "", "custom":
		return nil
	case "memory", "inmemory":
		state = "memory://"
		for _, kind := range inbox.SourceKinds {
			sources[kind] = "memory://"
		}
	case "durable-local", "local-durable":
		state = "file://" + filepath.Join(dataDir, "state.json")
		for _, kind := range inbox.SourceKinds {
			sources[kind] = "file://" + filepath.Join(dataDir, string(kind)+".jsonl")
		}
	case "production", "prod":
		dsn := strings.TrimSpace(cfg.PostgresDSN)
		if dsn == "" {
			return fmt.Errorf("postgres_dsn is required when profile=%s", profile)
		}
		state = dsn
		for _, kind := range inbox.SourceKinds {
			sources[kind] = dsn
		}
	default:
		return fmt.Errorf("unsupported profile: %s", profile)
	}
	if cfg.State.DSN == "" {
		cfg.State.DSN = state
	}
	for kind, dsn := range sources {
		if cfg.Sources.DSN(kind) == "" {
			cfg.Sources.set(kind, dsn)
		}
	}
	return nil
}

type envBinding struct {
	name  string
	apply func(cfg *Config, raw string) error
}

func stringVar(dst func(*Config) *string) func(*Config, string) error {
	return func(cfg *Config, raw string) error {
		*dst(cfg) = raw
		return nil
	}
}

func intVar(dst func(*Config) *int) func(*Config, string) error {
	return func(cfg *Config, raw string) error {
		value, err := strconv.Atoi(raw)
		if err != nil {
			return err
		}
		*dst(cfg) = value
		return nil
	}
}

func durationVar(dst func(*Config) *time.Duration) func(*Config, string) error {
	return func(cfg *Config, raw string) error {
		value, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}
		*dst(cfg) = value
		return nil
	}
}

var envBindings = []envBinding{
	{"PROFILE", stringVar(func(c *Config) *string { return &c.Profile })},
	{"DATA_DIR", stringVar(func(c *Config) *string { return &c.DataDir })},
	{"POSTGRES_DSN", stringVar(func(c *Config) *string { return &c.PostgresDSN })},
	{"HTTP_ADDR", stringVar(func(c *Config) *string { return &c.HTTP.Addr })},
	{"HTTP_JWT_SECRET", stringVar(func(c *Config) *string { return &c.HTTP.JWTSecret })},
	{"HTTP_INTERNAL_HMAC_SECRET", stringVar(func(c *Config) *string { return &c.HTTP.InternalHMACSecret })},
	{"HTTP_INTERNAL_MAX_SKEW", durationVar(func(c *Config) *time.Duration { return &c.HTTP.InternalMaxSkew })},
	{"HTTP_MAX_BODY_BYTES", func(c *Config, raw string) error {
		value, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return err
		}
		c.HTTP.MaxBodyBytes = value
		return nil
	}},
	{"HTTP_FRAME_RATE", func(c *Config, raw string) error {
		value, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return err
		}
		c.HTTP.FrameRate = value
		return nil
	}},
	{"HTTP_FRAME_BURST", intVar(func(c *Config) *int { return &c.HTTP.FrameBurst })},
	{"SOURCES_CHANNELS", stringVar(func(c *Config) *string { return &c.Sources.Channels })},
	{"SOURCES_MESSAGES", stringVar(func(c *Config) *string { return &c.Sources.Messages })},
	{"SOURCES_METADATA", stringVar(func(c *Config) *string { return &c.Sources.Metadata })},
	{"SOURCES_READ_RECEIPTS", stringVar(func(c *Config) *string { return &c.Sources.ReadReceipts })},
	{"STATE_DSN", stringVar(func(c *Config) *string { return &c.State.DSN })},
	{"STATE_FLUSH_INTERVAL", durationVar(func(c *Config) *time.Duration { return &c.State.FlushInterval })},
	{"ENGINE_SHARDS", intVar(func(c *Config) *int { return &c.Engine.Shards })},
	{"ENGINE_SHARD_QUEUE_SIZE", intVar(func(c *Config) *int { return &c.Engine.ShardQueueSize })},
	{"ENGINE_REQUIRE_KNOWN_CHANNEL", func(c *Config, raw string) error {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		c.Engine.RequireKnownChannel = &value
		return nil
	}},
	{"ENGINE_COMMIT_INTERVAL", durationVar(func(c *Config) *time.Duration { return &c.Engine.CommitInterval })},
	{"SESSIONS_IDLE_TIMEOUT", durationVar(func(c *Config) *time.Duration { return &c.Sessions.IdleTimeout })},
	{"SESSIONS_HANDSHAKE_TIMEOUT", durationVar(func(c *Config) *time.Duration { return &c.Sessions.HandshakeTimeout })},
	{"SESSIONS_WRITE_TIMEOUT", durationVar(func(c *Config) *time.Duration { return &c.Sessions.WriteTimeout })},
	{"SESSIONS_OUTBOUND_QUEUE_SIZE", intVar(func(c *Config) *int { return &c.Sessions.OutboundQueueSize })},
	{"SESSIONS_OVERFLOW_POLICY", stringVar(func(c *Config) *string { return &c.Sessions.OverflowPolicy })},
	{"LOG_LEVEL", stringVar(func(c *Config) *string { return &c.Log.Level })},
	{"LOG_FORMAT", stringVar(func(c *Config) *string { return &c.Log.Format })},
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	for _, binding := range envBindings {
		raw, ok := lookup(EnvPrefix + binding.name)
		if !ok {
			continue
		}
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if err := binding.apply(cfg, raw); err != nil {
			return fmt.Errorf("invalid %s%s=%q: %w", EnvPrefix, binding.name, raw, err)
		}
	}
	return nil
}

func (c Config) Validate() error {
	var issues []string
	if strings.TrimSpace(c.HTTP.Addr) == "" {
		issues = append(issues, "http.addr is required")
	}
	if c.HTTP.MaxBodyBytes <= 0 {
		issues = append(issues, "http.max_body_bytes must be positive")
	}
	if c.HTTP.FrameRate <= 0 || c.HTTP.FrameBurst <= 0 {
		issues = append(issues, "http.frame_rate and http.frame_burst must be positive")
	}
	for _, kind := range inbox.SourceKinds {
		if strings.TrimSpace(c.Sources.DSN(kind)) == "" {
			issues = append(issues, fmt.Sprintf("sources.%s is required", kind))
		}
	}
	if strings.TrimSpace(c.State.DSN) == "" {
		issues = append(issues, "state.dsn is required")
	}
	if c.Engine.Shards <= 0 {
		issues = append(issues, "engine.shards must be positive")
	}
	if c.Engine.ShardQueueSize <= 0 {
		issues = append(issues, "engine.shard_queue_size must be positive")
	}
	if c.Sessions.OutboundQueueSize <= 0 {
		issues = append(issues, "sessions.outbound_queue_size must be positive")
	}
	if c.Sessions.IdleTimeout < 0 || c.Sessions.HandshakeTimeout < 0 || c.Sessions.WriteTimeout < 0 {
		issues = append(issues, "sessions timeouts must not be negative")
	}
	if _, err := inbox.ParseOverflowPolicy(c.Sessions.OverflowPolicy); err != nil {
		issues = append(issues, fmt.Sprintf("sessions.overflow_policy %q must be drop_oldest or disconnect", c.Sessions.OverflowPolicy))
	}
	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		issues = append(issues, fmt.Sprintf("log.level %q is not supported", c.Log.Level))
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		issues = append(issues, fmt.Sprintf("log.format %q must be text or json", c.Log.Format))
	}
	if len(issues) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(issues, "; "))
	}
	return nil
}
