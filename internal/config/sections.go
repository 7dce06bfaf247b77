package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/syntrixbase/itemgate/internal/audit"
	"github.com/syntrixbase/itemgate/internal/pool"
	"github.com/syntrixbase/itemgate/internal/throttle"
)

// PoolsConfig sizes the named worker pools. Missing names use the pool
// default.
type PoolsConfig map[string]int

func DefaultPoolsConfig() PoolsConfig {
	return PoolsConfig{
		pool.Auth:      pool.DefaultSize,
		pool.Subscribe: pool.DefaultSize,
		pool.Data:      pool.DefaultSize,
		pool.Messages:  pool.DefaultSize,
		pool.Shared:    pool.DefaultSize,
	}
}

func (c *PoolsConfig) ApplyDefaults() {
	if *c == nil {
		*c = PoolsConfig{}
	}
	for name, size := range DefaultPoolsConfig() {
		if (*c)[name] == 0 {
			(*c)[name] = size
		}
	}
}

func (c *PoolsConfig) ApplyEnvOverrides() {}

func (c *PoolsConfig) ResolvePaths(string) {}

func (c *PoolsConfig) Validate() error {
	for name, size := range *c {
		switch name {
		case pool.Auth, pool.Subscribe, pool.Data, pool.Messages, pool.Shared:
		default:
			return fmt.Errorf("pools: unknown pool %q", name)
		}
		if size < 0 {
			return fmt.Errorf("pools.%s must not be negative", name)
		}
	}
	return nil
}

// KernelConfig sizes the kernel executors.
type KernelConfig struct {
	EventWorkers int           `yaml:"event_workers"`
	DataWorkers  int           `yaml:"data_workers"`
	PumpInterval time.Duration `yaml:"pump_interval"`
}

func DefaultKernelConfig() KernelConfig {
	return KernelConfig{EventWorkers: 8, DataWorkers: pool.DefaultSize, PumpInterval: 10 * time.Millisecond}
}

func (c *KernelConfig) ApplyDefaults() {
	def := DefaultKernelConfig()
	if c.EventWorkers == 0 {
		c.EventWorkers = def.EventWorkers
	}
	if c.DataWorkers == 0 {
		c.DataWorkers = def.DataWorkers
	}
	if c.PumpInterval == 0 {
		c.PumpInterval = def.PumpInterval
	}
}

func (c *KernelConfig) ApplyEnvOverrides() {
	if n, ok := envInt("ITEMGATE_EVENT_WORKERS"); ok {
		c.EventWorkers = n
	}
}

func (c *KernelConfig) ResolvePaths(string) {}

func (c *KernelConfig) Validate() error {
	if c.EventWorkers < 1 || c.DataWorkers < 1 {
		return fmt.Errorf("kernel: event_workers and data_workers must be positive")
	}
	if c.PumpInterval < time.Millisecond {
		return fmt.Errorf("kernel: pump_interval must be at least 1ms, got %s", c.PumpInterval)
	}
	return nil
}

// SessionConfig configures the session registry.
type SessionConfig struct {
	// SerializeTableNotifications orders the table notifications of one
	// session.
	SerializeTableNotifications bool                   `yaml:"serialize_table_notifications"`
	NotificationWorkers         int                    `yaml:"notification_workers"`
	CloseTimeout                time.Duration          `yaml:"close_timeout"`
	Messages                    throttle.LimiterConfig `yaml:"messages"`
}

func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		NotificationWorkers: 4,
		CloseTimeout:        10 * time.Second,
		Messages:            throttle.DefaultLimiterConfig(),
	}
}

func (c *SessionConfig) ApplyDefaults() {
	def := DefaultSessionConfig()
	if c.NotificationWorkers == 0 {
		c.NotificationWorkers = def.NotificationWorkers
	}
	if c.CloseTimeout == 0 {
		c.CloseTimeout = def.CloseTimeout
	}
	if c.Messages.Requests == 0 {
		c.Messages.Requests = def.Messages.Requests
	}
	if c.Messages.Window == 0 {
		c.Messages.Window = def.Messages.Window
	}
}

func (c *SessionConfig) ApplyEnvOverrides() {
	if val := os.Getenv("ITEMGATE_SERIALIZE_TABLE_NOTIFICATIONS"); val != "" {
		c.SerializeTableNotifications = val == "true" || val == "1"
	}
}

func (c *SessionConfig) ResolvePaths(string) {}

func (c *SessionConfig) Validate() error {
	if c.NotificationWorkers < 1 {
		return fmt.Errorf("session: notification_workers must be positive")
	}
	if c.CloseTimeout <= 0 {
		return fmt.Errorf("session: close_timeout must be positive")
	}
	if c.Messages.Enabled && (c.Messages.Requests < 1 || c.Messages.Window <= 0) {
		return fmt.Errorf("session: message limit needs positive requests and window")
	}
	return nil
}

// Metadata providers.
const (
	MetadataLiteral = "literal"
	MetadataOpen    = "open"
)

// MetadataConfig selects and parameterizes the metadata provider.
type MetadataConfig struct {
	Provider string            `yaml:"provider"`
	Dir      string            `yaml:"dir"`
	Params   map[string]string `yaml:"params"`
}

func DefaultMetadataConfig() MetadataConfig {
	return MetadataConfig{Provider: MetadataLiteral}
}

func (c *MetadataConfig) ApplyDefaults() {
	if c.Provider == "" {
		c.Provider = MetadataLiteral
	}
	if c.Params == nil {
		c.Params = map[string]string{}
	}
}

func (c *MetadataConfig) ApplyEnvOverrides() {
	if val := os.Getenv("ITEMGATE_METADATA_PROVIDER"); val != "" {
		c.Provider = val
	}
}

// ResolvePaths makes Dir absolute; an empty Dir is configDir itself.
func (c *MetadataConfig) ResolvePaths(configDir string) {
	c.Dir = resolve(configDir, c.Dir)
}

func (c *MetadataConfig) Validate() error {
	if c.Provider != MetadataLiteral && c.Provider != MetadataOpen {
		return fmt.Errorf("metadata.provider must be '%s' or '%s', got '%s'", MetadataLiteral, MetadataOpen, c.Provider)
	}
	return nil
}

// Data engines.
const (
	EngineMemory = "memory"
	EngineNATS   = "nats"
)

// DataConfig configures the bus data provider and its transport.
type DataConfig struct {
	Engine  string            `yaml:"engine"`
	NATSURL string            `yaml:"nats_url"`
	Dir     string            `yaml:"dir"`
	Params  map[string]string `yaml:"params"`
}

func DefaultDataConfig() DataConfig {
	return DataConfig{Engine: EngineMemory, NATSURL: "nats://localhost:4222"}
}

func (c *DataConfig) ApplyDefaults() {
	def := DefaultDataConfig()
	if c.Engine == "" {
		c.Engine = def.Engine
	}
	if c.NATSURL == "" {
		c.NATSURL = def.NATSURL
	}
	if c.Params == nil {
		c.Params = map[string]string{}
	}
}

func (c *DataConfig) ApplyEnvOverrides() {
	if val := os.Getenv("ITEMGATE_DATA_ENGINE"); val != "" {
		c.Engine = val
	}
	if val := os.Getenv("ITEMGATE_NATS_URL"); val != "" {
		c.NATSURL = val
	}
}

func (c *DataConfig) ResolvePaths(configDir string) {
	c.Dir = resolve(configDir, c.Dir)
}

func (c *DataConfig) Validate() error {
	switch c.Engine {
	case EngineMemory:
	case EngineNATS:
		if c.NATSURL == "" {
			return fmt.Errorf("data.nats_url is required for the nats engine")
		}
	default:
		return fmt.Errorf("data.engine must be '%s' or '%s', got '%s'", EngineMemory, EngineNATS, c.Engine)
	}
	return nil
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Path    string `yaml:"path"`
}

func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{Enabled: true, Addr: ":9102", Path: "/metrics"}
}

func (c *MetricsConfig) ApplyDefaults() {
	def := DefaultMetricsConfig()
	if c.Addr == "" {
		c.Addr = def.Addr
	}
	if c.Path == "" {
		c.Path = def.Path
	}
}

func (c *MetricsConfig) ApplyEnvOverrides() {
	if val := os.Getenv("ITEMGATE_METRICS_ADDR"); val != "" {
		c.Addr = val
	}
}

func (c *MetricsConfig) ResolvePaths(string) {}

func (c *MetricsConfig) Validate() error {
	if c.Enabled && c.Path[0] != '/' {
		return fmt.Errorf("metrics.path must start with '/', got '%s'", c.Path)
	}
	return nil
}

// Audit backends.
const (
	AuditNone   = "none"
	AuditMemory = "memory"
	AuditMongo  = "mongo"
)

// AuditConfig selects where closed sessions and tables are recorded.
type AuditConfig struct {
	Backend string            `yaml:"backend"`
	Mongo   audit.MongoConfig `yaml:"mongo"`
}

func DefaultAuditConfig() AuditConfig {
	return AuditConfig{
		Backend: AuditNone,
		Mongo: audit.MongoConfig{
			URI:      "mongodb://localhost:27017",
			Database: "itemgate",
		},
	}
}

func (c *AuditConfig) ApplyDefaults() {
	def := DefaultAuditConfig()
	if c.Backend == "" {
		c.Backend = def.Backend
	}
	if c.Mongo.URI == "" {
		c.Mongo.URI = def.Mongo.URI
	}
	if c.Mongo.Database == "" {
		c.Mongo.Database = def.Mongo.Database
	}
}

func (c *AuditConfig) ApplyEnvOverrides() {
	if val := os.Getenv("ITEMGATE_AUDIT_BACKEND"); val != "" {
		c.Backend = val
	}
	if val := os.Getenv("ITEMGATE_MONGO_URI"); val != "" {
		c.Mongo.URI = val
	}
}

func (c *AuditConfig) ResolvePaths(string) {}

func (c *AuditConfig) Validate() error {
	switch c.Backend {
	case AuditNone, AuditMemory, AuditMongo:
		return nil
	}
	return fmt.Errorf("audit.backend must be '%s', '%s' or '%s', got '%s'", AuditNone, AuditMemory, AuditMongo, c.Backend)
}

func resolve(base, path string) string {
	if path == "" {
		return filepath.Clean(base)
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Clean(filepath.Join(base, path))
}

func envInt(key string) (int, bool) {
	val := os.Getenv(key)
	if val == "" {
		return 0, false
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, false
	}
	return n, true
}
