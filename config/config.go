package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	CodeGuard CodeGuardConfig `yaml:"codeguard"`
}

// CodeGuardConfig is the project configuration.
type CodeGuardConfig struct {
	Chains       []ChainConfig      `yaml:"chains"`
	Monitor      MonitorConfig      `yaml:"monitor"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Response     ResponseConfig     `yaml:"response"`
	Analyzer     AnalyzerConfig     `yaml:"analyzer"`
	ThreatIntel  ThreatIntelConfig  `yaml:"threat_intel"`
	Rules        RulesConfig        `yaml:"rules"`
	Notify       NotifyConfig       `yaml:"notify"`
	Incidents    IncidentsConfig    `yaml:"incidents"`
	Subjects     SubjectsConfig     `yaml:"subjects"`
	Redis        RedisConfig        `yaml:"redis"`
	RateLimit    RateLimitConfig    `yaml:"ratelimit"`
	Inbox        InboxConfig        `yaml:"inbox"`
	Events       EventsConfig       `yaml:"events"`
	API          APIConfig          `yaml:"api"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// ChainConfig describes one monitored chain scope and its RPC provider.
type ChainConfig struct {
	Name              string `yaml:"name"`
	RPCURL            string `yaml:"rpc_url"`
	ChainID           int64  `yaml:"chain_id"`
	LookbackBlocks    uint64 `yaml:"lookback_blocks"`
	MaxTransactions   int    `yaml:"max_transactions"`
	RPCCallsPerMinute int    `yaml:"rpc_calls_per_minute"`
}

// MonitorConfig controls monitor actors.
type MonitorConfig struct {
	WarningThreshold int           `yaml:"warning_threshold"`
	ScanInterval     time.Duration `yaml:"scan_interval"`
	TopAnomalies     int           `yaml:"top_anomalies"`
	MailboxDepth     int           `yaml:"mailbox_depth"`
}

// OrchestratorConfig controls the orchestrator actor.
type OrchestratorConfig struct {
	CriticalThreshold int           `yaml:"critical_threshold"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	AnalysisTimeout   time.Duration `yaml:"analysis_timeout"`
	SendTimeout       time.Duration `yaml:"send_timeout"`
	MailboxDepth      int           `yaml:"mailbox_depth"`
}

// ResponseConfig controls the response actor and its mitigating transaction.
type ResponseConfig struct {
	Mode             string        `yaml:"mode"` // dry-run|onchain
	Chain            string        `yaml:"chain"`
	GuardianRegistry string        `yaml:"guardian_registry"`
	PrivateKey       string        `yaml:"private_key"`
	OperatorAddress  string        `yaml:"operator_address"`
	Cooldown         time.Duration `yaml:"cooldown"`
	MaxPausesPerHour int           `yaml:"max_pauses_per_hour"`
	GasLimit         uint64        `yaml:"gas_limit"`
	MailboxDepth     int           `yaml:"mailbox_depth"`
}

// AnalyzerConfig controls bytecode decompilation.
type AnalyzerConfig struct {
	CacheSize    int `yaml:"cache_size"`
	MaxOpcodes   int `yaml:"max_opcodes"`
	MaxSelectors int `yaml:"max_selectors"`
}

// ThreatIntelConfig selects the threat assessment collaborator.
type ThreatIntelConfig struct {
	Mode string           `yaml:"mode"` // local|http
	HTTP HTTPOutputConfig `yaml:"http"`
}

// RulesConfig controls Sigma pattern rules.
type RulesConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// NotifyConfig lists outbound notification channels.
type NotifyConfig struct {
	Discord  DiscordConfig      `yaml:"discord"`
	Telegram TelegramConfig     `yaml:"telegram"`
	Webhooks []HTTPOutputConfig `yaml:"webhooks"`
}

// DiscordConfig configures the Discord webhook channel.
type DiscordConfig struct {
	WebhookURL string        `yaml:"webhook_url"`
	Timeout    time.Duration `yaml:"timeout"`
}

// TelegramConfig configures the Telegram bot channel.
type TelegramConfig struct {
	BotToken string        `yaml:"bot_token"`
	ChatID   string        `yaml:"chat_id"`
	APIURL   string        `yaml:"api_url"`
	Timeout  time.Duration `yaml:"timeout"`
}

// IncidentsConfig controls the incident store and its mirrors.
type IncidentsConfig struct {
	Store  IncidentStoreConfig  `yaml:"store"`
	Mirror IncidentMirrorConfig `yaml:"mirror"`
}

// IncidentStoreConfig selects the durable incident store.
type IncidentStoreConfig struct {
	Mode     string `yaml:"mode"` // memory|postgres|badger
	Postgres struct {
		DSN string `yaml:"dsn"`
	} `yaml:"postgres"`
	Badger struct {
		Path string `yaml:"path"`
	} `yaml:"badger"`
}

// IncidentMirrorConfig controls best-effort incident copies.
type IncidentMirrorConfig struct {
	File       FileOutputConfig       `yaml:"file"`
	ClickHouse ClickHouseOutputConfig `yaml:"clickhouse"`
}

// SubjectsConfig selects the subject registry store.
type SubjectsConfig struct {
	Mode      string `yaml:"mode"` // memory|redis
	KeyPrefix string `yaml:"key_prefix"`
}

// RedisConfig is the shared Redis connection.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// RateLimitConfig selects the pause cap limiter backend.
type RateLimitConfig struct {
	Mode   string `yaml:"mode"` // memory|redis
	Prefix string `yaml:"prefix"`
}

// InboxConfig controls the inbound AgentMessage feed.
type InboxConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Mode         string        `yaml:"mode"` // redis|kafka
	Key          string        `yaml:"key"`
	BlockTimeout time.Duration `yaml:"block_timeout"`
	Kafka        KafkaConfig   `yaml:"kafka"`
	Workers      int           `yaml:"workers"`
}

// EventsConfig controls the outbound event bus.
type EventsConfig struct {
	Enabled bool        `yaml:"enabled"`
	Kafka   KafkaConfig `yaml:"kafka"`
}

// KafkaConfig configures a Kafka topic endpoint.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	GroupID string   `yaml:"group_id"`
}

// APIConfig controls the control-plane HTTP server.
type APIConfig struct {
	Addr           string        `yaml:"addr"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
}

// TelemetryConfig controls OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
	Endpoint    string `yaml:"endpoint"`
	Insecure    bool   `yaml:"insecure"`
}

// ClickHouseOutputConfig config for ClickHouse HTTP JSONEachRow writes.
type ClickHouseOutputConfig struct {
	URL      string            `yaml:"url"`
	Database string            `yaml:"database"`
	Table    string            `yaml:"table"`
	Username string            `yaml:"username"`
	Password string            `yaml:"password"`
	Timeout  time.Duration     `yaml:"timeout"`
	Headers  map[string]string `yaml:"headers"`
}

// FileOutputConfig config for local JSON output.
type FileOutputConfig struct {
	Path string `yaml:"path"`
}

// HTTPOutputConfig config for remote HTTP endpoints.
type HTTPOutputConfig struct {
	Name    string            `yaml:"name"`
	URL     string            `yaml:"url"`
	Timeout time.Duration     `yaml:"timeout"`
	Headers map[string]string `yaml:"headers"`
}

// LoggingConfig controls logging output.
type LoggingConfig struct {
	Enabled bool   `yaml:"enabled"`
	Level   string `yaml:"level"`
	File    string `yaml:"file"`
	Console bool   `yaml:"console"`
}

// LoadConfig reads and parses a YAML config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Chain returns the named chain config.
func (c *CodeGuardConfig) Chain(name string) (ChainConfig, bool) {
	for _, ch := range c.Chains {
		if ch.Name == name {
			return ch, true
		}
	}
	return ChainConfig{}, false
}
