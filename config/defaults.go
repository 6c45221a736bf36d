package config

import "time"

// ApplyDefaults fills every unset option.
func ApplyDefaults(cfg *Config) {
	c := &cfg.CodeGuard

	if len(c.Chains) == 0 {
		c.Chains = []ChainConfig{{Name: "base", RPCURL: "https://mainnet.base.org", ChainID: 8453}}
	}
	for i := range c.Chains {
		ch := &c.Chains[i]
		if ch.LookbackBlocks == 0 {
			ch.LookbackBlocks = 20
		}
		if ch.MaxTransactions <= 0 {
			ch.MaxTransactions = 50
		}
		if ch.RPCCallsPerMinute <= 0 {
			ch.RPCCallsPerMinute = 100
		}
	}

	if c.Monitor.WarningThreshold <= 0 {
		c.Monitor.WarningThreshold = 70
	}
	if c.Monitor.ScanInterval <= 0 {
		c.Monitor.ScanInterval = 10 * time.Minute
	}
	if c.Monitor.TopAnomalies <= 0 {
		c.Monitor.TopAnomalies = 5
	}
	if c.Monitor.MailboxDepth <= 0 {
		c.Monitor.MailboxDepth = 128
	}

	if c.Orchestrator.CriticalThreshold <= 0 {
		c.Orchestrator.CriticalThreshold = 90
	}
	if c.Orchestrator.HeartbeatInterval <= 0 {
		c.Orchestrator.HeartbeatInterval = 5 * time.Minute
	}
	if c.Orchestrator.AnalysisTimeout <= 0 {
		c.Orchestrator.AnalysisTimeout = 30 * time.Second
	}
	if c.Orchestrator.SendTimeout <= 0 {
		c.Orchestrator.SendTimeout = 2 * time.Second
	}
	if c.Orchestrator.MailboxDepth <= 0 {
		c.Orchestrator.MailboxDepth = 256
	}

	if c.Response.Mode == "" {
		c.Response.Mode = "dry-run"
	}
	if c.Response.Chain == "" {
		c.Response.Chain = c.Chains[0].Name
	}
	if c.Response.Cooldown <= 0 {
		c.Response.Cooldown = 5 * time.Minute
	}
	if c.Response.MaxPausesPerHour <= 0 {
		c.Response.MaxPausesPerHour = 10
	}
	if c.Response.GasLimit == 0 {
		c.Response.GasLimit = 300_000
	}
	if c.Response.MailboxDepth <= 0 {
		c.Response.MailboxDepth = 64
	}

	if c.Analyzer.CacheSize <= 0 {
		c.Analyzer.CacheSize = 1024
	}
	if c.Analyzer.MaxOpcodes <= 0 {
		c.Analyzer.MaxOpcodes = 50
	}
	if c.Analyzer.MaxSelectors <= 0 {
		c.Analyzer.MaxSelectors = 20
	}

	if c.ThreatIntel.Mode == "" {
		c.ThreatIntel.Mode = "local"
	}
	if c.ThreatIntel.HTTP.Timeout <= 0 {
		c.ThreatIntel.HTTP.Timeout = 15 * time.Second
	}

	if c.Notify.Telegram.APIURL == "" {
		c.Notify.Telegram.APIURL = "https://api.telegram.org"
	}

	if c.Incidents.Store.Mode == "" {
		c.Incidents.Store.Mode = "memory"
	}
	if c.Incidents.Store.Badger.Path == "" {
		c.Incidents.Store.Badger.Path = "data/incidents"
	}
	if c.Incidents.Mirror.ClickHouse.Database == "" {
		c.Incidents.Mirror.ClickHouse.Database = "codeguard"
	}
	if c.Incidents.Mirror.ClickHouse.Table == "" {
		c.Incidents.Mirror.ClickHouse.Table = "incidents"
	}

	if c.Subjects.Mode == "" {
		c.Subjects.Mode = "memory"
	}
	if c.Subjects.KeyPrefix == "" {
		c.Subjects.KeyPrefix = "codeguard:subjects"
	}

	if c.Redis.Addr == "" {
		c.Redis.Addr = "127.0.0.1:6379"
	}

	if c.RateLimit.Mode == "" {
		c.RateLimit.Mode = "memory"
	}
	if c.RateLimit.Prefix == "" {
		c.RateLimit.Prefix = "codeguard:rl:"
	}

	if c.Inbox.Mode == "" {
		c.Inbox.Mode = "redis"
	}
	if c.Inbox.Key == "" {
		c.Inbox.Key = "codeguard:inbox"
	}
	if c.Inbox.BlockTimeout <= 0 {
		c.Inbox.BlockTimeout = 5 * time.Second
	}
	if c.Inbox.Kafka.Topic == "" {
		c.Inbox.Kafka.Topic = "codeguard.messages"
	}
	if c.Inbox.Kafka.GroupID == "" {
		c.Inbox.Kafka.GroupID = "codeguard"
	}
	if c.Inbox.Workers <= 0 {
		c.Inbox.Workers = 4
	}

	if c.Events.Kafka.Topic == "" {
		c.Events.Kafka.Topic = "codeguard.events"
	}

	if c.API.Addr == "" {
		c.API.Addr = ":8080"
	}
	if len(c.API.AllowedOrigins) == 0 {
		c.API.AllowedOrigins = []string{"*"}
	}
	if c.API.ReadTimeout <= 0 {
		c.API.ReadTimeout = 15 * time.Second
	}
	if c.API.WriteTimeout <= 0 {
		c.API.WriteTimeout = 60 * time.Second
	}

	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "codeguard"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}
