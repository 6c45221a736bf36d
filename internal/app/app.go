// Package app assembles the actors, stores and transports from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"codeguard/config"
	"codeguard/internal/analyzer"
	"codeguard/internal/api"
	"codeguard/internal/chain"
	"codeguard/internal/incidents"
	inputkafka "codeguard/internal/input/kafka"
	inputredis "codeguard/internal/input/redis"
	"codeguard/internal/logger"
	"codeguard/internal/metrics"
	"codeguard/internal/monitor"
	"codeguard/internal/notify"
	"codeguard/internal/orchestrator"
	"codeguard/internal/pipeline"
	"codeguard/internal/ratelimit"
	"codeguard/internal/response"
	"codeguard/internal/risk"
	"codeguard/internal/rules"
	"codeguard/internal/subjects"
	"codeguard/internal/telemetry"
	"codeguard/internal/threatintel"
)

// ChainSource is the per-chain RPC surface used by monitors and the analyzer.
type ChainSource interface {
	monitor.TxSource
	analyzer.CodeSource
}

// Options override collaborators that are otherwise built from configuration.
type Options struct {
	Sources     map[string]ChainSource
	Pauser      response.Pauser
	Assessor    threatintel.Assessor
	Channels    []notify.Channel
	DisableHTTP bool
}

// App is a fully wired CodeGuard process.
type App struct {
	cfg config.CodeGuardConfig

	Metrics      *metrics.Metrics
	Incidents    incidents.Store
	Subjects     subjects.Store
	Response     *response.Actor
	Monitors     []*monitor.Monitor
	Orchestrator *orchestrator.Orchestrator
	Server       *api.Server

	inbox             *pipeline.Inbox
	events            *inputkafka.Publisher
	clients           []*chain.Client
	redisClients      []*redis.Client
	shutdownTelemetry func(context.Context) error
	disableHTTP       bool
}

// New builds the application. Partially built resources are released on error.
func New(ctx context.Context, root *config.Config, opts Options) (_ *App, err error) {
	cfg := root.CodeGuard
	a := &App{cfg: cfg, Metrics: metrics.New(), disableHTTP: opts.DisableHTTP}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if cfg.Telemetry.Enabled {
		shutdown, err := telemetry.Init(ctx, telemetry.Config{
			ServiceName: cfg.Telemetry.ServiceName,
			Endpoint:    cfg.Telemetry.Endpoint,
			Insecure:    cfg.Telemetry.Insecure,
		})
		if err != nil {
			return nil, fmt.Errorf("init telemetry: %w", err)
		}
		a.shutdownTelemetry = shutdown
	}

	sources, err := a.chainSources(ctx, opts.Sources)
	if err != nil {
		return nil, err
	}

	engine, err := buildEngine(cfg.Rules)
	if err != nil {
		return nil, err
	}
	model := risk.NewModel(risk.DefaultWeights())

	if a.Incidents, err = a.buildIncidents(ctx); err != nil {
		return nil, err
	}
	if a.Subjects, err = a.buildSubjects(); err != nil {
		return nil, err
	}

	pauser := opts.Pauser
	if pauser == nil {
		if pauser, err = a.buildPauser(); err != nil {
			return nil, err
		}
	}
	channels, err := buildChannels(cfg.Notify)
	if err != nil {
		return nil, err
	}
	channels = append(channels, opts.Channels...)

	a.Response = response.New(response.Deps{
		Pauser:    pauser,
		Channels:  channels,
		Incidents: a.Incidents,
		Subjects:  a.Subjects,
		Limiter:   a.buildLimiter(),
		Metrics:   a.Metrics,
	}, response.Config{
		Cooldown:         cfg.Response.Cooldown,
		MaxPausesPerHour: cfg.Response.MaxPausesPerHour,
		MailboxDepth:     cfg.Response.MailboxDepth,
	})

	codeSources := make(map[string]analyzer.CodeSource, len(sources))
	var clients []orchestrator.MonitorClient
	for _, ch := range cfg.Chains {
		name := strings.ToLower(ch.Name)
		src := sources[name]
		codeSources[name] = src
		m := monitor.New(monitor.Deps{
			Source:   src,
			Engine:   engine,
			Model:    model,
			Subjects: a.Subjects,
			Metrics:  a.Metrics,
		}, monitor.Config{
			Chain:            name,
			WarningThreshold: cfg.Monitor.WarningThreshold,
			ScanInterval:     cfg.Monitor.ScanInterval,
			TopAnomalies:     cfg.Monitor.TopAnomalies,
			MailboxDepth:     cfg.Monitor.MailboxDepth,
		})
		a.Monitors = append(a.Monitors, m)
		clients = append(clients, m)
	}

	assessor := opts.Assessor
	if assessor == nil {
		if assessor, err = buildAssessor(cfg.ThreatIntel, model); err != nil {
			return nil, err
		}
	}

	var sinks []orchestrator.EventSink
	if cfg.Events.Enabled {
		a.events, err = inputkafka.NewPublisher(inputkafka.Config{Brokers: cfg.Events.Kafka.Brokers, Topic: cfg.Events.Kafka.Topic})
		if err != nil {
			return nil, fmt.Errorf("create event publisher: %w", err)
		}
		sinks = append(sinks, a.events)
		logger.Infof("Event bus enabled: kafka topic %s", cfg.Events.Kafka.Topic)
	}

	a.Orchestrator = orchestrator.New(orchestrator.Deps{
		Decompiler: analyzer.New(codeSources, engine, analyzer.Config{
			CacheSize:    cfg.Analyzer.CacheSize,
			MaxOpcodes:   cfg.Analyzer.MaxOpcodes,
			MaxSelectors: cfg.Analyzer.MaxSelectors,
		}),
		Assessor:  assessor,
		Responder: a.Response,
		Monitors:  clients,
		Sinks:     sinks,
		Metrics:   a.Metrics,
	}, orchestrator.Config{
		CriticalThreshold: cfg.Orchestrator.CriticalThreshold,
		HeartbeatInterval: cfg.Orchestrator.HeartbeatInterval,
		AnalysisTimeout:   cfg.Orchestrator.AnalysisTimeout,
		SendTimeout:       cfg.Orchestrator.SendTimeout,
		DefaultChain:      cfg.Response.Chain,
		MailboxDepth:      cfg.Orchestrator.MailboxDepth,
	})
	a.Response.AddPublisher(a.Orchestrator)
	for _, m := range a.Monitors {
		m.SetAlertSink(a.Orchestrator)
	}

	if cfg.Inbox.Enabled {
		if a.inbox, err = a.buildInbox(); err != nil {
			return nil, err
		}
	}

	a.Server = api.NewServer(a.Orchestrator, a.Response, a.Incidents, a.Metrics, api.Config{
		ServiceName:    cfg.Telemetry.ServiceName,
		AllowedOrigins: cfg.API.AllowedOrigins,
		SendTimeout:    cfg.Orchestrator.SendTimeout,
	})
	return a, nil
}

func (a *App) chainSources(ctx context.Context, overrides map[string]ChainSource) (map[string]ChainSource, error) {
	out := make(map[string]ChainSource, len(a.cfg.Chains))
	for _, ch := range a.cfg.Chains {
		name := strings.ToLower(ch.Name)
		if src, ok := overrides[name]; ok {
			out[name] = src
			continue
		}
		client, err := chain.Dial(ctx, chain.Config{
			Name:            name,
			RPCURL:          ch.RPCURL,
			ChainID:         ch.ChainID,
			LookbackBlocks:  ch.LookbackBlocks,
			MaxTransactions: ch.MaxTransactions,
			CallsPerMinute:  ch.RPCCallsPerMinute,
		})
		if err != nil {
			return nil, err
		}
		a.clients = append(a.clients, client)
		out[name] = client
	}
	return out, nil
}

func buildEngine(cfg config.RulesConfig) (rules.Engine, error) {
	engines := rules.Chain{rules.NewOpcodeEngine(nil)}
	if !cfg.Enabled {
		return engines, nil
	}
	if strings.TrimSpace(cfg.Path) == "" {
		logger.Warnf("Rules enabled but rules.path is empty; only opcode detectors are active")
		return engines, nil
	}
	sigmaEngine, stats, err := rules.NewSigmaEngine(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("load sigma rules from %s: %w", cfg.Path, err)
	}
	logger.Infof("Sigma rules loaded: loaded=%d skipped_complex=%d skipped_datasource=%d skipped_invalid=%d files=%d",
		stats.Loaded,
		stats.SkippedComplex,
		stats.SkippedDatasource,
		stats.SkippedInvalid,
		stats.TotalFiles,
	)
	if stats.Loaded == 0 {
		logger.Warnf("No compatible Sigma rules loaded; only opcode detectors are active")
	}
	return append(engines, sigmaEngine), nil
}

func (a *App) buildIncidents(ctx context.Context) (incidents.Store, error) {
	c := a.cfg.Incidents
	var (
		primary incidents.Store
		err     error
	)
	switch c.Store.Mode {
	case "memory":
		primary = incidents.NewMemoryStore()
	case "postgres":
		primary, err = incidents.NewPostgresStore(ctx, c.Store.Postgres.DSN)
	case "badger":
		primary, err = incidents.NewBadgerStore(c.Store.Badger.Path)
	default:
		return nil, fmt.Errorf("unknown incident store mode: %s", c.Store.Mode)
	}
	if err != nil {
		return nil, fmt.Errorf("create incident store: %w", err)
	}
	logger.Infof("Incident store mode: %s", c.Store.Mode)

	var mirrors []incidents.Writer
	if c.Mirror.File.Path != "" {
		w, err := incidents.NewJSONLWriter(c.Mirror.File.Path)
		if err != nil {
			primary.Close()
			return nil, fmt.Errorf("create incident file mirror: %w", err)
		}
		mirrors = append(mirrors, w)
		logger.Infof("Incident mirror: file (%s)", c.Mirror.File.Path)
	}
	if c.Mirror.ClickHouse.URL != "" {
		ch := c.Mirror.ClickHouse
		w, err := incidents.NewClickHouseWriter(incidents.ClickHouseConfig{
			URL:      ch.URL,
			Database: ch.Database,
			Table:    ch.Table,
			Username: ch.Username,
			Password: ch.Password,
			Timeout:  ch.Timeout,
			Headers:  ch.Headers,
		})
		if err != nil {
			for _, m := range mirrors {
				m.Close()
			}
			primary.Close()
			return nil, fmt.Errorf("create incident clickhouse mirror: %w", err)
		}
		mirrors = append(mirrors, w)
		logger.Infof("Incident mirror: clickhouse (%s/%s.%s)", ch.URL, ch.Database, ch.Table)
	}
	if len(mirrors) == 0 {
		return primary, nil
	}
	return incidents.NewMirrored(primary, mirrors...), nil
}

func (a *App) buildSubjects() (subjects.Store, error) {
	switch a.cfg.Subjects.Mode {
	case "memory":
		return subjects.NewMemoryStore(), nil
	case "redis":
		return subjects.NewRedisStore(subjects.RedisConfig{
			Addr:      a.cfg.Redis.Addr,
			Password:  a.cfg.Redis.Password,
			DB:        a.cfg.Redis.DB,
			KeyPrefix: a.cfg.Subjects.KeyPrefix,
		})
	default:
		return nil, fmt.Errorf("unknown subjects mode: %s", a.cfg.Subjects.Mode)
	}
}

func (a *App) redisClient() *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:     a.cfg.Redis.Addr,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
	})
	return client
}

func (a *App) buildLimiter() ratelimit.Limiter {
	if a.cfg.RateLimit.Mode != "redis" {
		return ratelimit.NewInMemory(time.Hour)
	}
	client := a.redisClient()
	a.redisClients = append(a.redisClients, client)
	logger.Infof("Pause limiter mode: redis (%s)", a.cfg.Redis.Addr)
	return ratelimit.NewRedis(client, time.Hour, a.cfg.RateLimit.Prefix)
}

func (a *App) buildPauser() (response.Pauser, error) {
	rc := a.cfg.Response
	switch rc.Mode {
	case "dry-run":
		logger.Warnf("Response mode is dry-run; pauses are recorded but not submitted")
		return chain.DryRunGuardian{Operator: rc.OperatorAddress}, nil
	case "onchain":
		var client *chain.Client
		for _, c := range a.clients {
			if c.Name() == strings.ToLower(rc.Chain) {
				client = c
			}
		}
		if client == nil {
			return nil, fmt.Errorf("response chain %q has no rpc client", rc.Chain)
		}
		chainID := client.ChainID()
		if chainID == nil || chainID.Sign() <= 0 {
			if ch, ok := a.cfg.Chain(rc.Chain); ok {
				chainID = big.NewInt(ch.ChainID)
			}
		}
		return chain.NewGuardian(client.Ethereum(), chain.GuardianConfig{
			Registry:   rc.GuardianRegistry,
			PrivateKey: rc.PrivateKey,
			ChainID:    chainID,
			GasLimit:   rc.GasLimit,
		})
	default:
		return nil, fmt.Errorf("unknown response mode: %s", rc.Mode)
	}
}

func buildChannels(cfg config.NotifyConfig) ([]notify.Channel, error) {
	var out []notify.Channel
	if cfg.Discord.WebhookURL != "" {
		d, err := notify.NewDiscord(cfg.Discord.WebhookURL, cfg.Discord.Timeout)
		if err != nil {
			return nil, fmt.Errorf("create discord channel: %w", err)
		}
		out = append(out, d)
	}
	if cfg.Telegram.BotToken != "" {
		t, err := notify.NewTelegram(notify.TelegramConfig{
			BotToken: cfg.Telegram.BotToken,
			ChatID:   cfg.Telegram.ChatID,
			APIURL:   cfg.Telegram.APIURL,
			Timeout:  cfg.Telegram.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("create telegram channel: %w", err)
		}
		out = append(out, t)
	}
	for _, h := range cfg.Webhooks {
		w, err := notify.NewWebhook(notify.WebhookConfig{
			Name:    h.Name,
			URL:     h.URL,
			Timeout: h.Timeout,
			Headers: h.Headers,
		})
		if err != nil {
			return nil, fmt.Errorf("create webhook channel %s: %w", h.Name, err)
		}
		out = append(out, w)
	}
	if len(out) == 0 {
		logger.Warnf("No notification channels configured")
	}
	return out, nil
}

func buildAssessor(cfg config.ThreatIntelConfig, model risk.Model) (threatintel.Assessor, error) {
	switch cfg.Mode {
	case "local":
		return threatintel.NewLocalAssessor(model), nil
	case "http":
		logger.Infof("Threat intel mode: http (%s)", cfg.HTTP.URL)
		return threatintel.NewHTTPAssessor(threatintel.HTTPConfig{
			URL:     cfg.HTTP.URL,
			Timeout: cfg.HTTP.Timeout,
			Headers: cfg.HTTP.Headers,
			Client:  telemetry.InstrumentClient(&http.Client{Timeout: cfg.HTTP.Timeout}),
		})
	default:
		return nil, fmt.Errorf("unknown threat intel mode: %s", cfg.Mode)
	}
}

func (a *App) buildInbox() (*pipeline.Inbox, error) {
	ic := a.cfg.Inbox
	var (
		source  pipeline.Source
		replies pipeline.ReplyWriter
	)
	switch ic.Mode {
	case "redis":
		client := a.redisClient()
		consumer, err := inputredis.NewConsumerWithClient(client, ic.Key, ic.BlockTimeout)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("create redis inbox: %w", err)
		}
		source = consumer
		replies = inputredis.NewReplyWriter(client, ic.Key+":replies")
		logger.Infof("Inbox mode: redis (%s %s)", a.cfg.Redis.Addr, ic.Key)
	case "kafka":
		consumer, err := inputkafka.NewConsumer(inputkafka.Config{
			Brokers: ic.Kafka.Brokers,
			Topic:   ic.Kafka.Topic,
			GroupID: ic.Kafka.GroupID,
		})
		if err != nil {
			return nil, fmt.Errorf("create kafka inbox: %w", err)
		}
		source = consumer
		if a.events != nil {
			replies = sharedReplies{a.events}
		}
		logger.Infof("Inbox mode: kafka (%s)", ic.Kafka.Topic)
	default:
		return nil, fmt.Errorf("unknown inbox mode: %s", ic.Mode)
	}
	return pipeline.NewInbox(source, a.Orchestrator, replies, a.Metrics, ic.Workers, 100, time.Second), nil
}

// sharedReplies lends the event publisher to the inbox without handing over its lifetime.
type sharedReplies struct {
	pipeline.ReplyWriter
}

func (sharedReplies) Close() error { return nil }

// Run starts every actor, the inbox and the HTTP server, and blocks until
// ctx ends or one of them fails.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	run := func(f func(context.Context) error) {
		g.Go(func() error {
			if err := f(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	run(a.Response.Run)
	for _, m := range a.Monitors {
		run(m.Run)
	}
	run(a.Orchestrator.Run)
	if a.inbox != nil {
		run(a.inbox.Run)
	}
	if !a.disableHTTP {
		run(a.serve)
	}
	return g.Wait()
}

func (a *App) serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:         a.cfg.API.Addr,
		Handler:      a.Server.Handler(),
		ReadTimeout:  a.cfg.API.ReadTimeout,
		WriteTimeout: a.cfg.API.WriteTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Infof("HTTP API listening on %s", a.cfg.API.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Errorf("HTTP shutdown error: %v", err)
		}
		return ctx.Err()
	}
}

// Close releases stores, transports and RPC clients.
func (a *App) Close() error {
	var errs []error
	if a.inbox != nil {
		errs = append(errs, a.inbox.Close())
	}
	if a.events != nil {
		errs = append(errs, a.events.Close())
	}
	if a.Incidents != nil {
		errs = append(errs, a.Incidents.Close())
	}
	if a.Subjects != nil {
		errs = append(errs, a.Subjects.Close())
	}
	for _, c := range a.redisClients {
		errs = append(errs, c.Close())
	}
	for _, c := range a.clients {
		errs = append(errs, c.Close())
	}
	if a.shutdownTelemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = append(errs, a.shutdownTelemetry(ctx))
		cancel()
	}
	return errors.Join(errs...)
}

// OpenIncidents opens only the configured incident store, for offline tooling.
func OpenIncidents(ctx context.Context, root *config.Config) (incidents.Store, error) {
	a := &App{cfg: root.CodeGuard}
	return a.buildIncidents(ctx)
}
