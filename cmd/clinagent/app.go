package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/haasonsaas/clinagent/internal/agent"
	"github.com/haasonsaas/clinagent/internal/agent/providers"
	"github.com/haasonsaas/clinagent/internal/auth"
	"github.com/haasonsaas/clinagent/internal/config"
	"github.com/haasonsaas/clinagent/internal/jobs"
	"github.com/haasonsaas/clinagent/internal/observability"
	"github.com/haasonsaas/clinagent/internal/sessions"
	"github.com/haasonsaas/clinagent/internal/tools/arith"
	"github.com/haasonsaas/clinagent/internal/tools/clinicaltrials"
	"github.com/haasonsaas/clinagent/internal/tools/devices"
	"github.com/haasonsaas/clinagent/internal/tools/documents"
	"github.com/haasonsaas/clinagent/internal/tools/genomics"
	"github.com/haasonsaas/clinagent/internal/tools/pubmed"
)

// app holds everything built from a configuration. close releases it in
// reverse order of construction.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	promReg  *prometheus.Registry
	metrics  *observability.Metrics
	tracer   *observability.Tracer
	registry *agent.ToolRegistry
	sessions sessions.Store
	loop     *agent.AgenticLoop
	auth     *auth.Service

	closers []func(context.Context) error
}

func (a *app) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

func (a *app) close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// newLogger builds the redacting structured logger from configuration.
func newLogger(cfg config.LoggingConfig, out io.Writer, debug bool) *slog.Logger {
	level := cfg.Level
	if debug {
		level = "debug"
	}
	return observability.NewLogger(observability.LogConfig{
		Level:          level,
		Format:         cfg.Format,
		Output:         out,
		AddSource:      cfg.AddSource,
		RedactPatterns: cfg.RedactPatterns,
	}).Slog()
}

// buildApp wires providers, tools, stores and the agent loop. On error
// anything already opened is closed.
func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = a.close(context.Background()) //nolint:errcheck
		}
	}()

	a.promReg = prometheus.NewRegistry()
	a.promReg.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	a.metrics = observability.NewMetrics(a.promReg)

	if cfg.Observability.Tracing.Enabled {
		tc := cfg.Observability.Tracing
		tracer, shutdown, err := observability.NewTracer(observability.TraceConfig{
			ServiceName:    tc.ServiceName,
			ServiceVersion: version,
			Environment:    tc.Environment,
			Endpoint:       tc.Endpoint,
			SamplingRate:   tc.SamplingRate,
			Attributes:     tc.Attributes,
			EnableInsecure: tc.Insecure,
		})
		if err != nil {
			return nil, fmt.Errorf("tracing: %w", err)
		}
		a.tracer = tracer
		a.onClose(shutdown)
	}

	provider, err := buildProvider(ctx, cfg.LLM)
	if err != nil {
		return nil, err
	}

	a.registry, err = buildRegistry(ctx, cfg, a, logger)
	if err != nil {
		return nil, err
	}

	a.sessions, err = buildSessionStore(cfg.Session)
	if err != nil {
		return nil, err
	}
	if closer, ok := a.sessions.(io.Closer); ok {
		a.onClose(func(context.Context) error { return closer.Close() })
	}

	a.loop = agent.NewAgenticLoop(provider, a.registry, a.sessions, &agent.LoopConfig{
		MaxIterations: cfg.Agent.MaxIterations,
		MaxTokens:     cfg.Agent.MaxTokens,
		ModelTimeout:  cfg.Agent.ModelTimeout,
		ToolTimeout:   cfg.Agent.ToolTimeout,
		HistoryLimit:  cfg.Agent.HistoryLimit,
		DefaultModel:  cfg.Agent.Model,
		SystemPrompt:  cfg.Agent.SystemPrompt,
	},
		agent.WithLogger(logger),
		agent.WithMetrics(a.metrics),
		agent.WithTracer(a.tracer),
	)

	a.auth = auth.NewService(auth.Config{
		APIKeys:     cfg.Auth.APIKeys,
		JWTSecret:   cfg.Auth.JWTSecret,
		TokenExpiry: cfg.Auth.TokenExpiry,
	})
	return a, nil
}

// buildProvider creates the configured default model backend.
func buildProvider(ctx context.Context, cfg config.LLMConfig) (agent.LLMProvider, error) {
	name := cfg.DefaultProvider
	p, ok := cfg.Providers[name]
	if !ok {
		return nil, fmt.Errorf("llm provider %q is not configured", name)
	}
	var (
		provider agent.LLMProvider
		err      error
	)
	switch name {
	case "anthropic":
		provider, err = providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:       p.APIKey,
			BaseURL:      p.BaseURL,
			MaxRetries:   p.MaxRetries,
			RetryDelay:   p.RetryDelay,
			DefaultModel: p.DefaultModel,
		})
	case "openai":
		provider, err = providers.NewOpenAIProvider(providers.OpenAIConfig{
			APIKey:       p.APIKey,
			BaseURL:      p.BaseURL,
			MaxRetries:   p.MaxRetries,
			RetryDelay:   p.RetryDelay,
			DefaultModel: p.DefaultModel,
		})
	case "bedrock":
		provider, err = providers.NewBedrockProvider(ctx, providers.BedrockConfig{
			Region:          p.Region,
			AccessKeyID:     p.AccessKeyID,
			SecretAccessKey: p.SecretAccessKey,
			SessionToken:    p.SessionToken,
			Endpoint:        p.BaseURL,
			DefaultModel:    p.DefaultModel,
			MaxRetries:      p.MaxRetries,
			RetryDelay:      p.RetryDelay,
		})
	case "google":
		provider, err = providers.NewGoogleProvider(ctx, providers.GoogleConfig{
			APIKey:       p.APIKey,
			BaseURL:      p.BaseURL,
			MaxRetries:   p.MaxRetries,
			RetryDelay:   p.RetryDelay,
			DefaultModel: p.DefaultModel,
		})
	default:
		return nil, fmt.Errorf("unknown llm provider %q", name)
	}
	if err != nil {
		return nil, fmt.Errorf("llm provider %s: %w", name, err)
	}
	return provider, nil
}

// buildRegistry registers every enabled tool. Stores the tools open are
// closed with a.
func buildRegistry(ctx context.Context, cfg *config.Config, a *app, logger *slog.Logger) (*agent.ToolRegistry, error) {
	reg := agent.NewToolRegistry()
	reg.SetLogger(logger)
	tools := cfg.Tools

	if tools.Arith.IsEnabled() {
		if err := arith.Register(reg); err != nil {
			return nil, fmt.Errorf("arith tools: %w", err)
		}
	}

	if tools.PubMed.IsEnabled() {
		client := pubmed.NewClient(pubmed.Config{
			BaseURL: tools.PubMed.BaseURL,
			APIKey:  tools.PubMed.APIKey,
			Timeout: tools.PubMed.Timeout,
		})
		if err := pubmed.Register(reg, client); err != nil {
			return nil, fmt.Errorf("pubmed tools: %w", err)
		}
	}

	if tools.ClinicalTrials.IsEnabled() {
		client := clinicaltrials.NewClient(clinicaltrials.Config{
			BaseURL:   tools.ClinicalTrials.BaseURL,
			UserAgent: tools.ClinicalTrials.UserAgent,
			Timeout:   tools.ClinicalTrials.Timeout,
		})
		if err := clinicaltrials.Register(reg, client); err != nil {
			return nil, fmt.Errorf("clinicaltrials tools: %w", err)
		}
	}

	if tools.Genomics.Enabled {
		store, err := genomics.Open(ctx, genomics.Config{
			DSN:             tools.Genomics.Database.URL,
			Table:           tools.Genomics.Table,
			MaxOpenConns:    tools.Genomics.Database.MaxConnections,
			ConnMaxLifetime: tools.Genomics.Database.ConnMaxLifetime,
		}, a.metrics)
		if err != nil {
			return nil, fmt.Errorf("genomics store: %w", err)
		}
		a.onClose(func(context.Context) error { return store.Close() })
		if err := genomics.Register(reg, store); err != nil {
			return nil, fmt.Errorf("genomics tools: %w", err)
		}
	}

	if tools.Devices.Enabled {
		store, err := devices.Open(ctx, tools.Devices.Path, a.metrics)
		if err != nil {
			return nil, fmt.Errorf("device store: %w", err)
		}
		a.onClose(func(context.Context) error { return store.Close() })
		if tools.Devices.Seed {
			n, err := store.Seed(ctx)
			if err != nil {
				return nil, fmt.Errorf("seed devices: %w", err)
			}
			if n > 0 {
				logger.Info("seeded device inventory", "count", n)
			}
		}
		if err := devices.Register(reg, store); err != nil {
			return nil, fmt.Errorf("device tools: %w", err)
		}
	}

	if tools.Documents.Enabled {
		store, err := documents.NewStore(ctx, documents.Config{
			Bucket:          tools.Documents.Bucket,
			Prefix:          tools.Documents.Prefix,
			Region:          tools.Documents.Region,
			Endpoint:        tools.Documents.Endpoint,
			UsePathStyle:    tools.Documents.UsePathStyle,
			AccessKeyID:     tools.Documents.AccessKeyID,
			SecretAccessKey: tools.Documents.SecretAccessKey,
		})
		if err != nil {
			return nil, fmt.Errorf("document store: %w", err)
		}
		if err := documents.Register(reg, store); err != nil {
			return nil, fmt.Errorf("document tools: %w", err)
		}
	}

	return reg, nil
}

func buildSessionStore(cfg config.SessionConfig) (sessions.Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return sessions.NewMemoryStore(), nil
	case "postgres":
		pool := sessions.DefaultPostgresConfig()
		applyPool(cfg.Database, &pool.MaxOpenConns, &pool.ConnMaxLifetime)
		store, err := sessions.NewPostgresStoreFromDSN(cfg.Database.URL, pool)
		if err != nil {
			return nil, fmt.Errorf("session store: %w", err)
		}
		return store, nil
	}
	return nil, fmt.Errorf("unknown session backend %q", cfg.Backend)
}

func buildJobStore(cfg config.JobsConfig, metrics *observability.Metrics) (jobs.Store, func() error, error) {
	switch cfg.Backend {
	case "", "memory":
		return jobs.NewMemoryStore(), func() error { return nil }, nil
	case "postgres":
		pool := jobs.DefaultPostgresConfig()
		applyPool(cfg.Database, &pool.MaxOpenConns, &pool.ConnMaxLifetime)
		store, err := jobs.NewPostgresStoreFromDSN(cfg.Database.URL, pool)
		if err != nil {
			return nil, nil, fmt.Errorf("job store: %w", err)
		}
		store.SetMetrics(metrics)
		return store, store.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown jobs backend %q", cfg.Backend)
}

func applyPool(db config.DatabaseConfig, maxOpen *int, lifetime *time.Duration) {
	if db.MaxConnections > 0 {
		*maxOpen = db.MaxConnections
	}
	if db.ConnMaxLifetime > 0 {
		*lifetime = db.ConnMaxLifetime
	}
}
