package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/haasonsaas/clinagent/internal/agent"
	"github.com/haasonsaas/clinagent/internal/auth"
	"github.com/haasonsaas/clinagent/internal/config"
	"github.com/haasonsaas/clinagent/internal/jobs"
	"github.com/haasonsaas/clinagent/internal/server"
	"github.com/haasonsaas/clinagent/internal/sessions"
	"github.com/haasonsaas/clinagent/internal/stream"
	"github.com/haasonsaas/clinagent/pkg/models"
)

// runServe loads the configuration, wires the application and serves HTTP
// until SIGINT or SIGTERM.
func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger := newLogger(cfg.Observability.Logging, os.Stderr, debug)
	slog.SetDefault(logger)

	logger.Info("starting clinagent",
		"version", version,
		"commit", commit,
		"config", configPath,
		"llm_provider", cfg.LLM.DefaultProvider,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer closeCancel()
		if err := a.close(closeCtx); err != nil {
			logger.Warn("shutdown cleanup failed", "error", err)
		}
	}()

	jobStore, closeJobs, err := buildJobStore(cfg.Jobs, a.metrics)
	if err != nil {
		return err
	}
	a.onClose(func(context.Context) error { return closeJobs() })

	runner := jobs.NewRunner(a.loop, a.sessions, jobStore,
		jobs.RunnerConfig{Timeout: cfg.Jobs.Timeout},
		jobs.WithLogger(logger),
		jobs.WithMetrics(a.metrics),
	)
	if err := runner.StartPruner(ctx, cfg.Jobs.PruneSchedule, cfg.Jobs.Retention); err != nil {
		return err
	}

	srvCfg := server.Config{
		Addr:              cfg.Server.Addr(),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		ShutdownTimeout:   cfg.Server.ShutdownTimeout,
	}
	if cfg.Observability.Metrics.IsEnabled() {
		srvCfg.MetricsPath = cfg.Observability.Metrics.Path
	}
	srv := server.New(srvCfg, a.loop, a.registry, a.sessions, runner,
		server.WithLogger(logger),
		server.WithAuth(a.auth),
		server.WithMetrics(a.metrics, a.promReg),
		server.WithTracer(a.tracer),
	)

	logger.Info("tools registered", "count", a.registry.Len(), "auth", a.auth.Enabled())
	if err := srv.Run(ctx); err != nil {
		return err
	}
	logger.Info("clinagent stopped")
	return nil
}

// runChat answers questions read from the terminal.
func runChat(cmd *cobra.Command, configPath, sessionKey string, verbose bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	// Logs go to stderr at warn level unless configured lower, so they do
	// not interleave with answers.
	logCfg := cfg.Observability.Logging
	if logCfg.Level == "info" {
		logCfg.Level = "warn"
	}
	logger := newLogger(logCfg, cmd.ErrOrStderr(), false)

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close(context.Background()) //nolint:errcheck

	in := cmd.InOrStdin()
	interactive := false
	if f, ok := in.(*os.File); ok {
		interactive = term.IsTerminal(int(f.Fd()))
	}
	return chatSession(ctx, a.loop, a.sessions, chatOptions{
		sessionKey:  sessionKey,
		in:          in,
		out:         cmd.OutOrStdout(),
		interactive: interactive,
		verbose:     verbose,
	})
}

type chatOptions struct {
	sessionKey  string
	in          io.Reader
	out         io.Writer
	interactive bool
	verbose     bool
}

// chatSession runs the read-answer loop until EOF, /exit, or ctx ends.
func chatSession(ctx context.Context, loop jobs.Loop, store sessions.Store, opts chatOptions) error {
	key := sessions.SessionKey(models.ChannelCLI, opts.sessionKey)
	session, err := store.GetOrCreate(ctx, key, models.ChannelCLI)
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}

	renderer := stream.NewTextRenderer(opts.out)
	renderer.Verbose = opts.verbose

	if opts.interactive {
		fmt.Fprintf(opts.out, "clinagent %s. Session %q. Type /exit to quit.\n", version, opts.sessionKey)
	}

	scanner := bufio.NewScanner(opts.in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for {
		if opts.interactive {
			fmt.Fprint(opts.out, "> ")
		}
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/exit", "/quit":
			return nil
		case "/reset":
			if err := store.Reset(ctx, session.ID); err != nil {
				return fmt.Errorf("reset session: %w", err)
			}
			fmt.Fprintln(opts.out, "Conversation cleared.")
			continue
		}

		events, err := loop.Run(ctx, session, line)
		if err != nil {
			return err
		}
		if err := renderer.RenderAll(ctx, events); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func runConfigSchema(out io.Writer) error {
	schema, err := config.JSONSchema()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(schema))
	return err
}

func runConfigValidate(out io.Writer, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	enabled := enabledTools(cfg.Tools)
	fmt.Fprintf(out, "%s is valid\n", configPath)
	fmt.Fprintf(out, "  provider: %s\n", cfg.LLM.DefaultProvider)
	fmt.Fprintf(out, "  listen:   %s\n", cfg.Server.Addr())
	fmt.Fprintf(out, "  sessions: %s\n", cfg.Session.Backend)
	fmt.Fprintf(out, "  jobs:     %s\n", cfg.Jobs.Backend)
	fmt.Fprintf(out, "  tools:    %s\n", strings.Join(enabled, ", "))
	return nil
}

func enabledTools(t config.ToolsConfig) []string {
	var out []string
	if t.Arith.IsEnabled() {
		out = append(out, "arith")
	}
	if t.PubMed.IsEnabled() {
		out = append(out, "pubmed")
	}
	if t.ClinicalTrials.IsEnabled() {
		out = append(out, "clinicaltrials")
	}
	if t.Genomics.Enabled {
		out = append(out, "genomics")
	}
	if t.Devices.Enabled {
		out = append(out, "devices")
	}
	if t.Documents.Enabled {
		out = append(out, "documents")
	}
	return out
}

// runToolsList prints the descriptors the model would be offered. No
// provider is needed.
func runToolsList(ctx context.Context, out io.Writer, configPath string, asJSON bool) error {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg = loaded
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a := &app{cfg: cfg, logger: logger}
	defer a.close(context.Background()) //nolint:errcheck

	reg, err := buildRegistry(ctx, cfg, a, logger)
	if err != nil {
		return err
	}
	descriptors := reg.Descriptors()

	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(descriptors)
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tPARAMETERS\tDESCRIPTION")
	for _, d := range descriptors {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", d.Name, formatParams(d.Params), firstSentence(d.Description))
	}
	return tw.Flush()
}

// formatParams lists parameter names, marking required ones with "*".
func formatParams(params map[string]agent.ParamSpec) string {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)
	for i, name := range names {
		if params[name].Required {
			names[i] = name + "*"
		}
	}
	if len(names) == 0 {
		return "-"
	}
	return strings.Join(names, ",")
}

func firstSentence(s string) string {
	if i := strings.Index(s, ". "); i >= 0 {
		return s[:i+1]
	}
	return s
}

func runAuthToken(out io.Writer, configPath, subject, name string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is not configured")
	}
	service := auth.NewService(auth.Config{
		JWTSecret:   cfg.Auth.JWTSecret,
		TokenExpiry: cfg.Auth.TokenExpiry,
	})
	token, err := service.GenerateJWT(subject, name)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, token)
	return err
}
