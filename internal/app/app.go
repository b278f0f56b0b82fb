// Package app wires the medscribe subsystems into a running application.
//
// The App struct owns the full lifecycle: New loads the catalog, resolves the
// settings layers, builds the gateway, the speech service and the telemetry
// store, Run serves the HTTP API next to the settings watcher and the
// recording reaper, and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithStore,
// WithGatewayFactory, WithCatalog). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/medscribe/internal/api"
	"github.com/MrWong99/medscribe/internal/catalog"
	"github.com/MrWong99/medscribe/internal/config"
	"github.com/MrWong99/medscribe/internal/factcheck"
	"github.com/MrWong99/medscribe/internal/gateway"
	"github.com/MrWong99/medscribe/internal/health"
	"github.com/MrWong99/medscribe/internal/match"
	"github.com/MrWong99/medscribe/internal/observe"
	"github.com/MrWong99/medscribe/internal/record"
	"github.com/MrWong99/medscribe/internal/resilience"
	"github.com/MrWong99/medscribe/internal/speech"
	"github.com/MrWong99/medscribe/internal/telemetry"
	"github.com/MrWong99/medscribe/internal/telemetry/postgres"
	"github.com/MrWong99/medscribe/internal/telemetry/sqlite"
)

// Defaults applied when the config leaves a value empty.
const (
	DefaultListenAddr = ":8080"
	DefaultSQLitePath = "data/medscribe.db"
	DefaultExportDir  = "exports"
	DefaultSTT        = "dashscope"
)

// shutdownTimeout bounds the graceful HTTP shutdown in Run.
const shutdownTimeout = 10 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg          *config.Config
	registry     *config.Registry
	settingsPath string
	override     config.Settings

	// Subsystems, initialised in New and torn down in Shutdown.
	catalog   *catalog.Catalog
	matcher   *match.Matcher
	gateway   *gateway.Gateway
	factory   gateway.Factory
	breaker   *resilience.CircuitBreaker
	sessions  *SessionManager
	checker   *factcheck.Checker
	generator *record.Generator
	store     telemetry.Store
	recorder  *telemetry.Recorder
	sink      telemetry.Sink
	metrics   *observe.Metrics
	metricsH  http.Handler
	server    *api.Server

	// mu serialises settings reloads.
	mu sync.Mutex

	// closers are called in order during Shutdown.
	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a telemetry store instead of opening one from config.
// The app does not close an injected store.
func WithStore(s telemetry.Store) Option {
	return func(a *App) { a.store = s }
}

// WithCatalog injects the reference catalog instead of loading catalog.dir.
func WithCatalog(c *catalog.Catalog) Option {
	return func(a *App) { a.catalog = c }
}

// WithGatewayFactory replaces the OpenAI-compatible gateway backends.
func WithGatewayFactory(f gateway.Factory) Option {
	return func(a *App) { a.factory = f }
}

// WithSettingsPath sets the persisted settings file. Empty disables the
// persisted layer and the watcher.
func WithSettingsPath(path string) Option {
	return func(a *App) { a.settingsPath = path }
}

// WithOverride sets the highest-precedence settings layer, typically from
// command-line flags.
func WithOverride(s config.Settings) Option {
	return func(a *App) { a.override = s }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithObservability takes metrics and the /metrics handler from sdk. The
// caller keeps ownership and shuts it down.
func WithObservability(sdk *observe.SDK) Option {
	return func(a *App) {
		a.metrics = sdk.Metrics
		a.metricsH = sdk.Handler()
	}
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The registry comes
// from main (populated with the built-in providers).
func New(ctx context.Context, cfg *config.Config, reg *config.Registry, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, registry: reg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Catalog ───────────────────────────────────────────────────────
	if err := a.initCatalog(); err != nil {
		return nil, fmt.Errorf("app: init catalog: %w", err)
	}

	// ── 2. Gateway ───────────────────────────────────────────────────────
	resolved, err := a.resolve()
	if err != nil {
		return nil, fmt.Errorf("app: resolve settings: %w", err)
	}
	if err := a.initGateway(resolved); err != nil {
		return nil, fmt.Errorf("app: init gateway: %w", err)
	}

	// ── 3. Speech ────────────────────────────────────────────────────────
	a.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         "speech-primary",
		MaxFailures:  cfg.Speech.BreakerMaxFailures,
		ResetTimeout: cfg.Speech.BreakerResetTimeout,
		OnStateChange: func(name string, _, to resilience.State) {
			a.metrics.RecordBreakerTransition(context.Background(), name, to.String())
		},
	})
	svc, err := a.buildSpeech(resolved)
	if err != nil {
		return nil, fmt.Errorf("app: init speech: %w", err)
	}
	a.sessions = NewSessionManager(svc)

	// ── 4. Orchestrators ─────────────────────────────────────────────────
	a.checker = factcheck.New(a.gateway, factcheck.WithMetrics(a.metrics))
	a.generator = record.NewGenerator(a.gateway)

	// ── 5. Telemetry ─────────────────────────────────────────────────────
	if err := a.initTelemetry(ctx); err != nil {
		return nil, fmt.Errorf("app: init telemetry: %w", err)
	}

	// ── 6. HTTP API ──────────────────────────────────────────────────────
	a.server = api.New(api.Deps{
		Matcher:   a.matcher,
		Chat:      a.gateway,
		Speech:    a.sessions,
		Checker:   a.checker,
		Generator: a.generator,
		Telemetry: a.recorder,
		Health: health.New(
			health.Ping("telemetry", a.store),
			health.Catalog(a.catalog.Counts),
			health.Breaker("speech", a.breaker),
		),
		Metrics:        a.metrics,
		MetricsHandler: a.metricsH,
		MaxAudio:       int64(cfg.Speech.FallbackMaxBytes) * 2,
	})

	slog.Info("medscribe initialised",
		"catalog", a.catalog.Counts(),
		"model", resolved.Model,
		"speech_test_mode", resolved.SpeechTestMode,
		"chat_key", resolved.HasChatKey(),
	)
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) initCatalog() error {
	if a.catalog == nil {
		if dir := a.cfg.Catalog.Dir; dir != "" {
			c, err := catalog.LoadDir(dir)
			if err != nil {
				return err
			}
			a.catalog = c
		} else {
			a.catalog = catalog.Load(catalog.Tables{})
		}
	}
	a.matcher = match.New(a.catalog)
	return nil
}

// resolve applies the settings precedence: override, persisted file,
// environment, static config file, built-in defaults.
func (a *App) resolve() (config.Resolved, error) {
	var persisted config.Settings
	if a.settingsPath != "" {
		s, err := config.LoadSettings(a.settingsPath)
		if err != nil {
			return config.Resolved{}, err
		}
		persisted = s
	}
	return a.resolveWith(persisted), nil
}

func (a *App) resolveWith(persisted config.Settings) config.Resolved {
	env := config.ProcessEnv().Or(config.FileDefaults(a.cfg))
	return config.Resolve(a.override, persisted, env)
}

func (a *App) initGateway(resolved config.Resolved) error {
	if a.factory == nil {
		a.factory = gateway.NewFactory(gateway.FactoryConfig{
			Registry:  a.registry,
			Fallbacks: a.cfg.Providers.LLM.Fallbacks,
			Breaker:   resilience.CircuitBreakerConfig{MaxFailures: 3},
			OnFailover: func(failed string, err error) {
				a.metrics.RecordFallback(context.Background(), "chat")
				slog.Warn("chat provider failed over", "provider", failed, "err", err)
			},
		})
	}
	g, err := gateway.New(resolved, a.factory,
		gateway.WithChatPolicy(retryPolicy(a.cfg.Retry.Chat, resilience.DefaultRetryPolicy())),
		gateway.WithAudioPolicy(retryPolicy(a.cfg.Retry.Transcription, resilience.TranscriptionRetryPolicy())),
		gateway.WithMetrics(a.metrics),
	)
	if err != nil {
		return err
	}
	a.gateway = g
	return nil
}

// buildSpeech creates the speech service for one resolved configuration. The
// breaker is shared so a reload does not reset it.
func (a *App) buildSpeech(resolved config.Resolved) (*speech.Service, error) {
	entry := a.cfg.Providers.STT
	if entry.Name == "" {
		entry.Name = DefaultSTT
	}
	var noCredential bool
	key := resolved.DashScopeAPIKey
	switch entry.Name {
	case "openai":
		key = resolved.APIKey
		if entry.BaseURL == "" {
			entry.BaseURL = resolved.BaseURL
		}
		if entry.AudioModel == "" {
			entry.AudioModel = resolved.AudioModel
		}
	case "deepgram":
		// Only the config file carries a Deepgram key.
		key = entry.APIKey
	case "whisper":
		key, noCredential = "", true
	}
	entry.APIKey = key

	primary, err := a.registry.CreateSTT(entry)
	if err != nil {
		return nil, fmt.Errorf("stt %q: %w", entry.Name, err)
	}
	return speech.New(speech.Config{
		Primary:          primary,
		Fallback:         a.gateway,
		APIKey:           key,
		NoCredential:     noCredential,
		TestMode:         resolved.SpeechTestMode,
		CannedTranscript: a.cfg.Speech.CannedTranscript,
		FallbackMaxBytes: a.cfg.Speech.FallbackMaxBytes,
		Policy:           retryPolicy(a.cfg.Retry.Transcription, resilience.TranscriptionRetryPolicy()),
		Breaker:          a.breaker,
		Metrics:          a.metrics,
	}), nil
}

func (a *App) initTelemetry(ctx context.Context) error {
	if a.store == nil {
		store, err := OpenStore(ctx, a.cfg.Telemetry)
		if err != nil {
			return err
		}
		a.store = store
		a.closers = append(a.closers, store.Close)
	}
	a.recorder = telemetry.NewRecorder(a.store)

	sink, err := OpenSink(ctx, a.cfg.Telemetry.Export)
	if err != nil {
		return err
	}
	a.sink = sink
	return nil
}

// OpenStore opens the telemetry store selected by cfg.
func OpenStore(ctx context.Context, cfg config.TelemetryConfig) (telemetry.Store, error) {
	switch cfg.Driver {
	case "postgres":
		s, err := postgres.NewStore(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "", "sqlite":
		path := cfg.DSN
		if path == "" {
			path = DefaultSQLitePath
		}
		s, err := sqlite.Open(ctx, path)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown telemetry driver %q", cfg.Driver)
	}
}

// OpenSink returns the export sink selected by cfg: S3 when a bucket is set,
// otherwise a directory.
func OpenSink(ctx context.Context, cfg config.ExportConfig) (telemetry.Sink, error) {
	if s3 := cfg.S3; s3.Bucket != "" {
		return telemetry.NewS3Sink(ctx, telemetry.S3Config{
			Bucket:    s3.Bucket,
			Region:    s3.Region,
			Prefix:    s3.Prefix,
			Endpoint:  s3.Endpoint,
			AccessKey: s3.AccessKeyID,
			SecretKey: s3.SecretAccessKey,
		})
	}
	dir := cfg.Dir
	if dir == "" {
		dir = DefaultExportDir
	}
	return &telemetry.FileSink{Dir: dir}, nil
}

// retryPolicy overlays the non-zero fields of c on def.
func retryPolicy(c config.RetryPolicyConfig, def resilience.RetryPolicy) resilience.RetryPolicy {
	p := def
	if c.MaxRetries != nil {
		p.MaxRetries = *c.MaxRetries
	}
	if c.InitialDelay > 0 {
		p.InitialDelay = c.InitialDelay
	}
	if c.MaxDelay > 0 {
		p.MaxDelay = c.MaxDelay
	}
	if c.Multiplier >= 1 {
		p.Multiplier = c.Multiplier
	}
	return p
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the instrumented HTTP handler.
func (a *App) Handler() http.Handler { return a.server.Handler() }

// Matcher returns the entity matcher.
func (a *App) Matcher() *match.Matcher { return a.matcher }

// Gateway returns the model gateway.
func (a *App) Gateway() *gateway.Gateway { return a.gateway }

// Sessions returns the recording session manager.
func (a *App) Sessions() *SessionManager { return a.sessions }

// Generator returns the record generator.
func (a *App) Generator() *record.Generator { return a.generator }

// Checker returns the fact-checker.
func (a *App) Checker() *factcheck.Checker { return a.checker }

// Recorder returns the telemetry recorder.
func (a *App) Recorder() *telemetry.Recorder { return a.recorder }

// Sink returns the export sink.
func (a *App) Sink() telemetry.Sink { return a.sink }

// ─── Settings reload ─────────────────────────────────────────────────────────

// Reload re-resolves the configuration with persisted as the settings layer
// and pushes the result to the gateway and the speech service. On error the
// previous configuration stays active.
func (a *App) Reload(persisted config.Settings) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	resolved := a.resolveWith(persisted)
	if err := a.gateway.Update(resolved); err != nil {
		return fmt.Errorf("app: reload: %w", err)
	}
	svc, err := a.buildSpeech(resolved)
	if err != nil {
		return fmt.Errorf("app: reload: %w", err)
	}
	a.sessions.Swap(svc)
	return nil
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the HTTP API, watches the settings file and reaps abandoned
// recordings until ctx is cancelled or one of them fails. A cancelled ctx
// is a clean exit and returns nil.
func (a *App) Run(ctx context.Context) error {
	// No goroutine may start before the watcher exists.
	var watcher *config.Watcher
	if a.settingsPath != "" {
		w, err := config.NewWatcher(a.settingsPath, func(_, s config.Settings) {
			if err := a.Reload(s); err != nil {
				slog.Error("settings reload failed", "err", err)
				return
			}
			slog.Info("settings reloaded", "path", a.settingsPath)
		})
		if err != nil {
			return fmt.Errorf("app: watch settings: %w", err)
		}
		watcher = w
	}

	g, ctx := errgroup.WithContext(ctx)

	addr := a.cfg.Server.ListenAddr
	if addr == "" {
		addr = DefaultListenAddr
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	g.Go(func() error {
		slog.Info("http server listening", "addr", addr, "tls", a.cfg.Server.TLS != nil)
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: http server: %w", err)
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	g.Go(func() error { return a.sessions.Run(ctx) })

	if watcher != nil {
		g.Go(func() error {
			<-ctx.Done()
			watcher.Stop()
			return nil
		})
	}

	return g.Wait()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in init order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}
