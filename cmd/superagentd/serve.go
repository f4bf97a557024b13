package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	containerdclient "github.com/containerd/containerd/v2/client"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/superagenthq/superagent/internal/auth"
	"github.com/superagenthq/superagent/internal/config"
	ctr "github.com/superagenthq/superagent/internal/containerd"
	"github.com/superagenthq/superagent/internal/embeddings"
	"github.com/superagenthq/superagent/internal/engine"
	"github.com/superagenthq/superagent/internal/fault"
	"github.com/superagenthq/superagent/internal/gateway"
	"github.com/superagenthq/superagent/internal/handlers"
	"github.com/superagenthq/superagent/internal/llm"
	"github.com/superagenthq/superagent/internal/logger"
	"github.com/superagenthq/superagent/internal/memory"
	"github.com/superagenthq/superagent/internal/metrics"
	"github.com/superagenthq/superagent/internal/server"
	"github.com/superagenthq/superagent/internal/supervisor"
)

// Container agents read their spec and credentials from these variables.
const (
	envAgentSpec       = "SUPERAGENT_SPEC"
	envGatewayURL      = "SUPERAGENT_GATEWAY_URL"
	envGatewayToken    = "SUPERAGENT_GATEWAY_TOKEN"
	envProviderKey     = "SUPERAGENT_PROVIDER_KEY"
	envSimilarityFloor = "SUPERAGENT_SIMILARITY_FLOOR"
	envLMTimeout       = "SUPERAGENT_LM_TIMEOUT_SECONDS"
)

const agentTokenTTL = 30 * 24 * time.Hour

func runServe() {
	fx.New(
		fx.Provide(
			provideConfig,
			provideSecrets,
			provideLogger,
			provideMetrics,
			provideGateway,
			provideMemoryService,
			provideRuntime,
			provideSupervisor,
			provideServerHandler(handlers.NewPingHandler),
			provideServerHandler(handlers.NewGatewayHandler),
			provideServerHandler(provideMemoryHandler),
			provideServerHandler(provideFleetHandler),
			provideServerHandler(handlers.NewMetricsHandler),
			provideServer,
		),
		fx.Invoke(
			startGateway,
			startRetentionSweep,
			startSupervisor,
			startServer,
		),
		fx.WithLogger(func(log *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: log.With(slog.String("component", "fx"))}
		}),
	).Run()
}

func provideServerHandler(fn any) any {
	return fx.Annotate(
		fn,
		fx.As(new(server.Handler)),
		fx.ResultTags(`group:"server_handlers"`),
	)
}

func provideConfig() (config.Config, error) {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func provideSecrets(cfg config.Config) (config.Secrets, error) {
	return config.ResolveSecrets(cfg, nil)
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

func provideMetrics() *metrics.Metrics { return metrics.New() }

func provideGateway(log *slog.Logger, m *metrics.Metrics, cfg config.Config, secrets config.Secrets) (*gateway.Gateway, error) {
	gw := gateway.New(log, m, cfg.Global.SubscriptionBufferSize)
	for id := range cfg.Agents {
		if err := gw.Register(id, secrets.DiscordTokens[id]); err != nil {
			return nil, fmt.Errorf("register bot %q: %w", id, err)
		}
	}
	return gw, nil
}

func provideMemoryService(lc fx.Lifecycle, log *slog.Logger, cfg config.Config, secrets config.Secrets) (*memory.Service, error) {
	embedKey := secrets.ProviderKeys["openai"]
	if embedKey == "" {
		embedKey = os.Getenv("OPENAI_API_KEY")
	}
	embedder, err := embeddings.NewOpenAIEmbedder(log, embedKey, cfg.Embedding.BaseURL,
		cfg.Embedding.Model, cfg.Embedding.Dimensions, cfg.Global.EmbeddingTimeout())
	if err != nil {
		return nil, fmt.Errorf("init embedder: %w", err)
	}

	dsn := cfg.Postgres.DSN(secrets.PostgresPassword)
	store, err := memory.OpenPgStore(context.Background(), log, dsn, cfg.Embedding.Dimensions)
	if err != nil {
		return nil, fmt.Errorf("open memory store: %w", err)
	}
	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { store.Close(); return nil }})

	return memory.NewService(log, store, embedder), nil
}

// provideRuntime dials containerd only when the fleet declares container
// agents; a pure-process fleet runs without the socket.
func provideRuntime(lc fx.Lifecycle, log *slog.Logger, cfg config.Config) (*ctr.Runtime, error) {
	hasContainers := false
	for _, spec := range cfg.Agents {
		if spec.Kind == "container" {
			hasContainers = true
			break
		}
	}
	if !hasContainers {
		return nil, nil
	}

	client, err := containerdclient.New(cfg.Containerd.SocketPath)
	if err != nil {
		return nil, fmt.Errorf("connect containerd at %s: %w", cfg.Containerd.SocketPath, err)
	}
	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { return client.Close() }})

	svc := ctr.NewDefaultService(log, client, cfg.Containerd.Namespace)
	return ctr.NewRuntime(log, svc), nil
}

func provideSupervisor(log *slog.Logger, m *metrics.Metrics, cfg config.Config, secrets config.Secrets,
	gw *gateway.Gateway, mem *memory.Service, runtime *ctr.Runtime) (*supervisor.Supervisor, error) {

	factory := func(spec config.AgentSpec) (supervisor.Runner, error) {
		switch spec.Kind {
		case "process":
			return newProcessRunner(log, m, cfg, secrets, gw, mem, spec)
		case "container":
			return newContainerRunner(log, cfg, secrets, runtime, spec)
		default:
			return nil, fault.New(fault.KindConfig, "unknown agent kind "+spec.Kind)
		}
	}

	return supervisor.New(supervisor.Params{
		Specs:     cfg.Agents,
		Global:    cfg.Global,
		NewRunner: factory,
		Runtime:   runtime,
		Metrics:   m,
		Logger:    log,
	}), nil
}

func newProcessRunner(log *slog.Logger, m *metrics.Metrics, cfg config.Config, secrets config.Secrets,
	gw *gateway.Gateway, mem *memory.Service, spec config.AgentSpec) (supervisor.Runner, error) {

	provider, err := llm.New(log, spec.LLM.Provider, secrets.ProviderKeys[spec.LLM.Provider], llm.Options{
		Model:   spec.LLM.Model,
		Timeout: cfg.Global.LMTimeout(),
	})
	if err != nil {
		return nil, err
	}
	eng := engine.New(engine.Params{
		AgentID:         spec.ID,
		Spec:            spec,
		Gateway:         engine.NewLocalGateway(gw, spec.ID),
		Memory:          mem,
		Provider:        provider,
		SimilarityFloor: cfg.Global.SimilarityFloor,
		Metrics:         m,
		Logger:          log,
	})
	return supervisor.NewProcessRunner(eng), nil
}

func newContainerRunner(log *slog.Logger, cfg config.Config, secrets config.Secrets,
	runtime *ctr.Runtime, spec config.AgentSpec) (supervisor.Runner, error) {

	if runtime == nil {
		return nil, fault.New(fault.KindConfig, "container agents declared but containerd is not available")
	}
	env, err := containerEnv(cfg, secrets, spec)
	if err != nil {
		return nil, err
	}
	return supervisor.NewContainerRunner(supervisor.ContainerRunnerParams{
		Runtime:     runtime,
		Spec:        spec,
		Containerd:  cfg.Containerd,
		LogPath:     supervisor.AgentLogPath(cfg.Global.LogRoot, spec.ID),
		Env:         env,
		StopGrace:   cfg.Global.StopGrace(),
		ExecTimeout: cfg.Global.GatewayTimeout(),
		Logger:      log,
	}), nil
}

// containerEnv assembles the agent process environment. Tokens and keys
// travel only through the container env, never through labels or logs.
func containerEnv(cfg config.Config, secrets config.Secrets, spec config.AgentSpec) ([]string, error) {
	specJSON, err := json.Marshal(spec)
	if err != nil {
		return nil, fault.Wrap(fault.KindConfig, "encode agent spec", err)
	}

	gatewayURL := cfg.Global.GatewayBaseURL
	if gatewayURL == "" {
		gatewayURL = "http://127.0.0.1" + cfg.Server.Addr
	}

	env := []string{
		envAgentSpec + "=" + string(specJSON),
		envGatewayURL + "=" + gatewayURL,
		envProviderKey + "=" + secrets.ProviderKeys[spec.LLM.Provider],
		fmt.Sprintf("%s=%g", envSimilarityFloor, cfg.Global.SimilarityFloor),
		fmt.Sprintf("%s=%d", envLMTimeout, cfg.Global.LMTimeoutSeconds),
	}
	if secrets.JWTSecret != "" {
		token, _, err := auth.GenerateToken("agent:"+spec.ID, secrets.JWTSecret, agentTokenTTL)
		if err != nil {
			return nil, fault.Wrap(fault.KindConfig, "mint agent token", err)
		}
		env = append(env, envGatewayToken+"="+token)
	}
	return env, nil
}

func provideMemoryHandler(log *slog.Logger, mem *memory.Service) *handlers.MemoryHandler {
	return handlers.NewMemoryHandler(log, mem)
}

func provideFleetHandler(log *slog.Logger, sup *supervisor.Supervisor) *handlers.FleetHandler {
	return handlers.NewFleetHandler(log, sup)
}

type serverParams struct {
	fx.In
	Logger   *slog.Logger
	Config   config.Config
	Secrets  config.Secrets
	Handlers []server.Handler `group:"server_handlers"`
}

func provideServer(p serverParams) *server.Server {
	return server.New(p.Logger, p.Config.Server.Addr, p.Secrets.JWTSecret, p.Handlers...)
}

func startGateway(lc fx.Lifecycle, gw *gateway.Gateway) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error { return gw.Start(ctx) },
		OnStop:  func(ctx context.Context) error { return gw.Shutdown(ctx) },
	})
}

func startRetentionSweep(lc fx.Lifecycle, cfg config.Config, mem *memory.Service) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return mem.StartRetentionSweep(cfg.Global.RetentionDays, cfg.Global.RetentionSweepCron)
		},
		OnStop: func(ctx context.Context) error { mem.StopRetentionSweep(); return nil },
	})
}

func startSupervisor(lc fx.Lifecycle, sup *supervisor.Supervisor) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error { return sup.Start(ctx) },
		OnStop:  func(ctx context.Context) error { return sup.Shutdown(ctx) },
	})
}

func startServer(lc fx.Lifecycle, log *slog.Logger, srv *server.Server, shutdowner fx.Shutdowner) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("server failed", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server stop: %w", err)
			}
			return nil
		},
	})
}
