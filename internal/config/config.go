package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
)

const (
	DefaultConfigPath = "config.toml"
	DefaultHTTPAddr   = ":8080"

	DefaultNamespace  = "superagent"
	DefaultSocketPath = "/run/containerd/containerd.sock"
	DefaultNetwork    = "superagent-net"

	DefaultCNIBinaryDir = "/opt/cni/bin"
	DefaultCNIConfigDir = "/etc/cni/net.d"
	DefaultDataDir      = "data"

	DefaultPGHost     = "127.0.0.1"
	DefaultPGPort     = 5432
	DefaultPGUser     = "postgres"
	DefaultPGDatabase = "superagent"
	DefaultPGSSLMode  = "disable"

	DefaultEmbeddingModel      = "text-embedding-3-small"
	DefaultEmbeddingDimensions = 1536

	DefaultMaxContextMessages   = 15
	DefaultMaxTurnsPerThread    = 30
	DefaultResponseDelaySeconds = 2.0

	DefaultProbeIntervalSeconds   = 60
	DefaultStartupTimeoutSeconds  = 30
	DefaultStopGraceSeconds       = 10
	DefaultRestartBudget          = 3
	DefaultRestartWindowSeconds   = 60
	DefaultSimilarityFloor        = 0.3
	DefaultLMTimeoutSeconds       = 60
	DefaultEmbeddingTimeoutSecs   = 10
	DefaultGatewayTimeoutSeconds  = 30
	DefaultSubscriptionBufferSize = 256
	DefaultLogRoot                = "logs"
)

// Providers the LM factory accepts.
var KnownProviders = map[string]struct{}{
	"grok":      {},
	"anthropic": {},
	"google":    {},
	"openai":    {},
}

type Config struct {
	Log         LogConfig            `toml:"log"`
	Server      ServerConfig         `toml:"server"`
	Auth        AuthConfig           `toml:"auth"`
	Global      GlobalConfig         `toml:"global"`
	Postgres    PostgresConfig       `toml:"postgres"`
	Embedding   EmbeddingConfig      `toml:"embedding"`
	Containerd  ContainerdConfig     `toml:"containerd"`
	Agents      map[string]AgentSpec `toml:"agents"`
	SecretsRefs SecretsRefs          `toml:"secrets_refs"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
}

type AuthConfig struct {
	// When the referenced secret resolves non-empty, the control surface
	// requires a bearer token signed with it.
	JWTSecretRef string `toml:"jwt_secret_ref"`
	JWTExpiresIn string `toml:"jwt_expires_in"`
}

type GlobalConfig struct {
	LogRoot                string  `toml:"log_root"`
	ProbeIntervalSeconds   int     `toml:"probe_interval_seconds"`
	StartupTimeoutSeconds  int     `toml:"startup_timeout_seconds"`
	StopGraceSeconds       int     `toml:"stop_grace_seconds"`
	RestartBudget          int     `toml:"restart_budget"`
	RestartWindowSeconds   int     `toml:"restart_window_seconds"`
	SimilarityFloor        float64 `toml:"similarity_floor"`
	LMTimeoutSeconds       int     `toml:"lm_timeout_seconds"`
	EmbeddingTimeoutSecs   int     `toml:"embedding_timeout_seconds"`
	GatewayTimeoutSeconds  int     `toml:"gateway_timeout_seconds"`
	SubscriptionBufferSize int     `toml:"subscription_buffer_size"`
	RetentionDays          int     `toml:"retention_days"`
	RetentionSweepCron     string  `toml:"retention_sweep_cron"`
	GatewayBaseURL         string  `toml:"gateway_base_url"`
}

func (g GlobalConfig) ProbeInterval() time.Duration {
	return time.Duration(g.ProbeIntervalSeconds) * time.Second
}

func (g GlobalConfig) StartupTimeout() time.Duration {
	return time.Duration(g.StartupTimeoutSeconds) * time.Second
}

func (g GlobalConfig) StopGrace() time.Duration {
	return time.Duration(g.StopGraceSeconds) * time.Second
}

func (g GlobalConfig) RestartWindow() time.Duration {
	return time.Duration(g.RestartWindowSeconds) * time.Second
}

func (g GlobalConfig) LMTimeout() time.Duration {
	return time.Duration(g.LMTimeoutSeconds) * time.Second
}

func (g GlobalConfig) EmbeddingTimeout() time.Duration {
	return time.Duration(g.EmbeddingTimeoutSecs) * time.Second
}

func (g GlobalConfig) GatewayTimeout() time.Duration {
	return time.Duration(g.GatewayTimeoutSeconds) * time.Second
}

type PostgresConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	User     string `toml:"user"`
	Database string `toml:"database"`
	SSLMode  string `toml:"sslmode"`
}

// DSN renders the pool connection string. The password comes from the
// secret resolver, never from the config document.
func (p PostgresConfig) DSN(password string) string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		p.User, password, p.Host, p.Port, p.Database, p.SSLMode)
}

type EmbeddingConfig struct {
	Model      string `toml:"model"`
	Dimensions int    `toml:"dimensions"`
	BaseURL    string `toml:"base_url"`
}

type ContainerdConfig struct {
	SocketPath   string `toml:"socket_path"`
	Namespace    string `toml:"namespace"`
	Network      string `toml:"network"`
	Snapshotter  string `toml:"snapshotter"`
	CNIBinaryDir string `toml:"cni_bin_dir"`
	CNIConfigDir string `toml:"cni_conf_dir"`
	PullPolicy   string `toml:"pull_policy"`
	// DataDir holds generated host files mounted into containers, such
	// as the fallback resolv.conf.
	DataDir string `toml:"data_dir"`
}

// AgentSpec is one declared fleet member. Immutable after load.
type AgentSpec struct {
	ID                 string     `toml:"-"`
	Kind               string     `toml:"kind" validate:"required,oneof=process container"`
	DisplayName        string     `toml:"display_name"`
	Personality        string     `toml:"personality"`
	SystemPromptSuffix string     `toml:"system_prompt_suffix"`
	LLM                LLMSpec    `toml:"llm"`
	DiscordTokenRef    string     `toml:"discord_token_ref" validate:"required"`
	AutoDeploy         *bool      `toml:"auto_deploy"`
	Behavior           Behavior   `toml:"behavior"`
	Resources          *Resources `toml:"resources"`
}

func (s AgentSpec) AutoDeployEnabled() bool {
	return s.AutoDeploy == nil || *s.AutoDeploy
}

func (s AgentSpec) Name() string {
	if s.DisplayName != "" {
		return s.DisplayName
	}
	return s.ID
}

type LLMSpec struct {
	Provider    string            `toml:"provider" validate:"required"`
	Model       string            `toml:"model"`
	ExtraParams map[string]string `toml:"extra_params"`
}

// Behavior uses pointers so "explicitly zero" survives decoding; zero turn
// caps and zero context windows are meaningful settings.
type Behavior struct {
	MaxContextMessages   *int     `toml:"max_context_messages"`
	MaxTurnsPerThread    *int     `toml:"max_turns_per_thread"`
	ResponseDelaySeconds *float64 `toml:"response_delay_seconds"`
	IgnoreBots           *bool    `toml:"ignore_bots"`
	BotAllowlist         []string `toml:"bot_allowlist"`
	ChannelAllowlist     []string `toml:"channel_allowlist"`
	ReplyInThread        bool     `toml:"reply_in_thread"`
}

func (b Behavior) ContextMessages() int {
	if b.MaxContextMessages == nil {
		return DefaultMaxContextMessages
	}
	return *b.MaxContextMessages
}

func (b Behavior) TurnsPerThread() int {
	if b.MaxTurnsPerThread == nil {
		return DefaultMaxTurnsPerThread
	}
	return *b.MaxTurnsPerThread
}

func (b Behavior) ResponseDelay() time.Duration {
	secs := DefaultResponseDelaySeconds
	if b.ResponseDelaySeconds != nil {
		secs = *b.ResponseDelaySeconds
	}
	return time.Duration(secs * float64(time.Second))
}

func (b Behavior) BotsIgnored() bool {
	return b.IgnoreBots == nil || *b.IgnoreBots
}

type Resources struct {
	Image              string            `toml:"image" validate:"required"`
	WorkspaceHostPath  string            `toml:"workspace_host_path"`
	WorkspaceMountPath string            `toml:"workspace_mount_path"`
	ExtraMounts        map[string]string `toml:"extra_mounts"`
	EnvOverrides       map[string]string `toml:"env_overrides"`
	Labels             map[string]string `toml:"labels"`
	RestartPolicy      string            `toml:"restart_policy"`
	ProbeCommand       []string          `toml:"probe_command"`
}

type SecretsRefs struct {
	// Env var names holding per-bot Discord tokens. Every agent's
	// discord_token_ref must appear here.
	DiscordTokens []string `toml:"discord_tokens"`
	// provider name -> env var name holding its API key.
	ProviderKeys map[string]string `toml:"provider_keys"`
	// Env var name holding the memory backend password.
	PostgresPassword string `toml:"postgres_password"`
}

func defaults() Config {
	return Config{
		Log:    LogConfig{Level: "info", Format: "text"},
		Server: ServerConfig{Addr: DefaultHTTPAddr},
		Auth:   AuthConfig{JWTExpiresIn: "24h"},
		Global: GlobalConfig{
			LogRoot:                DefaultLogRoot,
			ProbeIntervalSeconds:   DefaultProbeIntervalSeconds,
			StartupTimeoutSeconds:  DefaultStartupTimeoutSeconds,
			StopGraceSeconds:       DefaultStopGraceSeconds,
			RestartBudget:          DefaultRestartBudget,
			RestartWindowSeconds:   DefaultRestartWindowSeconds,
			SimilarityFloor:        DefaultSimilarityFloor,
			LMTimeoutSeconds:       DefaultLMTimeoutSeconds,
			EmbeddingTimeoutSecs:   DefaultEmbeddingTimeoutSecs,
			GatewayTimeoutSeconds:  DefaultGatewayTimeoutSeconds,
			SubscriptionBufferSize: DefaultSubscriptionBufferSize,
		},
		Postgres: PostgresConfig{
			Host:     DefaultPGHost,
			Port:     DefaultPGPort,
			User:     DefaultPGUser,
			Database: DefaultPGDatabase,
			SSLMode:  DefaultPGSSLMode,
		},
		Embedding: EmbeddingConfig{
			Model:      DefaultEmbeddingModel,
			Dimensions: DefaultEmbeddingDimensions,
		},
		Containerd: ContainerdConfig{
			SocketPath:   DefaultSocketPath,
			Namespace:    DefaultNamespace,
			Network:      DefaultNetwork,
			CNIBinaryDir: DefaultCNIBinaryDir,
			CNIConfigDir: DefaultCNIConfigDir,
			PullPolicy:   "never",
			DataDir:      DefaultDataDir,
		},
	}
}

// Load reads the config document at path over built-in defaults. A missing
// file yields pure defaults (an empty fleet); unknown keys are rejected.
func Load(path string) (Config, error) {
	cfg := defaults()

	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}

	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return cfg, err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return cfg, fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
	}

	for id, spec := range cfg.Agents {
		spec.ID = id
		cfg.Agents[id] = spec
	}

	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate enforces the structural invariants of the fleet declaration.
func Validate(cfg Config) error {
	v := validator.New()
	for id, spec := range cfg.Agents {
		if err := v.Struct(spec); err != nil {
			return fmt.Errorf("agent %q: %w", id, err)
		}
		if _, ok := KnownProviders[spec.LLM.Provider]; !ok {
			return fmt.Errorf("agent %q: unknown provider %q", id, spec.LLM.Provider)
		}
		switch spec.Kind {
		case "process":
			if spec.Resources != nil {
				return fmt.Errorf("agent %q: process agents must not carry resources", id)
			}
		case "container":
			if spec.Resources == nil {
				return fmt.Errorf("agent %q: container agents require resources", id)
			}
		}
	}
	if cfg.Embedding.Dimensions <= 0 {
		return fmt.Errorf("embedding dimensions must be positive, got %d", cfg.Embedding.Dimensions)
	}
	return nil
}
