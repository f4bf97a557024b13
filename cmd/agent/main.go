// The agent binary runs one conversation engine inside an agent container,
// talking to the supervising daemon's gateway and memory over HTTP. The
// daemon injects its configuration through the environment.
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/superagenthq/superagent/internal/client"
	"github.com/superagenthq/superagent/internal/config"
	"github.com/superagenthq/superagent/internal/engine"
	"github.com/superagenthq/superagent/internal/llm"
	"github.com/superagenthq/superagent/internal/logger"
)

const (
	envAgentSpec       = "SUPERAGENT_SPEC"
	envGatewayURL      = "SUPERAGENT_GATEWAY_URL"
	envGatewayToken    = "SUPERAGENT_GATEWAY_TOKEN"
	envProviderKey     = "SUPERAGENT_PROVIDER_KEY"
	envSimilarityFloor = "SUPERAGENT_SIMILARITY_FLOOR"
	envLMTimeout       = "SUPERAGENT_LM_TIMEOUT_SECONDS"

	reconnectDelay = 5 * time.Second
)

func main() {
	logger.Init(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))
	log := logger.L

	var spec config.AgentSpec
	if err := json.Unmarshal([]byte(os.Getenv(envAgentSpec)), &spec); err != nil {
		log.Error("decode agent spec from environment", slog.Any("error", err))
		os.Exit(2)
	}
	gatewayURL := os.Getenv(envGatewayURL)
	if spec.ID == "" || gatewayURL == "" {
		log.Error("agent spec and gateway url are required")
		os.Exit(2)
	}

	provider, err := llm.New(log, spec.LLM.Provider, os.Getenv(envProviderKey), llm.Options{
		Model:   spec.LLM.Model,
		Timeout: time.Duration(envInt(envLMTimeout, config.DefaultLMTimeoutSeconds)) * time.Second,
	})
	if err != nil {
		log.Error("init model provider", slog.Any("error", err))
		os.Exit(2)
	}

	c := client.New(gatewayURL, os.Getenv(envGatewayToken))
	eng := engine.New(engine.Params{
		AgentID:         spec.ID,
		Spec:            spec,
		Gateway:         client.NewGatewayClient(c, spec.ID),
		Memory:          client.NewMemoryClient(c),
		Provider:        provider,
		SimilarityFloor: envFloat(envSimilarityFloor, config.DefaultSimilarityFloor),
		Logger:          log,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("agent starting", slog.String("agent", spec.ID), slog.String("gateway", gatewayURL))
	for {
		err := eng.Run(ctx)
		if ctx.Err() != nil {
			log.Info("agent stopping")
			return
		}
		if err != nil {
			log.Warn("engine exited, reconnecting", slog.Any("error", err))
		} else {
			log.Warn("event stream closed, reconnecting")
		}
		select {
		case <-ctx.Done():
			log.Info("agent stopping")
			return
		case <-time.After(reconnectDelay):
		}
	}
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}
