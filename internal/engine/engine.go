// Package engine runs the conversation loop for a single agent: admit an
// inbound message, assemble context, complete it through the language
// model, reply, and memorize the exchange.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/superagenthq/superagent/internal/config"
	"github.com/superagenthq/superagent/internal/fault"
	"github.com/superagenthq/superagent/internal/gateway"
	"github.com/superagenthq/superagent/internal/llm"
	"github.com/superagenthq/superagent/internal/memory"
	"github.com/superagenthq/superagent/internal/metrics"
)

const (
	// Conversation counters for threads idle this long are forgotten.
	conversationTTL = 6 * time.Hour

	providerRetryDelay = time.Second

	threadNameLimit = 60
)

// Gateway is the engine's view of its own bot identity. The in-process
// adapter and the HTTP client used inside containers both satisfy it.
type Gateway interface {
	// Events opens the inbound stream. The channel closes on shutdown.
	Events(ctx context.Context) (<-chan gateway.Event, error)
	// Identity returns the bot's Discord user id.
	Identity(ctx context.Context) (string, error)
	Send(ctx context.Context, req gateway.SendRequest) (string, error)
	// History returns channel messages newest first.
	History(ctx context.Context, channelID string, limit int) ([]gateway.Message, error)
	CreateThread(ctx context.Context, channelID, messageID, name string) (string, error)
}

// Memory is satisfied by memory.Service and by the HTTP memory client.
type Memory interface {
	Store(ctx context.Context, req memory.StoreRequest) (int64, error)
	Search(ctx context.Context, req memory.SearchRequest) ([]memory.SearchResult, error)
}

type Params struct {
	AgentID         string
	Spec            config.AgentSpec
	Gateway         Gateway
	Memory          Memory // nil disables recall and memorization
	Provider        llm.Provider
	SimilarityFloor float64
	Metrics         *metrics.Metrics
	Logger          *slog.Logger
}

type conversation struct {
	turns      int
	lastActive time.Time
}

type Engine struct {
	agentID  string
	spec     config.AgentSpec
	gw       Gateway
	mem      Memory
	provider llm.Provider
	floor    float64
	metrics  *metrics.Metrics
	logger   *slog.Logger

	// Test seams.
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time

	selfID     string
	subscribed atomic.Bool

	mu    sync.Mutex
	convs map[string]*conversation
}

func New(p Params) *Engine {
	log := p.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		agentID:  p.AgentID,
		spec:     p.Spec,
		gw:       p.Gateway,
		mem:      p.Memory,
		provider: p.Provider,
		floor:    p.SimilarityFloor,
		metrics:  p.Metrics,
		logger:   log.With(slog.String("component", "engine"), slog.String("agent", p.AgentID)),
		sleep:    sleepCtx,
		now:      time.Now,
		convs:    make(map[string]*conversation),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Run consumes inbound events until the context is cancelled or the stream
// closes. Per-event failures are logged and never abort the loop.
func (e *Engine) Run(ctx context.Context) error {
	selfID, err := e.gw.Identity(ctx)
	if err != nil {
		return fault.Wrap(fault.KindTransport, "resolve bot identity", err)
	}
	e.selfID = selfID

	events, err := e.gw.Events(ctx)
	if err != nil {
		return err
	}
	e.subscribed.Store(true)
	defer e.subscribed.Store(false)
	e.logger.Info("engine started", slog.String("bot_user", selfID))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				e.logger.Info("event stream closed")
				return nil
			}
			if err := e.handleEvent(ctx, ev); err != nil {
				e.logger.Error("turn failed",
					slog.String("channel", ev.ChannelID),
					slog.String("message", ev.MessageID),
					slog.Any("error", err))
			}
		}
	}
}

// Subscribed reports whether the engine currently holds a live inbound
// event stream. Liveness probes consult it between loop restarts.
func (e *Engine) Subscribed() bool { return e.subscribed.Load() }

// conversationKey groups turn accounting by thread when there is one,
// otherwise by channel.
func conversationKey(ev gateway.Event) string {
	if ev.ThreadID != "" {
		return ev.ThreadID
	}
	return ev.ChannelID
}

func (e *Engine) handleEvent(ctx context.Context, ev gateway.Event) error {
	if skip, reason := e.shouldSkip(ev); skip {
		e.logger.Debug("event skipped",
			slog.String("reason", reason),
			slog.String("message", ev.MessageID))
		return nil
	}

	if err := e.sleep(ctx, e.spec.Behavior.ResponseDelay()); err != nil {
		return err
	}

	reply, err := e.respond(ctx, ev)
	if err != nil {
		return err
	}

	target := ev.ThreadID
	if target == "" {
		target = ev.ChannelID
		if e.spec.Behavior.ReplyInThread {
			threadID, err := e.gw.CreateThread(ctx, ev.ChannelID, ev.MessageID, threadName(ev.Content))
			if err != nil {
				e.logger.Warn("thread creation failed, replying in channel", slog.Any("error", err))
			} else {
				target = threadID
			}
		}
	}

	req := gateway.SendRequest{ChannelID: target, Content: reply}
	if target == ev.ChannelID {
		req.ReplyTo = ev.MessageID
	}
	if _, err := e.gw.Send(ctx, req); err != nil {
		return err
	}

	e.memorize(ctx, ev, reply)
	e.recordTurn(ev)
	if e.metrics != nil {
		e.metrics.AgentTurns.WithLabelValues(e.agentID).Inc()
	}
	return nil
}

// shouldSkip applies the admission filters in order: own messages, bot
// authors, channel allowlist, then the per-conversation turn cap.
func (e *Engine) shouldSkip(ev gateway.Event) (bool, string) {
	if ev.AuthorID == e.selfID {
		return true, "own message"
	}
	if ev.AuthorIsBot && e.spec.Behavior.BotsIgnored() && !contains(e.spec.Behavior.BotAllowlist, ev.AuthorID) {
		return true, "bot author"
	}
	if len(e.spec.Behavior.ChannelAllowlist) > 0 && !contains(e.spec.Behavior.ChannelAllowlist, ev.ChannelID) {
		return true, "channel not allowed"
	}
	if e.turns(conversationKey(ev)) >= e.spec.Behavior.TurnsPerThread() {
		return true, "turn cap reached"
	}
	return false, ""
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// respond assembles the prompt and completes it. A failed completion gets
// one retry; a repeat failure aborts the turn.
func (e *Engine) respond(ctx context.Context, ev gateway.Event) (string, error) {
	req := llm.Request{
		System:   e.systemPrompt(ctx, ev),
		Messages: append(e.history(ctx, ev), llm.Turn{Role: llm.RoleUser, Author: ev.AuthorName, Content: ev.Content}),
	}

	reply, err := e.provider.Complete(ctx, req)
	if err != nil && completionRetryable(err) {
		e.logger.Warn("provider failed, retrying once", slog.Any("error", err))
		if sleepErr := e.sleep(ctx, providerRetryDelay); sleepErr != nil {
			return "", sleepErr
		}
		reply, err = e.provider.Complete(ctx, req)
	}
	if err != nil {
		return "", err
	}
	return reply.Content, nil
}

// completionRetryable extends the generally retryable kinds with provider
// failures, which earn exactly one retry per turn. Permission and config
// failures stay terminal.
func completionRetryable(err error) bool {
	return fault.Retryable(err) || fault.Is(err, fault.KindProvider)
}

// memorize writes one record per side of the exchange. Memory failures
// degrade the turn, never fail it.
func (e *Engine) memorize(ctx context.Context, ev gateway.Event, reply string) {
	if e.mem == nil {
		return
	}
	base := map[string]any{
		"channel_id": ev.ChannelID,
		"message_id": ev.MessageID,
	}
	if ev.ThreadID != "" {
		base["thread_id"] = ev.ThreadID
	}

	for _, rec := range []struct {
		role    string
		content string
	}{
		{"user", ev.AuthorName + ": " + ev.Content},
		{"assistant", reply},
	} {
		meta := make(map[string]any, len(base)+1)
		for k, v := range base {
			meta[k] = v
		}
		meta["role"] = rec.role
		if _, err := e.mem.Store(ctx, memory.StoreRequest{
			AgentID:  e.agentID,
			Content:  rec.content,
			Metadata: meta,
		}); err != nil {
			e.logger.Warn("memory write failed", slog.String("role", rec.role), slog.Any("error", err))
			continue
		}
		if e.metrics != nil {
			e.metrics.MemoryWrites.WithLabelValues(e.agentID).Inc()
		}
	}
}

func (e *Engine) turns(key string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.evictIdleLocked()
	if conv, ok := e.convs[key]; ok {
		return conv.turns
	}
	return 0
}

func (e *Engine) recordTurn(ev gateway.Event) {
	key := conversationKey(ev)
	e.mu.Lock()
	defer e.mu.Unlock()
	conv, ok := e.convs[key]
	if !ok {
		conv = &conversation{}
		e.convs[key] = conv
	}
	conv.turns++
	conv.lastActive = e.now()
}

func (e *Engine) evictIdleLocked() {
	cutoff := e.now().Add(-conversationTTL)
	for key, conv := range e.convs {
		if conv.lastActive.Before(cutoff) && !conv.lastActive.IsZero() {
			delete(e.convs, key)
		}
	}
}

func threadName(content string) string {
	runes := []rune(content)
	if len(runes) > threadNameLimit {
		return string(runes[:threadNameLimit])
	}
	if len(runes) == 0 {
		return "discussion"
	}
	return content
}
