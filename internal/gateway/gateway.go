package gateway

import (
	"context"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/superagenthq/superagent/internal/fault"
	"github.com/superagenthq/superagent/internal/metrics"
)

const (
	reconnectBaseBackoff = 2 * time.Second
	reconnectMaxBackoff  = 2 * time.Minute
)

// Gateway owns every bot identity in the process. Inbound events from one
// identity reach only that identity's subscribers; identities share nothing
// but the process.
type Gateway struct {
	logger     *slog.Logger
	metrics    *metrics.Metrics
	bufferSize int

	// Test seams; production uses newRealSession and the package backoff.
	dial        func(token string) (session, error)
	baseBackoff time.Duration

	mu         sync.RWMutex
	identities map[string]*identity
	tokens     map[string]string // token -> botID, duplicate registration guard
	subs       map[string]map[string]*Subscription
	closed     bool

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func New(log *slog.Logger, m *metrics.Metrics, bufferSize int) *Gateway {
	return &Gateway{
		logger:     log.With(slog.String("component", "gateway")),
		metrics:    m,
		bufferSize: bufferSize,
		dial:        newRealSession,
		baseBackoff: rateLimitBaseBackoff,
		identities: make(map[string]*identity),
		tokens:     make(map[string]string),
		subs:       make(map[string]map[string]*Subscription),
	}
}

// Register adds a bot identity before Start. Registering two identities on
// the same token is a configuration error; two sessions on one token would
// contend for the same Discord shard.
func (g *Gateway) Register(botID, token string) error {
	if botID == "" || token == "" {
		return fault.New(fault.KindConfig, "bot id and token are required")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return fault.New(fault.KindHandleLost, "gateway is shut down")
	}
	if _, ok := g.identities[botID]; ok {
		return fault.New(fault.KindConfig, "bot "+botID+" already registered")
	}
	if other, ok := g.tokens[token]; ok {
		return fault.New(fault.KindConfig, "bots "+other+" and "+botID+" share one Discord token")
	}
	g.identities[botID] = newIdentity(g.logger, botID, token)
	g.tokens[token] = botID
	g.subs[botID] = make(map[string]*Subscription)
	return nil
}

// Start connects every registered identity in parallel. An identity whose
// first connect fails lands in degraded and keeps retrying in the
// background; Start only errors when nothing is registered.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.RLock()
	ids := make([]*identity, 0, len(g.identities))
	for _, id := range g.identities {
		ids = append(ids, id)
	}
	g.mu.RUnlock()

	if len(ids) == 0 {
		return fault.New(fault.KindConfig, "no bot identities registered")
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	g.cancel = cancel

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id *identity) {
			defer wg.Done()
			if err := g.connect(id); err != nil {
				id.logger.Error("initial connect failed", slog.Any("error", err))
				id.setState(StateDegraded)
				g.wg.Add(1)
				go g.reconnectLoop(runCtx, id)
			}
		}(id)
	}
	wg.Wait()

	g.logger.Info("gateway started", slog.Int("identities", len(ids)))
	return nil
}

func (g *Gateway) connect(id *identity) error {
	id.setState(StateConnecting)

	sess, err := g.dial(id.token)
	if err != nil {
		return fault.Wrap(fault.KindConfig, "create discord session", err)
	}
	id.attach(sess)

	id.addRemover(sess.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		id.setUser(r.User.ID, r.User.Username)
		id.setState(StateReady)
	}))
	id.addRemover(sess.AddHandler(func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		id.setState(StateDegraded)
	}))
	id.addRemover(sess.AddHandler(func(_ *discordgo.Session, _ *discordgo.Resumed) {
		id.setState(StateReady)
	}))
	id.addRemover(sess.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		g.handleMessage(id, sess, m)
	}))

	if err := sess.Open(); err != nil {
		return fault.Wrap(fault.KindTransport, "open discord websocket", err)
	}
	// Ready normally arrives via the handler; cover sessions whose state
	// was populated before the handler registration.
	if u := sess.BotUser(); u != nil {
		id.setUser(u.ID, u.Username)
	}
	id.setState(StateReady)
	return nil
}

// reconnectLoop retries a failed initial connect with jittered exponential
// backoff. Once Open succeeds, discordgo's own resume logic takes over.
func (g *Gateway) reconnectLoop(ctx context.Context, id *identity) {
	defer g.wg.Done()
	backoff := reconnectBaseBackoff
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff + time.Duration(rand.Int63n(int64(backoff/2)+1))):
		}
		if id.State() == StateClosed {
			return
		}
		err := g.connect(id)
		if err == nil {
			return
		}
		id.logger.Warn("reconnect failed",
			slog.Duration("backoff", backoff), slog.Any("error", err))
		id.setState(StateDegraded)
		backoff = min(backoff*2, reconnectMaxBackoff)
	}
}

func (g *Gateway) handleMessage(id *identity, sess session, m *discordgo.MessageCreate) {
	if m.Author == nil {
		return
	}
	if g.metrics != nil {
		g.metrics.InboundEvents.WithLabelValues(id.botID).Inc()
	}

	ev := Event{
		BotID:       id.botID,
		GuildID:     m.GuildID,
		ChannelID:   m.ChannelID,
		MessageID:   m.ID,
		AuthorID:    m.Author.ID,
		AuthorName:  m.Author.Username,
		AuthorIsBot: m.Author.Bot,
		Content:     m.Content,
		Attachments: convertAttachments(m.Attachments),
	}
	if ts, err := discordgo.SnowflakeTimestamp(m.ID); err == nil {
		ev.Timestamp = ts
	} else {
		ev.Timestamp = time.Now().UTC()
	}
	// Messages inside a thread surface the thread as ChannelID; resolve
	// the parent so subscribers see both.
	if ch, err := sess.Channel(m.ChannelID); err == nil && ch.IsThread() {
		ev.ThreadID = m.ChannelID
		ev.ChannelID = ch.ParentID
	}

	g.publish(id.botID, ev)
}

func (g *Gateway) publish(botID string, ev Event) {
	g.mu.RLock()
	subs := make([]*Subscription, 0, len(g.subs[botID]))
	for _, sub := range g.subs[botID] {
		subs = append(subs, sub)
	}
	g.mu.RUnlock()

	for _, sub := range subs {
		if sub.publish(ev) && g.metrics != nil {
			g.metrics.DroppedEvents.WithLabelValues(botID).Inc()
		}
	}
}

// Subscribe opens an independent event stream for one identity. Every
// subscriber receives every event; buffers are per subscriber.
func (g *Gateway) Subscribe(botID string) (*Subscription, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil, fault.New(fault.KindHandleLost, "gateway is shut down")
	}
	if _, ok := g.identities[botID]; !ok {
		return nil, fault.New(fault.KindNotFound, "unknown bot "+botID)
	}
	sub := newSubscription(botID, g.bufferSize)
	g.subs[botID][sub.ID] = sub
	return sub, nil
}

// Unsubscribe closes the stream and releases its buffer. Unknown ids are
// a no-op so disconnect paths stay idempotent.
func (g *Gateway) Unsubscribe(botID, subID string) {
	g.mu.Lock()
	sub := g.subs[botID][subID]
	delete(g.subs[botID], subID)
	g.mu.Unlock()
	if sub != nil {
		sub.close()
	}
}

// Bots reports every identity sorted by id.
func (g *Gateway) Bots() []BotInfo {
	g.mu.RLock()
	defer g.mu.RUnlock()

	infos := make([]BotInfo, 0, len(g.identities))
	for botID, id := range g.identities {
		userID, username := id.user()
		info := BotInfo{
			ID:          botID,
			UserID:      userID,
			Username:    username,
			State:       id.State(),
			Subscribers: len(g.subs[botID]),
		}
		for _, sub := range g.subs[botID] {
			info.Dropped += sub.Dropped()
		}
		if sess, state := id.liveSession(); sess != nil && state == StateReady {
			info.GuildCount = sess.GuildCount()
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

func (g *Gateway) Health() HealthReport {
	g.mu.RLock()
	defer g.mu.RUnlock()

	report := HealthReport{Healthy: true, Bots: make(map[string]State, len(g.identities))}
	for botID, id := range g.identities {
		state := id.State()
		report.Bots[botID] = state
		if state != StateReady {
			report.Healthy = false
		}
		var dropped uint64
		for _, sub := range g.subs[botID] {
			dropped += sub.Dropped()
		}
		if dropped > 0 {
			if report.DroppedEvents == nil {
				report.DroppedEvents = make(map[string]uint64)
			}
			report.DroppedEvents[botID] = dropped
		}
	}
	return report
}

// Shutdown closes subscriber streams before sessions so consumers observe
// channel closure rather than a stalled read.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	allSubs := g.subs
	g.subs = make(map[string]map[string]*Subscription)
	ids := make([]*identity, 0, len(g.identities))
	for _, id := range g.identities {
		ids = append(ids, id)
	}
	g.mu.Unlock()

	for _, subs := range allSubs {
		for _, sub := range subs {
			sub.close()
		}
	}
	if g.cancel != nil {
		g.cancel()
	}
	for _, id := range ids {
		id.teardown()
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	g.logger.Info("gateway stopped")
	return nil
}

func (g *Gateway) identity(botID string) (*identity, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	id, ok := g.identities[botID]
	if !ok {
		return nil, fault.New(fault.KindNotFound, "unknown bot "+botID)
	}
	return id, nil
}

func convertAttachments(in []*discordgo.MessageAttachment) []Attachment {
	if len(in) == 0 {
		return nil
	}
	out := make([]Attachment, 0, len(in))
	for _, a := range in {
		if a == nil {
			continue
		}
		out = append(out, Attachment{
			ID:          a.ID,
			Filename:    a.Filename,
			URL:         a.URL,
			ContentType: a.ContentType,
			Size:        a.Size,
		})
	}
	return out
}
