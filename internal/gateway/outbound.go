package gateway

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/superagenthq/superagent/internal/fault"
)

const (
	// Discord rejects message content above this length.
	maxMessageLength = 2000

	rateLimitMaxRetries  = 3
	rateLimitBaseBackoff = 2 * time.Second
	rateLimitMaxBackoff  = 2 * time.Minute

	historyPageSize = 100
	maxHistoryLimit = 500
)

// Send posts a message, optionally as an inline reply. Content above the
// Discord limit is truncated, never split.
func (g *Gateway) Send(ctx context.Context, req SendRequest) (string, error) {
	sess, err := g.outboundSession(req.BotID)
	if err != nil {
		return "", err
	}
	if req.ChannelID == "" || req.Content == "" {
		return "", fault.New(fault.KindConfig, "channel id and content are required")
	}

	data := &discordgo.MessageSend{Content: truncateContent(req.Content)}
	if req.ReplyTo != "" {
		data.Reference = &discordgo.MessageReference{
			ChannelID: req.ChannelID,
			MessageID: req.ReplyTo,
		}
	}

	var msg *discordgo.Message
	err = g.retryOnRateLimit(ctx, req.BotID, "send", func() error {
		var sendErr error
		msg, sendErr = sess.ChannelMessageSendComplex(req.ChannelID, data)
		return sendErr
	})
	if err != nil {
		return "", err
	}
	if g.metrics != nil {
		g.metrics.OutboundMessages.WithLabelValues(req.BotID).Inc()
	}
	return msg.ID, nil
}

// SendFile uploads one file with optional accompanying text.
func (g *Gateway) SendFile(ctx context.Context, req SendFileRequest) (string, error) {
	sess, err := g.outboundSession(req.BotID)
	if err != nil {
		return "", err
	}
	if req.ChannelID == "" || req.Filename == "" || len(req.Data) == 0 {
		return "", fault.New(fault.KindConfig, "channel id, filename, and file data are required")
	}

	data := &discordgo.MessageSend{
		Content: truncateContent(req.Content),
		Files: []*discordgo.File{{
			Name:   req.Filename,
			Reader: bytes.NewReader(req.Data),
		}},
	}

	var msg *discordgo.Message
	err = g.retryOnRateLimit(ctx, req.BotID, "send_file", func() error {
		var sendErr error
		msg, sendErr = sess.ChannelMessageSendComplex(req.ChannelID, data)
		return sendErr
	})
	if err != nil {
		return "", err
	}
	if g.metrics != nil {
		g.metrics.OutboundMessages.WithLabelValues(req.BotID).Inc()
	}
	return msg.ID, nil
}

// CreateThread starts a public thread rooted at an existing message and
// returns the thread channel id.
func (g *Gateway) CreateThread(ctx context.Context, botID, channelID, messageID, name string) (string, error) {
	sess, err := g.outboundSession(botID)
	if err != nil {
		return "", err
	}
	if channelID == "" || messageID == "" {
		return "", fault.New(fault.KindConfig, "channel id and message id are required")
	}
	if name == "" {
		name = "discussion"
	}

	var thread *discordgo.Channel
	err = g.retryOnRateLimit(ctx, botID, "create_thread", func() error {
		var startErr error
		thread, startErr = sess.MessageThreadStartComplex(channelID, messageID, &discordgo.ThreadStart{
			Name:                name,
			AutoArchiveDuration: 1440,
		})
		return startErr
	})
	if err != nil {
		return "", err
	}
	return thread.ID, nil
}

// Messages pages backward through channel history, newest first. before is
// an optional message id cursor.
func (g *Gateway) Messages(ctx context.Context, botID, channelID string, limit int, before string) ([]Message, error) {
	sess, err := g.outboundSession(botID)
	if err != nil {
		return nil, err
	}
	if channelID == "" {
		return nil, fault.New(fault.KindConfig, "channel id is required")
	}
	if limit <= 0 {
		limit = historyPageSize
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	out := make([]Message, 0, limit)
	cursor := before
	for len(out) < limit {
		pageSize := min(limit-len(out), historyPageSize)
		var page []*discordgo.Message
		err := g.retryOnRateLimit(ctx, botID, "messages", func() error {
			var pageErr error
			page, pageErr = sess.ChannelMessages(channelID, pageSize, cursor, "", "")
			return pageErr
		})
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}
		for _, m := range page {
			out = append(out, convertMessage(m))
		}
		cursor = page[len(page)-1].ID
		if len(page) < pageSize {
			break
		}
	}
	return out, nil
}

// Channels lists the text channels and active threads of a guild.
func (g *Gateway) Channels(ctx context.Context, botID, guildID string) ([]ChannelInfo, error) {
	sess, err := g.outboundSession(botID)
	if err != nil {
		return nil, err
	}
	if guildID == "" {
		return nil, fault.New(fault.KindConfig, "guild id is required")
	}

	var channels []*discordgo.Channel
	err = g.retryOnRateLimit(ctx, botID, "channels", func() error {
		var listErr error
		channels, listErr = sess.GuildChannels(guildID)
		return listErr
	})
	if err != nil {
		return nil, err
	}

	out := make([]ChannelInfo, 0, len(channels))
	for _, ch := range channels {
		if ch == nil {
			continue
		}
		out = append(out, ChannelInfo{
			ID:       ch.ID,
			Name:     ch.Name,
			Type:     channelTypeName(ch.Type),
			ParentID: ch.ParentID,
			IsThread: ch.IsThread(),
		})
	}
	return out, nil
}

func (g *Gateway) Guild(ctx context.Context, botID, guildID string) (GuildInfo, error) {
	sess, err := g.outboundSession(botID)
	if err != nil {
		return GuildInfo{}, err
	}
	if guildID == "" {
		return GuildInfo{}, fault.New(fault.KindConfig, "guild id is required")
	}

	var guild *discordgo.Guild
	err = g.retryOnRateLimit(ctx, botID, "guild", func() error {
		var getErr error
		guild, getErr = sess.Guild(guildID)
		return getErr
	})
	if err != nil {
		return GuildInfo{}, err
	}
	return GuildInfo{ID: guild.ID, Name: guild.Name, MemberCount: guild.MemberCount}, nil
}

// Attachments returns the attachment descriptors of one message.
func (g *Gateway) Attachments(ctx context.Context, botID, channelID, messageID string) ([]Attachment, error) {
	sess, err := g.outboundSession(botID)
	if err != nil {
		return nil, err
	}
	if channelID == "" || messageID == "" {
		return nil, fault.New(fault.KindConfig, "channel id and message id are required")
	}

	var msg *discordgo.Message
	err = g.retryOnRateLimit(ctx, botID, "attachments", func() error {
		var getErr error
		msg, getErr = sess.ChannelMessage(channelID, messageID)
		return getErr
	})
	if err != nil {
		return nil, err
	}
	return convertAttachments(msg.Attachments), nil
}

// attachmentClient fetches attachment content from Discord's CDN.
var attachmentClient = &http.Client{Timeout: 60 * time.Second}

// DownloadAttachment streams the content of the named attachment on one
// message. The caller closes the returned reader.
func (g *Gateway) DownloadAttachment(ctx context.Context, botID, channelID, messageID, filename string) (io.ReadCloser, Attachment, error) {
	atts, err := g.Attachments(ctx, botID, channelID, messageID)
	if err != nil {
		return nil, Attachment{}, err
	}
	var att Attachment
	for _, a := range atts {
		if a.Filename == filename {
			att = a
			break
		}
	}
	if att.URL == "" {
		return nil, Attachment{}, fault.New(fault.KindNotFound, "no attachment named "+filename)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, att.URL, nil)
	if err != nil {
		return nil, Attachment{}, fault.Wrap(fault.KindTransport, "build download request", err)
	}
	resp, err := attachmentClient.Do(req)
	if err != nil {
		return nil, Attachment{}, fault.Wrap(fault.KindTransport, "download "+filename, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, Attachment{}, fault.New(fault.KindTransport, "download "+filename+": status "+strconv.Itoa(resp.StatusCode))
	}
	return resp.Body, att, nil
}

// outboundSession resolves the identity and rejects calls while it cannot
// reach Discord. Degraded identities fail fast rather than queue.
func (g *Gateway) outboundSession(botID string) (session, error) {
	id, err := g.identity(botID)
	if err != nil {
		return nil, err
	}
	sess, state := id.liveSession()
	switch state {
	case StateReady:
		return sess, nil
	case StateClosed:
		return nil, fault.New(fault.KindHandleLost, "bot "+botID+" is shut down")
	default:
		return nil, fault.New(fault.KindOverloaded, "bot "+botID+" is not connected")
	}
}

// retryOnRateLimit runs call, retrying only on Discord 429 responses with
// exponential backoff. Other REST failures map to a fault kind and return
// immediately.
func (g *Gateway) retryOnRateLimit(ctx context.Context, botID, op string, call func() error) error {
	backoff := g.baseBackoff
	for attempt := 0; ; attempt++ {
		err := call()
		if err == nil {
			return nil
		}
		status, retryAfter := restStatus(err)
		if status != http.StatusTooManyRequests || attempt >= rateLimitMaxRetries {
			return mapDiscordErr(op, err)
		}

		wait := backoff
		if retryAfter > 0 {
			wait = retryAfter
		}
		if wait > rateLimitMaxBackoff {
			wait = rateLimitMaxBackoff
		}
		g.logger.Warn("rate limited, backing off",
			slog.String("bot", botID),
			slog.String("op", op),
			slog.Int("attempt", attempt+1),
			slog.Duration("wait", wait))
		if g.metrics != nil {
			g.metrics.RateLimitRetries.WithLabelValues(botID).Inc()
		}

		select {
		case <-ctx.Done():
			return fault.Wrap(fault.KindTransport, op+" cancelled", ctx.Err())
		case <-time.After(wait):
		}
		backoff = min(backoff*2, rateLimitMaxBackoff)
	}
}

// restStatus extracts the HTTP status and any Retry-After hint from a
// discordgo REST error.
func restStatus(err error) (int, time.Duration) {
	restErr, ok := err.(*discordgo.RESTError)
	if !ok || restErr.Response == nil {
		return 0, 0
	}
	var retryAfter time.Duration
	if v := restErr.Response.Header.Get("Retry-After"); v != "" {
		if secs, parseErr := strconv.ParseFloat(v, 64); parseErr == nil {
			retryAfter = time.Duration(secs * float64(time.Second))
		}
	}
	return restErr.Response.StatusCode, retryAfter
}

func mapDiscordErr(op string, err error) error {
	status, retryAfter := restStatus(err)
	switch status {
	case http.StatusForbidden:
		return fault.Wrap(fault.KindPermissionDenied, op, err)
	case http.StatusNotFound:
		return fault.Wrap(fault.KindNotFound, op, err)
	case http.StatusTooManyRequests:
		return fault.RateLimited(op+" rate limited", retryAfter)
	default:
		return fault.Wrap(fault.KindTransport, op, err)
	}
}

func truncateContent(content string) string {
	if len(content) <= maxMessageLength {
		return content
	}
	runes := []rune(content)
	if len(runes) <= maxMessageLength {
		return content
	}
	return string(runes[:maxMessageLength-3]) + "..."
}

func convertMessage(m *discordgo.Message) Message {
	msg := Message{
		ID:          m.ID,
		Content:     m.Content,
		Attachments: convertAttachments(m.Attachments),
	}
	if m.Author != nil {
		msg.AuthorID = m.Author.ID
		msg.AuthorName = m.Author.Username
		msg.AuthorIsBot = m.Author.Bot
	}
	if ts, err := discordgo.SnowflakeTimestamp(m.ID); err == nil {
		msg.Timestamp = ts
	}
	return msg
}

func channelTypeName(t discordgo.ChannelType) string {
	switch t {
	case discordgo.ChannelTypeGuildText:
		return "text"
	case discordgo.ChannelTypeGuildVoice:
		return "voice"
	case discordgo.ChannelTypeGuildCategory:
		return "category"
	case discordgo.ChannelTypeGuildForum:
		return "forum"
	case discordgo.ChannelTypeGuildNews:
		return "news"
	case discordgo.ChannelTypeGuildPublicThread, discordgo.ChannelTypeGuildPrivateThread, discordgo.ChannelTypeGuildNewsThread:
		return "thread"
	default:
		return "other"
	}
}
