package gateway

import (
	"github.com/bwmarrin/discordgo"
)

// session abstracts the discordgo surface the gateway touches so tests can
// substitute a fake without a live websocket.
type session interface {
	Open() error
	Close() error
	AddHandler(handler interface{}) func()
	Channel(channelID string) (*discordgo.Channel, error)
	ChannelMessages(channelID string, limit int, beforeID, afterID, aroundID string) ([]*discordgo.Message, error)
	ChannelMessage(channelID, messageID string) (*discordgo.Message, error)
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend) (*discordgo.Message, error)
	MessageThreadStartComplex(channelID, messageID string, data *discordgo.ThreadStart) (*discordgo.Channel, error)
	GuildChannels(guildID string) ([]*discordgo.Channel, error)
	Guild(guildID string) (*discordgo.Guild, error)
	GuildCount() int
	BotUser() *discordgo.User
}

// realSession adapts *discordgo.Session to the session interface. The
// explicit wrappers pin down the variadic request-option signatures.
type realSession struct {
	s *discordgo.Session
}

func newRealSession(token string) (session, error) {
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, err
	}
	s.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentMessageContent
	return &realSession{s: s}, nil
}

func (r *realSession) Open() error  { return r.s.Open() }
func (r *realSession) Close() error { return r.s.Close() }

func (r *realSession) AddHandler(handler interface{}) func() {
	return r.s.AddHandler(handler)
}

func (r *realSession) Channel(channelID string) (*discordgo.Channel, error) {
	// Prefer the shared state cache; fall back to the REST API for
	// channels the session has not observed yet.
	if ch, err := r.s.State.Channel(channelID); err == nil {
		return ch, nil
	}
	return r.s.Channel(channelID)
}

func (r *realSession) ChannelMessages(channelID string, limit int, beforeID, afterID, aroundID string) ([]*discordgo.Message, error) {
	return r.s.ChannelMessages(channelID, limit, beforeID, afterID, aroundID)
}

func (r *realSession) ChannelMessage(channelID, messageID string) (*discordgo.Message, error) {
	return r.s.ChannelMessage(channelID, messageID)
}

func (r *realSession) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend) (*discordgo.Message, error) {
	return r.s.ChannelMessageSendComplex(channelID, data)
}

func (r *realSession) MessageThreadStartComplex(channelID, messageID string, data *discordgo.ThreadStart) (*discordgo.Channel, error) {
	return r.s.MessageThreadStartComplex(channelID, messageID, data)
}

func (r *realSession) GuildChannels(guildID string) ([]*discordgo.Channel, error) {
	return r.s.GuildChannels(guildID)
}

func (r *realSession) Guild(guildID string) (*discordgo.Guild, error) {
	return r.s.Guild(guildID)
}

func (r *realSession) GuildCount() int {
	r.s.State.RLock()
	defer r.s.State.RUnlock()
	return len(r.s.State.Guilds)
}

func (r *realSession) BotUser() *discordgo.User {
	if r.s.State == nil {
		return nil
	}
	return r.s.State.User
}
