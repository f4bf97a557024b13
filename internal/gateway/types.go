// Package gateway multiplexes multiple Discord bot identities over a single
// process and fans inbound events out to local subscribers. It keeps no
// conversational state; agents own that.
package gateway

import "time"

// State tracks an identity through its lifecycle. Transitions only move
// forward except for the ready/degraded pair, which flips with the
// underlying websocket.
type State string

const (
	StateInitializing State = "initializing"
	StateConnecting   State = "connecting"
	StateReady        State = "ready"
	StateDegraded     State = "degraded"
	StateClosed       State = "closed"
)

// Event is one inbound Discord message as seen by a bot identity.
// ThreadID is empty for messages posted directly in a channel.
type Event struct {
	BotID       string       `json:"bot_id"`
	GuildID     string       `json:"guild_id,omitempty"`
	ChannelID   string       `json:"channel_id"`
	ThreadID    string       `json:"thread_id,omitempty"`
	MessageID   string       `json:"message_id"`
	AuthorID    string       `json:"author_id"`
	AuthorName  string       `json:"author_name"`
	AuthorIsBot bool         `json:"author_is_bot"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Timestamp   time.Time    `json:"timestamp"`
}

type Attachment struct {
	ID          string `json:"id"`
	Filename    string `json:"filename"`
	URL         string `json:"url"`
	ContentType string `json:"content_type,omitempty"`
	Size        int    `json:"size"`
}

// BotInfo describes one registered identity and its connection state.
type BotInfo struct {
	ID          string `json:"id"`
	UserID      string `json:"user_id,omitempty"`
	Username    string `json:"username,omitempty"`
	State       State  `json:"state"`
	GuildCount  int    `json:"guild_count"`
	Subscribers int    `json:"subscribers"`
	Dropped     uint64 `json:"dropped_events"`
}

// SendRequest posts a message as a bot identity. When ReplyTo is set the
// message is sent as an inline reply. ChannelID may be a thread id;
// Discord treats threads as channels for message creation.
type SendRequest struct {
	BotID     string `json:"bot_id"`
	ChannelID string `json:"channel_id"`
	Content   string `json:"content"`
	ReplyTo   string `json:"reply_to,omitempty"`
}

// SendFileRequest uploads a file alongside optional message content.
type SendFileRequest struct {
	BotID     string `json:"bot_id"`
	ChannelID string `json:"channel_id"`
	Filename  string `json:"filename"`
	Content   string `json:"content,omitempty"`
	Data      []byte `json:"-"`
}

// Message is one historical channel message returned by Messages.
type Message struct {
	ID          string       `json:"id"`
	AuthorID    string       `json:"author_id"`
	AuthorName  string       `json:"author_name"`
	AuthorIsBot bool         `json:"author_is_bot"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Timestamp   time.Time    `json:"timestamp"`
}

type ChannelInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Type     string `json:"type"`
	ParentID string `json:"parent_id,omitempty"`
	IsThread bool   `json:"is_thread"`
}

type GuildInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	MemberCount int    `json:"member_count"`
}

// HealthReport summarizes the gateway for the health endpoint. Healthy is
// true only when every registered identity is ready. DroppedEvents counts
// events shed from live subscriber buffers per bot.
type HealthReport struct {
	Healthy       bool              `json:"healthy"`
	Bots          map[string]State  `json:"bots"`
	DroppedEvents map[string]uint64 `json:"dropped_events,omitempty"`
}
