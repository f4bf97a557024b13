package gateway

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/superagenthq/superagent/internal/fault"
	"github.com/superagenthq/superagent/internal/logger"
)

// fakeSession satisfies the session interface without a websocket.
type fakeSession struct {
	openErr       error
	channels      map[string]*discordgo.Channel
	pages         [][]*discordgo.Message
	sendCalls     []*discordgo.MessageSend
	sendErrs      []error
	nextID        int
	attachmentURL string
}

func (f *fakeSession) Open() error  { return f.openErr }
func (f *fakeSession) Close() error { return nil }

func (f *fakeSession) AddHandler(interface{}) func() { return func() {} }

func (f *fakeSession) Channel(channelID string) (*discordgo.Channel, error) {
	if ch, ok := f.channels[channelID]; ok {
		return ch, nil
	}
	return &discordgo.Channel{ID: channelID, Type: discordgo.ChannelTypeGuildText}, nil
}

func (f *fakeSession) ChannelMessages(channelID string, limit int, beforeID, afterID, aroundID string) ([]*discordgo.Message, error) {
	if len(f.pages) == 0 {
		return nil, nil
	}
	page := f.pages[0]
	f.pages = f.pages[1:]
	if len(page) > limit {
		page = page[:limit]
	}
	return page, nil
}

func (f *fakeSession) ChannelMessage(channelID, messageID string) (*discordgo.Message, error) {
	url := f.attachmentURL
	if url == "" {
		url = "https://cdn.example/report.txt"
	}
	return &discordgo.Message{
		ID: messageID,
		Attachments: []*discordgo.MessageAttachment{
			{ID: "a1", Filename: "report.txt", URL: url, Size: 42},
		},
	}, nil
}

func (f *fakeSession) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend) (*discordgo.Message, error) {
	f.sendCalls = append(f.sendCalls, data)
	if len(f.sendErrs) > 0 {
		err := f.sendErrs[0]
		f.sendErrs = f.sendErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	f.nextID++
	return &discordgo.Message{ID: fmt.Sprintf("msg-%d", f.nextID)}, nil
}

func (f *fakeSession) MessageThreadStartComplex(channelID, messageID string, data *discordgo.ThreadStart) (*discordgo.Channel, error) {
	return &discordgo.Channel{
		ID:       "thread-" + messageID,
		Name:     data.Name,
		Type:     discordgo.ChannelTypeGuildPublicThread,
		ParentID: channelID,
	}, nil
}

func (f *fakeSession) GuildChannels(guildID string) ([]*discordgo.Channel, error) {
	return []*discordgo.Channel{
		{ID: "c1", Name: "general", Type: discordgo.ChannelTypeGuildText},
		{ID: "t1", Name: "debug", Type: discordgo.ChannelTypeGuildPublicThread, ParentID: "c1"},
	}, nil
}

func (f *fakeSession) Guild(guildID string) (*discordgo.Guild, error) {
	return &discordgo.Guild{ID: guildID, Name: "workshop", MemberCount: 7}, nil
}

func (f *fakeSession) GuildCount() int { return 1 }

func (f *fakeSession) BotUser() *discordgo.User {
	return &discordgo.User{ID: "u1", Username: "bot"}
}

func rateLimitErr() error {
	return &discordgo.RESTError{
		Response: &http.Response{StatusCode: http.StatusTooManyRequests, Header: http.Header{}},
	}
}

func newTestGateway(t *testing.T, bots ...string) (*Gateway, map[string]*fakeSession) {
	t.Helper()
	sessions := make(map[string]*fakeSession)
	g := New(logger.L, nil, 4)
	g.baseBackoff = time.Millisecond
	g.dial = func(token string) (session, error) {
		fs := &fakeSession{channels: map[string]*discordgo.Channel{}}
		sessions[token] = fs
		return fs, nil
	}
	for _, bot := range bots {
		require.NoError(t, g.Register(bot, "token-"+bot))
	}
	require.NoError(t, g.Start(context.Background()))
	t.Cleanup(func() { _ = g.Shutdown(context.Background()) })
	return g, sessions
}

func TestRegisterRejectsDuplicateToken(t *testing.T) {
	g := New(logger.L, nil, 4)
	require.NoError(t, g.Register("alpha", "tok"))
	err := g.Register("beta", "tok")
	require.Error(t, err)
	assert.Equal(t, fault.KindConfig, fault.KindOf(err))
}

func TestRegisterRejectsDuplicateBot(t *testing.T) {
	g := New(logger.L, nil, 4)
	require.NoError(t, g.Register("alpha", "tok-1"))
	err := g.Register("alpha", "tok-2")
	require.Error(t, err)
	assert.Equal(t, fault.KindConfig, fault.KindOf(err))
}

func TestStartConnectsAllIdentities(t *testing.T) {
	g, _ := newTestGateway(t, "alpha", "beta")
	report := g.Health()
	assert.True(t, report.Healthy)
	assert.Equal(t, StateReady, report.Bots["alpha"])
	assert.Equal(t, StateReady, report.Bots["beta"])
}

func TestFanOutReachesEverySubscriber(t *testing.T) {
	g, _ := newTestGateway(t, "alpha", "beta")

	subA1, err := g.Subscribe("alpha")
	require.NoError(t, err)
	subA2, err := g.Subscribe("alpha")
	require.NoError(t, err)
	subB, err := g.Subscribe("beta")
	require.NoError(t, err)

	g.publish("alpha", Event{BotID: "alpha", MessageID: "m1"})

	for _, sub := range []*Subscription{subA1, subA2} {
		select {
		case ev := <-sub.Events():
			assert.Equal(t, "m1", ev.MessageID)
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive the event")
		}
	}
	select {
	case ev := <-subB.Events():
		t.Fatalf("beta subscriber received alpha event %q", ev.MessageID)
	default:
	}
}

func TestSubscriberOrderingPreserved(t *testing.T) {
	g, _ := newTestGateway(t, "alpha")
	sub, err := g.Subscribe("alpha")
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		g.publish("alpha", Event{BotID: "alpha", MessageID: fmt.Sprintf("m%d", i)})
	}
	for i := 0; i < 4; i++ {
		ev := <-sub.Events()
		assert.Equal(t, fmt.Sprintf("m%d", i), ev.MessageID)
	}
}

func TestSlowSubscriberDropsOldest(t *testing.T) {
	g, _ := newTestGateway(t, "alpha")
	sub, err := g.Subscribe("alpha")
	require.NoError(t, err)

	// Buffer size is 4; publish 6 without consuming.
	for i := 0; i < 6; i++ {
		g.publish("alpha", Event{BotID: "alpha", MessageID: fmt.Sprintf("m%d", i)})
	}

	assert.Equal(t, uint64(2), sub.Dropped())
	got := make([]string, 0, 4)
	for i := 0; i < 4; i++ {
		ev := <-sub.Events()
		got = append(got, ev.MessageID)
	}
	assert.Equal(t, []string{"m2", "m3", "m4", "m5"}, got)
}

func TestSlowSubscriberDoesNotStallOthers(t *testing.T) {
	g, _ := newTestGateway(t, "alpha")
	slow, err := g.Subscribe("alpha")
	require.NoError(t, err)
	fast, err := g.Subscribe("alpha")
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		g.publish("alpha", Event{BotID: "alpha", MessageID: fmt.Sprintf("m%d", i)})
		ev := <-fast.Events()
		assert.Equal(t, fmt.Sprintf("m%d", i), ev.MessageID)
	}
	assert.Greater(t, slow.Dropped(), uint64(0))
}

func TestSubscribeUnknownBot(t *testing.T) {
	g, _ := newTestGateway(t, "alpha")
	_, err := g.Subscribe("ghost")
	require.Error(t, err)
	assert.Equal(t, fault.KindNotFound, fault.KindOf(err))
}

func TestUnsubscribeClosesStream(t *testing.T) {
	g, _ := newTestGateway(t, "alpha")
	sub, err := g.Subscribe("alpha")
	require.NoError(t, err)

	g.Unsubscribe("alpha", sub.ID)
	_, open := <-sub.Events()
	assert.False(t, open)

	// Idempotent.
	g.Unsubscribe("alpha", sub.ID)
}

func TestSendReplyReference(t *testing.T) {
	g, sessions := newTestGateway(t, "alpha")

	id, err := g.Send(context.Background(), SendRequest{
		BotID:     "alpha",
		ChannelID: "c1",
		Content:   "hello",
		ReplyTo:   "orig",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	fs := sessions["token-alpha"]
	require.Len(t, fs.sendCalls, 1)
	require.NotNil(t, fs.sendCalls[0].Reference)
	assert.Equal(t, "orig", fs.sendCalls[0].Reference.MessageID)
	assert.Equal(t, "c1", fs.sendCalls[0].Reference.ChannelID)
}

func TestSendTruncatesLongContent(t *testing.T) {
	g, sessions := newTestGateway(t, "alpha")

	long := make([]byte, 3000)
	for i := range long {
		long[i] = 'x'
	}
	_, err := g.Send(context.Background(), SendRequest{BotID: "alpha", ChannelID: "c1", Content: string(long)})
	require.NoError(t, err)

	sent := sessions["token-alpha"].sendCalls[0].Content
	assert.Len(t, sent, maxMessageLength)
	assert.Equal(t, "...", sent[len(sent)-3:])
}

func TestSendRetriesOnRateLimit(t *testing.T) {
	g, sessions := newTestGateway(t, "alpha")
	fs := sessions["token-alpha"]
	fs.sendErrs = []error{rateLimitErr(), rateLimitErr()}

	id, err := g.Send(context.Background(), SendRequest{BotID: "alpha", ChannelID: "c1", Content: "hi"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Len(t, fs.sendCalls, 3)
}

func TestSendGivesUpAfterRetryBudget(t *testing.T) {
	g, sessions := newTestGateway(t, "alpha")
	fs := sessions["token-alpha"]
	fs.sendErrs = []error{rateLimitErr(), rateLimitErr(), rateLimitErr(), rateLimitErr()}

	_, err := g.Send(context.Background(), SendRequest{BotID: "alpha", ChannelID: "c1", Content: "hi"})
	require.Error(t, err)
	assert.Equal(t, fault.KindRateLimited, fault.KindOf(err))
	assert.Len(t, fs.sendCalls, rateLimitMaxRetries+1)
}

func TestSendToUnknownBot(t *testing.T) {
	g, _ := newTestGateway(t, "alpha")
	_, err := g.Send(context.Background(), SendRequest{BotID: "ghost", ChannelID: "c1", Content: "hi"})
	require.Error(t, err)
	assert.Equal(t, fault.KindNotFound, fault.KindOf(err))
}

func TestSendWhileDegradedFailsFast(t *testing.T) {
	g, _ := newTestGateway(t, "alpha")
	id, err := g.identity("alpha")
	require.NoError(t, err)
	id.setState(StateDegraded)

	_, err = g.Send(context.Background(), SendRequest{BotID: "alpha", ChannelID: "c1", Content: "hi"})
	require.Error(t, err)
	assert.Equal(t, fault.KindOverloaded, fault.KindOf(err))
}

func TestMessagesPagination(t *testing.T) {
	g, sessions := newTestGateway(t, "alpha")
	fs := sessions["token-alpha"]

	first := make([]*discordgo.Message, historyPageSize)
	for i := range first {
		first[i] = &discordgo.Message{ID: fmt.Sprintf("m%03d", 200-i)}
	}
	fs.pages = [][]*discordgo.Message{
		first,
		{{ID: "m050"}, {ID: "m049"}},
	}

	msgs, err := g.Messages(context.Background(), "alpha", "c1", 150, "")
	require.NoError(t, err)
	assert.Len(t, msgs, historyPageSize+2)
	assert.Equal(t, "m200", msgs[0].ID)
	assert.Equal(t, "m049", msgs[len(msgs)-1].ID)
}

func TestHandleMessageThreadDetection(t *testing.T) {
	g, sessions := newTestGateway(t, "alpha")
	fs := sessions["token-alpha"]
	fs.channels["th1"] = &discordgo.Channel{
		ID:       "th1",
		Type:     discordgo.ChannelTypeGuildPublicThread,
		ParentID: "c1",
	}

	sub, err := g.Subscribe("alpha")
	require.NoError(t, err)

	id, err := g.identity("alpha")
	require.NoError(t, err)
	g.handleMessage(id, fs, &discordgo.MessageCreate{Message: &discordgo.Message{
		ID:        "4492558419562610688", // carries a valid snowflake timestamp
		ChannelID: "th1",
		Author:    &discordgo.User{ID: "user-1", Username: "ada", Bot: false},
		Content:   "inside the thread",
	}})

	ev := <-sub.Events()
	assert.Equal(t, "c1", ev.ChannelID)
	assert.Equal(t, "th1", ev.ThreadID)
	assert.Equal(t, "ada", ev.AuthorName)
	assert.False(t, ev.Timestamp.IsZero())
}

func TestAttachments(t *testing.T) {
	g, _ := newTestGateway(t, "alpha")
	atts, err := g.Attachments(context.Background(), "alpha", "c1", "m1")
	require.NoError(t, err)
	require.Len(t, atts, 1)
	assert.Equal(t, "report.txt", atts[0].Filename)
}

func TestDownloadAttachment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, "hello attachment")
	}))
	t.Cleanup(srv.Close)

	g, sessions := newTestGateway(t, "alpha")
	sessions["token-alpha"].attachmentURL = srv.URL + "/report.txt"

	body, att, err := g.DownloadAttachment(context.Background(), "alpha", "c1", "m1", "report.txt")
	require.NoError(t, err)
	defer body.Close()
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "hello attachment", string(data))
	assert.Equal(t, "report.txt", att.Filename)

	_, _, err = g.DownloadAttachment(context.Background(), "alpha", "c1", "m1", "missing.bin")
	require.Error(t, err)
	assert.Equal(t, fault.KindNotFound, fault.KindOf(err))
}

func TestBotsReportsState(t *testing.T) {
	g, _ := newTestGateway(t, "alpha", "beta")
	_, err := g.Subscribe("alpha")
	require.NoError(t, err)

	infos := g.Bots()
	require.Len(t, infos, 2)
	assert.Equal(t, "alpha", infos[0].ID)
	assert.Equal(t, 1, infos[0].Subscribers)
	assert.Equal(t, StateReady, infos[0].State)
	assert.Equal(t, 0, infos[1].Subscribers)
}

func TestShutdownClosesSubscriptions(t *testing.T) {
	g, _ := newTestGateway(t, "alpha")
	sub, err := g.Subscribe("alpha")
	require.NoError(t, err)

	require.NoError(t, g.Shutdown(context.Background()))
	_, open := <-sub.Events()
	assert.False(t, open)

	_, err = g.Subscribe("alpha")
	require.Error(t, err)
	assert.Equal(t, fault.KindHandleLost, fault.KindOf(err))
}

func TestMapDiscordErr(t *testing.T) {
	forbidden := &discordgo.RESTError{Response: &http.Response{StatusCode: http.StatusForbidden}}
	assert.Equal(t, fault.KindPermissionDenied, fault.KindOf(mapDiscordErr("send", forbidden)))

	missing := &discordgo.RESTError{Response: &http.Response{StatusCode: http.StatusNotFound}}
	assert.Equal(t, fault.KindNotFound, fault.KindOf(mapDiscordErr("send", missing)))

	assert.Equal(t, fault.KindTransport, fault.KindOf(mapDiscordErr("send", assert.AnError)))
}
