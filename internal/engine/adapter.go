package engine

import (
	"context"

	"github.com/superagenthq/superagent/internal/fault"
	"github.com/superagenthq/superagent/internal/gateway"
)

// localGateway binds an engine to one bot identity of an in-process
// gateway. Container agents use the HTTP client instead.
type localGateway struct {
	gw    *gateway.Gateway
	botID string
}

func NewLocalGateway(gw *gateway.Gateway, botID string) Gateway {
	return &localGateway{gw: gw, botID: botID}
}

func (l *localGateway) Events(ctx context.Context) (<-chan gateway.Event, error) {
	sub, err := l.gw.Subscribe(l.botID)
	if err != nil {
		return nil, err
	}
	go func() {
		<-ctx.Done()
		l.gw.Unsubscribe(l.botID, sub.ID)
	}()
	return sub.Events(), nil
}

func (l *localGateway) Identity(ctx context.Context) (string, error) {
	for _, info := range l.gw.Bots() {
		if info.ID == l.botID {
			if info.UserID == "" {
				return "", fault.New(fault.KindOverloaded, "bot "+l.botID+" is not connected yet")
			}
			return info.UserID, nil
		}
	}
	return "", fault.New(fault.KindNotFound, "unknown bot "+l.botID)
}

func (l *localGateway) Send(ctx context.Context, req gateway.SendRequest) (string, error) {
	req.BotID = l.botID
	return l.gw.Send(ctx, req)
}

func (l *localGateway) History(ctx context.Context, channelID string, limit int) ([]gateway.Message, error) {
	return l.gw.Messages(ctx, l.botID, channelID, limit, "")
}

func (l *localGateway) CreateThread(ctx context.Context, channelID, messageID, name string) (string, error) {
	return l.gw.CreateThread(ctx, l.botID, channelID, messageID, name)
}
