package subscription

import (
	"context"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/Hiviexd/kanban-board/domain"
)

// Publisher is a domain.Sink that relays committed change events over a
// Redis channel so every board-api instance can fan them out.
type Publisher struct {
	client  *redis.Client
	channel string
}

// NewPublisher creates a relay publisher on the given channel.
func NewPublisher(client *redis.Client, channel string) *Publisher {
	return &Publisher{client: client, channel: channel}
}

// Publish implements domain.Sink.
func (p *Publisher) Publish(ctx context.Context, ev domain.ChangeEvent) error {
	data, err := sonic.ConfigStd.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode change event: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		return fmt.Errorf("%w: relay %s: %v", domain.ErrDeliveryFailure, ev.Kind, err)
	}
	return nil
}

// SubscribeUpdates listens for relayed change events and hands each one to
// the sink (normally the local realtime hub). It reconnects until ctx is done.
func SubscribeUpdates(ctx context.Context, logger *log.Logger, rc *redis.Client, channel string, sink domain.Sink) {
	for {
		sub := rc.Subscribe(ctx, channel)
		ch := sub.Channel()
	recv:
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break recv
				}
				var ev domain.ChangeEvent
				if err := sonic.ConfigStd.UnmarshalFromString(msg.Payload, &ev); err != nil {
					logger.WithError(err).Error("unable to parse relayed event")
					continue
				}
				if ev.BoardID == "" || ev.Kind == "" {
					logger.WithField("payload", msg.Payload).Warn("relayed event missing board or kind")
					continue
				}
				if err := sink.Publish(ctx, ev); err != nil {
					logger.WithError(err).WithFields(log.Fields{
						"board": ev.BoardID,
						"kind":  ev.Kind,
					}).Warn("relay delivery failed")
				}
			}
		}
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		logger.Error("pubsub channel closed, reconnecting")
		time.Sleep(time.Second)
	}
}
