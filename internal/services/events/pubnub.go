package events

import (
	"context"
	"fmt"

	pubnub "github.com/pubnub/go/v7"

	"ticket-engine/models"
)

type PubNubConfig struct {
	PublishKey    string
	SubscribeKey  string
	SecretKey     string
	UserID        string
	ChannelPrefix string
}

// PubNubSink fans events out on one channel per topic, named
// "<prefix>.<topic>".
type PubNubSink struct {
	prefix  string
	publish func(channel string, message any) error
}

func NewPubNubSink(cfg PubNubConfig) *PubNubSink {
	pnConfig := pubnub.NewConfigWithUserId(pubnub.UserId(cfg.UserID))
	pnConfig.PublishKey = cfg.PublishKey
	pnConfig.SubscribeKey = cfg.SubscribeKey
	pnConfig.SecretKey = cfg.SecretKey
	pn := pubnub.NewPubNub(pnConfig)

	return newPubNubSink(cfg.ChannelPrefix, func(channel string, message any) error {
		_, _, err := pn.Publish().
			Channel(channel).
			Message(message).
			Execute()
		return err
	})
}

func newPubNubSink(prefix string, publish func(channel string, message any) error) *PubNubSink {
	return &PubNubSink{prefix: prefix, publish: publish}
}

func (s *PubNubSink) Channel(topic string) string {
	if s.prefix == "" {
		return topic
	}
	return s.prefix + "." + topic
}

func (s *PubNubSink) Publish(ctx context.Context, ev *models.OutboxEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	channel := s.Channel(ev.Topic)
	if err := s.publish(channel, NewEnvelope(ev)); err != nil {
		return fmt.Errorf("pubnub publish to %s: %w", channel, err)
	}
	return nil
}

func (s *PubNubSink) Close() error { return nil }
