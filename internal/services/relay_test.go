package services

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ticket-engine/models"
)

type recordingPublisher struct {
	mu     sync.Mutex
	topics []string
	failOn string
}

func (p *recordingPublisher) Publish(ctx context.Context, ev *models.OutboxEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ev.Topic == p.failOn {
		return errors.New("sink unavailable")
	}
	p.topics = append(p.topics, ev.Topic)
	return nil
}

func TestEventRelay_Flush(t *testing.T) {
	env := setupTestEngine(t)
	env.addType(t, "tt-ga", 5)
	env.buy(t, "user-1", "tt-ga", 1)

	pub := &recordingPublisher{}
	relay := NewEventRelay(env.store, pub, 0, 0)

	n, err := relay.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{models.TopicReservationCreated, models.TopicTicketsPurchased}, pub.topics)
	assert.Empty(t, env.topics(t))

	n, err = relay.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestEventRelay_Flush_StopsAtFailure(t *testing.T) {
	env := setupTestEngine(t)
	env.addType(t, "tt-ga", 5)
	env.buy(t, "user-1", "tt-ga", 1)
	_, err := reserve(env, "user-2", item("tt-ga", 1))
	require.NoError(t, err)

	pub := &recordingPublisher{failOn: models.TopicTicketsPurchased}
	relay := NewEventRelay(env.store, pub, 0, 10)

	n, err := relay.Flush(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{models.TopicReservationCreated}, pub.topics)

	// the failed event and everything after it stay queued, in order
	assert.Equal(t, []string{models.TopicTicketsPurchased, models.TopicReservationCreated}, env.topics(t))

	pub.failOn = ""
	n, err = relay.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{
		models.TopicReservationCreated, models.TopicTicketsPurchased, models.TopicReservationCreated,
	}, pub.topics)
}
