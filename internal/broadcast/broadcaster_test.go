// internal/broadcast/broadcaster_test.go
package broadcast

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acarlier/rebound/internal/models"
	"github.com/acarlier/rebound/internal/registry"
)

func newTestBroadcaster(t *testing.T) *Broadcaster {
	t.Helper()
	logger := logrus.New()
	b := New(registry.New(logger), logger)
	t.Cleanup(b.Close)
	return b
}

func TestEnvelopeRoundTrip(t *testing.T) {
	target := uuid.New()
	env := models.BroadcastMessage{
		Message: models.Message{
			Type:      "chat:message",
			Payload:   map[string]interface{}{"text": "hello", "room": "lobby-1"},
			Timestamp: 1712345678901,
		},
		TargetUserID: &target,
	}

	data, err := json.Marshal(env)
	require.NoError(t, err)

	got, err := decodeEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, env.Type, got.Type)
	assert.Equal(t, env.Timestamp, got.Timestamp)
	assert.Equal(t, "hello", got.Payload["text"])
	require.NotNil(t, got.TargetUserID)
	assert.Equal(t, target, *got.TargetUserID)
}

func TestEnvelopeWithoutTargetMeansFanOut(t *testing.T) {
	data, err := json.Marshal(models.BroadcastMessage{
		Message: models.Message{Type: "presence:update"},
	})
	require.NoError(t, err)

	got, err := decodeEnvelope(data)
	require.NoError(t, err)
	assert.Nil(t, got.TargetUserID)
}

func TestDecodeEnvelopeRejectsGarbage(t *testing.T) {
	_, err := decodeEnvelope([]byte("{not json"))
	assert.Error(t, err)

	_, err = decodeEnvelope([]byte(`{"payload":{}}`))
	assert.Error(t, err, "a typeless envelope is malformed")
}

func TestSubscribeReusesChannelSubscription(t *testing.T) {
	b := newTestBroadcaster(t)

	b.Subscribe("game:m1:input", "game:paddle", func(context.Context, models.Message) {})
	b.Subscribe("game:m1:input", "game:ready", func(context.Context, models.Message) {})

	b.mu.Lock()
	assert.Len(t, b.channels, 1)
	assert.Len(t, b.channels["game:m1:input"].handlers, 2)
	b.mu.Unlock()
}

func TestUnsubscribeLastHandlerDropsChannel(t *testing.T) {
	b := newTestBroadcaster(t)

	b.Subscribe("game:m1:input", "game:paddle", func(context.Context, models.Message) {})
	b.Subscribe("game:m1:input", "game:ready", func(context.Context, models.Message) {})

	b.Unsubscribe("game:m1:input", "game:paddle")
	b.mu.Lock()
	assert.Len(t, b.channels, 1)
	b.mu.Unlock()

	b.Unsubscribe("game:m1:input", "game:ready")
	b.mu.Lock()
	assert.Empty(t, b.channels)
	b.mu.Unlock()

	// Unsubscribing from a channel that no longer exists is a no-op.
	b.Unsubscribe("game:m1:input", "game:ready")
}

func TestHandlersForIncludesWildcard(t *testing.T) {
	b := newTestBroadcaster(t)

	var seen []string
	b.Subscribe("game:m1:input", "game:paddle", func(_ context.Context, msg models.Message) {
		seen = append(seen, "specific")
	})
	b.Subscribe("game:m1:input", Wildcard, func(_ context.Context, msg models.Message) {
		seen = append(seen, "wildcard")
	})

	msg := models.Message{Type: "game:paddle"}
	for _, h := range b.handlersFor("game:m1:input", msg.Type) {
		h(context.Background(), msg)
	}
	assert.Equal(t, []string{"specific", "wildcard"}, seen)

	seen = nil
	other := models.Message{Type: "game:chat"}
	for _, h := range b.handlersFor("game:m1:input", other.Type) {
		h(context.Background(), other)
	}
	assert.Equal(t, []string{"wildcard"}, seen, "wildcard alone receives undeclared types")
}

func TestDispatchRecoversHandlerPanic(t *testing.T) {
	b := newTestBroadcaster(t)

	assert.NotPanics(t, func() {
		b.dispatch(context.Background(), "game:m1:input", models.Message{Type: "boom"},
			func(context.Context, models.Message) { panic("handler bug") })
	})
}

func TestPublishDropsWhenNotReady(t *testing.T) {
	b := newTestBroadcaster(t)

	// Connect was never called, so the publish side is not ready and the
	// message must be dropped silently rather than queued.
	assert.NotPanics(t, func() {
		b.PublishGlobal(context.Background(), models.Message{Type: "game:goal"}, nil)
	})
}

func TestPublishReadinessTracksPublishSideOnly(t *testing.T) {
	b := newTestBroadcaster(t)

	// A healthy publish side stays usable regardless of subscribe-side
	// trouble: a failed publish attempt is dropped with a warning but does
	// not flip readiness, which only the publish keepalive owns.
	b.pubReady.Store(true)
	assert.NotPanics(t, func() {
		b.PublishGlobal(context.Background(), models.Message{Type: "game:goal"}, nil)
	})
	assert.True(t, b.pubReady.Load())
}
