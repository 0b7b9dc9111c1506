package stream

import (
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisRelay_PublishDeliversLocallyAndQueues(t *testing.T) {
	hub := newTestHub(4)
	relay := NewRedisRelay(hub, nil, "", zerolog.Nop())
	sub := hub.Subscribe()
	defer sub.Close()

	relay.Publish(EventSummary{Kind: KindCustodyEvent, SpecimenID: "spec-1"})

	local := <-sub.C
	assert.Equal(t, "spec-1", local.SpecimenID)
	assert.Empty(t, local.Origin)

	queued := <-relay.out
	assert.Equal(t, relay.instanceID, queued.Origin)
	assert.Equal(t, DefaultRelayChannel, relay.channel)
}

func TestRedisRelay_DeliverSkipsOwnMessages(t *testing.T) {
	hub := newTestHub(4)
	relay := NewRedisRelay(hub, nil, "test:stream", zerolog.Nop())
	sub := hub.Subscribe()
	defer sub.Close()

	own, err := json.Marshal(EventSummary{SpecimenID: "mine", Origin: relay.instanceID})
	require.NoError(t, err)
	remote, err := json.Marshal(EventSummary{SpecimenID: "theirs", Origin: "other-instance", Sequence: 99})
	require.NoError(t, err)

	assert.False(t, relay.deliver(string(own)))
	assert.True(t, relay.deliver(string(remote)))
	assert.False(t, relay.deliver("{not json"))

	got := <-sub.C
	assert.Equal(t, "theirs", got.SpecimenID)
	assert.Equal(t, uint64(1), got.Sequence, "remote summaries are resequenced locally")
	assert.Equal(t, 0, len(sub.C))
}

func TestRedisRelay_FullQueueDropsRemoteCopyOnly(t *testing.T) {
	hub := newTestHub(1)
	relay := NewRedisRelay(hub, nil, "", zerolog.Nop())

	relay.Publish(EventSummary{SpecimenID: "a"})
	relay.Publish(EventSummary{SpecimenID: "b"})

	assert.Equal(t, uint64(2), hub.Sequence())
	assert.Equal(t, 1, len(relay.out))
}
