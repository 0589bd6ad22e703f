package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupPebbleStore(t *testing.T) *PebbleStore {
	t.Helper()

	store, err := NewPebbleStore(PebbleStoreConfig{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	return store
}

func TestPebbleStoreSaveLoad(t *testing.T) {
	store := setupPebbleStore(t)
	ctx := context.Background()

	sess := New("client1", false)
	sess.AddSubscription(&Subscription{TopicFilter: "a/+", GrantedQoS: 1, SubscribedAt: time.Now()})
	sess.SetPendingPublish(map[uint16]*PendingPublish{
		9: {PacketID: 9, Topic: "t", Payload: []byte{1, 2, 3}, QoS: 2, AwaitingComp: true},
	})
	require.NoError(t, store.Save(ctx, sess))

	loaded, err := store.Load(ctx, "client1")
	require.NoError(t, err)
	assert.Equal(t, "client1", loaded.GetClientID())
	assert.False(t, loaded.CleanSession)

	sub, ok := loaded.GetSubscription("a/+")
	require.True(t, ok)
	assert.Equal(t, byte(1), sub.GrantedQoS)

	pending := loaded.GetAllPendingPublish()
	require.Len(t, pending, 1)
	assert.Equal(t, []byte{1, 2, 3}, pending[9].Payload)
	assert.True(t, pending[9].AwaitingComp)
}

func TestPebbleStoreLoadMissing(t *testing.T) {
	store := setupPebbleStore(t)

	_, err := store.Load(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestPebbleStoreDeleteAndExists(t *testing.T) {
	store := setupPebbleStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, New("client1", false)))

	exists, err := store.Exists(ctx, "client1")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, store.Delete(ctx, "client1"))

	exists, err = store.Exists(ctx, "client1")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestPebbleStoreList(t *testing.T) {
	store := setupPebbleStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, New("a", false)))
	require.NoError(t, store.Save(ctx, New("b", false)))
	require.NoError(t, store.Save(ctx, New("c", false)))

	ids, err := store.List(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, ids)
}

func TestPebbleStoreClosed(t *testing.T) {
	store, err := NewPebbleStore(PebbleStoreConfig{Path: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	ctx := context.Background()
	assert.ErrorIs(t, store.Save(ctx, New("x", false)), ErrStoreClosed)
	_, err = store.Load(ctx, "x")
	assert.ErrorIs(t, err, ErrStoreClosed)
}

func TestSessionDataRoundTrip(t *testing.T) {
	sess := New("rt", true)
	sess.AddSubscription(&Subscription{TopicFilter: "x/#", GrantedQoS: 2})

	data := sessionToData(sess)
	back := dataToSession(data)

	assert.Equal(t, sess.ClientID, back.ClientID)
	assert.Equal(t, sess.CleanSession, back.CleanSession)
	assert.Len(t, back.Subscriptions, 1)
}
