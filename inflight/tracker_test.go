package inflight

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axmq/courier/encoding"
)

func TestRegisterPublishAllocatesUniqueIDs(t *testing.T) {
	tr := NewTracker()

	seen := make(map[uint16]bool)
	for i := 0; i < 100; i++ {
		out, err := tr.RegisterPublish("t", nil, encoding.QoS1, false)
		require.NoError(t, err)
		require.NotZero(t, out.PacketID)
		require.False(t, seen[out.PacketID], "duplicate packet id %d", out.PacketID)
		seen[out.PacketID] = true
	}

	assert.Equal(t, 100, tr.InflightCount())
}

func TestRegisterPublishRejectsQoS0(t *testing.T) {
	tr := NewTracker()
	_, err := tr.RegisterPublish("t", nil, encoding.QoS0, false)
	assert.ErrorIs(t, err, ErrInvalidQoS)
}

func TestPacketIDWrapsAndSkipsInUse(t *testing.T) {
	tr := NewTracker()
	tr.nextPacketID = 0xFFFF

	first, err := tr.RegisterPublish("t", nil, encoding.QoS1, false)
	require.NoError(t, err)
	assert.Equal(t, uint16(0xFFFF), first.PacketID)

	// Counter wraps past zero
	second, err := tr.RegisterPublish("t", nil, encoding.QoS1, false)
	require.NoError(t, err)
	assert.Equal(t, uint16(1), second.PacketID)

	// 0xFFFF is still held, so advancing there again must skip it
	tr.nextPacketID = 0xFFFF
	third, err := tr.RegisterPublish("t", nil, encoding.QoS1, false)
	require.NoError(t, err)
	assert.Equal(t, uint16(2), third.PacketID)
}

func TestPacketIDExhaustion(t *testing.T) {
	tr := NewTracker()

	for i := 0; i < 0xFFFF; i++ {
		_, err := tr.RegisterPublish("t", nil, encoding.QoS1, false)
		require.NoError(t, err)
	}

	_, err := tr.RegisterPublish("t", nil, encoding.QoS1, false)
	assert.ErrorIs(t, err, ErrPacketIDExhausted)

	// Sub/unsub registrations draw from the same pool
	_, _, err = tr.RegisterSubscribe()
	assert.ErrorIs(t, err, ErrPacketIDExhausted)
}

func TestQoS1Flow(t *testing.T) {
	tr := NewTracker()

	out, err := tr.RegisterPublish("t", []byte("p"), encoding.QoS1, false)
	require.NoError(t, err)
	tr.MarkPublishSent(out.PacketID)

	select {
	case <-out.Token().Done():
		t.Fatal("token resolved before PUBACK")
	default:
	}

	require.NoError(t, tr.HandlePuback(out.PacketID))

	select {
	case <-out.Token().Done():
		assert.NoError(t, out.Token().Error())
	case <-time.After(time.Second):
		t.Fatal("token did not resolve")
	}

	assert.Equal(t, 0, tr.InflightCount())
	assert.ErrorIs(t, tr.HandlePuback(out.PacketID), ErrPacketIDNotFound)
}

func TestQoS2Flow(t *testing.T) {
	tr := NewTracker()

	out, err := tr.RegisterPublish("t", []byte("p"), encoding.QoS2, false)
	require.NoError(t, err)
	tr.MarkPublishSent(out.PacketID)

	pubrel, err := tr.HandlePubrec(out.PacketID)
	require.NoError(t, err)
	assert.Equal(t, out.PacketID, pubrel.PacketID)
	tr.MarkPubrelSent(out.PacketID)

	select {
	case <-out.Token().Done():
		t.Fatal("token resolved before PUBCOMP")
	default:
	}

	require.NoError(t, tr.HandlePubcomp(out.PacketID))
	require.NoError(t, out.Token().Wait(context.Background()))
	assert.Equal(t, 0, tr.InflightCount())
}

func TestPubackForQoS2IsViolation(t *testing.T) {
	tr := NewTracker()

	out, err := tr.RegisterPublish("t", nil, encoding.QoS2, false)
	require.NoError(t, err)
	tr.MarkPublishSent(out.PacketID)

	assert.ErrorIs(t, tr.HandlePuback(out.PacketID), ErrProtocolViolation)
}

func TestPubcompWithoutPubrecIsViolation(t *testing.T) {
	tr := NewTracker()

	out, err := tr.RegisterPublish("t", nil, encoding.QoS2, false)
	require.NoError(t, err)
	tr.MarkPublishSent(out.PacketID)

	err = tr.HandlePubcomp(out.PacketID)
	assert.ErrorIs(t, err, ErrProtocolViolation)
}

func TestHandlePubcompUnknownID(t *testing.T) {
	tr := NewTracker()
	assert.ErrorIs(t, tr.HandlePubcomp(42), ErrPacketIDNotFound)
}

func TestPendingReplayOrderAndShape(t *testing.T) {
	tr := NewTracker()

	q1, err := tr.RegisterPublish("first", []byte("1"), encoding.QoS1, false)
	require.NoError(t, err)
	tr.MarkPublishSent(q1.PacketID)

	q2a, err := tr.RegisterPublish("second", []byte("2"), encoding.QoS2, true)
	require.NoError(t, err)
	tr.MarkPublishSent(q2a.PacketID)

	q2b, err := tr.RegisterPublish("third", []byte("3"), encoding.QoS2, false)
	require.NoError(t, err)
	tr.MarkPublishSent(q2b.PacketID)

	// Advance the second message past PUBREC
	_, err = tr.HandlePubrec(q2a.PacketID)
	require.NoError(t, err)
	tr.MarkPubrelSent(q2a.PacketID)

	replays := tr.PendingReplay()
	require.Len(t, replays, 3)

	// Original submission order is preserved
	require.NotNil(t, replays[0].Publish)
	assert.Equal(t, "first", replays[0].Publish.TopicName)
	assert.True(t, replays[0].Publish.FixedHeader.DUP)
	assert.Equal(t, encoding.QoS1, replays[0].Publish.FixedHeader.QoS)

	// Past PUBREC: replayed as PUBREL, never as a publish
	require.NotNil(t, replays[1].Pubrel)
	assert.Equal(t, q2a.PacketID, replays[1].Pubrel.PacketID)

	require.NotNil(t, replays[2].Publish)
	assert.Equal(t, "third", replays[2].Publish.TopicName)
	assert.True(t, replays[2].Publish.FixedHeader.DUP)
}

func TestInboundQoS2Dedup(t *testing.T) {
	tr := NewTracker()

	assert.True(t, tr.ReceiveQoS2(7), "first sighting")
	assert.False(t, tr.ReceiveQoS2(7), "duplicate must not redeliver")

	assert.True(t, tr.ReleaseQoS2(7))
	assert.False(t, tr.ReleaseQoS2(7), "already released")

	// After release the id may be reused by the broker
	assert.True(t, tr.ReceiveQoS2(7))
}

func TestSubscribeFlow(t *testing.T) {
	tr := NewTracker()

	packetID, token, err := tr.RegisterSubscribe()
	require.NoError(t, err)
	require.NotZero(t, packetID)

	require.NoError(t, tr.HandleSuback(packetID, []byte{0x01, 0x80}))
	require.NoError(t, token.Wait(context.Background()))
	assert.Equal(t, []byte{0x01, 0x80}, token.ReturnCodes())

	assert.ErrorIs(t, tr.HandleSuback(packetID, nil), ErrPacketIDNotFound)
}

func TestUnsubscribeFlow(t *testing.T) {
	tr := NewTracker()

	packetID, token, err := tr.RegisterUnsubscribe()
	require.NoError(t, err)

	require.NoError(t, tr.HandleUnsuback(packetID))
	require.NoError(t, token.Wait(context.Background()))
}

func TestClearFailsTokens(t *testing.T) {
	tr := NewTracker()

	out, err := tr.RegisterPublish("t", nil, encoding.QoS1, false)
	require.NoError(t, err)
	_, subToken, err := tr.RegisterSubscribe()
	require.NoError(t, err)

	tr.Clear()

	assert.ErrorIs(t, out.Token().Wait(context.Background()), ErrSessionCleared)
	assert.ErrorIs(t, subToken.Wait(context.Background()), ErrSessionCleared)
	assert.Equal(t, 0, tr.InflightCount())
	assert.Empty(t, tr.PendingReplay())
}

func TestFailPendingKeepsPublishes(t *testing.T) {
	tr := NewTracker()

	out, err := tr.RegisterPublish("t", nil, encoding.QoS1, false)
	require.NoError(t, err)
	tr.MarkPublishSent(out.PacketID)
	_, subToken, err := tr.RegisterSubscribe()
	require.NoError(t, err)

	tr.FailPending(ErrConnectionDropped)

	assert.ErrorIs(t, subToken.Wait(context.Background()), ErrConnectionDropped)

	// Publish survives for replay
	select {
	case <-out.Token().Done():
		t.Fatal("publish token must stay pending across reconnects")
	default:
	}
	assert.Len(t, tr.PendingReplay(), 1)
}

func TestCloseFailsEverything(t *testing.T) {
	tr := NewTracker()

	out, err := tr.RegisterPublish("t", nil, encoding.QoS1, false)
	require.NoError(t, err)

	tr.Close(ErrTrackerClosed)

	assert.ErrorIs(t, out.Token().Wait(context.Background()), ErrTrackerClosed)

	_, err = tr.RegisterPublish("t", nil, encoding.QoS1, false)
	assert.ErrorIs(t, err, ErrTrackerClosed)
}

func TestTokenWaitContext(t *testing.T) {
	token := newToken()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := token.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The exchange still completes afterwards
	token.complete(nil)
	assert.NoError(t, token.Wait(context.Background()))
}

func TestCompletedToken(t *testing.T) {
	token := CompletedToken()
	assert.NoError(t, token.Wait(context.Background()))
}

func TestConcurrentRegistration(t *testing.T) {
	tr := NewTracker()

	var wg sync.WaitGroup
	ids := make(chan uint16, 400)

	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				out, err := tr.RegisterPublish("t", nil, encoding.QoS1, false)
				if err != nil {
					t.Error(err)
					return
				}
				ids <- out.PacketID
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[uint16]bool)
	for id := range ids {
		require.False(t, seen[id], "duplicate id %d", id)
		seen[id] = true
	}
	assert.Len(t, seen, 400)
}
