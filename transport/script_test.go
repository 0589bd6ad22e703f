package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axmq/courier/encoding"
)

func TestScriptDialerHandshake(t *testing.T) {
	dialer := NewScriptDialer(&ConnScript{
		Steps: []Step{
			Expect{Type: encoding.CONNECT},
			Send{Packet: &encoding.ConnackPacket{ReturnCode: encoding.ConnectAccepted}},
		},
	})

	conn, err := dialer.Dial(context.Background(), "scripted")
	require.NoError(t, err)
	defer conn.Close()

	connect := &encoding.ConnectPacket{
		ProtocolName:  encoding.ProtocolName,
		ProtocolLevel: encoding.ProtocolLevel311,
		CleanSession:  true,
		ClientID:      "t",
	}
	require.NoError(t, connect.Encode(conn))

	pkt, err := encoding.ReadPacket(conn)
	require.NoError(t, err)
	connack, ok := pkt.(*encoding.ConnackPacket)
	require.True(t, ok)
	assert.Equal(t, encoding.ConnectAccepted, connack.ReturnCode)

	received := dialer.ReceivedOfType(encoding.CONNECT)
	require.Len(t, received, 1)
	assert.Equal(t, "t", received[0].(*encoding.ConnectPacket).ClientID)
	assert.NoError(t, dialer.Err())
}

func TestScriptDialerDialError(t *testing.T) {
	dialer := NewScriptDialer(&ConnScript{DialErr: ErrConnectionRefused})

	_, err := dialer.Dial(context.Background(), "scripted")
	assert.ErrorIs(t, err, ErrConnectionRefused)
	assert.Equal(t, 1, dialer.Dials())
}

func TestScriptDialerExhausted(t *testing.T) {
	dialer := NewScriptDialer()

	_, err := dialer.Dial(context.Background(), "scripted")
	assert.ErrorIs(t, err, ErrConnectionRefused)
}

func TestScriptDialerTypeMismatch(t *testing.T) {
	dialer := NewScriptDialer(&ConnScript{
		Steps: []Step{
			Expect{Type: encoding.CONNECT},
		},
	})

	conn, err := dialer.Dial(context.Background(), "scripted")
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, (&encoding.PingreqPacket{}).Encode(conn))

	select {
	case <-dialer.Done():
	case <-time.After(time.Second):
		t.Fatal("script did not finish")
	}

	assert.Error(t, dialer.Err())
}

func TestScriptDialerCloseStep(t *testing.T) {
	dialer := NewScriptDialer(&ConnScript{
		Steps: []Step{
			CloseConn{},
		},
	})

	conn, err := dialer.Dial(context.Background(), "scripted")
	require.NoError(t, err)

	_, err = encoding.ReadPacket(conn)
	assert.Error(t, err)
}
