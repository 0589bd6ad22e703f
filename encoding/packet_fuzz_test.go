package encoding

import (
	"bytes"
	"testing"
)

// FuzzReadPacket checks the decoder never panics and that anything it
// accepts survives an encode/decode round trip.
func FuzzReadPacket(f *testing.F) {
	seeds := []Packet{
		&ConnectPacket{ProtocolName: ProtocolName, ProtocolLevel: ProtocolLevel311, CleanSession: true, ClientID: "fuzz"},
		&ConnackPacket{ReturnCode: ConnectAccepted},
		&PublishPacket{FixedHeader: FixedHeader{Type: PUBLISH, QoS: QoS1}, TopicName: "a/b", PacketID: 9, Payload: []byte{1, 2}},
		&SubscribePacket{PacketID: 3, Subscriptions: []Subscription{{TopicFilter: "x/#", QoS: QoS2}}},
		&PingreqPacket{},
	}
	for _, p := range seeds {
		var buf bytes.Buffer
		if err := p.Encode(&buf); err == nil {
			f.Add(buf.Bytes())
		}
	}
	f.Add([]byte{0x30, 0x80})
	f.Add([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF})

	f.Fuzz(func(t *testing.T, data []byte) {
		pkt, err := ReadPacket(bytes.NewReader(data))
		if err != nil {
			return
		}

		var buf bytes.Buffer
		if err := pkt.Encode(&buf); err != nil {
			t.Fatalf("accepted packet failed to re-encode: %v", err)
		}

		again, err := ReadPacket(bytes.NewReader(buf.Bytes()))
		if err != nil {
			t.Fatalf("re-encoded packet failed to decode: %v", err)
		}
		if again.Type() != pkt.Type() {
			t.Fatalf("type changed across round trip: %v != %v", again.Type(), pkt.Type())
		}
	})
}
