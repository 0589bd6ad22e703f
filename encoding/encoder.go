package encoding

import (
	"io"
)

// MQTT 3.1.1 packet encoders. Each encoder computes the remaining length
// up front, writes the fixed header, then the variable header and payload.

// Encode encodes an MQTT 3.1.1 CONNECT packet
func (p *ConnectPacket) Encode(w io.Writer) error {
	// Calculate variable header + payload length
	varHeaderLen := 0

	// Protocol name (2 bytes length + "MQTT")
	varHeaderLen += 2 + len(p.ProtocolName)

	// Protocol level (1 byte)
	varHeaderLen += 1

	// Connect flags (1 byte)
	varHeaderLen += 1

	// Keep alive (2 bytes)
	varHeaderLen += 2

	// Payload calculations
	payloadLen := 0

	// Client ID
	payloadLen += 2 + len(p.ClientID)

	// Will topic and payload
	if p.WillFlag {
		payloadLen += 2 + len(p.WillTopic)
		payloadLen += 2 + len(p.WillPayload)
	}

	// Username
	if p.UsernameFlag {
		payloadLen += 2 + len(p.Username)
	}

	// Password
	if p.PasswordFlag {
		payloadLen += 2 + len(p.Password)
	}

	remainingLength := uint32(varHeaderLen + payloadLen)

	// Encode fixed header
	fh := FixedHeader{
		Type:            CONNECT,
		Flags:           0,
		RemainingLength: remainingLength,
	}

	if err := fh.EncodeFixedHeader(w); err != nil {
		return err
	}

	// Encode variable header

	// Protocol name
	if err := writeUTF8String(w, p.ProtocolName); err != nil {
		return err
	}

	// Protocol level
	if err := writeByte(w, p.ProtocolLevel); err != nil {
		return err
	}

	// Connect flags
	var connectFlags byte
	if p.CleanSession {
		connectFlags |= 0x02
	}
	if p.WillFlag {
		connectFlags |= 0x04
		connectFlags |= byte(p.WillQoS) << 3
		if p.WillRetain {
			connectFlags |= 0x20
		}
	}
	if p.PasswordFlag {
		connectFlags |= 0x40
	}
	if p.UsernameFlag {
		connectFlags |= 0x80
	}

	if err := writeByte(w, connectFlags); err != nil {
		return err
	}

	// Keep alive
	if err := writeTwoByteInt(w, p.KeepAlive); err != nil {
		return err
	}

	// Payload

	// Client ID
	if err := writeUTF8String(w, p.ClientID); err != nil {
		return err
	}

	// Will topic and payload
	if p.WillFlag {
		if err := writeUTF8String(w, p.WillTopic); err != nil {
			return err
		}

		if err := writeBinaryData(w, p.WillPayload); err != nil {
			return err
		}
	}

	// Username
	if p.UsernameFlag {
		if err := writeUTF8String(w, p.Username); err != nil {
			return err
		}
	}

	// Password
	if p.PasswordFlag {
		if err := writeBinaryData(w, p.Password); err != nil {
			return err
		}
	}

	return nil
}

// Encode encodes an MQTT 3.1.1 CONNACK packet
func (p *ConnackPacket) Encode(w io.Writer) error {
	fh := FixedHeader{
		Type:            CONNACK,
		Flags:           0,
		RemainingLength: 2, // ack flags + return code
	}

	if err := fh.EncodeFixedHeader(w); err != nil {
		return err
	}

	var ackFlags byte
	if p.SessionPresent {
		ackFlags |= 0x01
	}
	if err := writeByte(w, ackFlags); err != nil {
		return err
	}

	return writeByte(w, p.ReturnCode)
}

// Encode encodes an MQTT 3.1.1 PUBLISH packet
func (p *PublishPacket) Encode(w io.Writer) error {
	remainingLength := uint32(2 + len(p.TopicName) + len(p.Payload))

	// Add packet ID for QoS 1 and 2
	if p.FixedHeader.QoS > QoS0 {
		remainingLength += 2
	}

	fh := FixedHeader{
		Type:            PUBLISH,
		RemainingLength: remainingLength,
		DUP:             p.FixedHeader.DUP,
		QoS:             p.FixedHeader.QoS,
		Retain:          p.FixedHeader.Retain,
	}
	fh.Flags = fh.BuildPublishFlags()

	if err := fh.EncodeFixedHeader(w); err != nil {
		return err
	}

	// Topic name
	if err := writeUTF8String(w, p.TopicName); err != nil {
		return err
	}

	// Packet ID (only for QoS 1 and 2)
	if p.FixedHeader.QoS > QoS0 {
		if err := writeTwoByteInt(w, p.PacketID); err != nil {
			return err
		}
	}

	// Payload
	if len(p.Payload) > 0 {
		_, err := w.Write(p.Payload)
		return err
	}

	return nil
}

// encodeAckPacket is a helper to encode the two-byte acknowledgment packets
func encodeAckPacket(w io.Writer, packetType PacketType, flags byte, packetID uint16) error {
	fh := FixedHeader{
		Type:            packetType,
		Flags:           flags,
		RemainingLength: 2,
	}

	if err := fh.EncodeFixedHeader(w); err != nil {
		return err
	}

	return writeTwoByteInt(w, packetID)
}

// Encode encodes an MQTT 3.1.1 PUBACK packet
func (p *PubackPacket) Encode(w io.Writer) error {
	return encodeAckPacket(w, PUBACK, 0, p.PacketID)
}

// Encode encodes an MQTT 3.1.1 PUBREC packet
func (p *PubrecPacket) Encode(w io.Writer) error {
	return encodeAckPacket(w, PUBREC, 0, p.PacketID)
}

// Encode encodes an MQTT 3.1.1 PUBREL packet
func (p *PubrelPacket) Encode(w io.Writer) error {
	// Reserved flags must be 0010
	return encodeAckPacket(w, PUBREL, 0x02, p.PacketID)
}

// Encode encodes an MQTT 3.1.1 PUBCOMP packet
func (p *PubcompPacket) Encode(w io.Writer) error {
	return encodeAckPacket(w, PUBCOMP, 0, p.PacketID)
}

// Encode encodes an MQTT 3.1.1 SUBSCRIBE packet
func (p *SubscribePacket) Encode(w io.Writer) error {
	if len(p.Subscriptions) == 0 {
		return ErrEmptySubscriptionList
	}

	remainingLength := uint32(2) // Packet ID

	for _, sub := range p.Subscriptions {
		remainingLength += uint32(2 + len(sub.TopicFilter) + 1) // length prefix + topic + QoS byte
	}

	fh := FixedHeader{
		Type:            SUBSCRIBE,
		Flags:           0x02, // Reserved flags must be 0010
		RemainingLength: remainingLength,
	}

	if err := fh.EncodeFixedHeader(w); err != nil {
		return err
	}

	// Packet ID
	if err := writeTwoByteInt(w, p.PacketID); err != nil {
		return err
	}

	// Subscriptions
	for _, sub := range p.Subscriptions {
		if err := writeUTF8String(w, sub.TopicFilter); err != nil {
			return err
		}

		if err := writeByte(w, byte(sub.QoS)); err != nil {
			return err
		}
	}

	return nil
}

// Encode encodes an MQTT 3.1.1 SUBACK packet
func (p *SubackPacket) Encode(w io.Writer) error {
	remainingLength := uint32(2 + len(p.ReturnCodes))

	fh := FixedHeader{
		Type:            SUBACK,
		Flags:           0,
		RemainingLength: remainingLength,
	}

	if err := fh.EncodeFixedHeader(w); err != nil {
		return err
	}

	// Packet ID
	if err := writeTwoByteInt(w, p.PacketID); err != nil {
		return err
	}

	// Return codes
	_, err := w.Write(p.ReturnCodes)
	return err
}

// Encode encodes an MQTT 3.1.1 UNSUBSCRIBE packet
func (p *UnsubscribePacket) Encode(w io.Writer) error {
	if len(p.TopicFilters) == 0 {
		return ErrEmptyUnsubscribeList
	}

	remainingLength := uint32(2) // Packet ID

	for _, topic := range p.TopicFilters {
		remainingLength += uint32(2 + len(topic))
	}

	fh := FixedHeader{
		Type:            UNSUBSCRIBE,
		Flags:           0x02, // Reserved flags must be 0010
		RemainingLength: remainingLength,
	}

	if err := fh.EncodeFixedHeader(w); err != nil {
		return err
	}

	// Packet ID
	if err := writeTwoByteInt(w, p.PacketID); err != nil {
		return err
	}

	// Topic filters
	for _, topic := range p.TopicFilters {
		if err := writeUTF8String(w, topic); err != nil {
			return err
		}
	}

	return nil
}

// Encode encodes an MQTT 3.1.1 UNSUBACK packet
func (p *UnsubackPacket) Encode(w io.Writer) error {
	return encodeAckPacket(w, UNSUBACK, 0, p.PacketID)
}

// Encode encodes an MQTT 3.1.1 PINGREQ packet
func (p *PingreqPacket) Encode(w io.Writer) error {
	fh := FixedHeader{
		Type:            PINGREQ,
		Flags:           0,
		RemainingLength: 0,
	}
	return fh.EncodeFixedHeader(w)
}

// Encode encodes an MQTT 3.1.1 PINGRESP packet
func (p *PingrespPacket) Encode(w io.Writer) error {
	fh := FixedHeader{
		Type:            PINGRESP,
		Flags:           0,
		RemainingLength: 0,
	}
	return fh.EncodeFixedHeader(w)
}

// Encode encodes an MQTT 3.1.1 DISCONNECT packet
func (p *DisconnectPacket) Encode(w io.Writer) error {
	fh := FixedHeader{
		Type:            DISCONNECT,
		Flags:           0,
		RemainingLength: 0,
	}
	return fh.EncodeFixedHeader(w)
}
