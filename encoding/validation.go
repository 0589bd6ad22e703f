package encoding

import "strings"

// ValidatePacketID validates a packet identifier
func ValidatePacketID(packetID uint16, requireNonZero bool) error {
	if requireNonZero && packetID == 0 {
		return ErrInvalidPacketIDZero
	}
	return nil
}

// ValidateTopicName validates a PUBLISH topic name.
// Topic names must be non-empty valid UTF-8 and must not contain wildcards.
func ValidateTopicName(topic string) error {
	if len(topic) == 0 {
		return ErrInvalidTopicName
	}

	if !IsValidUTF8String([]byte(topic)) {
		return ErrInvalidTopicName
	}

	if strings.ContainsAny(topic, "+#") {
		return ErrInvalidPublishTopicName
	}

	return nil
}

// ValidateTopicFilter validates a SUBSCRIBE/UNSUBSCRIBE topic filter.
// Wildcards are allowed, but only in the positions MQTT 3.1.1 section 4.7
// permits: '+' must occupy a whole level, '#' must occupy the last level.
func ValidateTopicFilter(filter string) error {
	if len(filter) == 0 {
		return ErrEmptyTopicFilter
	}

	if !IsValidUTF8String([]byte(filter)) {
		return ErrInvalidTopicFilter
	}

	levels := strings.Split(filter, "/")
	for i, level := range levels {
		if strings.Contains(level, "#") {
			if level != "#" || i != len(levels)-1 {
				return ErrInvalidTopicFilter
			}
		}
		if strings.Contains(level, "+") && level != "+" {
			return ErrInvalidTopicFilter
		}
	}

	return nil
}

// ValidatePublishPacket validates the fields of an outbound PUBLISH
func ValidatePublishPacket(topicName string, qos QoS, packetID uint16) error {
	if err := ValidateTopicName(topicName); err != nil {
		return err
	}

	if !qos.IsValid() {
		return ErrInvalidQoS
	}

	if qos > QoS0 && packetID == 0 {
		return ErrInvalidPacketIDZero
	}

	return nil
}

// ValidateRemainingLength checks the remaining length is encodable
func ValidateRemainingLength(length uint32) error {
	if length > MaxVariableByteInteger {
		return ErrInvalidRemainingLength
	}
	return nil
}
