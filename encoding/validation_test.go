package encoding

import (
	"testing"
)

func TestValidateTopicName(t *testing.T) {
	tests := []struct {
		name    string
		topic   string
		wantErr error
	}{
		{"simple", "a/b/c", nil},
		{"single level", "devices", nil},
		{"leading slash", "/devices", nil},
		{"empty", "", ErrInvalidTopicName},
		{"plus wildcard", "a/+/c", ErrInvalidPublishTopicName},
		{"hash wildcard", "a/#", ErrInvalidPublishTopicName},
		{"null char", "a\x00b", ErrInvalidTopicName},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ValidateTopicName(tt.topic); err != tt.wantErr {
				t.Errorf("ValidateTopicName(%q) = %v, want %v", tt.topic, err, tt.wantErr)
			}
		})
	}
}

func TestValidateTopicFilter(t *testing.T) {
	tests := []struct {
		name    string
		filter  string
		wantErr error
	}{
		{"plain", "a/b/c", nil},
		{"single plus", "+", nil},
		{"plus level", "a/+/c", nil},
		{"trailing hash", "a/b/#", nil},
		{"bare hash", "#", nil},
		{"empty", "", ErrEmptyTopicFilter},
		{"hash not last", "a/#/c", ErrInvalidTopicFilter},
		{"hash inside level", "a/b#", ErrInvalidTopicFilter},
		{"plus inside level", "a/b+/c", ErrInvalidTopicFilter},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ValidateTopicFilter(tt.filter); err != tt.wantErr {
				t.Errorf("ValidateTopicFilter(%q) = %v, want %v", tt.filter, err, tt.wantErr)
			}
		})
	}
}

func TestValidatePublishPacket(t *testing.T) {
	if err := ValidatePublishPacket("a/b", QoS1, 1); err != nil {
		t.Errorf("valid publish rejected: %v", err)
	}
	if err := ValidatePublishPacket("a/b", QoS1, 0); err != ErrInvalidPacketIDZero {
		t.Errorf("zero packet id: got %v", err)
	}
	if err := ValidatePublishPacket("a/b", QoS(3), 1); err != ErrInvalidQoS {
		t.Errorf("invalid qos: got %v", err)
	}
	if err := ValidatePublishPacket("a/#", QoS0, 0); err != ErrInvalidPublishTopicName {
		t.Errorf("wildcard topic: got %v", err)
	}
}
