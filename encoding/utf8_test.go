package encoding

import (
	"testing"
)

func TestValidateUTF8String(t *testing.T) {
	tests := []struct {
		name    string
		input   []byte
		wantErr error
	}{
		{"empty", []byte{}, nil},
		{"ascii", []byte("hello/world"), nil},
		{"multibyte", []byte("température/étage"), nil},
		{"emoji", []byte("alerts/🔥"), nil},
		{"null byte", []byte{'a', 0x00, 'b'}, ErrNullCharacter},
		{"invalid utf8", []byte{0xFF, 0xFE}, ErrInvalidUTF8},
		{"overlong continuation", []byte{0xC0, 0xAF}, ErrInvalidUTF8},
		{"noncharacter U+FFFE", []byte{0xEF, 0xBF, 0xBE}, ErrNonCharacterCodePoint},
		{"noncharacter U+FFFF", []byte{0xEF, 0xBF, 0xBF}, ErrNonCharacterCodePoint},
		{"noncharacter U+FDD0", []byte{0xEF, 0xB7, 0x90}, ErrNonCharacterCodePoint},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateUTF8String(tt.input)
			if err != tt.wantErr {
				t.Errorf("ValidateUTF8String() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestIsValidUTF8String(t *testing.T) {
	if !IsValidUTF8String([]byte("ok")) {
		t.Error("IsValidUTF8String(ok) = false")
	}
	if IsValidUTF8String([]byte{0x00}) {
		t.Error("IsValidUTF8String(null) = true")
	}
}
