package vmerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestStatusOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Status
	}{
		{"nil", nil, Success},
		{"translation", fmt.Errorf("map 0x1000: %w", ErrAddressTranslation), AddressTranslation},
		{"not present", fmt.Errorf("phys 0x2000: %w", ErrPageNotPresent), AddressTranslation},
		{"bounds", ErrOutOfBounds, OutOfBounds},
		{"selector", fmt.Errorf("sel 0x28: %w", ErrSelectorNotFound), SelectorNotFound},
		{"decode", ErrDecodeFailure, DecodeFailure},
		{"argument", ErrInvalidArgument, InvalidArgument},
		{"other", errors.New("boom"), Unknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StatusOf(tt.err); got != tt.want {
				t.Errorf("StatusOf(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestStatusString(t *testing.T) {
	if Success.String() != "success" {
		t.Errorf("Success.String() = %q", Success.String())
	}
	if Status(99).String() != "unknown error" {
		t.Errorf("Status(99).String() = %q", Status(99).String())
	}
}
