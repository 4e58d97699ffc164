package codec_test

import (
	"bytes"
	"errors"
	"testing"

	"geminize/internal/codec"
	"geminize/internal/domain"
)

func TestEncodeRelayCommand_InvertsState(t *testing.T) {
	on, err := codec.EncodeRelayCommand(3, domain.RelayOn)
	if err != nil {
		t.Fatalf("encode on: %v", err)
	}
	if !bytes.Equal(on, []byte{3, 0}) {
		t.Errorf("on: got %v, want [3 0]", on)
	}

	off, err := codec.EncodeRelayCommand(3, domain.RelayOff)
	if err != nil {
		t.Fatalf("encode off: %v", err)
	}
	if !bytes.Equal(off, []byte{3, 1}) {
		t.Errorf("off: got %v, want [3 1]", off)
	}
}

func TestRelayCommand_RoundTrip(t *testing.T) {
	for pos := 1; pos <= 255; pos++ {
		for _, state := range []domain.RelayState{domain.RelayOn, domain.RelayOff} {
			data, err := codec.EncodeRelayCommand(pos, state)
			if err != nil {
				t.Fatalf("encode %d/%s: %v", pos, state, err)
			}
			gotPos, gotState, err := codec.DecodeRelayCommand(data)
			if err != nil {
				t.Fatalf("decode %v: %v", data, err)
			}
			if gotPos != pos || gotState != state {
				t.Fatalf("round trip: got (%d, %s), want (%d, %s)", gotPos, gotState, pos, state)
			}
		}
	}
}

func TestEncodeRelayCommand_RejectsOutOfRange(t *testing.T) {
	for _, pos := range []int{0, -1, 256, 1000} {
		if _, err := codec.EncodeRelayCommand(pos, domain.RelayOn); !errors.Is(err, domain.ErrInvalidCommandArgument) {
			t.Errorf("position %d: got %v, want ErrInvalidCommandArgument", pos, err)
		}
	}
	if _, err := codec.EncodeRelayCommand(1, domain.RelayState("toggle")); !errors.Is(err, domain.ErrInvalidCommandArgument) {
		t.Errorf("bad state: got %v, want ErrInvalidCommandArgument", err)
	}
}

func TestDecodeRelayCommand_Malformed(t *testing.T) {
	for _, data := range [][]byte{nil, {1}, {1, 0, 0}, {0, 1}, {2, 7}} {
		if _, _, err := codec.DecodeRelayCommand(data); err == nil {
			t.Errorf("decode %v: expected error", data)
		}
	}
}

func TestEncodeDirectCommand(t *testing.T) {
	tests := []struct {
		value   domain.DirectValue
		want    []byte
		wantErr bool
	}{
		{domain.DirectOff, []byte{0}, false},
		{domain.DirectOn, []byte{1}, false},
		{domain.DirectShuffle, []byte{2}, false},
		{domain.DirectValue(3), nil, true},
	}

	for _, tt := range tests {
		got, err := codec.EncodeDirectCommand(tt.value)
		if tt.wantErr {
			if !errors.Is(err, domain.ErrInvalidCommandArgument) {
				t.Errorf("value %d: got %v, want ErrInvalidCommandArgument", tt.value, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("value %d: %v", tt.value, err)
		}
		if !bytes.Equal(got, tt.want) {
			t.Errorf("value %d: got %v, want %v", tt.value, got, tt.want)
		}
	}
}

func TestEncodeColorCommand(t *testing.T) {
	tests := []struct {
		name    string
		hex     string
		want    string
		wantErr bool
	}{
		{name: "with hash", hex: "#FF8800", want: "FF8800"},
		{name: "without hash", hex: "00ff7f", want: "00ff7f"},
		{name: "double hash", hex: "##FF8800", wantErr: true},
		{name: "too short", hex: "#FFF", wantErr: true},
		{name: "not hex", hex: "#GG0000", wantErr: true},
		{name: "empty", hex: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := codec.EncodeColorCommand(tt.hex)
			if tt.wantErr {
				if !errors.Is(err, domain.ErrInvalidCommandArgument) {
					t.Errorf("got %v, want ErrInvalidCommandArgument", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDecodeTemperature(t *testing.T) {
	got, err := codec.DecodeTemperature([]byte(" 21.5\x00"))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != 21.5 {
		t.Errorf("got %v, want 21.5", got)
	}

	for _, payload := range [][]byte{[]byte("warm"), {0xff, 0xfe}, []byte("NaN"), nil} {
		if _, err := codec.DecodeTemperature(payload); !errors.Is(err, domain.ErrCommandDecodeIgnored) {
			t.Errorf("payload %q: got %v, want ErrCommandDecodeIgnored", payload, err)
		}
	}
}
