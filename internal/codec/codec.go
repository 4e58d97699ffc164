// Package codec translates accessory commands to the controller's wire bytes.
//
// The controller firmware understands three payload shapes on the same
// characteristic: a 2-byte relay command, a 1-byte direct command for
// non-addressed RGB controllers, and a 6-character ASCII hex color.
package codec

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"geminize/internal/domain"
)

const (
	relayStateOn  byte = 0
	relayStateOff byte = 1

	maxRelayPosition = 255
)

var hexColorPattern = regexp.MustCompile(`^#?[0-9A-Fa-f]{6}$`)

// EncodeRelayCommand returns [relayPosition, stateByte]. The firmware treats
// 0 as energized and 1 as released, so the state byte is inverted.
func EncodeRelayCommand(relayPosition int, state domain.RelayState) ([]byte, error) {
	if relayPosition < 1 || relayPosition > maxRelayPosition {
		return nil, fmt.Errorf("%w: relay position %d out of range 1..%d", domain.ErrInvalidCommandArgument, relayPosition, maxRelayPosition)
	}

	var b byte
	switch state {
	case domain.RelayOn:
		b = relayStateOn
	case domain.RelayOff:
		b = relayStateOff
	default:
		return nil, fmt.Errorf("%w: relay state %q", domain.ErrInvalidCommandArgument, state)
	}

	return []byte{byte(relayPosition), b}, nil
}

func DecodeRelayCommand(data []byte) (int, domain.RelayState, error) {
	if len(data) != 2 {
		return 0, "", fmt.Errorf("%w: relay command must be 2 bytes, got %d", domain.ErrInvalidCommandArgument, len(data))
	}
	if data[0] == 0 {
		return 0, "", fmt.Errorf("%w: relay position 0", domain.ErrInvalidCommandArgument)
	}

	switch data[1] {
	case relayStateOn:
		return int(data[0]), domain.RelayOn, nil
	case relayStateOff:
		return int(data[0]), domain.RelayOff, nil
	default:
		return 0, "", fmt.Errorf("%w: relay state byte %d", domain.ErrInvalidCommandArgument, data[1])
	}
}

func EncodeDirectCommand(v domain.DirectValue) ([]byte, error) {
	switch v {
	case domain.DirectOff, domain.DirectOn, domain.DirectShuffle:
		return []byte{byte(v)}, nil
	default:
		return nil, fmt.Errorf("%w: direct value %d", domain.ErrInvalidCommandArgument, v)
	}
}

// EncodeColorCommand sends the hex digits as ASCII; the firmware parses them.
func EncodeColorCommand(hex string) ([]byte, error) {
	if !hexColorPattern.MatchString(hex) {
		return nil, fmt.Errorf("%w: color %q", domain.ErrInvalidCommandArgument, hex)
	}
	return []byte(strings.TrimPrefix(hex, "#")), nil
}

// DecodeTemperature parses a notified telemetry value. Errors wrap
// domain.ErrCommandDecodeIgnored; callers log and drop them.
func DecodeTemperature(payload []byte) (float64, error) {
	if !utf8.Valid(payload) {
		return 0, fmt.Errorf("%w: temperature payload is not utf-8", domain.ErrCommandDecodeIgnored)
	}

	text := strings.TrimSpace(strings.TrimRight(string(payload), "\x00"))
	value, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: temperature %q: %v", domain.ErrCommandDecodeIgnored, text, err)
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, fmt.Errorf("%w: temperature %q is not finite", domain.ErrCommandDecodeIgnored, text)
	}

	return value, nil
}
