package domain

type RelayState string

const (
	RelayOn  RelayState = "on"
	RelayOff RelayState = "off"
)

func RelayStateFromBool(on bool) RelayState {
	if on {
		return RelayOn
	}
	return RelayOff
}

// DirectValue is the legacy single-byte command used by color-capable
// controllers that are not relay addressed.
type DirectValue byte

const (
	DirectOff     DirectValue = 0
	DirectOn      DirectValue = 1
	DirectShuffle DirectValue = 2
)

type RelayCommand struct {
	RelayPosition int
	State         RelayState
}

type ColorCommand struct {
	Hex string
}

// TextCommandPrefix marks an audio payload that already carries text.
const TextCommandPrefix = "__TEXT__:"
