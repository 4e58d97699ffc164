package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type AccessoryType string

const (
	AccessoryTypeLight      AccessoryType = "light"
	AccessoryTypeUtility    AccessoryType = "utility"
	AccessoryTypeSensor     AccessoryType = "sensor"
	AccessoryTypePower      AccessoryType = "power"
	AccessoryTypeTurnSignal AccessoryType = "turn-signal"
	AccessoryTypeWireless   AccessoryType = "wireless"
	AccessoryTypeRelay      AccessoryType = "relay-generic"
	AccessoryTypeRGBLight   AccessoryType = "rgb-light"
	AccessoryTypeOther      AccessoryType = "other"
)

const defaultAccessoryIDPrefix = "D"

// Accessory is one vehicle-mounted accessory as stored in the user's document.
// ConnectionStatus is the logical on/off state, not transport connectivity.
type Accessory struct {
	ID               string        `json:"id"`
	Name             string        `json:"name"`
	Type             AccessoryType `json:"type"`
	ConnectionStatus bool          `json:"connectionStatus"`
	IsFavorite       bool          `json:"isFavorite"`
	RelayPosition    *int          `json:"relayPosition"`
	LastColor        string        `json:"lastColor,omitempty"`
}

func (a Accessory) HasRelay() bool {
	return a.RelayPosition != nil && *a.RelayPosition > 0
}

// SupportsColor reports whether the controller should receive color
// commands for this accessory.
func (a Accessory) SupportsColor() bool {
	return a.Type == AccessoryTypeRGBLight
}

func (a Accessory) Clone() Accessory {
	c := a
	if a.RelayPosition != nil {
		p := *a.RelayPosition
		c.RelayPosition = &p
	}
	return c
}

// Document is the per-user record held by the remote store.
type Document struct {
	UserID      string      `json:"userId"`
	Accessories []Accessory `json:"accessories"`
	UpdatedAt   time.Time   `json:"updatedAt"`
}

// Patch carries the fields of a partial document update. Nil fields are left untouched.
type Patch struct {
	Accessories []Accessory `json:"accessories,omitempty"`
}

func CloneAccessories(in []Accessory) []Accessory {
	if in == nil {
		return nil
	}
	out := make([]Accessory, len(in))
	for i := range in {
		out[i] = in[i].Clone()
	}
	return out
}

func IntPtr(v int) *int {
	return &v
}

// NewAccessoryID returns the next id for prefix ("D", "W", ...) that is not
// used by any of existing, e.g. D3 when D1 and D2 exist.
func NewAccessoryID(prefix string, existing []Accessory) string {
	if prefix == "" {
		prefix = defaultAccessoryIDPrefix
	}
	highest := 0
	for _, a := range existing {
		if !strings.HasPrefix(a.ID, prefix) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(a.ID, prefix))
		if err != nil {
			continue
		}
		if n > highest {
			highest = n
		}
	}
	return fmt.Sprintf("%s%d", prefix, highest+1)
}

// NextFreeRelayPosition returns the lowest position in 1..max not occupied by
// any accessory, or 0 if every position is taken.
func NextFreeRelayPosition(accessories []Accessory, max int) int {
	used := make(map[int]bool, len(accessories))
	for _, a := range accessories {
		if a.HasRelay() {
			used[*a.RelayPosition] = true
		}
	}
	for p := 1; p <= max; p++ {
		if !used[p] {
			return p
		}
	}
	return 0
}
