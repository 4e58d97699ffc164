// Package record encodes user documents for the remote store.
//
// Documents are written at SchemaVersion. Older documents kept every
// accessory as a loose string-keyed map; relayPosition could be a number, a
// numeric string or null, connectionStatus could be a bool or "on"/"off".
// Those are migrated on read so the rest of the code only sees typed
// domain.Accessory values.
package record

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"geminize/internal/domain"
)

const SchemaVersion = 2

type envelope struct {
	SchemaVersion int             `json:"schemaVersion"`
	UserID        string          `json:"userId"`
	Accessories   json.RawMessage `json:"accessories"`
	UpdatedAt     *time.Time      `json:"updatedAt,omitempty"`
}

type documentV2 struct {
	SchemaVersion int                `json:"schemaVersion"`
	UserID        string             `json:"userId"`
	Accessories   []domain.Accessory `json:"accessories"`
	UpdatedAt     time.Time          `json:"updatedAt"`
}

func Encode(doc domain.Document) ([]byte, error) {
	accessories := doc.Accessories
	if accessories == nil {
		accessories = []domain.Accessory{}
	}
	data, err := json.Marshal(documentV2{
		SchemaVersion: SchemaVersion,
		UserID:        doc.UserID,
		Accessories:   accessories,
		UpdatedAt:     doc.UpdatedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding document: %w", err)
	}
	return data, nil
}

// Decode reads a document of any known schema version.
func Decode(data []byte) (domain.Document, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return domain.Document{}, fmt.Errorf("decoding document: %w", err)
	}

	doc := domain.Document{UserID: env.UserID}
	if env.UpdatedAt != nil {
		doc.UpdatedAt = *env.UpdatedAt
	}

	switch {
	case env.SchemaVersion == SchemaVersion:
		if len(env.Accessories) > 0 && string(env.Accessories) != "null" {
			if err := json.Unmarshal(env.Accessories, &doc.Accessories); err != nil {
				return domain.Document{}, fmt.Errorf("decoding accessories: %w", err)
			}
		}
	case env.SchemaVersion <= 1:
		accessories, err := migrateV1(env.Accessories)
		if err != nil {
			return domain.Document{}, fmt.Errorf("migrating v1 document: %w", err)
		}
		doc.Accessories = accessories
	default:
		return domain.Document{}, fmt.Errorf("unsupported schema version %d", env.SchemaVersion)
	}

	if doc.Accessories == nil {
		doc.Accessories = []domain.Accessory{}
	}
	return doc, nil
}

func migrateV1(raw json.RawMessage) ([]domain.Accessory, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var items []map[string]any
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, err
	}

	out := make([]domain.Accessory, 0, len(items))
	for i, item := range items {
		id := stringField(item, "id")
		if id == "" {
			return nil, fmt.Errorf("accessory %d has no id", i)
		}
		a := domain.Accessory{
			ID:               id,
			Name:             stringField(item, "name"),
			Type:             domain.AccessoryType(stringField(item, "type", "accessoryType")),
			ConnectionStatus: boolField(item, "connectionStatus", "status"),
			IsFavorite:       boolField(item, "isFavorite", "favorite"),
			LastColor:        stringField(item, "lastColor", "color"),
		}
		if a.Type == "" {
			a.Type = domain.AccessoryTypeOther
		}
		if pos, ok := intField(item, "relayPosition"); ok && pos > 0 {
			a.RelayPosition = domain.IntPtr(pos)
		}
		out = append(out, a)
	}
	return out, nil
}

func stringField(m map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			return v
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return ""
}

func boolField(m map[string]any, keys ...string) bool {
	for _, k := range keys {
		switch v := m[k].(type) {
		case bool:
			return v
		case string:
			switch strings.ToLower(v) {
			case "on", "true", "1", "connected":
				return true
			}
			return false
		case float64:
			return v != 0
		}
	}
	return false
}

func intField(m map[string]any, key string) (int, bool) {
	switch v := m[key].(type) {
	case float64:
		return int(v), true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}
