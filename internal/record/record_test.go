package record_test

import (
	"testing"

	"geminize/internal/record"
)

func TestDecode_MigratesV1(t *testing.T) {
	legacy := []byte(`{
		"userId": "u1",
		"accessories": [
			{"id": "D1", "name": "Rock Lights", "type": "light", "connectionStatus": "on", "relayPosition": "3"},
			{"id": "W1", "name": "Winch", "accessoryType": "utility", "connectionStatus": false, "isFavorite": true, "relayPosition": null},
			{"id": 7, "name": "Underglow", "color": "#FF00FF"}
		]
	}`)

	doc, err := record.Decode(legacy)
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}

	if len(doc.Accessories) != 3 {
		t.Fatalf("accessories: got %d, want 3", len(doc.Accessories))
	}

	rock := doc.Accessories[0]
	if !rock.ConnectionStatus {
		t.Error("rock lights should be on")
	}
	if rock.RelayPosition == nil || *rock.RelayPosition != 3 {
		t.Errorf("rock lights relay: got %v, want 3", rock.RelayPosition)
	}

	winch := doc.Accessories[1]
	if winch.Type != "utility" || !winch.IsFavorite || winch.RelayPosition != nil {
		t.Errorf("winch migrated wrong: %+v", winch)
	}

	glow := doc.Accessories[2]
	if glow.ID != "7" || glow.LastColor != "#FF00FF" || glow.Type != "other" {
		t.Errorf("underglow migrated wrong: %+v", glow)
	}
}

func TestEncodeDecode_CurrentVersion(t *testing.T) {
	doc, err := record.Decode([]byte(`{"schemaVersion":2,"userId":"u1","accessories":[{"id":"D1","name":"Light Bar","type":"light","connectionStatus":true,"isFavorite":false,"relayPosition":1}]}`))
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}

	data, err := record.Encode(doc)
	if err != nil {
		t.Fatalf("Encode error: %v", err)
	}

	again, err := record.Decode(data)
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	if len(again.Accessories) != 1 || again.Accessories[0].Name != "Light Bar" || *again.Accessories[0].RelayPosition != 1 {
		t.Errorf("document changed: %+v", again)
	}
}

func TestDecode_RejectsFutureVersion(t *testing.T) {
	if _, err := record.Decode([]byte(`{"schemaVersion":9}`)); err == nil {
		t.Error("expected error for unknown schema version")
	}
}

func TestDecode_EmptyDocument(t *testing.T) {
	doc, err := record.Decode([]byte(`{"userId":"u2"}`))
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	if doc.Accessories == nil || len(doc.Accessories) != 0 {
		t.Errorf("accessories: got %v, want empty slice", doc.Accessories)
	}
}
