package voice_test

import (
	"testing"

	"geminize/internal/voice"
)

func TestInterpreter_Parse(t *testing.T) {
	in := voice.NewInterpreter(nil)

	tests := []struct {
		utterance string
		valid     bool
		action    voice.Action
		target    string
		relay     int
	}{
		{utterance: "turn on relay 2", valid: true, action: voice.ActionOn, target: "relay 2", relay: 2},
		{utterance: "Turn off relay number 4.", valid: true, action: voice.ActionOff, target: "relay 4", relay: 4},
		{utterance: "turn on position seven", valid: true, action: voice.ActionOn, target: "relay 7", relay: 7},
		{utterance: "turn on 3", valid: true, action: voice.ActionOn, target: "relay 3", relay: 3},
		{utterance: "turn on relay 300", valid: true, action: voice.ActionOn, target: "relay 300"},
		{utterance: "turn off the rock lights", valid: true, action: voice.ActionOff, target: "rock lights"},
		{utterance: "geminize, winch on", valid: true, action: voice.ActionOn, target: "winch"},
		{utterance: "hello there", valid: false},
		{utterance: "please activate my light bar", valid: true, action: voice.ActionOn, target: "light bar"},
		{utterance: "deactivate the light bar", valid: true, action: voice.ActionOff, target: "light bar"},
		{utterance: "could you really switch off the air compressor", valid: true, action: voice.ActionOff, target: "air compressor"},
		{utterance: "hey geminize power on the winch", valid: true, action: voice.ActionOn, target: "winch"},
		{utterance: "rock lights turn on", valid: true, action: voice.ActionOn, target: "rock lights"},
		{utterance: "ditch lights off", valid: true, action: voice.ActionOff, target: "ditch lights"},
		{utterance: "geminize set the fog lights on now", valid: true, action: voice.ActionOn, target: "set fog lights now"},
		{utterance: "turn on", valid: false},
		{utterance: "", valid: false},
		{utterance: "geminize", valid: false},
	}

	for _, tt := range tests {
		t.Run(tt.utterance, func(t *testing.T) {
			got := in.Parse(tt.utterance)
			if got.Valid != tt.valid {
				t.Fatalf("Valid: got %t, want %t (%+v)", got.Valid, tt.valid, got)
			}
			if !tt.valid {
				return
			}
			if got.Action != tt.action {
				t.Errorf("Action: got %q, want %q", got.Action, tt.action)
			}
			if got.Target != tt.target {
				t.Errorf("Target: got %q, want %q", got.Target, tt.target)
			}
			if got.RelayPosition != tt.relay {
				t.Errorf("RelayPosition: got %d, want %d", got.RelayPosition, tt.relay)
			}
		})
	}
}

func TestInterpreter_CustomWakeWord(t *testing.T) {
	in := voice.NewInterpreter([]string{"Jarvis"})

	got := in.Parse("jarvis, lights off")
	if !got.Valid || got.Action != voice.ActionOff || got.Target != "lights" {
		t.Errorf("got %+v, want off/lights", got)
	}
}
