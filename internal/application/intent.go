package application

import "geminize/internal/voice"

// CommandParser maps a transcript to an accessory command.
// *voice.Interpreter is the production implementation.
type CommandParser interface {
	Parse(utterance string) voice.Command
}
