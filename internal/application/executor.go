package application

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"geminize/internal/domain"
	"geminize/internal/voice"
)

// AccessoryController is the part of the store voice commands act on.
type AccessoryController interface {
	Accessories() []domain.Accessory
	ToggleStatus(ctx context.Context, id string, on bool) error
}

type VoiceResult struct {
	Command   voice.Command    `json:"command"`
	Accessory domain.Accessory `json:"accessory"`
}

// VoiceExecutor resolves parsed voice commands against the user's
// accessories and switches the match.
type VoiceExecutor struct {
	parser     CommandParser
	controller AccessoryController
	logger     *slog.Logger
}

func NewVoiceExecutor(parser CommandParser, controller AccessoryController, logger *slog.Logger) *VoiceExecutor {
	return &VoiceExecutor{
		parser:     parser,
		controller: controller,
		logger:     logger,
	}
}

func (e *VoiceExecutor) Execute(ctx context.Context, utterance string) (VoiceResult, error) {
	cmd := e.parser.Parse(utterance)
	result := VoiceResult{Command: cmd}

	if !cmd.Valid {
		e.logger.Info("voice command not recognized", "utterance", utterance)
		return result, fmt.Errorf("%w: %q", domain.ErrNotRecognized, utterance)
	}

	e.logger.Info("parsed voice command",
		"action", cmd.Action,
		"target", cmd.Target,
		"relay", cmd.RelayPosition,
	)

	accessory, ok := resolve(e.controller.Accessories(), cmd)
	if !ok {
		return result, fmt.Errorf("%w: no accessory matches %q", domain.ErrNotFound, cmd.Target)
	}
	result.Accessory = accessory

	on := cmd.Action == voice.ActionOn
	if err := e.controller.ToggleStatus(ctx, accessory.ID, on); err != nil {
		return result, fmt.Errorf("switching %s %s: %w", accessory.Name, cmd.Action, err)
	}
	result.Accessory.ConnectionStatus = on
	return result, nil
}

// resolve picks the accessory a command refers to: relay position first,
// then an exact name, then a name containing the target or contained in it.
// An unassigned relay position falls back to matching "relay N" by name.
func resolve(accessories []domain.Accessory, cmd voice.Command) (domain.Accessory, bool) {
	if cmd.RelayPosition > 0 {
		for _, a := range accessories {
			if a.HasRelay() && *a.RelayPosition == cmd.RelayPosition {
				return a, true
			}
		}
	}

	target := strings.ToLower(strings.TrimSpace(cmd.Target))
	if target == "" {
		return domain.Accessory{}, false
	}

	for _, a := range accessories {
		if strings.ToLower(a.Name) == target {
			return a, true
		}
	}
	for _, a := range accessories {
		name := strings.ToLower(a.Name)
		if name == "" {
			continue
		}
		if strings.Contains(name, target) || strings.Contains(target, name) {
			return a, true
		}
	}
	return domain.Accessory{}, false
}
