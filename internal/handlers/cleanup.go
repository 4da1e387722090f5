package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bobmcallan/conveyor/internal/common"
	"github.com/bobmcallan/conveyor/internal/models"
	"github.com/bobmcallan/conveyor/internal/services/taskmanager"
)

// CleanupHandler expires aged artifacts: temp uploads, stale sessions,
// orphaned export files.
type CleanupHandler struct {
	logger *common.Logger
}

func NewCleanupHandler(logger *common.Logger) *CleanupHandler {
	return &CleanupHandler{logger: logger}
}

type cleanupPayload struct {
	Scope         string `json:"scope"` // "uploads", "sessions", "exports"
	OlderThanDays int    `json:"older_than_days,omitempty"`
}

func (h *CleanupHandler) Run(ctx context.Context, env *models.Envelope, progress chan<- int) (json.RawMessage, error) {
	var p cleanupPayload
	if err := decodePayload(env, &p); err != nil {
		return nil, err
	}
	switch p.Scope {
	case "uploads", "sessions", "exports":
	default:
		return nil, taskmanager.Permanent(fmt.Errorf("unknown scope %q: %w", p.Scope, models.ErrValidation))
	}
	days := p.OlderThanDays
	if days <= 0 {
		days = 30
	}

	// Scan then delete.
	if err := stage(ctx, 30*time.Millisecond, progress, 40); err != nil {
		return nil, err
	}
	if err := stage(ctx, 40*time.Millisecond, progress, 100); err != nil {
		return nil, err
	}

	cutoff := time.Now().AddDate(0, 0, -days)
	h.logger.Debug().Str("scope", p.Scope).Time("cutoff", cutoff).Msg("Cleanup pass finished")
	return json.Marshal(map[string]any{
		"scope":  p.Scope,
		"cutoff": cutoff.Format(time.RFC3339),
	})
}
