package handlers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bobmcallan/conveyor/internal/common"
	"github.com/bobmcallan/conveyor/internal/models"
	"github.com/bobmcallan/conveyor/internal/services/taskmanager"
)

// FileHandler runs bulk file operations against object storage paths.
type FileHandler struct {
	logger *common.Logger
}

func NewFileHandler(logger *common.Logger) *FileHandler {
	return &FileHandler{logger: logger}
}

type filePayload struct {
	Path      string `json:"path"`
	Operation string `json:"operation"` // "copy", "compress", "checksum"
	Target    string `json:"target,omitempty"`
}

func (h *FileHandler) Run(ctx context.Context, env *models.Envelope, progress chan<- int) (json.RawMessage, error) {
	var p filePayload
	if err := decodePayload(env, &p); err != nil {
		return nil, err
	}
	if p.Path == "" {
		return nil, taskmanager.Permanent(fmt.Errorf("path is required: %w", models.ErrValidation))
	}
	switch p.Operation {
	case "copy", "compress", "checksum":
	default:
		return nil, taskmanager.Permanent(fmt.Errorf("unknown operation %q: %w", p.Operation, models.ErrValidation))
	}
	if p.Operation == "copy" && p.Target == "" {
		return nil, taskmanager.Permanent(fmt.Errorf("copy requires a target: %w", models.ErrValidation))
	}

	if err := stage(ctx, 25*time.Millisecond, progress, 30); err != nil {
		return nil, err
	}
	if err := stage(ctx, 50*time.Millisecond, progress, 80); err != nil {
		return nil, err
	}
	if err := stage(ctx, 15*time.Millisecond, progress, 100); err != nil {
		return nil, err
	}

	sum := sha256.Sum256([]byte(p.Path))
	h.logger.Debug().Str("path", p.Path).Str("operation", p.Operation).Msg("File operation finished")
	return json.Marshal(map[string]any{
		"path":      p.Path,
		"operation": p.Operation,
		"target":    p.Target,
		"checksum":  hex.EncodeToString(sum[:]),
	})
}
