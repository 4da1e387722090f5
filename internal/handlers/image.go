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

// ImageHandler resizes and re-encodes images referenced by storage key.
type ImageHandler struct {
	logger *common.Logger
}

func NewImageHandler(logger *common.Logger) *ImageHandler {
	return &ImageHandler{logger: logger}
}

type imagePayload struct {
	Source string `json:"source"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Format string `json:"format,omitempty"`
}

func (h *ImageHandler) Run(ctx context.Context, env *models.Envelope, progress chan<- int) (json.RawMessage, error) {
	var p imagePayload
	if err := decodePayload(env, &p); err != nil {
		return nil, err
	}
	if p.Source == "" {
		return nil, taskmanager.Permanent(fmt.Errorf("source is required: %w", models.ErrValidation))
	}
	if p.Width <= 0 || p.Height <= 0 {
		return nil, taskmanager.Permanent(fmt.Errorf("dimensions %dx%d out of range: %w", p.Width, p.Height, models.ErrValidation))
	}
	format := p.Format
	if format == "" {
		format = "webp"
	}

	// Fetch, decode, resize, encode.
	for i, pct := range []int{15, 40, 75, 100} {
		if err := stage(ctx, time.Duration(20+10*i)*time.Millisecond, progress, pct); err != nil {
			return nil, err
		}
	}

	h.logger.Debug().Str("source", p.Source).Int("width", p.Width).Int("height", p.Height).Msg("Image processed")
	return json.Marshal(map[string]any{
		"source": p.Source,
		"width":  p.Width,
		"height": p.Height,
		"format": format,
	})
}
