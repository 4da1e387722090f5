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

// ExportHandler generates data exports in batches, reporting progress per
// batch so long exports stay observable.
type ExportHandler struct {
	logger *common.Logger
}

func NewExportHandler(logger *common.Logger) *ExportHandler {
	return &ExportHandler{logger: logger}
}

type exportPayload struct {
	Entity string `json:"entity"`
	Format string `json:"format"` // "csv" or "json"
	Rows   int    `json:"rows,omitempty"`
}

const exportBatchSize = 1000

func (h *ExportHandler) Run(ctx context.Context, env *models.Envelope, progress chan<- int) (json.RawMessage, error) {
	var p exportPayload
	if err := decodePayload(env, &p); err != nil {
		return nil, err
	}
	if p.Entity == "" {
		return nil, taskmanager.Permanent(fmt.Errorf("entity is required: %w", models.ErrValidation))
	}
	switch p.Format {
	case "csv", "json":
	case "":
		p.Format = "csv"
	default:
		return nil, taskmanager.Permanent(fmt.Errorf("unsupported format %q: %w", p.Format, models.ErrValidation))
	}
	rows := p.Rows
	if rows <= 0 {
		rows = exportBatchSize
	}

	batches := (rows + exportBatchSize - 1) / exportBatchSize
	for i := 1; i <= batches; i++ {
		if err := stage(ctx, 10*time.Millisecond, progress, i*100/batches); err != nil {
			return nil, err
		}
	}

	h.logger.Debug().Str("entity", p.Entity).Int("rows", rows).Msg("Export generated")
	return json.Marshal(map[string]any{
		"entity":  p.Entity,
		"format":  p.Format,
		"rows":    rows,
		"batches": batches,
	})
}
