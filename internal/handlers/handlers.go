// Package handlers provides the built-in job handlers for the default queue
// types. Each handler validates its payload, reports staged progress, and
// honors context cancellation between stages.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bobmcallan/conveyor/internal/common"
	"github.com/bobmcallan/conveyor/internal/interfaces"
	"github.com/bobmcallan/conveyor/internal/models"
	"github.com/bobmcallan/conveyor/internal/services/taskmanager"
)

// RegisterAll binds every built-in handler to its queue type.
func RegisterAll(registry *taskmanager.Registry, logger *common.Logger) error {
	bindings := []struct {
		queue   string
		handler interfaces.Handler
	}{
		{"email", NewEmailHandler(logger)},
		{"image", NewImageHandler(logger)},
		{"file", NewFileHandler(logger)},
		{"export", NewExportHandler(logger)},
		{"api", NewAPIHandler(logger)},
		{"cleanup", NewCleanupHandler(logger)},
	}
	for _, b := range bindings {
		if err := registry.Register(b.queue, b.handler); err != nil {
			return err
		}
	}
	return nil
}

// decodePayload unmarshals the envelope payload. A missing or malformed
// payload is a permanent error: re-running the attempt cannot fix it.
func decodePayload(env *models.Envelope, v any) error {
	if len(env.Payload) == 0 {
		return taskmanager.Permanent(fmt.Errorf("empty payload: %w", models.ErrValidation))
	}
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return taskmanager.Permanent(fmt.Errorf("malformed payload: %w", models.ErrValidation))
	}
	return nil
}

// stage sleeps for d then reports pct, aborting if the context ends first.
// Progress sends never block; a full channel drops the update.
func stage(ctx context.Context, d time.Duration, progress chan<- int, pct int) error {
	if d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	select {
	case progress <- pct:
	default:
	}
	return nil
}
