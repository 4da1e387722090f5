package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/bobmcallan/conveyor/internal/common"
	"github.com/bobmcallan/conveyor/internal/models"
	"github.com/bobmcallan/conveyor/internal/services/taskmanager"
)

// APIHandler calls third-party HTTP endpoints. Transient upstream failures
// (5xx, network errors) are retriable; 4xx responses are permanent since the
// request will not get better on its own.
type APIHandler struct {
	logger *common.Logger
	client *http.Client
}

func NewAPIHandler(logger *common.Logger) *APIHandler {
	return &APIHandler{
		logger: logger,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

type apiPayload struct {
	URL    string `json:"url"`
	Method string `json:"method,omitempty"`
}

func (h *APIHandler) Run(ctx context.Context, env *models.Envelope, progress chan<- int) (json.RawMessage, error) {
	var p apiPayload
	if err := decodePayload(env, &p); err != nil {
		return nil, err
	}
	u, err := url.Parse(p.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, taskmanager.Permanent(fmt.Errorf("invalid url %q: %w", p.URL, models.ErrValidation))
	}
	method := p.Method
	if method == "" {
		method = http.MethodGet
	}

	if err := stage(ctx, 0, progress, 10); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, p.URL, nil)
	if err != nil {
		return nil, taskmanager.Permanent(err)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream request failed: %w", err)
	}
	defer resp.Body.Close()

	if err := stage(ctx, 0, progress, 70); err != nil {
		return nil, err
	}

	// Body is drained for connection reuse; only its size is recorded.
	n, _ := io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("upstream returned %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, taskmanager.Permanent(fmt.Errorf("upstream returned %d", resp.StatusCode))
	}

	if err := stage(ctx, 0, progress, 100); err != nil {
		return nil, err
	}

	h.logger.Debug().Str("url", p.URL).Int("status", resp.StatusCode).Msg("Upstream call finished")
	return json.Marshal(map[string]any{
		"url":        p.URL,
		"method":     method,
		"status":     resp.StatusCode,
		"body_bytes": n,
	})
}
