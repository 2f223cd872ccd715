// Package homeassistant pushes the reconciler's status to a Home Assistant
// sensor entity. Publication is best-effort: every failure is logged and
// swallowed, a run never depends on it.
package homeassistant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Dylzzzzz/actual-budget-system/internal/logger"
)

// Publisher posts sensor state updates to the Home Assistant REST API.
type Publisher struct {
	baseURL    string
	token      string
	entity     string
	httpClient *http.Client
}

// New creates a publisher for sensor.<entity>. Returns nil when baseURL is
// empty; callers treat a nil publisher as "not configured".
func New(baseURL, token, entity string) *Publisher {
	if baseURL == "" {
		return nil
	}
	return &Publisher{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		entity:  entity,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type sensorState struct {
	State      string                 `json:"state"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

// Publish sets the sensor entity's state and attributes. Errors are logged at
// warn level and discarded.
func (p *Publisher) Publish(ctx context.Context, status string, attrs map[string]interface{}) {
	log := logger.FromContext(ctx)

	body, err := json.Marshal(sensorState{State: status, Attributes: attrs})
	if err != nil {
		log.Warn().Err(err).Msg("Failed to encode sensor state")
		return
	}

	url := fmt.Sprintf("%s/api/states/sensor.%s", p.baseURL, p.entity)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		log.Warn().Err(err).Msg("Failed to build Home Assistant request")
		return
	}
	req.Header.Set("Authorization", "Bearer "+p.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		log.Warn().Err(err).Str("status", status).Msg("Failed to publish status to Home Assistant")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		log.Warn().
			Int("status_code", resp.StatusCode).
			Str("status", status).
			Msg("Home Assistant rejected status update")
	}
}
