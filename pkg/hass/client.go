// Package hass fetches daily outdoor temperature readings from a
// Home Assistant instance through its history API.
package hass

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/heatwatch/heatwatch/pkg/common"
	"github.com/heatwatch/heatwatch/pkg/log"
	"github.com/levenlabs/go-lflag"
)

// Client talks to the Home Assistant REST API.
type Client struct {
	baseURL  string
	token    string
	entityID string
	location *time.Location
	client   *http.Client
}

// Configured sets up flags for the Home Assistant client and returns the
// instance.
func Configured() *Client {
	c := &Client{
		client: common.HTTPClient(15 * time.Second),
	}
	baseURL := lflag.String("hass-url", "", "Base URL of the Home Assistant instance")
	token := lflag.String("hass-token", "", "Home Assistant long-lived access token")
	entity := lflag.String("hass-entity", "sensor.outdoor_temperature", "Entity ID of the outdoor temperature sensor")
	timezone := lflag.String("hass-timezone", "Europe/Rome", "Timezone used to delimit a calendar day")

	lflag.Do(func() {
		c.baseURL = strings.TrimRight(*baseURL, "/")
		c.token = *token
		c.entityID = *entity

		loc, err := time.LoadLocation(*timezone)
		if err != nil {
			panic(fmt.Errorf("failed to load timezone %q: %w", *timezone, err))
		}
		c.location = loc
	})

	return c
}

// Validate ensures the configuration is valid.
func (c *Client) Validate() error {
	if c.baseURL == "" || c.token == "" {
		return fmt.Errorf("hass-url and hass-token are required")
	}
	if _, err := url.Parse(c.baseURL); err != nil {
		return fmt.Errorf("failed to parse hass url (%s): %w", c.baseURL, err)
	}
	return nil
}

// stateChange is one entry of the history API's state-change list.
type stateChange struct {
	State       string `json:"state"`
	LastChanged string `json:"last_changed"`
}

// OutdoorTemperature returns the last valid numeric reading of the sensor
// on the given calendar day. States reported as "unknown" or "unavailable"
// are not values. ok is false when the day has no valid reading at all;
// that is a gap, not an error.
func (c *Client) OutdoorTemperature(ctx context.Context, date time.Time) (float64, bool, error) {
	loc := c.location
	if loc == nil {
		loc = time.UTC
	}
	start := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, loc)
	end := start.AddDate(0, 0, 1).Add(-time.Second)

	endpoint := fmt.Sprintf("%s/api/history/period/%s", c.baseURL, url.PathEscape(start.Format(time.RFC3339)))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, false, fmt.Errorf("failed to build history request: %w", err)
	}
	q := req.URL.Query()
	q.Set("filter_entity_id", c.entityID)
	q.Set("end_time", end.Format(time.RFC3339))
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, false, fmt.Errorf("history request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, false, fmt.Errorf("history request returned status %d", resp.StatusCode)
	}

	// The history API returns one list of state changes per entity.
	var history [][]stateChange
	if err := json.NewDecoder(resp.Body).Decode(&history); err != nil {
		return 0, false, fmt.Errorf("failed to decode history response: %w", err)
	}
	if len(history) == 0 || len(history[0]) == 0 {
		return 0, false, nil
	}

	var (
		lastValue float64
		lastTime  time.Time
		found     bool
	)
	for _, change := range history[0] {
		state := strings.ToLower(strings.TrimSpace(change.State))
		if state == "" || state == "unknown" || state == "unavailable" {
			continue
		}
		value, err := strconv.ParseFloat(change.State, 64)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "skipping non-numeric sensor state",
				slog.String("entityID", c.entityID),
				slog.String("state", change.State))
			continue
		}
		changed, err := time.Parse(time.RFC3339, change.LastChanged)
		if err != nil {
			continue
		}
		if !found || changed.After(lastTime) {
			lastValue = value
			lastTime = changed
			found = true
		}
	}
	if !found {
		return 0, false, nil
	}

	log.Ctx(ctx).DebugContext(ctx, "resolved outdoor temperature",
		log.Date("date", date),
		slog.Float64("temperature", lastValue),
		slog.Time("readingTime", lastTime))
	return lastValue, true, nil
}
