package melcloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/heatwatch/heatwatch/pkg/common"
	"github.com/heatwatch/heatwatch/pkg/log"
	"github.com/levenlabs/go-lflag"
)

// appVersions are the client-identification variants tried during login.
// The API rejects versions it considers too old or too new, and which ones
// it accepts changes over time, so login walks the list until one works.
var appVersions = []string{"1.23.4.0", "1.19.1.1", "1.25.0.0"}

// Client talks to the MELCloud heat-pump telemetry API.
type Client struct {
	baseURL          string
	username         string
	password         string
	targetDeviceID   string
	targetDeviceName string
	client           *http.Client

	mu         sync.Mutex
	contextKey string
	deviceID   int
	deviceName string
	buildingID int
}

// Configured sets up flags for the MELCloud client and returns the
// instance. It uses lflag to register command-line flags for configuration.
func Configured() *Client {
	c := &Client{
		client: common.HTTPClient(15 * time.Second),
	}
	baseURL := lflag.String("melcloud-api-url", "https://app.melcloud.com/Mitsubishi.Wifi.Client", "Base URL for the MELCloud API")
	username := lflag.String("melcloud-username", "", "MELCloud account email")
	password := lflag.String("melcloud-password", "", "MELCloud account password")
	deviceID := lflag.String("melcloud-device-id", "", "Specific device ID to collect from (defaults to the first device)")
	deviceName := lflag.String("melcloud-device-name", "", "Device name to search for instead of an ID")

	lflag.Do(func() {
		c.baseURL = *baseURL
		c.username = *username
		c.password = *password
		c.targetDeviceID = *deviceID
		c.targetDeviceName = *deviceName
	})

	return c
}

// Validate ensures the configuration is valid.
func (c *Client) Validate() error {
	if c.username == "" || c.password == "" {
		return fmt.Errorf("melcloud-username and melcloud-password are required")
	}
	if _, err := url.Parse(c.baseURL); err != nil {
		return fmt.Errorf("failed to parse melcloud url (%s): %w", c.baseURL, err)
	}
	return nil
}

type loginResponse struct {
	ErrorID   *int `json:"ErrorId"`
	LoginData *struct {
		ContextKey string `json:"ContextKey"`
	} `json:"LoginData"`
}

// login authenticates against the API, trying each app-version variant in
// turn. It returns ErrAuth once every variant has been rejected.
func (c *Client) login(ctx context.Context) error {
	for _, version := range appVersions {
		body, err := json.Marshal(map[string]any{
			"Email":           c.username,
			"Password":        c.password,
			"Language":        0,
			"AppVersion":      version,
			"Persist":         true,
			"CaptchaResponse": nil,
		})
		if err != nil {
			return fmt.Errorf("failed to marshal login payload: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/Login/ClientLogin", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("failed to build login request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			return fmt.Errorf("login request failed: %w", err)
		}

		var lr loginResponse
		decodeErr := json.NewDecoder(resp.Body).Decode(&lr)
		resp.Body.Close()

		switch {
		case resp.StatusCode != http.StatusOK:
			log.Ctx(ctx).WarnContext(ctx, "melcloud login rejected",
				slog.String("appVersion", version),
				slog.Int("status", resp.StatusCode))
		case decodeErr != nil:
			log.Ctx(ctx).WarnContext(ctx, "melcloud login response unreadable",
				slog.String("appVersion", version),
				slog.Any("error", decodeErr))
		case lr.ErrorID != nil:
			log.Ctx(ctx).WarnContext(ctx, "melcloud login error",
				slog.String("appVersion", version),
				slog.Int("errorID", *lr.ErrorID))
		case lr.LoginData == nil || lr.LoginData.ContextKey == "":
			log.Ctx(ctx).WarnContext(ctx, "melcloud login response missing context key",
				slog.String("appVersion", version))
		default:
			c.mu.Lock()
			c.contextKey = lr.LoginData.ContextKey
			c.mu.Unlock()
			log.Ctx(ctx).DebugContext(ctx, "melcloud login succeeded",
				slog.String("appVersion", version))
			return nil
		}
	}
	return ErrAuth
}

type listDevicesResponse []struct {
	ID        int    `json:"ID"`
	Name      string `json:"Name"`
	Structure struct {
		Devices []struct {
			DeviceID   int    `json:"DeviceID"`
			DeviceName string `json:"DeviceName"`
		} `json:"Devices"`
	} `json:"Structure"`
}

// ensureSession logs in and selects a device if that hasn't happened yet.
func (c *Client) ensureSession(ctx context.Context) error {
	c.mu.Lock()
	ready := c.contextKey != "" && c.deviceID != 0
	c.mu.Unlock()
	if ready {
		return nil
	}

	if err := c.login(ctx); err != nil {
		return err
	}

	req, err := c.newAPIRequest(ctx, http.MethodGet, "/User/ListDevices", nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("list devices request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("list devices returned status %d", resp.StatusCode)
	}

	var buildings listDevicesResponse
	if err := json.NewDecoder(resp.Body).Decode(&buildings); err != nil {
		return fmt.Errorf("failed to decode device list: %w", err)
	}

	for _, building := range buildings {
		for _, device := range building.Structure.Devices {
			if !c.matchesTarget(device.DeviceID, device.DeviceName) {
				continue
			}
			c.mu.Lock()
			c.deviceID = device.DeviceID
			c.deviceName = device.DeviceName
			c.buildingID = building.ID
			c.mu.Unlock()
			log.Ctx(ctx).InfoContext(ctx, "selected melcloud device",
				slog.Int("deviceID", device.DeviceID),
				slog.String("deviceName", device.DeviceName),
				slog.Int("buildingID", building.ID))
			return nil
		}
	}
	return ErrNoDevices
}

// matchesTarget decides whether a device satisfies the configured target.
// With no target configured the first device wins.
func (c *Client) matchesTarget(id int, name string) bool {
	if c.targetDeviceID != "" {
		return strconv.Itoa(id) == c.targetDeviceID
	}
	if c.targetDeviceName != "" {
		return strings.Contains(strings.ToLower(name), strings.ToLower(c.targetDeviceName))
	}
	return true
}

// Device returns the selected device's ID and name. Only valid after a
// successful call to one of the fetch methods.
func (c *Client) Device() (int, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deviceID, c.deviceName
}

// reportPaddingDays widens the requested window on both sides because the
// provider sometimes shifts the returned window; the resolver still maps
// each requested date individually.
const reportPaddingDays = 3

// EnergyReport fetches the ranged energy report covering [from, to].
// The returned report's window may not match the request; callers resolve
// each date through Report.Resolve.
func (c *Client) EnergyReport(ctx context.Context, from, to time.Time) (Report, error) {
	if err := c.ensureSession(ctx); err != nil {
		return Report{}, err
	}

	c.mu.Lock()
	deviceID := c.deviceID
	c.mu.Unlock()

	body, err := json.Marshal(map[string]any{
		"DeviceId":    deviceID,
		"UseCurrency": false,
		"FromDate":    from.AddDate(0, 0, -reportPaddingDays).Format("2006-01-02") + "T00:00:00",
		"ToDate":      to.AddDate(0, 0, reportPaddingDays).Format("2006-01-02") + "T00:00:00",
	})
	if err != nil {
		return Report{}, fmt.Errorf("failed to marshal report payload: %w", err)
	}

	req, err := c.newAPIRequest(ctx, http.MethodPost, "/EnergyCost/Report", bytes.NewReader(body))
	if err != nil {
		return Report{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return Report{}, fmt.Errorf("energy report request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Report{}, fmt.Errorf("energy report returned status %d", resp.StatusCode)
	}

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return Report{}, fmt.Errorf("failed to read energy report body: %w", err)
	}

	var report Report
	if err := json.Unmarshal(payload, &report); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "malformed energy report",
			slog.Any("err", err),
			slog.String("payload", truncatePayload(payload)))
		return Report{}, fmt.Errorf("%w: %v", ErrMalformedReport, err)
	}
	if err := report.Validate(); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "unusable energy report",
			slog.Any("err", err),
			slog.String("payload", truncatePayload(payload)))
		return Report{}, err
	}
	return report, nil
}

// truncatePayload keeps logged provider responses to a readable size.
func truncatePayload(b []byte) string {
	const max = 2048
	if len(b) > max {
		return string(b[:max]) + "... (truncated)"
	}
	return string(b)
}

// DeviceState is the current state of the heat pump, used for the
// provenance and temperature side-fields of a daily record.
type DeviceState struct {
	RoomTemp         float64 `json:"RoomTemperatureZone1"`
	OutdoorTemp      float64 `json:"OutdoorTemperature"`
	FlowTemp         float64 `json:"FlowTemperature"`
	ReturnTemp       float64 `json:"ReturnTemperature"`
	Power            bool    `json:"Power"`
	OperationMode    int     `json:"OperationMode"`
	DemandPercentage float64 `json:"DemandPercentage"`
}

// OperationModeName maps the numeric operation mode to its display name.
func (s DeviceState) OperationModeName() string {
	switch s.OperationMode {
	case 0:
		return "Heat"
	case 1:
		return "Dry"
	case 2:
		return "Cool"
	case 3:
		return "Vent"
	case 4:
		return "Auto"
	default:
		return fmt.Sprintf("Unknown (%d)", s.OperationMode)
	}
}

// DeviceState fetches the device's current state.
func (c *Client) DeviceState(ctx context.Context) (DeviceState, error) {
	if err := c.ensureSession(ctx); err != nil {
		return DeviceState{}, err
	}

	c.mu.Lock()
	deviceID, buildingID := c.deviceID, c.buildingID
	c.mu.Unlock()

	path := fmt.Sprintf("/Device/Get?id=%d&buildingID=%d", deviceID, buildingID)
	req, err := c.newAPIRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return DeviceState{}, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return DeviceState{}, fmt.Errorf("device state request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return DeviceState{}, fmt.Errorf("device state returned status %d", resp.StatusCode)
	}

	var state DeviceState
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		return DeviceState{}, fmt.Errorf("failed to decode device state: %w", err)
	}
	return state, nil
}

func (c *Client) newAPIRequest(ctx context.Context, method, path string, body *bytes.Reader) (*http.Request, error) {
	var req *http.Request
	var err error
	if body == nil {
		req, err = http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to build request for %s: %w", path, err)
	}
	c.mu.Lock()
	req.Header.Set("X-MitsContextKey", c.contextKey)
	c.mu.Unlock()
	return req, nil
}
