package vehicle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const maxResponseBodyBytes = 1 << 20

// ChargingState values reported by Tessie in charge_state.charging_state.
const (
	ChargingStateComplete     = "Complete"
	ChargingStateCharging     = "Charging"
	ChargingStateDisconnected = "Disconnected"
	ChargingStatePending      = "Pending"
	ChargingStateStarting     = "Starting"
	ChargingStateStopped      = "Stopped"
)

type TessieConfig struct {
	BaseURL          string
	VIN              string
	Token            string
	ChargerLocation  *LatLon // nil: presence falls back to the cable being connected
	PresenceRadiusKm float64
}

// TessieClient implements API on top of the Tessie REST API, which caches
// the car state and avoids waking the car on every poll.
type TessieClient struct {
	config TessieConfig
	http   *http.Client
	logger *logrus.Logger
}

type tessieChargeState struct {
	ChargeAmps           float64 `json:"charge_amps"`
	ChargeCurrentRequest float64 `json:"charge_current_request"`
	ChargeEnableRequest  bool    `json:"charge_enable_request"`
	ChargerActualCurrent float64 `json:"charger_actual_current"`
	ChargerVoltage       float64 `json:"charger_voltage"`
	ChargingState        string  `json:"charging_state"`
	ConnChargeCable      string  `json:"conn_charge_cable"`
}

type tessieDriveState struct {
	GPSAsOf   int64   `json:"gps_as_of"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

type tessieCarState struct {
	State       string            `json:"state"`
	DisplayName string            `json:"display_name"`
	ChargeState tessieChargeState `json:"charge_state"`
	DriveState  tessieDriveState  `json:"drive_state"`
}

type setChargingAmpsResult struct {
	Result bool `json:"result"`
	Woke   bool `json:"woke"`
}

func NewTessieClient(config TessieConfig, httpClient *http.Client, logger *logrus.Logger) *TessieClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	if config.PresenceRadiusKm <= 0 {
		config.PresenceRadiusKm = 0.1
	}
	return &TessieClient{
		config: config,
		http:   httpClient,
		logger: logger,
	}
}

func (c *TessieClient) GetStatus(ctx context.Context) (Status, error) {
	var state tessieCarState
	if err := c.request(ctx, http.MethodGet, "state", nil, &state); err != nil {
		return Status{}, err
	}

	status := Status{
		Present:       c.isPresent(state),
		Charging:      isCharging(state.ChargeState.ChargingState),
		CurrentAmps:   state.ChargeState.ChargeAmps,
		RequestedAmps: int(state.ChargeState.ChargeCurrentRequest),
	}

	c.logger.WithFields(logrus.Fields{
		"vehicle_state":  state.State,
		"charging_state": state.ChargeState.ChargingState,
		"charge_amps":    state.ChargeState.ChargeAmps,
		"present":        status.Present,
	}).Debug("Tessie: fetched vehicle state")

	return status, nil
}

func (c *TessieClient) SetChargeAmps(ctx context.Context, amps int) error {
	query := url.Values{}
	query.Set("wait_for_completion", "true")
	query.Set("amps", fmt.Sprintf("%d", amps))

	var result setChargingAmpsResult
	if err := c.request(ctx, http.MethodPost, "command/set_charging_amps?"+query.Encode(), nil, &result); err != nil {
		return err
	}
	if !result.Result {
		return fmt.Errorf("%w: set_charging_amps to %dA rejected", ErrAPIUnavailable, amps)
	}
	if result.Woke {
		c.logger.Infof("Tessie: vehicle woke up to apply %dA", amps)
	}
	return nil
}

func (c *TessieClient) isPresent(state tessieCarState) bool {
	if c.config.ChargerLocation != nil {
		car := LatLon{Lat: state.DriveState.Latitude, Lon: state.DriveState.Longitude}
		return car.DistanceKm(*c.config.ChargerLocation) < c.config.PresenceRadiusKm
	}
	cable := state.ChargeState.ConnChargeCable
	return cable != "" && cable != "<invalid>" && state.ChargeState.ChargingState != ChargingStateDisconnected
}

func isCharging(chargingState string) bool {
	switch chargingState {
	case ChargingStateCharging, ChargingStateStarting, ChargingStatePending:
		return true
	default:
		return false
	}
}

func (c *TessieClient) request(ctx context.Context, method, endpoint string, body io.Reader, out interface{}) error {
	target := fmt.Sprintf("%s/%s/%s", c.config.BaseURL, c.config.VIN, endpoint)
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.config.Token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Classify(ctx, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodyBytes))
	if err != nil {
		return Classify(ctx, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: %s %s returned %d: %s", ErrAPIUnavailable, method, endpoint, resp.StatusCode, truncate(payload, 200))
	}

	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("%w: decoding %s response: %v", ErrAPIUnavailable, endpoint, err)
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
