package vehicle

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const stateCharging = `{
  "state": "online",
  "display_name": "Blue",
  "charge_state": {
    "charge_amps": 16,
    "charge_current_request": 16,
    "charging_state": "Charging",
    "conn_charge_cable": "IEC"
  },
  "drive_state": {"latitude": 40.4168, "longitude": -3.7038}
}`

func newTestClient(t *testing.T, handler http.HandlerFunc, location *LatLon) *TessieClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	return NewTessieClient(TessieConfig{
		BaseURL:         server.URL + "/",
		VIN:             "VIN123",
		Token:           "secret",
		ChargerLocation: location,
	}, server.Client(), logger)
}

func TestTessie_GetStatusAtCharger(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/VIN123/state", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(stateCharging))
	}, &LatLon{Lat: 40.4169, Lon: -3.7038})

	status, err := client.GetStatus(context.Background())
	require.NoError(t, err)
	assert.True(t, status.Present)
	assert.True(t, status.Charging)
	assert.Equal(t, 16.0, status.CurrentAmps)
	assert.Equal(t, 16, status.RequestedAmps)
}

func TestTessie_GetStatusAwayFromCharger(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(stateCharging))
	}, &LatLon{Lat: 41.3874, Lon: 2.1686})

	status, err := client.GetStatus(context.Background())
	require.NoError(t, err)
	assert.False(t, status.Present)
	assert.True(t, status.Charging)
}

func TestTessie_PresenceFromCableWithoutLocation(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"charge_state": {"charging_state": "Disconnected", "conn_charge_cable": "<invalid>"}}`))
	}, nil)

	status, err := client.GetStatus(context.Background())
	require.NoError(t, err)
	assert.False(t, status.Present)
	assert.False(t, status.Charging)
}

func TestTessie_ChargingStates(t *testing.T) {
	for state, want := range map[string]bool{
		ChargingStateCharging:     true,
		ChargingStateStarting:     true,
		ChargingStatePending:      true,
		ChargingStateComplete:     false,
		ChargingStateStopped:      false,
		ChargingStateDisconnected: false,
	} {
		assert.Equal(t, want, isCharging(state), state)
	}
}

func TestTessie_ServerErrorIsUnavailable(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}, nil)

	_, err := client.GetStatus(context.Background())
	assert.ErrorIs(t, err, ErrAPIUnavailable)
}

func TestTessie_DeadlineIsTimeout(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(time.Second):
		case <-r.Context().Done():
		}
	}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := client.GetStatus(ctx)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestTessie_SetChargeAmps(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/VIN123/command/set_charging_amps", r.URL.Path)
		assert.Equal(t, "12", r.URL.Query().Get("amps"))
		assert.Equal(t, "true", r.URL.Query().Get("wait_for_completion"))
		_, _ = w.Write([]byte(`{"result": true, "woke": false}`))
	}, nil)

	require.NoError(t, client.SetChargeAmps(context.Background(), 12))
}

func TestTessie_SetChargeAmpsRejected(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"result": false, "woke": true}`))
	}, nil)

	err := client.SetChargeAmps(context.Background(), 12)
	assert.ErrorIs(t, err, ErrAPIUnavailable)
}

func TestParseLatLon(t *testing.T) {
	loc, err := ParseLatLon("40.4168, -3.7038")
	require.NoError(t, err)
	assert.Equal(t, LatLon{Lat: 40.4168, Lon: -3.7038}, loc)

	for _, bad := range []string{"", "40.1", "a,b", "95,0", "1,2,3"} {
		_, err := ParseLatLon(bad)
		assert.Error(t, err, bad)
	}
}

func TestLatLon_DistanceKm(t *testing.T) {
	madrid := LatLon{Lat: 40.4168, Lon: -3.7038}
	barcelona := LatLon{Lat: 41.3874, Lon: 2.1686}

	assert.InDelta(t, 505, madrid.DistanceKm(barcelona), 5)
	assert.InDelta(t, 0, madrid.DistanceKm(madrid), 1e-9)
}
