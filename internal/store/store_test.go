package store

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"amp-controller/internal/models"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const page = `{
  "rows": [
    {"location": "garage", "datetime": "2024-05-01 12:00:20", "amps": 12.5, "volts": 231, "watts": 2887},
    {"location": "garage", "datetime": "2024-05-01 12:00:10", "amps": 11.0, "volts": 230, "watts": 2530},
    {"location": "garage", "datetime": "not a date", "amps": 1, "volts": 1, "watts": 1},
    {"location": "garage", "datetime": "2024-05-01 12:00:00", "amps": 10.0, "volts": 229, "watts": 2290}
  ],
  "next": "/log/abc/json?page=1&count=50"
}`

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	return logger
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient(ClientConfig{URL: server.URL + "/", Token: "abc"}, server.Client(), quietLogger())
}

func TestClient_LatestReadings(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/log/abc/json", r.URL.Path)
		assert.Equal(t, "50", r.URL.Query().Get("count"))
		assert.Equal(t, "UTC", r.URL.Query().Get("tz"))
		_, _ = w.Write([]byte(page))
	})

	since := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	readings, err := client.LatestReadings(context.Background(), since)
	require.NoError(t, err)
	require.Len(t, readings, 2)

	assert.Equal(t, time.Date(2024, 5, 1, 12, 0, 10, 0, time.UTC), readings[0].Timestamp)
	assert.Equal(t, 11.0, readings[0].Amps)
	assert.Equal(t, 12.5, readings[1].Amps)
	assert.Equal(t, 231.0, readings[1].Volts)
}

func TestClient_ServerError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := client.LatestReadings(context.Background(), time.Time{})
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestClient_RFC3339Rows(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"rows": [{"datetime": "2024-05-01T14:00:00+02:00", "amps": 3}]}`))
	})

	readings, err := client.LatestReadings(context.Background(), time.Time{})
	require.NoError(t, err)
	require.Len(t, readings, 1)
	assert.True(t, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC).Equal(readings[0].Timestamp))
}

type scriptedSource struct {
	batches [][]models.Reading
	since   []time.Time
}

func (s *scriptedSource) LatestReadings(ctx context.Context, since time.Time) ([]models.Reading, error) {
	s.since = append(s.since, since)
	if len(s.batches) == 0 {
		return nil, nil
	}
	batch := s.batches[0]
	s.batches = s.batches[1:]
	return batch, nil
}

type sliceSink struct {
	mu       sync.Mutex
	readings []models.Reading
}

func (s *sliceSink) Record(r models.Reading) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readings = append(s.readings, r)
}

func TestFeeder_ForwardsOnlyNewReadings(t *testing.T) {
	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	source := &scriptedSource{batches: [][]models.Reading{
		{{Timestamp: t0, Amps: 1}, {Timestamp: t0.Add(10 * time.Second), Amps: 2}},
		{{Timestamp: t0.Add(10 * time.Second), Amps: 2}, {Timestamp: t0.Add(20 * time.Second), Amps: 3}},
	}}
	sink := &sliceSink{}
	feeder := NewFeeder(source, sink, time.Second, time.Second, quietLogger())

	n, err := feeder.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = feeder.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.Len(t, sink.readings, 3)
	assert.Equal(t, 3.0, sink.readings[2].Amps)
	assert.Equal(t, t0.Add(10*time.Second), source.since[1])
	assert.Equal(t, int64(3), feeder.GetStatus()["forwarded"])
}

func TestFeeder_DropsReadingsFromTheFuture(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	source := &scriptedSource{batches: [][]models.Reading{
		{{Timestamp: now.Add(-5 * time.Second), Amps: 4}, {Timestamp: now.Add(time.Hour), Amps: 1}},
		{{Timestamp: now.Add(5 * time.Second), Amps: 30}},
	}}
	sink := &sliceSink{}
	feeder := NewFeeder(source, sink, time.Second, time.Second, quietLogger())
	feeder.now = func() time.Time { return now }

	n, err := feeder.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	now = now.Add(10 * time.Second)
	n, err = feeder.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.Len(t, sink.readings, 2)
	assert.Equal(t, 30.0, sink.readings[1].Amps)
	assert.Equal(t, int64(1), feeder.GetStatus()["rejected"])
}
