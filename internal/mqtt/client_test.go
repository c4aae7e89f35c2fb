package mqtt

import (
	"sync"
	"testing"
	"time"

	"amp-controller/internal/config"
	"amp-controller/internal/models"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 1 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 1 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

type sliceSink struct {
	mu       sync.Mutex
	readings []models.Reading
}

func (s *sliceSink) Record(r models.Reading) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readings = append(s.readings, r)
}

func TestParseReading_JSON(t *testing.T) {
	received := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	reading, err := ParseReading([]byte(`{"amps": 12.5, "volts": 231, "watts": 2887, "timestamp": "2024-05-01T11:59:58Z"}`), received)
	require.NoError(t, err)
	assert.Equal(t, 12.5, reading.Amps)
	assert.Equal(t, 231.0, reading.Volts)
	assert.Equal(t, 2887.0, reading.Watts)
	assert.Equal(t, received.Add(-2*time.Second), reading.Timestamp)

	reading, err = ParseReading([]byte(`{"amps": 3}`), received)
	require.NoError(t, err)
	assert.Equal(t, received, reading.Timestamp)
	assert.Equal(t, 0.0, reading.Volts)
}

func TestParseReading_CSV(t *testing.T) {
	received := time.Now()

	reading, err := ParseReading([]byte("10.2, 229.5, 2340"), received)
	require.NoError(t, err)
	assert.Equal(t, models.Reading{Timestamp: received, Amps: 10.2, Volts: 229.5, Watts: 2340}, reading)

	reading, err = ParseReading([]byte("7.5\n"), received)
	require.NoError(t, err)
	assert.Equal(t, 7.5, reading.Amps)
}

func TestParseReading_Rejects(t *testing.T) {
	for _, payload := range []string{"", "abc", "1,2,3,4", "NaN", `{"amps": "high"}`, "1,,3"} {
		_, err := ParseReading([]byte(payload), time.Now())
		assert.Error(t, err, payload)
	}
}

func TestClient_HandleReadingMessage(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	sink := &sliceSink{}
	received := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	c := &Client{
		config: &config.Config{},
		logger: logger,
		sink:   sink,
		now:    func() time.Time { return received },
	}

	c.handleReadingMessage(nil, &fakeMessage{topic: "energy/circuit/readings", payload: []byte("16,230,3680")})
	c.handleReadingMessage(nil, &fakeMessage{topic: "energy/circuit/readings", payload: []byte("garbage")})

	require.Len(t, sink.readings, 1)
	assert.Equal(t, 16.0, sink.readings[0].Amps)
	assert.Equal(t, received, sink.readings[0].Timestamp)
	assert.Equal(t, int64(1), c.received)
	assert.Equal(t, int64(1), c.rejected)
}

func TestNewClient_RequiresBroker(t *testing.T) {
	_, err := NewClient(&config.Config{}, &sliceSink{}, logrus.New())
	assert.Error(t, err)
}
