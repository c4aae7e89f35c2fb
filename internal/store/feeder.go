package store

import (
	"context"
	"sync"
	"time"

	"amp-controller/internal/models"
	"amp-controller/internal/window"

	"github.com/sirupsen/logrus"
)

type Source interface {
	LatestReadings(ctx context.Context, since time.Time) ([]models.Reading, error)
}

type Sink interface {
	Record(r models.Reading)
}

// Feeder polls a Source and forwards every reading it has not seen yet.
type Feeder struct {
	source   Source
	sink     Sink
	interval time.Duration
	timeout  time.Duration
	logger   *logrus.Logger
	now      func() time.Time

	mutex     sync.Mutex
	lastSeen  time.Time
	forwarded int64
	lastErr   error
	rejected  int64
}

func NewFeeder(source Source, sink Sink, interval, timeout time.Duration, logger *logrus.Logger) *Feeder {
	return &Feeder{
		source:   source,
		sink:     sink,
		interval: interval,
		timeout:  timeout,
		logger:   logger,
		now:      time.Now,
	}
}

func (f *Feeder) Start(ctx context.Context) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	f.logger.Infof("Starting telemetry store feeder (every %s)", f.interval)
	f.poll(ctx)

	for {
		select {
		case <-ctx.Done():
			f.logger.Info("Stopping telemetry store feeder")
			return
		case <-ticker.C:
			f.poll(ctx)
		}
	}
}

func (f *Feeder) poll(ctx context.Context) {
	if _, err := f.PollOnce(ctx); err != nil {
		f.logger.Warnf("Store feeder: %v", err)
	}
}

// PollOnce fetches and forwards new readings, returning how many were forwarded.
func (f *Feeder) PollOnce(ctx context.Context) (int, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	callCtx := ctx
	if f.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	readings, err := f.source.LatestReadings(callCtx, f.lastSeen)
	f.lastErr = err
	if err != nil {
		return 0, err
	}

	limit := f.now().Add(window.MaxClockSkew)
	count := 0
	for _, r := range readings {
		if !r.Timestamp.After(f.lastSeen) {
			continue
		}
		// a future row would hold lastSeen ahead of every real one
		if r.Timestamp.After(limit) {
			f.rejected++
			f.logger.Warnf("Store feeder: dropping reading stamped %s, ahead of local clock", r.Timestamp.Format(time.RFC3339))
			continue
		}
		f.sink.Record(r)
		f.lastSeen = r.Timestamp
		count++
	}
	f.forwarded += int64(count)
	if count > 0 {
		f.logger.Debugf("Store feeder: forwarded %d reading(s), newest %s", count, f.lastSeen.Format(time.RFC3339))
	}
	return count, nil
}

func (f *Feeder) GetStatus() map[string]interface{} {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	status := map[string]interface{}{
		"last_seen": f.lastSeen,
		"forwarded": f.forwarded,
		"rejected":  f.rejected,
	}
	if f.lastErr != nil {
		status["last_error"] = f.lastErr.Error()
	}
	return status
}
