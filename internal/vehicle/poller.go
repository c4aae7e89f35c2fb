package vehicle

import (
	"context"
	"sync"
	"time"

	"amp-controller/internal/models"

	"github.com/sirupsen/logrus"
)

type PollerConfig struct {
	Interval           time.Duration
	FreshnessThreshold time.Duration
	RequestTimeout     time.Duration
}

// Poller refreshes the vehicle status on its own schedule. It is the only
// writer of the cached status; readers get copies through Snapshot.
type Poller struct {
	api    API
	config PollerConfig
	logger *logrus.Logger

	mutex       sync.RWMutex
	status      models.VehicleStatus
	hasSuccess  bool
	failures    int
	lastAttempt time.Time
	lastErr     error

	onUpdate func(models.VehicleStatus)
}

func NewPoller(api API, config PollerConfig, logger *logrus.Logger) *Poller {
	if config.FreshnessThreshold <= 0 {
		config.FreshnessThreshold = 2 * config.Interval
	}
	return &Poller{
		api:    api,
		config: config,
		logger: logger,
	}
}

// SetUpdateCallback registers a hook called after every successful poll.
func (p *Poller) SetUpdateCallback(callback func(models.VehicleStatus)) {
	p.onUpdate = callback
}

func (p *Poller) Start(ctx context.Context) {
	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	p.logger.Infof("Starting vehicle status poller (every %s)", p.config.Interval)
	p.PollNow(ctx)

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Stopping vehicle status poller")
			return
		case <-ticker.C:
			p.PollNow(ctx)
		}
	}
}

// PollNow performs one bounded call to the vehicle API and records the result.
func (p *Poller) PollNow(ctx context.Context) error {
	callCtx, cancel := context.WithTimeout(ctx, p.config.RequestTimeout)
	defer cancel()

	status, err := p.api.GetStatus(callCtx)
	err = Classify(callCtx, err)
	now := time.Now()

	p.mutex.Lock()
	p.lastAttempt = now
	if err != nil {
		p.failures++
		p.lastErr = err
		failures := p.failures
		p.mutex.Unlock()
		p.logger.Warnf("Vehicle status poll failed (%d consecutive): %v", failures, err)
		return err
	}

	p.status = models.VehicleStatus{
		Present:       status.Present,
		Charging:      status.Charging,
		CurrentAmps:   status.CurrentAmps,
		RequestedAmps: status.RequestedAmps,
		LastUpdated:   now,
	}
	p.hasSuccess = true
	p.failures = 0
	p.lastErr = nil
	snapshot := p.status
	p.mutex.Unlock()

	p.logger.Debugf("Vehicle status: present=%v charging=%v current=%.1fA requested=%dA",
		snapshot.Present, snapshot.Charging, snapshot.CurrentAmps, snapshot.RequestedAmps)

	if p.onUpdate != nil {
		p.onUpdate(snapshot)
	}
	return nil
}

// Snapshot returns a copy of the cached status with Stale computed for now.
func (p *Poller) Snapshot(now time.Time) models.VehicleStatus {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	status := p.status
	status.Stale = !p.hasSuccess || now.Sub(status.LastUpdated) > p.config.FreshnessThreshold
	return status
}

func (p *Poller) Failures() int {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	return p.failures
}

func (p *Poller) GetStatus() map[string]interface{} {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	status := map[string]interface{}{
		"has_success":  p.hasSuccess,
		"failures":     p.failures,
		"last_attempt": p.lastAttempt,
		"last_updated": p.status.LastUpdated,
		"present":      p.status.Present,
		"charging":     p.status.Charging,
		"current_amps": p.status.CurrentAmps,
	}
	if p.lastErr != nil {
		status["last_error"] = p.lastErr.Error()
	}
	return status
}
