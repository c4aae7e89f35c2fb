// Package vehicle talks to the remote vehicle API and keeps a cached,
// staleness-aware view of the vehicle's charging status.
package vehicle

import (
	"context"
	"errors"
)

var (
	ErrAPIUnavailable = errors.New("vehicle API unavailable")
	ErrTimeout        = errors.New("vehicle API timeout")
	ErrStaleStatus    = errors.New("vehicle status is stale")
)

// Status is what the vehicle API reports on a single poll.
type Status struct {
	Present       bool
	Charging      bool
	CurrentAmps   float64
	RequestedAmps int
}

// API is the narrow command/status surface the controller needs.
type API interface {
	GetStatus(ctx context.Context) (Status, error)
	SetChargeAmps(ctx context.Context, amps int) error
}

// Classify maps transport and context failures onto the controller's error taxonomy.
func Classify(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, ErrAPIUnavailable) {
		return err
	}
	var timeout interface{ Timeout() bool }
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) ||
		(errors.As(err, &timeout) && timeout.Timeout()) {
		return errors.Join(ErrTimeout, err)
	}
	return errors.Join(ErrAPIUnavailable, err)
}
