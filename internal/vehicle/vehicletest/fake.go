// Package vehicletest provides an in-memory vehicle API for tests.
package vehicletest

import (
	"context"
	"sync"
	"time"

	"amp-controller/internal/vehicle"
)

// FakeAPI records commands and returns scripted results.
type FakeAPI struct {
	mu sync.Mutex

	Status    vehicle.Status
	StatusErr error

	// SetErrs is consumed one entry per SetChargeAmps call; nil entries succeed.
	SetErrs  []error
	SetDelay time.Duration

	StatusCalls int
	Commands    []int
}

func (f *FakeAPI) GetStatus(ctx context.Context) (vehicle.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.StatusCalls++
	if f.StatusErr != nil {
		return vehicle.Status{}, f.StatusErr
	}
	return f.Status, nil
}

func (f *FakeAPI) SetChargeAmps(ctx context.Context, amps int) error {
	f.mu.Lock()
	delay := f.SetDelay
	var err error
	if len(f.SetErrs) > 0 {
		err = f.SetErrs[0]
		f.SetErrs = f.SetErrs[1:]
	}
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err != nil {
		return err
	}
	f.Commands = append(f.Commands, amps)
	// the car now reports the current we asked for
	f.Status.RequestedAmps = amps
	return nil
}

func (f *FakeAPI) SetStatus(status vehicle.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Status = status
}

func (f *FakeAPI) FailStatus(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.StatusErr = err
}

func (f *FakeAPI) QueueSetErrors(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SetErrs = append(f.SetErrs, errs...)
}

func (f *FakeAPI) CommandLog() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.Commands...)
}
