// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package sync2 provides synchronization helpers.
package sync2

import (
	"context"
	"sync"
	"time"
)

// Cycle implements a controllable recurring event: fn runs once
// immediately, then once per interval, until the context is canceled, the
// cycle is stopped, or fn returns an error.
type Cycle struct {
	interval time.Duration

	ticker  *time.Ticker
	control chan interface{}

	stopsent bool
	runexec  bool
	mu       sync.Mutex

	stopping chan struct{}
	stopped  chan struct{}
}

type (
	cycleChangeInterval struct{ interval time.Duration }
	cycleTrigger        struct{ done chan struct{} }
)

// NewCycle creates a new cycle with the specified interval.
func NewCycle(interval time.Duration) *Cycle {
	cycle := &Cycle{}
	cycle.SetInterval(interval)
	return cycle
}

// SetInterval allows changing the interval before starting.
func (cycle *Cycle) SetInterval(interval time.Duration) {
	cycle.interval = interval
}

func (cycle *Cycle) initialize() {
	cycle.mu.Lock()
	defer cycle.mu.Unlock()
	if cycle.stopped == nil {
		cycle.stopped = make(chan struct{})
		cycle.stopping = make(chan struct{})
		cycle.control = make(chan interface{})
	}
}

// Run runs fn immediately and then on every tick.
func (cycle *Cycle) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	cycle.initialize()
	cycle.mu.Lock()
	cycle.runexec = true
	cycle.mu.Unlock()

	defer close(cycle.stopped)

	currentInterval := cycle.interval
	cycle.ticker = time.NewTicker(currentInterval)
	defer cycle.ticker.Stop()

	if err := fn(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-cycle.stopping:
			return nil

		case message := <-cycle.control:
			switch message := message.(type) {
			case cycleChangeInterval:
				currentInterval = message.interval
				cycle.ticker.Stop()
				cycle.ticker = time.NewTicker(currentInterval)

			case cycleTrigger:
				err := fn(ctx)
				if message.done != nil {
					close(message.done)
				}
				if err != nil {
					return err
				}
			}

		case <-ctx.Done():
			return ctx.Err()

		case <-cycle.ticker.C:
			if err := fn(ctx); err != nil {
				return err
			}
		}
	}
}

// sendControl sends a control message.
func (cycle *Cycle) sendControl(message interface{}) {
	cycle.initialize()
	select {
	case cycle.control <- message:
	case <-cycle.stopped:
	}
}

// Stop stops the cycle permanently and waits for the running fn to return.
func (cycle *Cycle) Stop() {
	cycle.initialize()

	cycle.mu.Lock()
	runexec := cycle.runexec
	if !cycle.stopsent {
		cycle.stopsent = true
		close(cycle.stopping)
	}
	cycle.mu.Unlock()

	if runexec {
		<-cycle.stopped
	}
}

// ChangeInterval allows changing the ticker interval after it has started.
func (cycle *Cycle) ChangeInterval(interval time.Duration) {
	cycle.sendControl(cycleChangeInterval{interval})
}

// TriggerWait triggers fn and waits for the call to complete.
func (cycle *Cycle) TriggerWait() {
	done := make(chan struct{})
	cycle.sendControl(cycleTrigger{done})
	select {
	case <-done:
	case <-cycle.stopped:
	}
}
