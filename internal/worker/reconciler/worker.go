// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package reconciler drives the reconciliation engine from a stream of
// change events. Relation events arrive in bursts, one per unit per hook,
// so the worker waits for a quiet period before running a pass; every event
// inside the window pushes the deadline out and the burst costs one
// reconciliation.
package reconciler

import (
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/worker/v4"
	"github.com/juju/worker/v4/catacomb"

	"github.com/canonical/cos-proxy/core/model"
	"github.com/canonical/cos-proxy/internal/reconcile"
)

var logger = loggo.GetLogger("cosproxy.worker.reconciler")

// Config defines the operation of the Worker.
type Config struct {
	Clock clock.Clock

	// QuietPeriod is how long the event stream must stay silent before a
	// reconciliation runs.
	QuietPeriod time.Duration

	// Events delivers change notifications. The values carry no
	// information; any event means the model may have changed.
	Events <-chan struct{}

	// Load produces a fresh reconciliation context.
	Load func() (*model.Model, error)

	// Reconcile runs one pass over the context.
	Reconcile func(*model.Model) (reconcile.Result, error)

	// Apply takes effect: relation writes and host artifacts.
	Apply func(reconcile.Result) error
}

// Validate returns an error if config cannot drive the Worker.
func (config Config) Validate() error {
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if config.QuietPeriod <= 0 {
		return errors.NotValidf("non-positive QuietPeriod")
	}
	if config.Events == nil {
		return errors.NotValidf("nil Events")
	}
	if config.Load == nil {
		return errors.NotValidf("nil Load")
	}
	if config.Reconcile == nil {
		return errors.NotValidf("nil Reconcile")
	}
	if config.Apply == nil {
		return errors.NotValidf("nil Apply")
	}
	return nil
}

// Worker debounces change events into reconciliation passes.
type Worker struct {
	catacomb catacomb.Catacomb
	config   Config
}

// NewWorker returns a reconciler worker backed by config, or an error.
func NewWorker(config Config) (worker.Worker, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	w := &Worker{config: config}
	if err := catacomb.Invoke(catacomb.Plan{
		Name: "reconciler",
		Site: &w.catacomb,
		Work: w.loop,
	}); err != nil {
		return nil, errors.Trace(err)
	}
	return w, nil
}

// Kill is part of the worker.Worker interface.
func (w *Worker) Kill() {
	w.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (w *Worker) Wait() error {
	return w.catacomb.Wait()
}

func (w *Worker) loop() error {
	// Events only ever move the deadline; the timer is armed once per
	// burst and re-armed with the remainder if it fires early. Stopping
	// and resetting a live timer is not safe, pushing the deadline is.
	var timer clock.Timer
	var deadline time.Time
	for {
		var timeout <-chan time.Time
		if timer != nil {
			timeout = timer.Chan()
		}
		select {
		case <-w.catacomb.Dying():
			return w.catacomb.ErrDying()
		case _, ok := <-w.config.Events:
			if !ok {
				return errors.New("event channel closed")
			}
			deadline = w.config.Clock.Now().Add(w.config.QuietPeriod)
			if timer == nil {
				timer = w.config.Clock.NewTimer(w.config.QuietPeriod)
			}
		case now := <-timeout:
			if remaining := deadline.Sub(now); remaining > 0 {
				timer.Reset(remaining)
				continue
			}
			timer = nil
			if err := w.runOnce(); err != nil {
				return errors.Trace(err)
			}
		}
	}
}

// runOnce runs a single reconciliation pass. A pass that fails to compute
// or to apply keeps the previously published state and the worker alive;
// the next change event retries from scratch. Only a context that cannot
// be loaded at all is fatal.
func (w *Worker) runOnce() error {
	m, err := w.config.Load()
	if err != nil {
		return errors.Annotate(err, "loading reconciliation context")
	}
	result, err := w.config.Reconcile(m)
	if err != nil {
		logger.Errorf("reconciliation failed, keeping previously published state: %v", err)
		return nil
	}
	if err := w.config.Apply(result); err != nil {
		logger.Errorf("failed to apply reconciliation result, will retry on next change: %v", err)
		return nil
	}
	logger.Debugf("reconciliation applied %d relation write(s)", len(result.Writes))
	return nil
}
