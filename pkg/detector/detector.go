// Package detector implements the failure detector (C1): one actor per
// (source endpoint, log name), translating a stream of success/failure
// reports from a Replicator into rate-limited Available/Unavailable
// events.
package detector

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"replicore/pkg/eventbus"
	"replicore/pkg/listener"
	"replicore/pkg/replerrors"
	"replicore/pkg/types"
)

// AvailabilityEvent is published on the process-wide event bus.
type AvailabilityEvent struct {
	EndpointID types.EndpointID
	LogName    types.LogName
	Available  bool
	Causes     []error
}

type availabilityDetected struct{}

type failureDetected struct{ cause error }

type timerFired struct{ generation uint64 }

type msg struct {
	availability *availabilityDetected
	failure      *failureDetected
	timer        *timerFired
}

// Detector is one failure-detector actor for a single (endpoint, log)
// pair.
type Detector struct {
	endpointID types.EndpointID
	logName    types.LogName

	failureDetectionLimit time.Duration
	bus                    *eventbus.Bus[AvailabilityEvent]

	in       chan msg
	listener *listener.Listener[msg]
	log      *slog.Logger

	baseCtx         context.Context
	generation      uint64
	causes          []error
	lastAvailableAt time.Time
	timerCancel     context.CancelFunc
}

// New constructs a Detector. It returns replerrors.ErrIllegalState if
// failureDetectionLimit does not dominate remoteReadTimeout+retryDelay,
// the ordering required so a single request cycle cannot trip the
// detector.
func New(
	endpointID types.EndpointID,
	logName types.LogName,
	failureDetectionLimit, remoteReadTimeout, retryDelay time.Duration,
	bus *eventbus.Bus[AvailabilityEvent],
) (*Detector, error) {
	if failureDetectionLimit < remoteReadTimeout+retryDelay {
		return nil, fmt.Errorf("%w: failure_detection_limit (%s) must be >= remote_read_timeout+retry_delay (%s)",
			replerrors.ErrIllegalState, failureDetectionLimit, remoteReadTimeout+retryDelay)
	}
	d := &Detector{
		endpointID:             endpointID,
		logName:                logName,
		failureDetectionLimit:  failureDetectionLimit,
		bus:                    bus,
		in:                     make(chan msg, 32),
		timerCancel:            func() {},
		log:                    slog.With("component", "detector", "endpoint", string(endpointID), "log", string(logName)),
	}
	// A failure detector that panics on a message-handling error would take
	// down the whole endpoint over what should only cost this one (source,
	// log) pair its availability tracking, so unlike Listener's fail-fast
	// default this actor logs and keeps running.
	d.listener = listener.New(d.in, d.handle).OnError(d.onHandlerError)
	return d, nil
}

func (d *Detector) onHandlerError(_ msg, err error) {
	d.log.Error("failed to handle detector message", "error", err)
}

// Start begins processing on its own goroutine.
func (d *Detector) Start(ctx context.Context) {
	d.baseCtx = ctx
	d.listener.Start(ctx)
	d.rescheduleTimer(ctx)
}

// Stop terminates the detector.
func (d *Detector) Stop() {
	d.timerCancel()
	d.listener.Stop()
}

// AvailabilityDetected reports a successful replicator cycle.
func (d *Detector) AvailabilityDetected() {
	d.in <- msg{availability: &availabilityDetected{}}
}

// FailureDetected reports a failed replicator cycle.
func (d *Detector) FailureDetected(cause error) {
	d.in <- msg{failure: &failureDetected{cause: cause}}
}

func (d *Detector) handle(m msg) error {
	switch {
	case m.availability != nil:
		d.onAvailability()
	case m.failure != nil:
		d.onFailure(m.failure.cause)
	case m.timer != nil:
		d.onTimerFired(m.timer.generation)
	}
	return nil
}

func (d *Detector) onAvailability() {
	now := time.Now()
	if now.Sub(d.lastAvailableAt) >= d.failureDetectionLimit {
		d.publish(true, nil)
		d.lastAvailableAt = now
	}
	d.timerCancel()
	d.causes = nil
	d.rescheduleTimer(d.baseCtx)
}

func (d *Detector) onFailure(cause error) {
	d.causes = append(d.causes, cause)
}

func (d *Detector) onTimerFired(generation uint64) {
	if generation != d.generation {
		return // stale timer, dropped
	}
	d.publish(false, d.causes)
	d.causes = nil
	d.rescheduleTimer(d.baseCtx)
}

func (d *Detector) publish(available bool, causes []error) {
	d.bus.Publish(AvailabilityEvent{
		EndpointID: d.endpointID,
		LogName:    d.logName,
		Available:  available,
		Causes:     causes,
	})
}

func (d *Detector) rescheduleTimer(ctx context.Context) {
	d.timerCancel()
	d.generation++
	gen := d.generation

	timerCtx, cancel := context.WithCancel(ctx)
	d.timerCancel = cancel
	timer := time.NewTimer(d.failureDetectionLimit)
	go func() {
		defer timer.Stop()
		select {
		case <-timer.C:
			select {
			case d.in <- msg{timer: &timerFired{generation: gen}}:
			case <-timerCtx.Done():
			}
		case <-timerCtx.Done():
		}
	}()
}
