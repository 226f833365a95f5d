package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"qibla-ng/internal/haptic"
	"qibla-ng/internal/heading"
	"qibla-ng/internal/location"
	"qibla-ng/internal/qibla"
)

var (
	ErrClosed     = errors.New("engine: closed")
	ErrNotStarted = errors.New("engine: not started")
)

// Deps are the engine's collaborators.
type Deps struct {
	Location location.Service
	// Heading lists sources in preference order; the first that starts wins.
	Heading []heading.Source
	Haptics haptic.Feedback
	Log     logrus.FieldLogger
	Now     func() time.Time
}

// event is one unit of work for the loop. Events tagged with an epoch or
// sensor epoch that no longer matches are dropped; that is how late results
// from torn-down operations get ignored.
type event struct {
	epoch  uint64
	sensor uint64
	apply  func()
}

const eventBuffer = 64

// Engine runs the lifecycle and alignment logic on a single goroutine.
// Collaborator callbacks and control calls are queued onto it.
type Engine struct {
	cfg  Config
	deps Deps
	log  logrus.FieldLogger
	m    *Machine

	events  chan event
	updates *Broadcaster
	snap    atomic.Value // State
	dropped atomic.Uint64
	started atomic.Bool

	// Owned by the loop goroutine.
	ctx         context.Context
	epoch       uint64
	sensorEpoch uint64
	watchSub    qibla.Subscription
	source      heading.Source
	watchdog    *time.Timer
	retryTimer  *time.Timer
	fixCancel   context.CancelFunc
	lastPhase   Phase

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Location == nil {
		return nil, fmt.Errorf("engine: location service is required")
	}
	var sources []heading.Source
	for _, s := range deps.Heading {
		if s != nil {
			sources = append(sources, s)
		}
	}
	deps.Heading = sources
	if deps.Log == nil {
		deps.Log = logrus.StandardLogger()
	}
	if deps.Haptics == nil {
		deps.Haptics = haptic.Log{L: deps.Log}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	cfg = cfg.withDefaults()

	e := &Engine{
		cfg:     cfg,
		deps:    deps,
		log:     deps.Log.WithField("component", "engine"),
		m:       NewMachine(cfg, deps.Now),
		events:  make(chan event, eventBuffer),
		updates: NewBroadcaster(),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	e.snap.Store(e.m.State())
	return e, nil
}

func (e *Engine) Config() Config { return e.cfg }

// Updates is the fan-out of every published State.
func (e *Engine) Updates() *Broadcaster { return e.updates }

func (e *Engine) Snapshot() State {
	if e == nil {
		return State{}
	}
	return e.snap.Load().(State)
}

// Dropped is the number of collaborator callbacks dropped because the event
// queue was full.
func (e *Engine) Dropped() uint64 { return e.dropped.Load() }

// Start mounts the engine: it begins the lifecycle from initializing.
func (e *Engine) Start(ctx context.Context) error {
	if e == nil {
		return fmt.Errorf("engine: nil")
	}
	if ctx == nil {
		return fmt.Errorf("engine: ctx is nil")
	}
	if !e.started.CompareAndSwap(false, true) {
		return fmt.Errorf("engine: already started")
	}
	e.ctx = ctx
	go e.run(ctx)
	return nil
}

// Close tears down every subscription and stops the loop.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	e.stopOnce.Do(func() {
		close(e.stopCh)
	})
	if e.started.Load() {
		<-e.doneCh
	}
	e.updates.Close()
}

func (e *Engine) Retry() error      { return e.control(e.restart) }
func (e *Engine) Recenter() error   { return e.control(e.recenter) }
func (e *Engine) Background() error { return e.control(e.background) }
func (e *Engine) Foreground() error { return e.control(e.foreground) }

func (e *Engine) control(fn func()) error {
	if !e.started.Load() {
		return ErrNotStarted
	}
	return e.post(event{apply: fn})
}

// post queues ev, blocking until there is room or the engine stops.
func (e *Engine) post(ev event) error {
	select {
	case <-e.stopCh:
		return ErrClosed
	default:
	}
	select {
	case e.events <- ev:
		return nil
	case <-e.stopCh:
		return ErrClosed
	case <-e.doneCh:
		return ErrClosed
	}
}

// tryPost is for collaborator callbacks, which may run while the loop is
// inside a call into that collaborator and so must never block.
func (e *Engine) tryPost(ev event) {
	select {
	case e.events <- ev:
	default:
		e.dropped.Add(1)
	}
}

func (e *Engine) run(ctx context.Context) {
	defer close(e.doneCh)

	e.restart()
	for {
		select {
		case <-ctx.Done():
			e.teardown()
			return
		case <-e.stopCh:
			e.teardown()
			return
		case ev := <-e.events:
			if ev.epoch != 0 && ev.epoch != e.epoch {
				continue
			}
			if ev.sensor != 0 && ev.sensor != e.sensorEpoch {
				continue
			}
			ev.apply()
			e.publish()
		}
	}
}

func (e *Engine) publish() {
	st := e.m.State()
	e.snap.Store(st)
	if st.Phase != e.lastPhase {
		fields := logrus.Fields{"from": e.lastPhase, "to": st.Phase, "retry_count": st.RetryCount}
		if st.Phase == PhaseError {
			e.log.WithFields(fields).Warn(st.Status)
		} else {
			e.log.WithFields(fields).Info("phase changed")
		}
		e.lastPhase = st.Phase
	}
	e.updates.Publish(st)
}

// teardown disposes every subscription and timer and invalidates all
// in-flight results.
func (e *Engine) teardown() {
	e.epoch++
	e.stopSensors()
	if e.watchSub != nil {
		e.watchSub.Remove()
		e.watchSub = nil
	}
	if e.retryTimer != nil {
		e.retryTimer.Stop()
		e.retryTimer = nil
	}
	if e.fixCancel != nil {
		e.fixCancel()
		e.fixCancel = nil
	}
}

func (e *Engine) stopSensors() {
	e.sensorEpoch++
	if e.source != nil {
		e.source.Stop()
		e.source = nil
	}
	if e.watchdog != nil {
		e.watchdog.Stop()
		e.watchdog = nil
	}
}

// restart is the mount and explicit-retry path.
func (e *Engine) restart() {
	e.teardown()
	e.m.ClearForRetry()
	e.publish()
	if e.m.State().Backgrounded {
		return
	}
	e.beginLocation()
}

func (e *Engine) beginLocation() {
	e.m.BeginLocation()
	e.publish()

	epoch := e.epoch
	ctx := e.ctx
	loc := e.deps.Location
	go func() {
		granted, err := loc.RequestForegroundPermission(ctx)
		_ = e.post(event{epoch: epoch, apply: func() { e.onPermission(granted, err) }})
	}()
}

func (e *Engine) onPermission(granted bool, err error) {
	if !e.m.PermissionResult(granted, err) {
		return
	}
	e.acquireFix()
}

type fixResult struct {
	pos qibla.GeoPosition
	err error
}

// acquireFix races a one-shot position request against FixTimeout. The
// loser's result is discarded.
func (e *Engine) acquireFix() {
	epoch := e.epoch
	ctx, cancel := context.WithCancel(e.ctx)
	e.fixCancel = cancel
	loc := e.deps.Location
	timeout := e.cfg.FixTimeout
	acc := e.cfg.FixAccuracy

	go func() {
		res := make(chan fixResult, 1)
		go func() {
			p, err := loc.CurrentPosition(ctx, acc)
			res <- fixResult{pos: p, err: err}
		}()

		timer := time.NewTimer(timeout)
		defer timer.Stop()

		var r fixResult
		select {
		case r = <-res:
		case <-timer.C:
			r.err = fmt.Errorf("location fix timed out after %s", timeout)
			cancel()
		case <-ctx.Done():
			return
		}
		_ = e.post(event{epoch: epoch, apply: func() { e.onFix(r) }})
	}()
}

func (e *Engine) onFix(r fixResult) {
	if e.fixCancel != nil {
		e.fixCancel()
		e.fixCancel = nil
	}
	err := r.err
	if err == nil && !r.pos.Valid() {
		err = fmt.Errorf("invalid position %s", r.pos)
	}
	if err != nil {
		retry := e.m.FixFailed(err)
		e.log.WithError(err).WithField("retry_count", e.m.State().RetryCount).Warn("location fix failed")
		if retry {
			epoch := e.epoch
			e.retryTimer = time.AfterFunc(e.cfg.RetryBackoff, func() {
				_ = e.post(event{epoch: epoch, apply: e.retryLocation})
			})
		}
		return
	}

	e.m.FixAcquired(r.pos)
	e.log.WithFields(logrus.Fields{
		"position":    r.pos.String(),
		"bearing_deg": fmt.Sprintf("%.2f", e.m.State().BearingDeg),
	}).Info("position fix acquired")
	e.startWatch()
	e.startSensors()
}

func (e *Engine) retryLocation() {
	e.retryTimer = nil
	e.beginLocation()
}

func (e *Engine) startWatch() {
	if e.watchSub != nil {
		e.watchSub.Remove()
		e.watchSub = nil
	}
	epoch := e.epoch
	opts := location.WatchOptions{
		Accuracy:     e.cfg.FixAccuracy,
		MinInterval:  e.cfg.WatchInterval,
		MinDistanceM: e.cfg.WatchDistanceM,
	}
	sub, err := e.deps.Location.WatchPosition(opts, func(p qibla.GeoPosition) {
		e.tryPost(event{epoch: epoch, apply: func() { e.onPosition(p) }})
	})
	if err != nil {
		// The first fix is enough to point somewhere useful.
		e.log.WithError(err).Warn("position watch unavailable")
		return
	}
	e.watchSub = sub
}

func (e *Engine) onPosition(p qibla.GeoPosition) {
	if e.m.PositionUpdate(p) {
		e.pulse()
	}
}

// startSensors (re)starts the heading source synchronously on the loop.
func (e *Engine) startSensors() {
	e.stopSensors()
	epoch, sensor := e.epoch, e.sensorEpoch

	src, err := heading.Start(e.deps.Heading, func(s heading.Sample) {
		e.tryPost(event{epoch: epoch, sensor: sensor, apply: func() { e.onSample(s) }})
	}, e.log)
	if err != nil {
		e.m.SensorsFailed(err)
		return
	}
	e.source = src
	e.m.SensorsStarted(src.Name())
	e.armWatchdog()
}

func (e *Engine) armWatchdog() {
	if e.watchdog != nil {
		e.watchdog.Reset(e.cfg.SensorTimeout)
		return
	}
	epoch, sensor := e.epoch, e.sensorEpoch
	e.watchdog = time.AfterFunc(e.cfg.SensorTimeout, func() {
		_ = e.post(event{epoch: epoch, sensor: sensor, apply: e.onWatchdog})
	})
}

func (e *Engine) onSample(s heading.Sample) {
	if e.m.HeadingSample(s) {
		e.pulse()
	}
	if e.m.State().Phase == PhaseActive {
		e.armWatchdog()
	}
}

func (e *Engine) onWatchdog() {
	if e.m.WatchdogExpired() {
		e.log.WithField("timeout", e.cfg.SensorTimeout).Warn("sensors not responding")
	}
}

func (e *Engine) pulse() {
	st := e.m.State()
	e.log.WithFields(logrus.Fields{
		"heading_deg": fmt.Sprintf("%.1f", st.HeadingDeg),
		"off_by_deg":  fmt.Sprintf("%.1f", st.Alignment.OffBy),
	}).Debug("aligned")
	e.deps.Haptics.Impact(e.cfg.HapticStyle)
}

func (e *Engine) recenter() {
	if e.m.State().Backgrounded {
		return
	}
	if e.m.Recenter() {
		e.log.Info("heading samples stale, restarting heading source")
		e.m.RestartingSensors()
		e.startSensors()
	}
}

func (e *Engine) background() {
	if e.m.State().Backgrounded {
		return
	}
	e.teardown()
	e.m.SetBackgrounded(true)
}

// foreground resumes after background. In active both the heading source
// and the position watch restart; a phase that was interrupted mid-way is
// run again.
func (e *Engine) foreground() {
	if !e.m.State().Backgrounded {
		return
	}
	e.m.SetBackgrounded(false)
	switch e.m.State().Phase {
	case PhaseActive, PhaseStartingSensors:
		e.startWatch()
		e.m.RestartingSensors()
		e.startSensors()
	case PhaseInitializing, PhaseRequestingLocation:
		e.beginLocation()
	}
}
