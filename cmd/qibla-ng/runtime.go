package main

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"qibla-ng/internal/broker"
	"qibla-ng/internal/config"
	"qibla-ng/internal/engine"
	"qibla-ng/internal/haptic"
	"qibla-ng/internal/heading"
	"qibla-ng/internal/location"
	"qibla-ng/internal/qibla"
	"qibla-ng/internal/sim"
	"qibla-ng/internal/store"
	"qibla-ng/internal/web"
)

// Overridable in tests.
var (
	connectBrokerFn = broker.Connect
	openStoreFn     = store.Open
)

// runtime owns every collaborator built from one config.
type runtime struct {
	cfg  config.Config
	log  *logrus.Logger
	logs *web.LogBuffer

	conn     broker.Conn
	topics   broker.Topics
	scenario *sim.Scenario
	compass  *sim.Compass
	receiver *location.Receiver
	i2cMag   *heading.I2CMagnetometer
	motor    *haptic.Motor
	kv       *store.KV

	loc     location.Service
	sources []heading.Source
	haptics haptic.Feedback
	engine  *engine.Engine
	dest    qibla.GeoPosition
	started time.Time
}

func newRuntime(ctx context.Context, cfg config.Config, log *logrus.Logger, logs *web.LogBuffer) (*runtime, error) {
	c := cfg
	if err := config.DefaultAndValidate(&c); err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	r := &runtime{
		cfg:     c,
		log:     log,
		logs:    logs,
		topics:  broker.TopicsFor(c.MQTT.TopicPrefix),
		dest:    destination(c),
		started: time.Now(),
	}

	if c.MQTT.Enable {
		conn, err := connectBrokerFn(broker.Config{
			Broker:   c.MQTT.Broker,
			ClientID: c.MQTT.ClientID,
			Username: c.MQTT.Username,
			Password: c.MQTT.Password,
		}, log)
		if err != nil {
			return nil, fmt.Errorf("mqtt: %w", err)
		}
		r.conn = conn
	}

	if c.Sim.Scenario != "" {
		script, err := sim.LoadScenarioScript(c.Sim.Scenario)
		if err != nil {
			r.Close()
			return nil, err
		}
		sc, err := sim.NewScenario(script)
		if err != nil {
			r.Close()
			return nil, err
		}
		r.scenario = sc
	}

	loc, err := r.buildLocation(ctx)
	if err != nil {
		r.Close()
		return nil, err
	}
	r.loc = loc
	r.sources = r.buildHeading()
	r.haptics = r.buildHaptics(ctx)

	style, err := haptic.ParseStyle(c.Haptic.Style)
	if err != nil {
		r.Close()
		return nil, err
	}
	e, err := engine.New(engine.Config{
		AlignThresholdDeg:    c.Engine.AlignThresholdDeg,
		FeedbackDebounce:     c.Engine.FeedbackDebounce,
		SensorTimeout:        c.Engine.SensorTimeout,
		RecenterStaleAfter:   c.Engine.RecenterStaleAfter,
		FixTimeout:           c.Engine.FixTimeout,
		FixAccuracy:          location.Accuracy(c.Engine.FixAccuracy),
		MaxRetries:           c.Engine.MaxRetries,
		RetryBackoff:         c.Engine.RetryBackoff,
		WatchInterval:        c.Engine.WatchInterval,
		WatchDistanceM:       c.Engine.WatchDistanceM,
		MagnetometerInterval: c.Heading.Interval,
		HapticStyle:          style,
		Destination:          r.dest,
	}, engine.Deps{
		Location: r.loc,
		Heading:  r.sources,
		Haptics:  r.haptics,
		Log:      log,
	})
	if err != nil {
		r.Close()
		return nil, err
	}
	r.engine = e

	if c.Store.Enable {
		kv, err := openStoreFn(ctx, c.Store.Path, log)
		if err != nil {
			r.Close()
			return nil, err
		}
		r.kv = kv
	}
	return r, nil
}

func destination(c config.Config) qibla.GeoPosition {
	if d := c.Engine.Destination; d != nil {
		return qibla.GeoPosition{Lat: d.Lat, Lng: d.Lon}
	}
	return qibla.Kaaba
}

// simCompass is shared by every sim-backed heading role.
func (r *runtime) simCompass() *sim.Compass {
	if r.compass == nil {
		s := r.cfg.Sim
		r.compass = sim.NewCompass(sim.CompassConfig{
			StartDeg:      s.StartDeg,
			RateDegPerSec: s.RateDegPerSec,
			FieldUT:       s.FieldUT,
			NoTrueNorth:   s.NoTrueNorth,
			Scenario:      r.scenario,
			Loop:          s.Loop,
		})
	}
	return r.compass
}

func (r *runtime) buildLocation(ctx context.Context) (location.Service, error) {
	l := r.cfg.Location
	switch l.Source {
	case "static":
		return location.NewStatic(qibla.GeoPosition{Lat: l.Static.Lat, Lng: l.Static.Lon}, true)
	case "nmea", "gpsd":
		rcv := location.NewReceiver(location.ReceiverConfig{
			Source:        l.Source,
			GPSDAddr:      l.GPSDAddr,
			Device:        l.Device,
			Baud:          l.Baud,
			FixStaleAfter: l.FixStaleAfter,
		}, r.log)
		if err := rcv.Start(ctx); err != nil {
			// Keep running; fix requests will fail and the engine reports it.
			r.log.WithError(err).Warn("gps init failed")
		}
		r.receiver = rcv
		return rcv, nil
	case "sim":
		s := r.cfg.Sim
		return sim.NewWalker(sim.WalkerConfig{
			Center:    qibla.GeoPosition{Lat: s.Center.Lat, Lng: s.Center.Lon},
			RadiusM:   s.RadiusM,
			Period:    s.Period,
			Denied:    s.DenyLocation,
			FailFixes: s.FailFixes,
			Scenario:  r.scenario,
			Loop:      s.Loop,
		})
	default:
		return nil, fmt.Errorf("location: unknown source %q", l.Source)
	}
}

// buildHeading returns candidate sources in preference order: the platform
// heading first, then the raw magnetometer.
func (r *runtime) buildHeading() []heading.Source {
	h := r.cfg.Heading
	var out []heading.Source

	var svc heading.HeadingService
	switch h.Platform {
	case "mqtt":
		svc = broker.NewHeadingTopic(r.conn, r.topics.Heading, r.log)
	case "sim":
		svc = r.simCompass()
	}
	if svc != nil {
		out = append(out, heading.NewPlatformSource(svc))
	}

	var mag heading.Magnetometer
	switch h.Magnetometer {
	case "i2c":
		r.i2cMag = heading.NewI2CMagnetometer(heading.I2CConfig{I2CBus: h.I2CBus, Addr: h.I2CAddr}, r.log)
		mag = r.i2cMag
	case "mqtt":
		mag = broker.NewMagnetometerTopic(r.conn, r.topics.Mag, r.log)
	case "sim":
		mag = r.simCompass()
	}
	if mag != nil {
		out = append(out, heading.NewMagnetometerSource(mag, h.Interval))
	}
	return out
}

func (r *runtime) buildHaptics(ctx context.Context) haptic.Feedback {
	hp := r.cfg.Haptic
	tee := haptic.Tee{haptic.Log{L: r.log}}
	if hp.GPIO {
		m := haptic.NewMotor(haptic.MotorConfig{Enable: true, Pin: hp.GPIOPin})
		if err := m.Start(ctx); err != nil {
			r.log.WithError(err).Warn("haptic motor init failed")
		}
		// Keep a reference even if init fails so status can report errors.
		r.motor = m
		tee = append(tee, m)
	}
	if hp.MQTT && r.conn != nil {
		tee = append(tee, broker.NewHapticTopic(r.conn, r.topics.Haptic, r.log))
	}
	return tee
}

func (r *runtime) handler() http.Handler {
	opts := web.Options{
		Engine:      r.engine,
		Logs:        r.logs,
		Destination: r.dest,
		About:       web.AboutInfo{Version: version, Started: r.started, Destination: r.dest},
		Log:         r.log,
	}
	if r.kv != nil {
		kv := r.kv
		opts.Sessions = func(ctx context.Context) (store.Session, bool, error) {
			return store.LastSession(ctx, kv)
		}
	}
	return web.Handler(opts)
}

// Run starts the engine and its consumers, and blocks until ctx is done or
// the web server fails.
func (r *runtime) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	updates := r.engine.Updates()

	// Consumers subscribe before Start so they see the first state.
	if r.conn != nil {
		id, ch := updates.Subscribe(16)
		pub := broker.NewStatePublisher(r.conn, r.topics.State, r.cfg.MQTT.StateInterval, r.log)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer updates.Unsubscribe(id)
			_ = pub.Run(ctx, ch)
		}()
	}
	if r.kv != nil {
		id, ch := updates.Subscribe(16)
		rec := store.NewRecorder(r.kv, r.cfg.Store.FlushInterval, r.log)
		r.log.WithField("session", rec.ID()).Info("recording session")
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer updates.Unsubscribe(id)
			if err := rec.Run(ctx, ch); err != nil {
				r.log.WithError(err).Warn("session recorder stopped")
			}
		}()
	}

	if err := r.engine.Start(ctx); err != nil {
		cancel()
		wg.Wait()
		return err
	}

	var runErr error
	if r.cfg.Web.Enable {
		r.log.WithField("addr", r.cfg.Web.ListenAddr).Info("web ui listening")
		if err := web.Serve(ctx, r.cfg.Web.ListenAddr, r.handler()); err != nil && ctx.Err() == nil {
			runErr = fmt.Errorf("web: %w", err)
		}
	} else {
		<-ctx.Done()
	}

	cancel()
	r.engine.Close()
	wg.Wait()
	return runErr
}

// Close releases every collaborator. Safe to call on a partly built runtime.
func (r *runtime) Close() {
	if r == nil {
		return
	}
	if r.engine != nil {
		r.engine.Close()
	}
	if r.receiver != nil {
		r.receiver.Close()
	}
	if r.i2cMag != nil {
		if err := r.i2cMag.Close(); err != nil {
			r.log.WithError(err).Debug("magnetometer close")
		}
	}
	if r.motor != nil {
		r.motor.Close()
	}
	if r.kv != nil {
		if err := r.kv.Close(); err != nil {
			r.log.WithError(err).Warn("store close failed")
		}
	}
	if r.conn != nil {
		r.conn.Close()
	}
}
