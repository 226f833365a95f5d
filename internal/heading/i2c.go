package heading

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"qibla-ng/internal/i2c"
	"qibla-ng/internal/qibla"
	"qibla-ng/internal/sensors/icm20948"
)

type I2CConfig struct {
	I2CBus int
	// Addr is the ICM-20948 address; the magnetometer is always at 0x0C.
	Addr uint16
}

type I2CSnapshot struct {
	Detected     bool      `json:"detected"`
	LastVector   Vector    `json:"last_vector_ut"`
	LastUpdateAt time.Time `json:"last_update_utc,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
}

type magReader interface {
	ReadMag() (icm20948.MagSample, error)
	Close() error
}

var openMagFn = func(cfg I2CConfig) (magReader, func() error, error) {
	busPath := fmt.Sprintf("/dev/i2c-%d", cfg.I2CBus)
	bus, err := i2c.Open(busPath)
	if err != nil {
		return nil, nil, err
	}
	dev, err := icm20948.Open(bus, cfg.Addr)
	if err != nil {
		_ = bus.Close()
		return nil, nil, fmt.Errorf("magnetometer init: %w", err)
	}
	return dev, bus.Close, nil
}

// reinit after this many consecutive read failures.
const magReinitAfter = 10

// I2CMagnetometer polls an ICM-20948's AK09916 and fans vectors out to
// listeners. Polling runs only while at least one listener is attached.
type I2CMagnetometer struct {
	cfg I2CConfig
	log logrus.FieldLogger

	ls qibla.Listeners[Vector]

	mu       sync.Mutex
	interval time.Duration
	dev      magReader
	closeBus func() error
	snap     I2CSnapshot
	stopCh   chan struct{}
	resetCh  chan struct{}
	wg       sync.WaitGroup
}

func NewI2CMagnetometer(cfg I2CConfig, log logrus.FieldLogger) *I2CMagnetometer {
	if cfg.I2CBus == 0 {
		cfg.I2CBus = 1
	}
	if cfg.Addr == 0 {
		cfg.Addr = icm20948.DefaultAddress()
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &I2CMagnetometer{
		cfg:      cfg,
		log:      log.WithField("component", "magnetometer"),
		interval: DefaultMagnetometerInterval,
		resetCh:  make(chan struct{}, 1),
	}
}

func (m *I2CMagnetometer) Snapshot() I2CSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap
}

func (m *I2CMagnetometer) SetUpdateInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	m.mu.Lock()
	m.interval = d
	m.mu.Unlock()
	select {
	case m.resetCh <- struct{}{}:
	default:
	}
}

// AddListener opens the device on the first listener. An open failure is
// returned so the caller can fall back to another source.
func (m *I2CMagnetometer) AddListener(cb func(Vector)) (qibla.Subscription, error) {
	if cb == nil {
		return nil, errors.New("heading: nil listener")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dev == nil {
		dev, closeBus, err := openMagFn(m.cfg)
		if err != nil {
			m.snap.LastError = err.Error()
			return nil, err
		}
		m.dev = dev
		m.closeBus = closeBus
		m.snap.Detected = true
		m.snap.LastError = ""
	}
	sub, first := m.ls.Add(cb, m.stop)
	if first && m.stopCh == nil {
		m.stopCh = make(chan struct{})
		m.wg.Add(1)
		go m.run(m.stopCh)
	}
	return sub, nil
}

func (m *I2CMagnetometer) stop() {
	m.mu.Lock()
	ch := m.stopCh
	m.stopCh = nil
	m.mu.Unlock()
	if ch != nil {
		close(ch)
	}
}

// Close stops polling and releases the bus.
func (m *I2CMagnetometer) Close() error {
	if m == nil {
		return nil
	}
	m.stop()
	m.wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	var err error
	if m.dev != nil {
		err = m.dev.Close()
		m.dev = nil
	}
	if m.closeBus != nil {
		if cerr := m.closeBus(); err == nil {
			err = cerr
		}
		m.closeBus = nil
	}
	return err
}

func (m *I2CMagnetometer) currentInterval() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.interval
}

func (m *I2CMagnetometer) run(stopCh chan struct{}) {
	defer m.wg.Done()

	tick := time.NewTicker(m.currentInterval())
	defer tick.Stop()

	failures := 0
	for {
		select {
		case <-stopCh:
			return
		case <-m.resetCh:
			tick.Reset(m.currentInterval())
		case <-tick.C:
			m.mu.Lock()
			dev := m.dev
			m.mu.Unlock()
			if dev == nil {
				continue
			}
			s, err := dev.ReadMag()
			if errors.Is(err, icm20948.ErrNotReady) {
				continue
			}
			if err != nil {
				failures++
				m.setErr(err)
				if failures >= magReinitAfter {
					m.reinit()
					failures = 0
				}
				continue
			}
			failures = 0
			v := Vector{X: s.Mx, Y: s.My, Z: s.Mz}
			m.mu.Lock()
			m.snap.LastVector = v
			m.snap.LastUpdateAt = s.Time.UTC()
			m.snap.LastError = ""
			m.mu.Unlock()
			m.ls.Emit(v)
		}
	}
}

func (m *I2CMagnetometer) setErr(err error) {
	m.mu.Lock()
	m.snap.LastError = err.Error()
	m.mu.Unlock()
}

func (m *I2CMagnetometer) reinit() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dev != nil {
		_ = m.dev.Close()
		m.dev = nil
	}
	if m.closeBus != nil {
		_ = m.closeBus()
		m.closeBus = nil
	}
	dev, closeBus, err := openMagFn(m.cfg)
	if err != nil {
		m.snap.LastError = fmt.Sprintf("reinit: %v", err)
		m.log.WithError(err).Warn("magnetometer reinit failed")
		return
	}
	m.dev = dev
	m.closeBus = closeBus
	m.log.Info("magnetometer reinitialized")
}
