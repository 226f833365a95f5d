package haptic

import (
	"context"
	"fmt"
	"sync"
	"time"
)

var afterFn = time.After

// outputLine is the minimal interface the motor needs from a GPIO backend.
type outputLine interface {
	SetValue(v int) error
	Close() error
}

type MotorConfig struct {
	Enable bool
	// Pin is BCM GPIO numbering.
	Pin int
}

type MotorSnapshot struct {
	Enabled   bool      `json:"enabled"`
	Available bool      `json:"available"`
	Pulses    int       `json:"pulses"`
	Dropped   int       `json:"dropped"`
	LastPulse time.Time `json:"last_pulse_utc,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

// Motor drives a vibration motor through a transistor on a GPIO line.
// Impact never blocks; an impact that arrives while a pulse is running is
// dropped.
type Motor struct {
	cfg MotorConfig

	mu   sync.RWMutex
	snap MotorSnapshot

	lineMu sync.Mutex
	line   outputLine

	pulses chan Style
	wg     sync.WaitGroup

	stopOnce sync.Once
	stopCh   chan struct{}
}

func NewMotor(cfg MotorConfig) *Motor {
	if cfg.Pin == 0 {
		cfg.Pin = 27
	}
	return &Motor{cfg: cfg, pulses: make(chan Style, 1), stopCh: make(chan struct{})}
}

func (m *Motor) Snapshot() MotorSnapshot {
	if m == nil {
		return MotorSnapshot{}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap
}

func (m *Motor) setState(update func(*MotorSnapshot)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	update(&m.snap)
}

func (m *Motor) Start(ctx context.Context) error {
	if m == nil {
		return fmt.Errorf("haptic: motor is nil")
	}
	if !m.cfg.Enable {
		return nil
	}
	m.setState(func(sn *MotorSnapshot) { sn.Enabled = true })

	line, err := openLineFn(m.cfg.Pin)
	if err != nil {
		m.setState(func(sn *MotorSnapshot) { sn.LastError = err.Error() })
		return err
	}
	m.lineMu.Lock()
	m.line = line
	m.lineMu.Unlock()
	m.setState(func(sn *MotorSnapshot) { sn.Available = true })

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run(ctx, line)
	}()

	go func() {
		select {
		case <-ctx.Done():
			m.Close()
		case <-m.stopCh:
		}
	}()
	return nil
}

func (m *Motor) Impact(style Style) {
	if m == nil {
		return
	}
	select {
	case m.pulses <- style:
	default:
		m.setState(func(sn *MotorSnapshot) { sn.Dropped++ })
	}
}

func (m *Motor) run(ctx context.Context, line outputLine) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case style := <-m.pulses:
			if err := line.SetValue(1); err != nil {
				m.setState(func(sn *MotorSnapshot) { sn.LastError = fmt.Sprintf("haptic: set gpio failed: %v", err) })
				continue
			}
			select {
			case <-afterFn(style.Duration()):
			case <-ctx.Done():
			case <-m.stopCh:
			}
			if err := line.SetValue(0); err != nil {
				m.setState(func(sn *MotorSnapshot) { sn.LastError = fmt.Sprintf("haptic: clear gpio failed: %v", err) })
				continue
			}
			m.setState(func(sn *MotorSnapshot) {
				sn.Pulses++
				sn.LastPulse = time.Now().UTC()
				sn.LastError = ""
			})
		}
	}
}

func (m *Motor) Close() {
	if m == nil {
		return
	}
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	m.wg.Wait()

	m.lineMu.Lock()
	line := m.line
	m.line = nil
	m.lineMu.Unlock()
	if line != nil {
		// Leave the motor off.
		_ = line.SetValue(0)
		_ = line.Close()
	}
}
