package heading

import (
	"errors"
	"sync"
	"testing"
	"time"

	"qibla-ng/internal/sensors/icm20948"
)

type fakeMagReader struct {
	mu     sync.Mutex
	sample icm20948.MagSample
	err    error
	closed bool
}

func (f *fakeMagReader) ReadMag() (icm20948.MagSample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sample, f.err
}

func (f *fakeMagReader) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func withOpenMag(t *testing.T, fn func(I2CConfig) (magReader, func() error, error)) {
	t.Helper()
	old := openMagFn
	openMagFn = fn
	t.Cleanup(func() { openMagFn = old })
}

func TestI2CMagnetometer_DeliversVectors(t *testing.T) {
	dev := &fakeMagReader{sample: icm20948.MagSample{Time: time.Now(), Mx: 30, My: 0, Mz: -20}}
	busClosed := false
	withOpenMag(t, func(cfg I2CConfig) (magReader, func() error, error) {
		if cfg.I2CBus != 1 || cfg.Addr != icm20948.DefaultAddress() {
			t.Errorf("cfg=%+v", cfg)
		}
		return dev, func() error { busClosed = true; return nil }, nil
	})

	m := NewI2CMagnetometer(I2CConfig{}, quietLogger())
	m.SetUpdateInterval(5 * time.Millisecond)

	got := make(chan Vector, 16)
	sub, err := m.AddListener(func(v Vector) {
		select {
		case got <- v:
		default:
		}
	})
	if err != nil {
		t.Fatalf("AddListener: %v", err)
	}

	select {
	case v := <-got:
		if v.X != 30 || v.Z != -20 {
			t.Fatalf("vector=%+v", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for vector")
	}
	if !m.Snapshot().Detected {
		t.Fatalf("expected detected")
	}

	sub.Remove()
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !dev.closed || !busClosed {
		t.Fatalf("expected device and bus closed")
	}
}

func TestI2CMagnetometer_OpenFailure(t *testing.T) {
	withOpenMag(t, func(I2CConfig) (magReader, func() error, error) {
		return nil, nil, errors.New("open /dev/i2c-1: no such file")
	})
	m := NewI2CMagnetometer(I2CConfig{}, quietLogger())
	if _, err := m.AddListener(func(Vector) {}); err == nil {
		t.Fatalf("expected error")
	}
	if m.Snapshot().LastError == "" {
		t.Fatalf("expected last error")
	}

	src := NewMagnetometerSource(m, 0)
	if _, err := Start([]Source{src}, nil, quietLogger()); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err=%v want ErrUnavailable", err)
	}
}

func TestI2CMagnetometer_NotReadyIsSilent(t *testing.T) {
	dev := &fakeMagReader{err: icm20948.ErrNotReady}
	withOpenMag(t, func(I2CConfig) (magReader, func() error, error) {
		return dev, func() error { return nil }, nil
	})
	m := NewI2CMagnetometer(I2CConfig{}, quietLogger())
	m.SetUpdateInterval(2 * time.Millisecond)
	sub, err := m.AddListener(func(Vector) { t.Errorf("unexpected vector") })
	if err != nil {
		t.Fatalf("AddListener: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	sub.Remove()
	_ = m.Close()
	if m.Snapshot().LastError != "" {
		t.Fatalf("not-ready should not set an error: %q", m.Snapshot().LastError)
	}
}
