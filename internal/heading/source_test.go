package heading

import (
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"qibla-ng/internal/qibla"
)

type fakeHeadingService struct {
	err error

	mu      sync.Mutex
	cb      func(Reading)
	removed int
}

func (f *fakeHeadingService) WatchHeading(cb func(Reading)) (qibla.Subscription, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.mu.Lock()
	f.cb = cb
	f.mu.Unlock()
	return qibla.NewSubscription(func() {
		f.mu.Lock()
		f.cb = nil
		f.removed++
		f.mu.Unlock()
	}), nil
}

func (f *fakeHeadingService) send(r Reading) {
	f.mu.Lock()
	cb := f.cb
	f.mu.Unlock()
	if cb != nil {
		cb(r)
	}
}

type fakeMagnetometer struct {
	err      error
	interval time.Duration
	ls       qibla.Listeners[Vector]
}

func (f *fakeMagnetometer) SetUpdateInterval(d time.Duration) { f.interval = d }

func (f *fakeMagnetometer) AddListener(cb func(Vector)) (qibla.Subscription, error) {
	if f.err != nil {
		return nil, f.err
	}
	sub, _ := f.ls.Add(cb, nil)
	return sub, nil
}

func quietLogger() logrus.FieldLogger {
	l, _ := test.NewNullLogger()
	return l
}

func TestPlatformSource_PrefersTrueHeading(t *testing.T) {
	svc := &fakeHeadingService{}
	src := NewPlatformSource(svc)

	var got []Sample
	if err := src.Start(func(s Sample) { got = append(got, s) }); err != nil {
		t.Fatalf("Start: %v", err)
	}
	svc.send(Reading{TrueHeading: 370, MagHeading: 5})
	svc.send(Reading{TrueHeading: -1, MagHeading: 42})
	svc.send(Reading{TrueHeading: -1, MagHeading: -1})
	svc.send(Reading{TrueHeading: math.NaN(), MagHeading: 7})

	if len(got) != 3 {
		t.Fatalf("samples=%d want 3", len(got))
	}
	if got[0].HeadingDeg != 10 || got[0].Quality != qibla.QualityExcellent {
		t.Fatalf("true heading sample=%+v", got[0])
	}
	if got[1].HeadingDeg != 42 || got[1].Quality != qibla.QualityGood {
		t.Fatalf("magnetic heading sample=%+v", got[1])
	}
	if got[2].HeadingDeg != 7 || got[2].Source != NamePlatform {
		t.Fatalf("NaN true heading sample=%+v", got[2])
	}

	src.Stop()
	src.Stop()
	if svc.removed != 1 {
		t.Fatalf("removed=%d want 1", svc.removed)
	}
	svc.send(Reading{TrueHeading: 1})
	if len(got) != 3 {
		t.Fatalf("sample delivered after Stop")
	}
}

func TestMagnetometerSource_HeadingFromVector(t *testing.T) {
	mag := &fakeMagnetometer{}
	src := NewMagnetometerSource(mag, 0)

	var got []Sample
	if err := src.Start(func(s Sample) { got = append(got, s) }); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if mag.interval != DefaultMagnetometerInterval {
		t.Fatalf("interval=%v want %v", mag.interval, DefaultMagnetometerInterval)
	}

	mag.ls.Emit(Vector{X: 0, Y: 45, Z: 0})
	mag.ls.Emit(Vector{X: -30, Y: 0, Z: 0})
	mag.ls.Emit(Vector{X: 0, Y: -200, Z: 0})

	if len(got) != 3 {
		t.Fatalf("samples=%d want 3", len(got))
	}
	if math.Abs(got[0].HeadingDeg-90) > 1e-9 || got[0].Quality != qibla.QualityExcellent {
		t.Fatalf("sample0=%+v", got[0])
	}
	if math.Abs(got[1].HeadingDeg-180) > 1e-9 || got[1].Quality != qibla.QualityExcellent {
		t.Fatalf("sample1=%+v", got[1])
	}
	if math.Abs(got[2].HeadingDeg-270) > 1e-9 || got[2].Quality != qibla.QualityInterference {
		t.Fatalf("sample2=%+v", got[2])
	}

	src.Stop()
	if mag.ls.Len() != 0 {
		t.Fatalf("listener still attached after Stop")
	}
}

func TestStart_FallsBackInOrder(t *testing.T) {
	platform := NewPlatformSource(&fakeHeadingService{err: errors.New("no compass")})
	mag := &fakeMagnetometer{}
	magSrc := NewMagnetometerSource(mag, 50*time.Millisecond)

	src, err := Start([]Source{nil, platform, magSrc}, func(Sample) {}, quietLogger())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if src.Name() != NameMagnetometer {
		t.Fatalf("source=%s want magnetometer", src.Name())
	}
	if mag.interval != 50*time.Millisecond {
		t.Fatalf("interval=%v", mag.interval)
	}
}

func TestStart_NoneAvailable(t *testing.T) {
	platform := NewPlatformSource(nil)
	magSrc := NewMagnetometerSource(&fakeMagnetometer{err: errors.New("no device")}, 0)

	_, err := Start([]Source{platform, magSrc}, func(Sample) {}, quietLogger())
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err=%v want ErrUnavailable", err)
	}
	if _, err := Start(nil, nil, quietLogger()); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("empty candidates err=%v", err)
	}
}

func TestStart_LogsFallback(t *testing.T) {
	logger, hook := test.NewNullLogger()
	platform := NewPlatformSource(&fakeHeadingService{err: errors.New("denied")})
	_, _ = Start([]Source{platform, NewMagnetometerSource(&fakeMagnetometer{}, 0)}, nil, logger)

	var sawWarn bool
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel && e.Data["source"] == NamePlatform {
			sawWarn = true
		}
	}
	if !sawWarn {
		t.Fatalf("expected warning for failed platform source")
	}
}
