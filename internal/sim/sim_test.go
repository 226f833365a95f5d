package sim

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"qibla-ng/internal/heading"
	"qibla-ng/internal/location"
	"qibla-ng/internal/qibla"
)

func TestWalker_PositionStaysWithinRadius(t *testing.T) {
	w, err := NewWalker(WalkerConfig{
		Center:  qibla.GeoPosition{Lat: 45.0, Lng: -122.0},
		RadiusM: 500,
		Period:  60 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewWalker: %v", err)
	}

	base := time.Date(2025, 12, 20, 19, 0, 0, 0, time.UTC)
	for i := 0; i < 60; i++ {
		p := w.PositionAt(base.Add(time.Duration(i) * time.Second))
		if !p.Valid() {
			t.Fatalf("invalid position %v", p)
		}
		if d := qibla.DistanceM(p, w.cfg.Center); d > 500*1.01 {
			t.Fatalf("t=%ds distance=%.1f want <= 500", i, d)
		}
	}
}

func TestWalker_PositionDeterministicForNow(t *testing.T) {
	w, _ := NewWalker(WalkerConfig{Center: qibla.GeoPosition{Lat: 1, Lng: 2}, RadiusM: 200})
	now := time.Date(2025, 12, 20, 19, 0, 0, 123, time.UTC)
	if w.PositionAt(now) != w.PositionAt(now) {
		t.Fatalf("expected deterministic result for same now")
	}
}

func TestNewWalker_RejectsBadCentre(t *testing.T) {
	if _, err := NewWalker(WalkerConfig{Center: qibla.GeoPosition{Lat: 95}}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestWalker_FailFixesThenSucceeds(t *testing.T) {
	w, _ := NewWalker(WalkerConfig{Center: qibla.GeoPosition{Lat: 21, Lng: 39}, FailFixes: 2})
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := w.CurrentPosition(ctx, location.AccuracyBalanced); !errors.Is(err, location.ErrNoFix) {
			t.Fatalf("attempt %d err=%v want ErrNoFix", i, err)
		}
	}
	p, err := w.CurrentPosition(ctx, location.AccuracyBalanced)
	if err != nil || p != (qibla.GeoPosition{Lat: 21, Lng: 39}) {
		t.Fatalf("p=%v err=%v", p, err)
	}
}

func TestWalker_Denied(t *testing.T) {
	w, _ := NewWalker(WalkerConfig{Center: qibla.GeoPosition{Lat: 21, Lng: 39}, Denied: true})
	granted, err := w.RequestForegroundPermission(context.Background())
	if granted || err != nil {
		t.Fatalf("granted=%v err=%v", granted, err)
	}
	if _, err := w.WatchPosition(location.WatchOptions{}, func(qibla.GeoPosition) {}); !errors.Is(err, location.ErrPermissionDenied) {
		t.Fatalf("err=%v", err)
	}
}

func TestWalker_WatchDeliversFirstPosition(t *testing.T) {
	w, _ := NewWalker(WalkerConfig{Center: qibla.GeoPosition{Lat: 21, Lng: 39}})
	got := make(chan qibla.GeoPosition, 1)
	sub, err := w.WatchPosition(location.WatchOptions{MinInterval: time.Hour}, func(p qibla.GeoPosition) {
		select {
		case got <- p:
		default:
		}
	})
	if err != nil {
		t.Fatalf("WatchPosition: %v", err)
	}
	defer sub.Remove()
	select {
	case p := <-got:
		if p != (qibla.GeoPosition{Lat: 21, Lng: 39}) {
			t.Fatalf("p=%v", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no position")
	}
}

func TestCompass_SweepAt(t *testing.T) {
	c := NewCompass(CompassConfig{StartDeg: 350, RateDegPerSec: 10})
	h, field := c.At(c.start.Add(2 * time.Second))
	if math.Abs(h-10) > 1e-9 || field != DefaultFieldUT {
		t.Fatalf("h=%v field=%v", h, field)
	}
}

func TestCompass_DrivesBothSourceKinds(t *testing.T) {
	c := NewCompass(CompassConfig{StartDeg: 120, NoTrueNorth: true, FieldUT: 200})

	var mu sync.Mutex
	var samples []heading.Sample
	onSample := func(s heading.Sample) {
		mu.Lock()
		samples = append(samples, s)
		mu.Unlock()
	}
	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(samples)
	}

	plat := heading.NewPlatformSource(c)
	if err := plat.Start(onSample); err != nil {
		t.Fatalf("platform Start: %v", err)
	}
	mag := heading.NewMagnetometerSource(c, 5*time.Millisecond)
	if err := mag.Start(onSample); err != nil {
		t.Fatalf("magnetometer Start: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for count() < 4 {
		if time.Now().After(deadline) {
			t.Fatalf("samples=%d", count())
		}
		time.Sleep(2 * time.Millisecond)
	}
	plat.Stop()
	mag.Stop()

	mu.Lock()
	defer mu.Unlock()
	for _, s := range samples {
		if math.Abs(s.HeadingDeg-120) > 1e-6 {
			t.Fatalf("sample=%+v", s)
		}
		switch s.Source {
		case heading.NamePlatform:
			if s.Quality != qibla.QualityGood {
				t.Fatalf("platform quality=%s", s.Quality)
			}
		case heading.NameMagnetometer:
			if s.Quality != qibla.QualityInterference {
				t.Fatalf("magnetometer quality=%s", s.Quality)
			}
		}
	}

	c.mu.Lock()
	running := c.stopCh != nil
	c.mu.Unlock()
	if running {
		t.Fatalf("loop still running with no listeners")
	}
}

func TestCompass_Unavailable(t *testing.T) {
	c := NewCompass(CompassConfig{PlatformUnavailable: true, MagUnavailable: true})
	src, err := heading.Start([]heading.Source{
		heading.NewPlatformSource(c),
		heading.NewMagnetometerSource(c, 0),
	}, func(heading.Sample) {}, nil)
	if src != nil || !errors.Is(err, heading.ErrUnavailable) {
		t.Fatalf("src=%v err=%v", src, err)
	}
}

func TestScenario_ParseAndInterpolateAngleWrap(t *testing.T) {
	yaml := []byte(`
version: 1
# duration derived from last keyframe
keyframes:
  - t: 0s
    lat_deg: 0
    lon_deg: 0
    heading_deg: 350
    field_ut: 40
  - t: 10s
    lat_deg: 10
    lon_deg: 20
    heading_deg: 10
    field_ut: 60
`)

	script, err := ParseScenarioScriptYAML(yaml)
	if err != nil {
		t.Fatalf("ParseScenarioScriptYAML: %v", err)
	}
	scn, err := NewScenario(script)
	if err != nil {
		t.Fatalf("NewScenario: %v", err)
	}
	if scn.Duration() != 10*time.Second {
		t.Fatalf("duration: got %s want %s", scn.Duration(), 10*time.Second)
	}

	st := scn.StateAt(5*time.Second, false)
	if st.HeadingDeg != 0 {
		t.Fatalf("heading wrap interpolation: got %v want 0", st.HeadingDeg)
	}
	if st.Position.Lat != 5 || st.Position.Lng != 10 {
		t.Fatalf("position interpolation: got %v", st.Position)
	}
	if st.FieldUT != 50 {
		t.Fatalf("field interpolation: got %v want 50", st.FieldUT)
	}

	if got := scn.StateAt(25*time.Second, true).Position.Lat; got != 5 {
		t.Fatalf("loop: got %v want 5", got)
	}
	if got := scn.StateAt(25*time.Second, false).Position.Lat; got != 10 {
		t.Fatalf("clamp: got %v want 10", got)
	}
}

func TestScenario_Validation(t *testing.T) {
	cases := []ScenarioScript{
		{Version: 2, Keyframes: []Keyframe{{}}},
		{},
		{Keyframes: []Keyframe{{T: 2 * time.Second}, {T: time.Second}}},
		{Keyframes: []Keyframe{{LatDeg: 91}}},
		{Keyframes: []Keyframe{{FieldUT: -1}}},
	}
	for i, sc := range cases {
		if _, err := NewScenario(sc); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
}

func TestScenario_DrivesWalkerAndCompass(t *testing.T) {
	scn, err := NewScenario(ScenarioScript{Keyframes: []Keyframe{
		{T: 0, LatDeg: 21, LonDeg: 39, HeadingDeg: 40},
		{T: 10 * time.Second, LatDeg: 21, LonDeg: 39, HeadingDeg: 80},
	}})
	if err != nil {
		t.Fatalf("NewScenario: %v", err)
	}
	w, err := NewWalker(WalkerConfig{Scenario: scn})
	if err != nil {
		t.Fatalf("NewWalker: %v", err)
	}
	if p := w.PositionAt(w.start.Add(time.Second)); p != (qibla.GeoPosition{Lat: 21, Lng: 39}) {
		t.Fatalf("p=%v", p)
	}
	c := NewCompass(CompassConfig{Scenario: scn})
	if h, field := c.At(c.start.Add(5 * time.Second)); math.Abs(h-60) > 1e-9 || field != DefaultFieldUT {
		t.Fatalf("h=%v field=%v", h, field)
	}
}

func TestLoadScenarioScript_Example(t *testing.T) {
	script, err := LoadScenarioScript("../../configs/scenarios/makkah-approach.yaml")
	if err != nil {
		t.Fatalf("LoadScenarioScript: %v", err)
	}
	scn, err := NewScenario(script)
	if err != nil {
		t.Fatalf("NewScenario: %v", err)
	}
	if scn.Duration() != 60*time.Second {
		t.Fatalf("duration=%s", scn.Duration())
	}
	st := scn.StateAt(27500*time.Millisecond, false)
	if st.FieldUT <= 45 || st.FieldUT >= 130 {
		t.Fatalf("field=%v want between clean and interference", st.FieldUT)
	}
	if got := scn.StateAt(45*time.Second, false).HeadingDeg; math.Abs(got-61) > 1e-9 {
		t.Fatalf("heading=%v want 61", got)
	}
}
