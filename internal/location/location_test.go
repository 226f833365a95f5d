package location

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"qibla-ng/internal/qibla"
)

func TestFilter_FirstIntervalDistance(t *testing.T) {
	f := NewFilter(WatchOptions{MinInterval: 5 * time.Second, MinDistanceM: 3})
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p0 := qibla.GeoPosition{Lat: 21.0, Lng: 39.0}

	if !f.Accept(p0, t0) {
		t.Fatalf("first fix must pass")
	}
	// ~111 m north, but too soon.
	far := qibla.GeoPosition{Lat: 21.001, Lng: 39.0}
	if f.Accept(far, t0.Add(2*time.Second)) {
		t.Fatalf("accepted before MinInterval")
	}
	// ~1.1 m north, late enough but too close.
	near := qibla.GeoPosition{Lat: 21.00001, Lng: 39.0}
	if f.Accept(near, t0.Add(6*time.Second)) {
		t.Fatalf("accepted below MinDistanceM")
	}
	if !f.Accept(far, t0.Add(6*time.Second)) {
		t.Fatalf("expected accept after interval and distance")
	}
	if f.Accept(qibla.GeoPosition{Lat: 95, Lng: 0}, t0.Add(time.Hour)) {
		t.Fatalf("accepted invalid position")
	}
}

func TestStatic_PermissionAndPosition(t *testing.T) {
	pos := qibla.GeoPosition{Lat: 51.5074, Lng: -0.1278}
	s, err := NewStatic(pos, true)
	if err != nil {
		t.Fatalf("NewStatic: %v", err)
	}
	ok, err := s.RequestForegroundPermission(context.Background())
	if err != nil || !ok {
		t.Fatalf("permission ok=%v err=%v", ok, err)
	}
	got, err := s.CurrentPosition(context.Background(), AccuracyHigh)
	if err != nil || got != pos {
		t.Fatalf("got=%v err=%v", got, err)
	}

	denied, _ := NewStatic(pos, false)
	if ok, _ := denied.RequestForegroundPermission(context.Background()); ok {
		t.Fatalf("expected denied")
	}
	if _, err := denied.CurrentPosition(context.Background(), AccuracyHigh); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("err=%v want ErrPermissionDenied", err)
	}

	if _, err := NewStatic(qibla.GeoPosition{Lat: 100}, true); err == nil {
		t.Fatalf("expected invalid position error")
	}
}

func TestStatic_WatchEmitsOnce(t *testing.T) {
	tick := make(chan time.Time)
	old := newTicker
	newTicker = func(time.Duration) (<-chan time.Time, func()) { return tick, func() {} }
	t.Cleanup(func() { newTicker = old })

	pos := qibla.GeoPosition{Lat: 21.4, Lng: 39.8}
	s, _ := NewStatic(pos, true)

	var mu sync.Mutex
	n := 0
	got := make(chan struct{}, 4)
	sub, err := s.WatchPosition(WatchOptions{MinInterval: time.Second, MinDistanceM: 3}, func(p qibla.GeoPosition) {
		mu.Lock()
		n++
		mu.Unlock()
		got <- struct{}{}
	})
	if err != nil {
		t.Fatalf("WatchPosition: %v", err)
	}
	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for first position")
	}
	// Stationary: later ticks are filtered by distance.
	tick <- time.Now().Add(10 * time.Second)
	tick <- time.Now().Add(20 * time.Second)
	sub.Remove()
	sub.Remove()

	mu.Lock()
	defer mu.Unlock()
	if n != 1 {
		t.Fatalf("emits=%d want 1", n)
	}
}

func TestPoll_EmitsOnMovement(t *testing.T) {
	tick := make(chan time.Time)
	old := newTicker
	newTicker = func(time.Duration) (<-chan time.Time, func()) { return tick, func() {} }
	t.Cleanup(func() { newTicker = old })

	var mu sync.Mutex
	lat := 10.0
	get := func() (qibla.GeoPosition, bool) {
		mu.Lock()
		defer mu.Unlock()
		return qibla.GeoPosition{Lat: lat, Lng: 20}, true
	}
	got := make(chan qibla.GeoPosition, 4)
	sub := Poll(time.Second, get, WatchOptions{MinDistanceM: 3}, func(p qibla.GeoPosition) { got <- p })
	defer sub.Remove()

	first := <-got
	if first.Lat != 10 {
		t.Fatalf("first=%v", first)
	}
	mu.Lock()
	lat = 10.001
	mu.Unlock()
	tick <- time.Now()
	select {
	case p := <-got:
		if p.Lat != 10.001 {
			t.Fatalf("moved=%v", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for moved position")
	}
}

func TestPoll_FirstTickPassesMinInterval(t *testing.T) {
	const interval = 100 * time.Millisecond
	tick := make(chan time.Time)
	created := make(chan time.Time, 1)
	old := newTicker
	newTicker = func(time.Duration) (<-chan time.Time, func()) {
		created <- time.Now()
		return tick, func() {}
	}
	t.Cleanup(func() { newTicker = old })

	var mu sync.Mutex
	lat := 10.0
	get := func() (qibla.GeoPosition, bool) {
		mu.Lock()
		defer mu.Unlock()
		return qibla.GeoPosition{Lat: lat, Lng: 20}, true
	}
	got := make(chan qibla.GeoPosition, 4)
	opts := WatchOptions{MinInterval: interval, MinDistanceM: 3}
	sub := Poll(interval, get, opts, func(p qibla.GeoPosition) { got <- p })
	defer sub.Remove()

	startedAt := <-created
	<-got

	mu.Lock()
	lat = 10.01
	mu.Unlock()
	// A real ticker stamps its first tick with the scheduled fire time.
	tick <- startedAt.Add(interval)
	select {
	case p := <-got:
		if p.Lat != 10.01 {
			t.Fatalf("got=%v want lat 10.01", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("first tick was filtered out")
	}
}
