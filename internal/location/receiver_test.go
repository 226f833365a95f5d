package location

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	nmea "github.com/adrianmo/go-nmea"
	"github.com/sirupsen/logrus/hooks/test"

	"qibla-ng/internal/qibla"
)

func nmeaLine(payload string) string {
	ck := byte(0)
	for i := 0; i < len(payload); i++ {
		ck ^= payload[i]
	}
	return fmt.Sprintf("$%s*%02X", payload, ck)
}

const (
	rmcMunich = "GPRMC,123519,A,4807.038,N,01131.000,E,022.4,084.4,230394,003.1,W"
	ggaMunich = "GPGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,"
)

func TestNMEAState_RMCAndGGA(t *testing.T) {
	st := &nmeaState{device: "/dev/ttyACM0", baud: 9600}
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	sent, err := nmea.Parse(nmeaLine(rmcMunich))
	if err != nil {
		t.Fatalf("parse rmc: %v", err)
	}
	if !st.apply(now, sent) {
		t.Fatalf("expected update")
	}
	snap := st.snapshot()
	if !snap.Valid {
		t.Fatalf("expected valid")
	}
	if math.Abs(snap.LatDeg-48.1173) > 1e-4 || math.Abs(snap.LonDeg-11.516667) > 1e-4 {
		t.Fatalf("lat=%v lon=%v", snap.LatDeg, snap.LonDeg)
	}

	sent, err = nmea.Parse(nmeaLine(ggaMunich))
	if err != nil {
		t.Fatalf("parse gga: %v", err)
	}
	st.apply(now, sent)
	snap = st.snapshot()
	if snap.Satellites == nil || *snap.Satellites != 8 {
		t.Fatalf("satellites=%v", snap.Satellites)
	}
	if snap.HDOP == nil || math.Abs(*snap.HDOP-0.9) > 1e-9 {
		t.Fatalf("hdop=%v", snap.HDOP)
	}
}

func TestNMEAState_VoidRMCInvalidates(t *testing.T) {
	st := &nmeaState{}
	now := time.Now().UTC()
	good, _ := nmea.Parse(nmeaLine(rmcMunich))
	st.apply(now, good)
	void, err := nmea.Parse(nmeaLine("GPRMC,123520,V,4807.038,N,01131.000,E,022.4,084.4,230394,003.1,W"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !st.apply(now, void) {
		t.Fatalf("expected update on loss of fix")
	}
	if st.snapshot().Valid {
		t.Fatalf("expected invalid after void RMC")
	}
}

func TestGPSDState_TPVUpdatesFix(t *testing.T) {
	st := newGPSDState("127.0.0.1:2947")
	line := `{"class":"TPV","mode":3,"time":"2026-01-01T12:00:00.000Z","lat":21.4,"lon":39.8,"eph":4.2}`
	updated, err := st.applyLine(time.Now().UTC(), line)
	if err != nil || !updated {
		t.Fatalf("updated=%v err=%v", updated, err)
	}
	snap := st.snapshot()
	if !snap.Valid || snap.LatDeg != 21.4 || snap.LonDeg != 39.8 {
		t.Fatalf("snap=%+v", snap)
	}
	if snap.HorizAccM == nil || math.Abs(*snap.HorizAccM-4.2) > 1e-9 {
		t.Fatalf("horiz_acc_m=%v", snap.HorizAccM)
	}
	if snap.LastFixUTC != "2026-01-01T12:00:00Z" {
		t.Fatalf("last_fix_utc=%q", snap.LastFixUTC)
	}

	updated, err = st.applyLine(time.Now().UTC(), `{"class":"TPV","mode":1}`)
	if err != nil || !updated || st.snapshot().Valid {
		t.Fatalf("mode 1 should invalidate: updated=%v err=%v", updated, err)
	}
	if _, err := st.applyLine(time.Now().UTC(), "{not json"); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestGPSDState_SKYUpdatesSatsAndHDOP(t *testing.T) {
	st := newGPSDState("")
	line := `{"class":"SKY","hdop":0.9,"satellites":[{"used":true},{"used":false},{"used":true}]}`
	if updated, err := st.applyLine(time.Now().UTC(), line); err != nil || !updated {
		t.Fatalf("updated=%v err=%v", updated, err)
	}
	snap := st.snapshot()
	if snap.Satellites == nil || *snap.Satellites != 2 {
		t.Fatalf("satellites=%v", snap.Satellites)
	}
}

type pipeSerial struct {
	*io.PipeReader
}

func (p pipeSerial) Write(b []byte) (int, error) { return len(b), nil }

func TestReceiver_NMEAEndToEnd(t *testing.T) {
	pr, pw := io.Pipe()
	old := openSerialFn
	openSerialFn = func(path string, baud int) (io.ReadWriteCloser, error) {
		if path != "/dev/ttyTEST" || baud != 9600 {
			t.Errorf("path=%s baud=%d", path, baud)
		}
		return pipeSerial{pr}, nil
	}
	t.Cleanup(func() { openSerialFn = old })

	logger, _ := test.NewNullLogger()
	r := NewReceiver(ReceiverConfig{Device: "/dev/ttyTEST"}, logger)

	if _, err := r.CurrentPosition(context.Background(), AccuracyHigh); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("err=%v want ErrNotStarted", err)
	}
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer r.Close()

	watched := make(chan qibla.GeoPosition, 4)
	sub, err := r.WatchPosition(WatchOptions{MinInterval: time.Hour, MinDistanceM: 3}, func(p qibla.GeoPosition) {
		watched <- p
	})
	if err != nil {
		t.Fatalf("WatchPosition: %v", err)
	}
	defer sub.Remove()

	go func() {
		_, _ = fmt.Fprintf(pw, "garbage\r\n%s\r\n%s\r\n", nmeaLine(rmcMunich), nmeaLine(rmcMunich))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	pos, err := r.CurrentPosition(ctx, AccuracyHigh)
	if err != nil {
		t.Fatalf("CurrentPosition: %v", err)
	}
	if math.Abs(pos.Lat-48.1173) > 1e-4 {
		t.Fatalf("pos=%v", pos)
	}

	select {
	case p := <-watched:
		if math.Abs(p.Lng-11.516667) > 1e-4 {
			t.Fatalf("watched=%v", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for watch")
	}

	snap := r.Snapshot()
	if !snap.Valid || snap.Device != "/dev/ttyTEST" || snap.Source != "nmea" {
		t.Fatalf("snap=%+v", snap)
	}
}

func TestReceiver_CurrentPositionTimesOut(t *testing.T) {
	pr, _ := io.Pipe()
	old := openSerialFn
	openSerialFn = func(string, int) (io.ReadWriteCloser, error) { return pipeSerial{pr}, nil }
	t.Cleanup(func() { openSerialFn = old })

	logger, _ := test.NewNullLogger()
	r := NewReceiver(ReceiverConfig{Device: "/dev/ttyTEST"}, logger)
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := r.CurrentPosition(ctx, AccuracyBalanced)
	if !errors.Is(err, ErrNoFix) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err=%v", err)
	}
}

func TestReceiver_GPSDEndToEnd(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 256)
		_, _ = conn.Read(buf) // ?WATCH
		_, _ = fmt.Fprintf(conn, "{\"class\":\"VERSION\"}\n{\"class\":\"TPV\",\"mode\":2,\"lat\":-6.2,\"lon\":106.8167}\n")
		time.Sleep(500 * time.Millisecond)
	}()

	logger, _ := test.NewNullLogger()
	r := NewReceiver(ReceiverConfig{Source: "GPSD", GPSDAddr: ln.Addr().String()}, logger)
	if ok, err := r.RequestForegroundPermission(context.Background()); !ok || err != nil {
		t.Fatalf("gpsd permission ok=%v err=%v", ok, err)
	}
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	pos, err := r.CurrentPosition(ctx, AccuracyLow)
	if err != nil {
		t.Fatalf("CurrentPosition: %v", err)
	}
	if pos.Lat != -6.2 || pos.Lng != 106.8167 {
		t.Fatalf("pos=%v", pos)
	}
}

func TestReceiver_PermissionChecksDevice(t *testing.T) {
	dir := t.TempDir()
	dev := filepath.Join(dir, "ttyACM0")
	if err := os.WriteFile(dev, nil, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	logger, _ := test.NewNullLogger()

	r := NewReceiver(ReceiverConfig{Device: dev}, logger)
	if ok, err := r.RequestForegroundPermission(context.Background()); !ok || err != nil {
		t.Fatalf("ok=%v err=%v", ok, err)
	}

	missing := NewReceiver(ReceiverConfig{Device: filepath.Join(dir, "nope")}, logger)
	if ok, err := missing.RequestForegroundPermission(context.Background()); ok || err == nil {
		t.Fatalf("missing device ok=%v err=%v", ok, err)
	}
}

func TestReceiver_UnknownSource(t *testing.T) {
	logger, _ := test.NewNullLogger()
	r := NewReceiver(ReceiverConfig{Source: "carrier-pigeon"}, logger)
	if err := r.Start(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
}

func TestReconnectBackoff_DoublesAndCaps(t *testing.T) {
	b := reconnectBackoff{min: time.Millisecond, max: 4 * time.Millisecond}
	want := []time.Duration{2 * time.Millisecond, 4 * time.Millisecond, 4 * time.Millisecond}
	for i, w := range want {
		if !b.wait(context.Background()) {
			t.Fatalf("wait %d returned false", i)
		}
		if b.next != w {
			t.Fatalf("after wait %d: next=%s want=%s", i, b.next, w)
		}
	}
	b.reset()
	if b.next != time.Millisecond {
		t.Fatalf("reset: next=%s", b.next)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	b = reconnectBackoff{min: time.Hour, max: time.Hour}
	if b.wait(ctx) {
		t.Fatalf("expected false on cancelled ctx")
	}
}
