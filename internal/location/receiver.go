package location

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	nmea "github.com/adrianmo/go-nmea"
	"github.com/sirupsen/logrus"

	"qibla-ng/internal/qibla"
)

// ReceiverConfig controls the GNSS receiver.
//
// Device may be empty to auto-detect /dev/ttyACM* and /dev/ttyUSB*.
type ReceiverConfig struct {
	// Source is "nmea" (direct serial) or "gpsd". Empty means "nmea".
	Source string

	// GPSDAddr is host:port for gpsd when Source=="gpsd".
	GPSDAddr string

	Device string
	Baud   int

	// FixStaleAfter marks the fix stale in snapshots once it is this old.
	FixStaleAfter time.Duration
}

type Snapshot struct {
	Enabled  bool `json:"enabled"`
	Valid    bool `json:"valid"`
	FixStale bool `json:"fix_stale"`

	Source   string `json:"source,omitempty"`
	GPSDAddr string `json:"gpsd_addr,omitempty"`
	Device   string `json:"device,omitempty"`
	Baud     int    `json:"baud,omitempty"`

	LatDeg     float64  `json:"lat_deg,omitempty"`
	LonDeg     float64  `json:"lon_deg,omitempty"`
	Satellites *int     `json:"satellites,omitempty"`
	HDOP       *float64 `json:"hdop,omitempty"`
	HorizAccM  *float64 `json:"horiz_acc_m,omitempty"`
	FixAgeSec  float64  `json:"fix_age_sec,omitempty"`

	LastFixUTC string `json:"last_fix_utc,omitempty"`
	LastError  string `json:"last_error,omitempty"`

	lastFix time.Time
}

// Fix is one valid position report.
type Fix struct {
	Position qibla.GeoPosition
	At       time.Time
}

var openSerialFn = openSerial

// Receiver reads a GNSS receiver and implements Service.
type Receiver struct {
	cfg ReceiverConfig
	log logrus.FieldLogger

	cancel context.CancelFunc
	wg     sync.WaitGroup

	last  atomic.Value // Snapshot
	fixes qibla.Listeners[Fix]

	mu     sync.Mutex
	closer io.Closer
}

func NewReceiver(cfg ReceiverConfig, log logrus.FieldLogger) *Receiver {
	cfg.Source = normalizeSource(cfg.Source)
	cfg.GPSDAddr = strings.TrimSpace(cfg.GPSDAddr)
	cfg.Device = strings.TrimSpace(cfg.Device)
	if cfg.Baud == 0 {
		cfg.Baud = 9600
	}
	if cfg.FixStaleAfter <= 0 {
		cfg.FixStaleAfter = 3 * time.Second
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	r := &Receiver{cfg: cfg, log: log.WithField("component", "location")}
	r.last.Store(Snapshot{Source: cfg.Source, GPSDAddr: cfg.GPSDAddr, Device: cfg.Device, Baud: cfg.Baud})
	return r
}

func normalizeSource(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return "nmea"
	}
	return s
}

func (r *Receiver) Start(ctx context.Context) error {
	if r == nil {
		return fmt.Errorf("location receiver is nil")
	}
	if ctx == nil {
		return fmt.Errorf("ctx is nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return nil
	}

	switch r.cfg.Source {
	case "gpsd":
		return r.startGPSDLocked(ctx)
	case "nmea":
		return r.startNMEALocked(ctx)
	default:
		return fmt.Errorf("location: unknown source %q", r.cfg.Source)
	}
}

func (r *Receiver) device() string {
	if r.cfg.Device != "" {
		return r.cfg.Device
	}
	return autoDetectDevice()
}

func (r *Receiver) startNMEALocked(ctx context.Context) error {
	device := r.device()
	if device == "" {
		r.setErrorLocked("gps auto-detect failed: no /dev/ttyACM* or /dev/ttyUSB* found")
		return fmt.Errorf("location: gps auto-detect failed")
	}
	baud := r.cfg.Baud

	port, err := openSerialFn(device, baud)
	if err != nil {
		r.setErrorLocked(fmt.Sprintf("gps open failed device=%s baud=%d: %v", device, baud, err))
		return fmt.Errorf("location: open %s: %w", device, err)
	}
	r.closer = port

	childCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	r.last.Store(Snapshot{Enabled: true, Source: "nmea", Device: device, Baud: baud})
	r.log.WithFields(logrus.Fields{"device": device, "baud": baud}).Info("gps enabled")

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() { _ = port.Close() }()

		st := &nmeaState{device: device, baud: baud}
		err := scanLines(childCtx, port, 4096, func(line string) {
			// Some receivers include non-NMEA chatter.
			if !strings.HasPrefix(line, "$") {
				return
			}
			sent, perr := nmea.Parse(line)
			if perr != nil {
				r.setError(perr.Error())
				return
			}
			if st.apply(time.Now().UTC(), sent) {
				r.publish(st.snapshot())
			}
		})
		if err != nil && childCtx.Err() == nil {
			r.setError(fmt.Sprintf("gps read stopped: %v", err))
			r.log.WithError(err).Warn("gps read stopped")
		}
	}()
	return nil
}

func (r *Receiver) startGPSDLocked(ctx context.Context) error {
	addr := r.cfg.GPSDAddr
	if addr == "" {
		addr = gpsdDefaultAddr
	}

	childCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	r.last.Store(Snapshot{Enabled: true, Source: "gpsd", GPSDAddr: addr, Device: "gpsd"})
	r.log.WithField("addr", addr).Info("gps enabled source=gpsd")

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		st := newGPSDState(addr)
		bo := reconnectBackoff{min: 250 * time.Millisecond, max: 10 * time.Second}

		for childCtx.Err() == nil {
			conn, err := openGPSD(childCtx, addr)
			if err != nil {
				r.setError(fmt.Sprintf("gpsd dial failed addr=%s: %v", addr, err))
				if !bo.wait(childCtx) {
					return
				}
				continue
			}
			bo.reset()

			r.mu.Lock()
			// Close() interrupts an active connection through this.
			r.closer = conn
			r.mu.Unlock()

			err = scanLines(childCtx, conn, 256*1024, func(line string) {
				updated, perr := st.applyLine(time.Now().UTC(), line)
				if perr != nil {
					r.setError(perr.Error())
					return
				}
				if updated {
					r.publish(st.snapshot())
				}
			})
			_ = conn.Close()
			if err != nil && childCtx.Err() == nil {
				r.setError(fmt.Sprintf("gpsd read stopped: %v", err))
			}
		}
	}()
	return nil
}

// reconnectBackoff doubles from min up to max between failed attempts.
type reconnectBackoff struct {
	min, max time.Duration
	next     time.Duration
}

// wait sleeps for the current delay and reports false if ctx ended first.
func (b *reconnectBackoff) wait(ctx context.Context) bool {
	if b.next < b.min {
		b.next = b.min
	}
	t := time.NewTimer(b.next)
	defer t.Stop()
	if b.next *= 2; b.next > b.max {
		b.next = b.max
	}
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (b *reconnectBackoff) reset() { b.next = b.min }

// scanLines feeds trimmed, non-empty lines to fn until EOF, error or ctx.
func scanLines(ctx context.Context, rd io.Reader, maxLine int, fn func(string)) error {
	sc := bufio.NewScanner(rd)
	sc.Buffer(make([]byte, 0, 256), maxLine)
	for sc.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		fn(line)
	}
	if err := sc.Err(); err != nil {
		return err
	}
	return io.EOF
}

// publish stores snap and notifies fix listeners when it carries a new fix.
func (r *Receiver) publish(snap Snapshot) {
	prev := r.Snapshot()
	r.last.Store(snap)
	if !snap.Valid || snap.lastFix.IsZero() || snap.lastFix.Equal(prev.lastFix) {
		return
	}
	r.fixes.Emit(Fix{Position: qibla.GeoPosition{Lat: snap.LatDeg, Lng: snap.LonDeg}, At: snap.lastFix})
}

func (r *Receiver) Close() {
	if r == nil {
		return
	}
	r.mu.Lock()
	cancel := r.cancel
	closer := r.closer
	r.cancel = nil
	r.closer = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if closer != nil {
		_ = closer.Close()
	}
	r.wg.Wait()
}

func (r *Receiver) Snapshot() Snapshot {
	if r == nil {
		return Snapshot{}
	}
	v := r.last.Load()
	if v == nil {
		return Snapshot{}
	}
	snap := v.(Snapshot)
	if snap.Valid && !snap.lastFix.IsZero() {
		age := time.Since(snap.lastFix)
		snap.FixAgeSec = age.Seconds()
		snap.FixStale = age > r.cfg.FixStaleAfter
	}
	return snap
}

func (r *Receiver) setError(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.setErrorLocked(msg)
}

func (r *Receiver) setErrorLocked(msg string) {
	cur, _ := r.last.Load().(Snapshot)
	cur.LastError = msg
	// Transient parse issues don't flip validity.
	r.last.Store(cur)
}

func (r *Receiver) started() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancel != nil
}

// RequestForegroundPermission checks that the process may use the receiver.
// For a serial device that is read/write access to the tty.
func (r *Receiver) RequestForegroundPermission(ctx context.Context) (bool, error) {
	if r.cfg.Source == "gpsd" {
		return true, nil
	}
	device := r.device()
	if device == "" {
		return false, fmt.Errorf("location: no gps device found")
	}
	return checkDeviceAccess(device)
}

func (r *Receiver) CurrentPosition(ctx context.Context, acc Accuracy) (qibla.GeoPosition, error) {
	if !r.started() {
		return qibla.GeoPosition{}, ErrNotStarted
	}
	// Subscribe before looking at the cached fix so a fix landing in
	// between is not lost.
	ch := make(chan Fix, 1)
	sub, _ := r.fixes.Add(func(f Fix) {
		select {
		case ch <- f:
		default:
		}
	}, nil)
	defer sub.Remove()

	if snap := r.Snapshot(); snap.Valid && time.Since(snap.lastFix) <= acc.maxFixAge() {
		return qibla.GeoPosition{Lat: snap.LatDeg, Lng: snap.LonDeg}, nil
	}

	select {
	case f := <-ch:
		return f.Position, nil
	case <-ctx.Done():
		return qibla.GeoPosition{}, fmt.Errorf("%w: %w", ErrNoFix, ctx.Err())
	}
}

func (r *Receiver) WatchPosition(opts WatchOptions, cb func(qibla.GeoPosition)) (qibla.Subscription, error) {
	if !r.started() {
		return nil, ErrNotStarted
	}
	if cb == nil {
		return nil, fmt.Errorf("location: nil watch callback")
	}
	var mu sync.Mutex
	f := NewFilter(opts)
	sub, _ := r.fixes.Add(func(fix Fix) {
		mu.Lock()
		ok := f.Accept(fix.Position, fix.At)
		mu.Unlock()
		if ok {
			cb(fix.Position)
		}
	}, nil)
	return sub, nil
}

func autoDetectDevice() string {
	candidates := []string{}
	for i := 0; i < 10; i++ {
		candidates = append(candidates, fmt.Sprintf("/dev/ttyACM%d", i))
	}
	for i := 0; i < 10; i++ {
		candidates = append(candidates, fmt.Sprintf("/dev/ttyUSB%d", i))
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}
