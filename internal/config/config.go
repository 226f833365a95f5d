package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Engine   EngineConfig   `yaml:"engine"`
	Location LocationConfig `yaml:"location"`
	Heading  HeadingConfig  `yaml:"heading"`
	Haptic   HapticConfig   `yaml:"haptic"`
	Sim      SimConfig      `yaml:"sim"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Web      WebConfig      `yaml:"web"`
	Store    StoreConfig    `yaml:"store"`
	Log      LogConfig      `yaml:"log"`
}

type LatLon struct {
	Lat float64 `yaml:"lat"`
	Lon float64 `yaml:"lon"`
}

func (p LatLon) valid() bool {
	return p.Lat >= -90 && p.Lat <= 90 && p.Lon >= -180 && p.Lon <= 180
}

type EngineConfig struct {
	AlignThresholdDeg  float64       `yaml:"align_threshold_deg"`
	FeedbackDebounce   time.Duration `yaml:"feedback_debounce"`
	SensorTimeout      time.Duration `yaml:"sensor_timeout"`
	RecenterStaleAfter time.Duration `yaml:"recenter_stale_after"`
	FixTimeout         time.Duration `yaml:"fix_timeout"`
	FixAccuracy        string        `yaml:"fix_accuracy"`
	MaxRetries         int           `yaml:"max_retries"`
	RetryBackoff       time.Duration `yaml:"retry_backoff"`
	WatchInterval      time.Duration `yaml:"watch_interval"`
	WatchDistanceM     float64       `yaml:"watch_distance_m"`
	// Destination overrides the Kaaba; mainly for testing in the field.
	Destination *LatLon `yaml:"destination"`
}

type LocationConfig struct {
	// Source is one of: static, nmea, gpsd, sim.
	Source        string        `yaml:"source"`
	Static        LatLon        `yaml:"static"`
	Device        string        `yaml:"device"`
	Baud          int           `yaml:"baud"`
	GPSDAddr      string        `yaml:"gpsd_addr"`
	FixStaleAfter time.Duration `yaml:"fix_stale_after"`
}

type HeadingConfig struct {
	// Platform is where computed headings come from: mqtt, sim or none.
	Platform string `yaml:"platform"`
	// Magnetometer is where raw field vectors come from: i2c, mqtt, sim or none.
	Magnetometer string        `yaml:"magnetometer"`
	Interval     time.Duration `yaml:"interval"`
	I2CBus       int           `yaml:"i2c_bus"`
	I2CAddr      uint16        `yaml:"i2c_addr"`
}

type HapticConfig struct {
	Style   string `yaml:"style"`
	GPIO    bool   `yaml:"gpio"`
	GPIOPin int    `yaml:"gpio_pin"`
	// MQTT also publishes impacts to <prefix>/haptic.
	MQTT bool `yaml:"mqtt"`
}

type SimConfig struct {
	Center        LatLon        `yaml:"center"`
	RadiusM       float64       `yaml:"radius_m"`
	Period        time.Duration `yaml:"period"`
	DenyLocation  bool          `yaml:"deny_location"`
	FailFixes     int           `yaml:"fail_fixes"`
	StartDeg      float64       `yaml:"start_deg"`
	RateDegPerSec float64       `yaml:"rate_deg_per_sec"`
	FieldUT       float64       `yaml:"field_ut"`
	NoTrueNorth   bool          `yaml:"no_true_north"`
	Scenario      string        `yaml:"scenario"`
	Loop          bool          `yaml:"loop"`
}

type MQTTConfig struct {
	Enable        bool          `yaml:"enable"`
	Broker        string        `yaml:"broker"`
	ClientID      string        `yaml:"client_id"`
	Username      string        `yaml:"username"`
	Password      string        `yaml:"password"`
	TopicPrefix   string        `yaml:"topic_prefix"`
	StateInterval time.Duration `yaml:"state_interval"`
}

type WebConfig struct {
	Enable     bool   `yaml:"enable"`
	ListenAddr string `yaml:"listen_addr"`
	LogLines   int    `yaml:"log_lines"`
}

type StoreConfig struct {
	Enable        bool          `yaml:"enable"`
	Path          string        `yaml:"path"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(b)
}

func Parse(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := DefaultAndValidate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// DefaultAndValidate fills zero values with defaults and rejects invalid
// settings. Engine timing zeros are left for the engine to default.
func DefaultAndValidate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	e := &cfg.Engine
	if e.AlignThresholdDeg < 0 || e.AlignThresholdDeg >= 180 {
		return fmt.Errorf("engine.align_threshold_deg must be in [0,180)")
	}
	if e.MaxRetries < 0 {
		return fmt.Errorf("engine.max_retries must be >= 0")
	}
	for name, d := range map[string]time.Duration{
		"feedback_debounce":    e.FeedbackDebounce,
		"sensor_timeout":       e.SensorTimeout,
		"recenter_stale_after": e.RecenterStaleAfter,
		"fix_timeout":          e.FixTimeout,
		"retry_backoff":        e.RetryBackoff,
		"watch_interval":       e.WatchInterval,
	} {
		if d < 0 {
			return fmt.Errorf("engine.%s must be >= 0", name)
		}
	}
	switch e.FixAccuracy = strings.ToLower(strings.TrimSpace(e.FixAccuracy)); e.FixAccuracy {
	case "":
		e.FixAccuracy = "balanced"
	case "low", "balanced", "high":
	default:
		return fmt.Errorf("engine.fix_accuracy must be one of: low, balanced, high")
	}
	if e.Destination != nil && !e.Destination.valid() {
		return fmt.Errorf("engine.destination is out of range")
	}

	l := &cfg.Location
	switch l.Source = strings.ToLower(strings.TrimSpace(l.Source)); l.Source {
	case "":
		l.Source = "sim"
	case "static":
		if !l.Static.valid() {
			return fmt.Errorf("location.static is out of range")
		}
	case "nmea":
		if l.Baud == 0 {
			l.Baud = 9600
		}
	case "gpsd":
		if strings.TrimSpace(l.GPSDAddr) == "" {
			l.GPSDAddr = "127.0.0.1:2947"
		}
	case "sim":
	default:
		return fmt.Errorf("location.source must be one of: static, nmea, gpsd, sim")
	}
	if l.FixStaleAfter <= 0 {
		l.FixStaleAfter = 3 * time.Second
	}

	h := &cfg.Heading
	h.Platform = strings.ToLower(strings.TrimSpace(h.Platform))
	h.Magnetometer = strings.ToLower(strings.TrimSpace(h.Magnetometer))
	if h.Platform == "" && h.Magnetometer == "" {
		h.Platform, h.Magnetometer = "sim", "sim"
	}
	if h.Platform == "" {
		h.Platform = "none"
	}
	if h.Magnetometer == "" {
		h.Magnetometer = "none"
	}
	switch h.Platform {
	case "mqtt", "sim", "none":
	default:
		return fmt.Errorf("heading.platform must be one of: mqtt, sim, none")
	}
	switch h.Magnetometer {
	case "i2c", "mqtt", "sim", "none":
	default:
		return fmt.Errorf("heading.magnetometer must be one of: i2c, mqtt, sim, none")
	}
	if h.Interval < 0 {
		return fmt.Errorf("heading.interval must be >= 0")
	}
	if h.Interval == 0 {
		h.Interval = 100 * time.Millisecond
	}
	if h.I2CBus == 0 {
		h.I2CBus = 1
	}
	if h.I2CAddr == 0 {
		h.I2CAddr = 0x68
	}
	if (h.Platform == "mqtt" || h.Magnetometer == "mqtt") && !cfg.MQTT.Enable {
		return fmt.Errorf("heading uses mqtt but mqtt.enable is false")
	}

	hp := &cfg.Haptic
	switch hp.Style = strings.ToLower(strings.TrimSpace(hp.Style)); hp.Style {
	case "":
		hp.Style = "medium"
	case "light", "medium", "heavy":
	default:
		return fmt.Errorf("haptic.style must be one of: light, medium, heavy")
	}
	if hp.GPIOPin == 0 {
		hp.GPIOPin = 27
	}
	if hp.GPIOPin < 0 {
		return fmt.Errorf("haptic.gpio_pin must be >= 0")
	}
	if hp.MQTT && !cfg.MQTT.Enable {
		return fmt.Errorf("haptic.mqtt requires mqtt.enable")
	}

	s := &cfg.Sim
	if s.Center == (LatLon{}) {
		s.Center = LatLon{Lat: 51.5074, Lon: -0.1278}
	}
	if !s.Center.valid() {
		return fmt.Errorf("sim.center is out of range")
	}
	if s.RadiusM < 0 {
		return fmt.Errorf("sim.radius_m must be >= 0")
	}
	if s.RadiusM == 0 {
		s.RadiusM = 25
	}
	if s.Period <= 0 {
		s.Period = 120 * time.Second
	}
	if s.FailFixes < 0 {
		return fmt.Errorf("sim.fail_fixes must be >= 0")
	}
	if s.RateDegPerSec == 0 && s.Scenario == "" {
		s.RateDegPerSec = 6
	}
	if s.FieldUT < 0 {
		return fmt.Errorf("sim.field_ut must be >= 0")
	}

	m := &cfg.MQTT
	if m.Enable && strings.TrimSpace(m.Broker) == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt.enable is true")
	}
	if m.ClientID == "" {
		m.ClientID = "qibla-ng"
	}
	if m.TopicPrefix == "" {
		m.TopicPrefix = "qibla"
	}
	if m.StateInterval <= 0 {
		m.StateInterval = time.Second
	}

	w := &cfg.Web
	if w.ListenAddr == "" {
		w.ListenAddr = ":8080"
	}
	if w.LogLines <= 0 {
		w.LogLines = 2000
	}

	st := &cfg.Store
	if st.Enable && strings.TrimSpace(st.Path) == "" {
		st.Path = "qibla-ng.db"
	}
	if st.FlushInterval <= 0 {
		st.FlushInterval = 10 * time.Second
	}

	lg := &cfg.Log
	switch lg.Level = strings.ToLower(strings.TrimSpace(lg.Level)); lg.Level {
	case "":
		lg.Level = "info"
	case "trace", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log.level must be one of: trace, debug, info, warn, error")
	}
	switch lg.Format = strings.ToLower(strings.TrimSpace(lg.Format)); lg.Format {
	case "":
		lg.Format = "text"
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be one of: text, json")
	}
	return nil
}
