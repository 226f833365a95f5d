package broker

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"qibla-ng/internal/heading"
	"qibla-ng/internal/qibla"
)

type headingPayload struct {
	TrueHeading *float64 `json:"true_heading"`
	MagHeading  *float64 `json:"mag_heading"`
}

// HeadingTopic is a heading.HeadingService fed by an MQTT topic. The topic
// is subscribed while at least one listener is attached.
type HeadingTopic struct {
	conn      Conn
	topic     string
	log       logrus.FieldLogger
	listeners qibla.Listeners[heading.Reading]
}

func NewHeadingTopic(conn Conn, topic string, log logrus.FieldLogger) *HeadingTopic {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &HeadingTopic{conn: conn, topic: topic, log: log.WithField("topic", topic)}
}

func (h *HeadingTopic) WatchHeading(cb func(heading.Reading)) (qibla.Subscription, error) {
	if h == nil || h.conn == nil {
		return nil, fmt.Errorf("mqtt heading: not connected")
	}
	sub, first := h.listeners.Add(cb, func() { unsubscribe(h.conn, h.topic, h.log) })
	if first {
		if err := h.conn.Subscribe(h.topic, h.handle); err != nil {
			sub.Remove()
			return nil, fmt.Errorf("mqtt subscribe %s: %w", h.topic, err)
		}
	}
	return sub, nil
}

func (h *HeadingTopic) handle(_ string, payload []byte) {
	var p headingPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		h.log.WithError(err).Debug("bad heading payload")
		return
	}
	r := heading.Reading{TrueHeading: -1, MagHeading: -1}
	if p.TrueHeading != nil {
		r.TrueHeading = *p.TrueHeading
	}
	if p.MagHeading != nil {
		r.MagHeading = *p.MagHeading
	}
	h.listeners.Emit(r)
}

// magPayload carries field components in µT×10.
type magPayload struct {
	Mx   int16   `json:"mx"`
	My   int16   `json:"my"`
	Mz   int16   `json:"mz"`
	Norm float64 `json:"norm"`
	Time string  `json:"time"`
}

// MagnetometerTopic is a heading.Magnetometer fed by an MQTT topic.
// Messages arriving faster than the update interval are dropped.
type MagnetometerTopic struct {
	conn      Conn
	topic     string
	log       logrus.FieldLogger
	now       func() time.Time
	interval  atomic.Int64
	lastEmit  atomic.Int64
	listeners qibla.Listeners[heading.Vector]
}

func NewMagnetometerTopic(conn Conn, topic string, log logrus.FieldLogger) *MagnetometerTopic {
	if log == nil {
		log = logrus.StandardLogger()
	}
	m := &MagnetometerTopic{conn: conn, topic: topic, log: log.WithField("topic", topic), now: time.Now}
	m.interval.Store(int64(heading.DefaultMagnetometerInterval))
	return m
}

func (m *MagnetometerTopic) SetUpdateInterval(d time.Duration) {
	if d < 0 {
		d = 0
	}
	m.interval.Store(int64(d))
}

func (m *MagnetometerTopic) AddListener(cb func(heading.Vector)) (qibla.Subscription, error) {
	if m == nil || m.conn == nil {
		return nil, fmt.Errorf("mqtt magnetometer: not connected")
	}
	sub, first := m.listeners.Add(cb, func() { unsubscribe(m.conn, m.topic, m.log) })
	if first {
		m.lastEmit.Store(0)
		if err := m.conn.Subscribe(m.topic, m.handle); err != nil {
			sub.Remove()
			return nil, fmt.Errorf("mqtt subscribe %s: %w", m.topic, err)
		}
	}
	return sub, nil
}

func (m *MagnetometerTopic) handle(_ string, payload []byte) {
	var p magPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		m.log.WithError(err).Debug("bad magnetometer payload")
		return
	}
	now := m.now().UnixNano()
	last := m.lastEmit.Load()
	if last != 0 && now-last < m.interval.Load() {
		return
	}
	m.lastEmit.Store(now)
	m.listeners.Emit(heading.Vector{
		X: float64(p.Mx) / 10,
		Y: float64(p.My) / 10,
		Z: float64(p.Mz) / 10,
	})
}

func unsubscribe(conn Conn, topic string, log logrus.FieldLogger) {
	if err := conn.Unsubscribe(topic); err != nil {
		log.WithError(err).Warn("mqtt unsubscribe failed")
	}
}
