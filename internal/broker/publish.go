package broker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"

	"qibla-ng/internal/engine"
	"qibla-ng/internal/haptic"
)

type hapticPayload struct {
	Style haptic.Style `json:"style"`
	Time  string       `json:"time"`
}

// HapticTopic forwards impacts to a remote actuator. Impact never blocks;
// the publish runs on its own goroutine.
type HapticTopic struct {
	conn  Conn
	topic string
	log   logrus.FieldLogger
	now   func() time.Time
}

func NewHapticTopic(conn Conn, topic string, log logrus.FieldLogger) *HapticTopic {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &HapticTopic{conn: conn, topic: topic, log: log.WithField("topic", topic), now: time.Now}
}

func (h *HapticTopic) Impact(style haptic.Style) {
	if h == nil || h.conn == nil {
		return
	}
	b, err := json.Marshal(hapticPayload{Style: style, Time: h.now().UTC().Format(time.RFC3339Nano)})
	if err != nil {
		return
	}
	go func() {
		if err := h.conn.Publish(h.topic, false, b); err != nil {
			h.log.WithError(err).Warn("haptic publish failed")
		}
	}()
}

// StatePublisher mirrors engine state to a retained topic. Phase changes,
// pulses and shakes publish immediately; other updates at most once per
// interval.
type StatePublisher struct {
	conn     Conn
	topic    string
	interval time.Duration
	log      logrus.FieldLogger
	now      func() time.Time
}

func NewStatePublisher(conn Conn, topic string, interval time.Duration, log logrus.FieldLogger) *StatePublisher {
	if interval <= 0 {
		interval = time.Second
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &StatePublisher{conn: conn, topic: topic, interval: interval, log: log.WithField("topic", topic), now: time.Now}
}

// Run publishes from updates until ctx is done or updates is closed.
func (p *StatePublisher) Run(ctx context.Context, updates <-chan engine.State) error {
	var (
		have    bool
		prev    engine.State
		lastPub time.Time
	)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case st, ok := <-updates:
			if !ok {
				return nil
			}
			now := p.now()
			event := !have || st.Phase != prev.Phase || st.PulseSeq != prev.PulseSeq ||
				st.ShakeSeq != prev.ShakeSeq || st.Backgrounded != prev.Backgrounded
			if !event && now.Sub(lastPub) < p.interval {
				continue
			}
			b, err := json.Marshal(st)
			if err != nil {
				p.log.WithError(err).Warn("state marshal failed")
				continue
			}
			if err := p.conn.Publish(p.topic, true, b); err != nil {
				p.log.WithError(err).Warn("state publish failed")
				continue
			}
			have = true
			prev = st
			lastPub = now
		}
	}
}
