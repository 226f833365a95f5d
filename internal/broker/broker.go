// Package broker connects the engine's collaborators to an MQTT broker:
// heading and magnetometer streams come in, haptic impacts and engine
// state go out.
package broker

import (
	"errors"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

type Config struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	ConnectTimeout time.Duration
}

// Conn is the subset of an MQTT client the topic adapters use.
type Conn interface {
	Publish(topic string, retained bool, payload []byte) error
	Subscribe(topic string, cb func(topic string, payload []byte)) error
	Unsubscribe(topic string) error
	Close()
}

var errTimeout = errors.New("mqtt: operation timed out")

type pahoConn struct {
	c       mqtt.Client
	timeout time.Duration
}

// Connect dials the broker and waits for the session to come up. The client
// reconnects on its own after that.
func Connect(cfg Config, log logrus.FieldLogger) (Conn, error) {
	if strings.TrimSpace(cfg.Broker) == "" {
		return nil, fmt.Errorf("mqtt: broker address is required")
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "qibla-ng"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	log = log.WithFields(logrus.Fields{"component": "mqtt", "broker": cfg.Broker})

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetMaxReconnectInterval(10 * time.Second).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.WithError(err).Warn("connection lost")
		}).
		SetOnConnectHandler(func(mqtt.Client) {
			log.Info("connected")
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := mqtt.NewClient(opts)
	p := &pahoConn{c: client, timeout: cfg.ConnectTimeout}
	if err := p.wait(client.Connect()); err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", cfg.Broker, err)
	}
	return p, nil
}

func (p *pahoConn) wait(t mqtt.Token) error {
	if !t.WaitTimeout(p.timeout) {
		return errTimeout
	}
	return t.Error()
}

func (p *pahoConn) Publish(topic string, retained bool, payload []byte) error {
	return p.wait(p.c.Publish(topic, 0, retained, payload))
}

func (p *pahoConn) Subscribe(topic string, cb func(topic string, payload []byte)) error {
	return p.wait(p.c.Subscribe(topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
		cb(msg.Topic(), msg.Payload())
	}))
}

func (p *pahoConn) Unsubscribe(topic string) error {
	return p.wait(p.c.Unsubscribe(topic))
}

func (p *pahoConn) Close() {
	p.c.Disconnect(250)
}

// Topics are the topic names used under a common prefix.
type Topics struct {
	Heading string
	Mag     string
	Haptic  string
	State   string
}

func TopicsFor(prefix string) Topics {
	prefix = strings.TrimRight(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		prefix = "qibla"
	}
	return Topics{
		Heading: prefix + "/heading",
		Mag:     prefix + "/mag",
		Haptic:  prefix + "/haptic",
		State:   prefix + "/state",
	}
}
