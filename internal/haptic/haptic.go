// Package haptic drives the short vibration pulse fired when the device
// comes into alignment.
package haptic

import (
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

type Style string

const (
	StyleLight  Style = "light"
	StyleMedium Style = "medium"
	StyleHeavy  Style = "heavy"
)

func ParseStyle(s string) (Style, error) {
	switch st := Style(strings.ToLower(strings.TrimSpace(s))); st {
	case StyleLight, StyleMedium, StyleHeavy:
		return st, nil
	case "":
		return StyleMedium, nil
	default:
		return "", fmt.Errorf("haptic: unknown style %q", s)
	}
}

// Duration is how long the motor runs for one impact of this style.
func (s Style) Duration() time.Duration {
	switch s {
	case StyleLight:
		return 15 * time.Millisecond
	case StyleHeavy:
		return 60 * time.Millisecond
	default:
		return 30 * time.Millisecond
	}
}

// Feedback fires one impact. Implementations must not block the caller.
type Feedback interface {
	Impact(style Style)
}

// Log records impacts when no actuator is fitted.
type Log struct {
	L logrus.FieldLogger
}

func (l Log) Impact(style Style) {
	if l.L == nil {
		return
	}
	l.L.WithField("style", style).Debug("haptic impact")
}

// Tee fans one impact out to several backends.
type Tee []Feedback

func (t Tee) Impact(style Style) {
	for _, f := range t {
		if f != nil {
			f.Impact(style)
		}
	}
}
