//go:build linux && (arm || arm64)

package haptic

import (
	"fmt"

	"github.com/warthog618/go-gpiocdev"
)

const gpioConsumer = "qibla-ng-haptic"

// openLine requests BCM pin as an output, initially low. The line is
// looked up by its "GPIO<n>" name on every chip, which also covers Pi 5
// kernels where the header is not on gpiochip0; if no chip names its lines
// the pin is used as an offset on gpiochip0.
func openLine(pin int) (outputLine, error) {
	if pin <= 0 {
		return nil, fmt.Errorf("haptic: invalid gpio pin %d", pin)
	}
	chip, offset, err := gpiocdev.FindLine(fmt.Sprintf("GPIO%d", pin))
	if err != nil {
		chip, offset = "gpiochip0", pin
	}
	l, err := gpiocdev.RequestLine(chip, offset, gpiocdev.AsOutput(0), gpiocdev.WithConsumer(gpioConsumer))
	if err != nil {
		return nil, fmt.Errorf("haptic: request %s:%d: %w", chip, offset, err)
	}
	return l, nil
}

var openLineFn = openLine
