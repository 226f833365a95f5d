//go:build !linux || (!arm && !arm64)

package haptic

import "errors"

var openLineFn = func(int) (outputLine, error) {
	return nil, errors.New("haptic: gpio needs linux on arm")
}
