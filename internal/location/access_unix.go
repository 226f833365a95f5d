//go:build unix

package location

import (
	"errors"

	"golang.org/x/sys/unix"
)

// checkDeviceAccess reports whether the process may read and write path.
// Lack of permission is a denial, not an error.
func checkDeviceAccess(path string) (bool, error) {
	err := unix.Access(path, unix.R_OK|unix.W_OK)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, unix.EACCES), errors.Is(err, unix.EPERM):
		return false, nil
	default:
		return false, err
	}
}
