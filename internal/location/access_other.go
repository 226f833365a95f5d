//go:build !unix

package location

import "os"

func checkDeviceAccess(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsPermission(err) {
			return false, nil
		}
		return false, err
	}
	_ = f.Close()
	return true, nil
}
