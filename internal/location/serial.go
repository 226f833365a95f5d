package location

import (
	"fmt"
	"io"

	"github.com/jacobsa/go-serial/serial"
)

func openSerial(path string, baud int) (io.ReadWriteCloser, error) {
	switch baud {
	case 4800, 9600, 19200, 38400, 57600, 115200:
	default:
		return nil, fmt.Errorf("unsupported baud %d", baud)
	}
	return serial.Open(serial.OpenOptions{
		PortName:        path,
		BaudRate:        uint(baud),
		DataBits:        8,
		StopBits:        1,
		ParityMode:      serial.PARITY_NONE,
		MinimumReadSize: 1,
		// Return from reads after 1s of silence so Close can interrupt.
		InterCharacterTimeout: 1000,
	})
}
