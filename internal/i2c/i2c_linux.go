//go:build linux

// Package i2c is a minimal register-level client for /dev/i2c-N character
// devices.
package i2c

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// From linux/i2c-dev.h and linux/i2c.h.
const (
	ioctlRDWR = 0x0707
	flagRead  = 0x0001
)

// i2cMsg mirrors struct i2c_msg.
type i2cMsg struct {
	addr  uint16
	flags uint16
	len   uint16
	buf   uintptr
}

// i2cRdwrIoctlData mirrors struct i2c_rdwr_ioctl_data.
type i2cRdwrIoctlData struct {
	msgs  uintptr
	nmsgs uint32
}

var errClosed = errors.New("i2c: bus closed")

// Bus is an open adapter. Transfers from any number of Devs are serialized.
type Bus struct {
	path string

	mu sync.Mutex
	f  *os.File
}

func Open(path string) (*Bus, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("i2c: %w", err)
	}
	return &Bus{path: path, f: f}, nil
}

// Close is idempotent.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.f == nil {
		return nil
	}
	f := b.f
	b.f = nil
	return f.Close()
}

// Dev returns a handle for the 7-bit address addr.
func (b *Bus) Dev(addr uint16) *Dev {
	return &Dev{bus: b, addr: addr}
}

// transfer runs an optional write followed by an optional read as one
// combined transaction, so a register pointer write and the read that
// follows it are separated by a repeated start rather than a stop.
func (b *Bus) transfer(addr uint16, w, r []byte) error {
	if addr == 0 || addr > 0x7F {
		return fmt.Errorf("i2c: invalid i2c addr 0x%X", addr)
	}
	var msgs [2]i2cMsg
	n := 0
	if len(w) > 0 {
		msgs[n] = i2cMsg{addr: addr, len: uint16(len(w)), buf: uintptr(unsafe.Pointer(&w[0]))}
		n++
	}
	if len(r) > 0 {
		msgs[n] = i2cMsg{addr: addr, flags: flagRead, len: uint16(len(r)), buf: uintptr(unsafe.Pointer(&r[0]))}
		n++
	}
	if n == 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.f == nil {
		return errClosed
	}
	data := i2cRdwrIoctlData{msgs: uintptr(unsafe.Pointer(&msgs[0])), nmsgs: uint32(n)}
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, b.f.Fd(), ioctlRDWR, uintptr(unsafe.Pointer(&data))); errno != 0 {
		return fmt.Errorf("i2c: 0x%02X on %s: %w", addr, b.path, errno)
	}
	return nil
}

// Dev is one peripheral on a Bus.
type Dev struct {
	bus  *Bus
	addr uint16
}

// ReadReg fills dst starting at register reg.
func (d *Dev) ReadReg(reg byte, dst []byte) error {
	return d.bus.transfer(d.addr, []byte{reg}, dst)
}

func (d *Dev) ReadRegU8(reg byte) (byte, error) {
	var v [1]byte
	err := d.ReadReg(reg, v[:])
	return v[0], err
}

func (d *Dev) WriteReg(reg, value byte) error {
	return d.bus.transfer(d.addr, []byte{reg, value}, nil)
}
