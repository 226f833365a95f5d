//go:build !linux

package i2c

import "errors"

var errUnsupported = errors.New("i2c: only supported on linux")

type Bus struct{}

type Dev struct{}

func Open(string) (*Bus, error) { return nil, errUnsupported }

func (*Bus) Close() error    { return nil }
func (*Bus) Dev(uint16) *Dev { return &Dev{} }

func (*Dev) ReadReg(byte, []byte) error   { return errUnsupported }
func (*Dev) ReadRegU8(byte) (byte, error) { return 0, errUnsupported }
func (*Dev) WriteReg(byte, byte) error    { return errUnsupported }
