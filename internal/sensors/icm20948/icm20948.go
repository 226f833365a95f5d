package icm20948

import (
	"errors"
	"fmt"
	"time"

	"qibla-ng/internal/i2c"
)

var sleep = time.Sleep

// Driver for the AK09916 magnetometer inside an ICM-20948.
//
// The AK09916 sits behind the ICM's auxiliary I2C master. We disable the
// master and enable bypass so the magnetometer shows up directly on the host
// bus at 0x0C, then run it in continuous 100 Hz mode.

const (
	addrDefault = 0x68
	addrMag     = 0x0C

	regWhoAmI  = 0x00
	whoAmIVal  = 0xEA
	regBankSel = 0x7F

	// ICM bank 0.
	regUserCtrl  = 0x03
	bitI2CMstEn  = 0x20
	regPwrMgmt1  = 0x06
	bitReset     = 0x80
	regIntPinCfg = 0x0F
	bitBypassEn  = 0x02

	// AK09916.
	regMagWIA2  = 0x01
	magWIA2Val  = 0x09
	regMagST1   = 0x10
	bitMagDRDY  = 0x01
	regMagHXL   = 0x11 // HXL..HZH, TMPS, ST2
	regMagCNTL2 = 0x31
	regMagCNTL3 = 0x32
	bitMagSRST  = 0x01
	bitMagHOFL  = 0x08

	magModeCont100Hz = 0x08

	// µT per LSB.
	magScale = 0.15
)

// ErrNotReady means no new magnetometer sample was available.
var ErrNotReady = errors.New("icm20948: magnetometer data not ready")

// ErrOverflow means the AK09916 reported magnetic sensor overflow.
var ErrOverflow = errors.New("icm20948: magnetometer overflow")

type MagSample struct {
	Time time.Time
	// Field in µT.
	Mx, My, Mz float64
}

type Device struct {
	icm regIO
	mag regIO

	curBank byte
}

type regIO interface {
	ReadRegU8(reg byte) (byte, error)
	ReadReg(reg byte, dst []byte) error
	WriteReg(reg, value byte) error
}

func DefaultAddress() uint16 { return addrDefault }

// MagAddress is the AK09916 address once bypass is enabled.
func MagAddress() uint16 { return addrMag }

// Open probes the ICM-20948 on bus and brings up its magnetometer.
func Open(bus *i2c.Bus, addr uint16) (*Device, error) {
	if bus == nil {
		return nil, fmt.Errorf("icm20948: bus is nil")
	}
	if addr == 0 {
		addr = addrDefault
	}
	icm := bus.Dev(addr)
	mag := bus.Dev(addrMag)
	if icm == nil || mag == nil {
		return nil, fmt.Errorf("icm20948: dev is nil")
	}
	return newWithIO(icm, mag)
}

func newWithIO(icm, mag regIO) (*Device, error) {
	if icm == nil || mag == nil {
		return nil, fmt.Errorf("icm20948: dev is nil")
	}
	d := &Device{icm: icm, mag: mag, curBank: 0xFF}

	who, err := d.icm.ReadRegU8(regWhoAmI)
	if err != nil {
		return nil, fmt.Errorf("icm20948: whoami read failed: %w", err)
	}
	if who != whoAmIVal {
		return nil, fmt.Errorf("icm20948: whoami=0x%02X want 0x%02X", who, whoAmIVal)
	}

	if err := d.init(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Device) init() error {
	if err := d.setBank(0); err != nil {
		return err
	}

	if err := d.icm.WriteReg(regPwrMgmt1, bitReset); err != nil {
		return fmt.Errorf("icm20948: reset failed: %w", err)
	}
	sleep(100 * time.Millisecond)
	// Reset puts the bank select back to 0.
	d.curBank = 0

	// Wake with auto clock select.
	if err := d.icm.WriteReg(regPwrMgmt1, 0x01); err != nil {
		return fmt.Errorf("icm20948: wake failed: %w", err)
	}
	sleep(10 * time.Millisecond)

	if err := d.icm.WriteReg(regUserCtrl, 0x00); err != nil {
		return fmt.Errorf("icm20948: disable i2c master failed: %w", err)
	}
	if err := d.icm.WriteReg(regIntPinCfg, bitBypassEn); err != nil {
		return fmt.Errorf("icm20948: enable bypass failed: %w", err)
	}
	sleep(10 * time.Millisecond)

	wia, err := d.mag.ReadRegU8(regMagWIA2)
	if err != nil {
		return fmt.Errorf("icm20948: magnetometer probe failed: %w", err)
	}
	if wia != magWIA2Val {
		return fmt.Errorf("icm20948: ak09916 wia2=0x%02X want 0x%02X", wia, magWIA2Val)
	}

	if err := d.mag.WriteReg(regMagCNTL3, bitMagSRST); err != nil {
		return fmt.Errorf("icm20948: magnetometer reset failed: %w", err)
	}
	sleep(10 * time.Millisecond)
	if err := d.mag.WriteReg(regMagCNTL2, magModeCont100Hz); err != nil {
		return fmt.Errorf("icm20948: magnetometer mode failed: %w", err)
	}
	sleep(10 * time.Millisecond)
	return nil
}

func (d *Device) setBank(bank byte) error {
	if d.curBank == bank {
		return nil
	}
	if err := d.icm.WriteReg(regBankSel, bank<<4); err != nil {
		return fmt.Errorf("icm20948: set bank %d failed: %w", bank, err)
	}
	d.curBank = bank
	return nil
}

// ReadMag returns the latest field vector. It returns ErrNotReady when the
// sensor has nothing new since the previous read.
func (d *Device) ReadMag() (MagSample, error) {
	if d == nil {
		return MagSample{}, fmt.Errorf("icm20948: device is nil")
	}
	st1, err := d.mag.ReadRegU8(regMagST1)
	if err != nil {
		return MagSample{}, fmt.Errorf("icm20948: read st1 failed: %w", err)
	}
	if st1&bitMagDRDY == 0 {
		return MagSample{}, ErrNotReady
	}

	// Reading through ST2 releases the data registers for the next sample.
	buf := make([]byte, 8)
	if err := d.mag.ReadReg(regMagHXL, buf); err != nil {
		return MagSample{}, fmt.Errorf("icm20948: read magnetometer failed: %w", err)
	}
	if buf[7]&bitMagHOFL != 0 {
		return MagSample{}, ErrOverflow
	}

	mx := int16(buf[1])<<8 | int16(buf[0])
	my := int16(buf[3])<<8 | int16(buf[2])
	mz := int16(buf[5])<<8 | int16(buf[4])

	return MagSample{
		Time: time.Now(),
		Mx:   float64(mx) * magScale,
		My:   float64(my) * magScale,
		Mz:   float64(mz) * magScale,
	}, nil
}

// Close puts the magnetometer into power-down mode.
func (d *Device) Close() error {
	if d == nil || d.mag == nil {
		return nil
	}
	return d.mag.WriteReg(regMagCNTL2, 0x00)
}
