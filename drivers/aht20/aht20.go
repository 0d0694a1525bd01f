// Package aht20 provides a driver for the AHT20 temperature/humidity sensor.
// Read performs a full measurement cycle: trigger, then bounded polling until
// the conversion completes. Readings are exposed in milli-units so they plug
// into the same consumers as the DS3231 die sensor.
//
// NOTE: I2C.Tx MUST perform a write followed by a repeated-start read when
// both w and r are provided, without releasing the bus.
package aht20

import (
	"errors"
	"time"

	"tinygo.org/x/drivers"
)

// Address is the sensor's fixed I2C address.
const Address = 0x38

// Commands and status bits (per datasheet).
const (
	cmdTrigger    = 0xAC
	cmdInitialize = 0xBE
	cmdSoftReset  = 0xBA
	cmdStatus     = 0x71

	statusBusy       = 0x80
	statusCalibrated = 0x08
)

// Errors returned by the driver.
var (
	ErrTimeout  = errors.New("aht20: timeout")
	ErrNotReady = errors.New("aht20: not ready")
)

// Config controls measurement timing. All fields are optional.
type Config struct {
	// Address defaults to 0x38 if zero.
	Address uint16
	// PollInterval is the wait between readiness checks. Default 15 ms.
	PollInterval time.Duration
	// CollectTimeout bounds the total wait in Read. Default 250 ms.
	CollectTimeout time.Duration
}

// Device wraps an I2C connection to an AHT20 sensor.
type Device struct {
	bus  drivers.I2C
	addr uint16
	cfg  Config

	rawHumidity uint32
	rawTemp     uint32
}

// New creates a new AHT20 connection. The I2C bus must already be configured.
func New(bus drivers.I2C) Device {
	return Device{bus: bus, addr: Address}
}

// Configure applies optional overrides and initialises the sensor if its
// calibration bit is not yet set.
func (d *Device) Configure(cfg Config) {
	if cfg.Address != 0 {
		d.addr = cfg.Address
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 15 * time.Millisecond
	}
	if cfg.CollectTimeout <= 0 {
		cfg.CollectTimeout = 250 * time.Millisecond
	}
	d.cfg = cfg

	st, err := d.status()
	if err == nil && st&statusCalibrated != 0 {
		return
	}
	// Tolerate sensors that do not ACK the init immediately.
	_ = d.bus.Tx(d.addr, []byte{cmdInitialize, 0x08, 0x00}, nil)
	time.Sleep(10 * time.Millisecond)
}

// Reset issues a soft reset. Give the sensor ~20ms afterwards before use.
func (d *Device) Reset() {
	_ = d.bus.Tx(d.addr, []byte{cmdSoftReset}, nil)
}

func (d *Device) status() (byte, error) {
	data := []byte{0}
	if err := d.bus.Tx(d.addr, []byte{cmdStatus}, data); err != nil {
		return 0, err
	}
	return data[0], nil
}

func (d *Device) collect() error {
	var data [7]byte
	if err := d.bus.Tx(d.addr, nil, data[:]); err != nil {
		return err
	}
	if data[0]&statusCalibrated == 0 || data[0]&statusBusy != 0 {
		return ErrNotReady
	}
	d.rawHumidity = (uint32(data[1]) << 12) | (uint32(data[2]) << 4) | (uint32(data[3]) >> 4)
	d.rawTemp = (uint32(data[3]&0x0F) << 16) | (uint32(data[4]) << 8) | uint32(data[5])
	return nil
}

// Read performs one full measurement cycle.
func (d *Device) Read() error {
	if err := d.bus.Tx(d.addr, []byte{cmdTrigger, 0x33, 0x00}, nil); err != nil {
		return err
	}
	deadline := time.Now().Add(d.cfg.CollectTimeout)
	for {
		err := d.collect()
		switch {
		case err == nil:
			return nil
		case errors.Is(err, ErrNotReady):
			if time.Now().After(deadline) {
				return ErrTimeout
			}
			time.Sleep(d.cfg.PollInterval)
		default:
			return err
		}
	}
}

// MilliCelsius returns the last sampled temperature in milli-degrees Celsius.
func (d *Device) MilliCelsius() int32 {
	return int32(int64(d.rawTemp)*200000/0x100000) - 50000
}

// MilliRelHumidity returns the last sampled relative humidity in thousandths
// of a percent.
func (d *Device) MilliRelHumidity() int32 {
	return int32(int64(d.rawHumidity) * 100000 / 0x100000)
}
