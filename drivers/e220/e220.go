// Package e220 provides a minimal driver for the EBYTE E220 LoRa module in
// transparent transmission mode. Radio parameters (air rate, channel,
// address, power) are assumed to be configured out of band with the vendor
// tool; this driver only frames and writes payloads over the UART link.
package e220

import (
	"errors"
	"time"
)

// Module limits (per datasheet).
const (
	// MaxFrame is the largest payload accepted per transmission.
	MaxFrame = 200
)

// Errors returned by the driver.
var (
	ErrTooLong = errors.New("e220: payload exceeds max frame size")
	ErrEmpty   = errors.New("e220: empty payload")
)

// UART is the byte-stream the module is attached to.
type UART interface {
	Write(p []byte) (int, error)
	Flush() error
}

// Config controls framing behaviour. All fields are optional.
type Config struct {
	// MaxFrame overrides the per-transmission payload limit. Default 200.
	MaxFrame int
	// InterFrameGap is a settle delay between chunked writes. Default 0.
	InterFrameGap time.Duration
}

// Device wraps a UART connection to an E220 module.
type Device struct {
	uart UART
	cfg  Config
}

// New creates a new E220 connection. The UART must already be configured
// at the module's serial baud rate.
func New(uart UART) Device {
	return Device{uart: uart, cfg: Config{MaxFrame: MaxFrame}}
}

// Configure applies optional overrides.
func (d *Device) Configure(cfg Config) {
	if cfg.MaxFrame <= 0 || cfg.MaxFrame > MaxFrame {
		cfg.MaxFrame = MaxFrame
	}
	d.cfg.MaxFrame = cfg.MaxFrame
	d.cfg.InterFrameGap = cfg.InterFrameGap
}

// Send transmits one payload, chunking when it exceeds the frame limit.
func (d *Device) Send(p []byte) error {
	if len(p) == 0 {
		return ErrEmpty
	}
	for len(p) > 0 {
		n := len(p)
		if n > d.cfg.MaxFrame {
			n = d.cfg.MaxFrame
		}
		if _, err := d.uart.Write(p[:n]); err != nil {
			return err
		}
		p = p[n:]
		if len(p) > 0 && d.cfg.InterFrameGap > 0 {
			time.Sleep(d.cfg.InterFrameGap)
		}
	}
	return d.uart.Flush()
}
