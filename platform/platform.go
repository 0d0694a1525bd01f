// Package platform provides host-side hardware primitives behind the
// hwman.Primitives contract. Buses are built from configuration; pins and
// ADC channels are created on first reference.
package platform

import (
	"log/slog"
	"sync"

	"tinygo.org/x/drivers"

	"microos-go/config"
	"microos-go/hwman"
)

// Host is an in-process primitive set for development and tests.
type Host struct {
	mu    sync.Mutex
	i2c   map[string]drivers.I2C
	uarts map[string]hwman.UART
	pins  map[int]*SimPin
	adcs  map[int]*SimADC
}

var _ hwman.Primitives = (*Host)(nil)

// Build creates primitives for every configured bus. Individual failures
// are logged and skipped; they never abort boot.
func Build(cfg config.Hardware, log *slog.Logger) *Host {
	h := &Host{
		i2c:   map[string]drivers.I2C{},
		uarts: map[string]hwman.UART{},
		pins:  map[int]*SimPin{},
		adcs:  map[int]*SimADC{},
	}
	for id, bc := range cfg.I2C {
		key := "i2c_" + id
		h.i2c[key] = NewSimI2C()
		log.Info("primitive ready", "bus", key, "sda", bc.SDA, "scl", bc.SCL, "freq", bc.Freq)
	}
	for id, bc := range cfg.UART {
		key := "uart_" + id
		h.uarts[key] = NewSimUART()
		log.Info("primitive ready", "bus", key, "tx", bc.TX, "rx", bc.RX, "baud", bc.Baudrate)
	}
	return h
}

func (h *Host) I2C(key string) (drivers.I2C, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.i2c[key]
	return b, ok
}

func (h *Host) UART(key string) (hwman.UART, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	u, ok := h.uarts[key]
	return u, ok
}

func (h *Host) Pin(num int) (hwman.GPIOPin, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.pins[num]
	if !ok {
		p = &SimPin{number: num}
		h.pins[num] = p
	}
	return p, true
}

func (h *Host) ADC(num int) (hwman.ADCPin, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	a, ok := h.adcs[num]
	if !ok {
		a = &SimADC{value: 0x8000}
		h.adcs[num] = a
	}
	return a, true
}

// SetI2C installs or replaces a bus primitive, for tests.
func (h *Host) SetI2C(key string, bus drivers.I2C) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.i2c[key] = bus
}

// SetADCValue scripts the reading of one ADC channel.
func (h *Host) SetADCValue(num int, v uint16) {
	h.mu.Lock()
	a, ok := h.adcs[num]
	if !ok {
		a = &SimADC{}
		h.adcs[num] = a
	}
	h.mu.Unlock()
	a.Set(v)
}
