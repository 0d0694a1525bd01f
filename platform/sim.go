package platform

import (
	"sync"

	"microos-go/hwman"
)

// ---- I2C ---------------------------------------------------------------------

// TxFunc emulates one I2C transaction: inspect w, fill r.
type TxFunc func(addr uint16, w, r []byte) error

// SimI2C implements tinygo drivers.I2C for host-side use. The default
// handler zero-fills reads, which is enough for driver life-checks.
type SimI2C struct {
	mu      sync.Mutex
	handler TxFunc
	LastTx  struct {
		Addr uint16
		W    []byte
		Rn   int
	}
	TxCount int
}

func NewSimI2C() *SimI2C { return &SimI2C{} }

// SetHandler installs a transaction emulator.
func (s *SimI2C) SetHandler(fn TxFunc) {
	s.mu.Lock()
	s.handler = fn
	s.mu.Unlock()
}

func (s *SimI2C) Tx(addr uint16, w, r []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.TxCount++
	s.LastTx.Addr = addr
	s.LastTx.W = append([]byte(nil), w...)
	s.LastTx.Rn = len(r)
	if s.handler != nil {
		return s.handler(addr, w, r)
	}
	for i := range r {
		r[i] = 0
	}
	return nil
}

// ---- GPIO --------------------------------------------------------------------

// SimPin implements hwman.GPIOPin.
type SimPin struct {
	mu      sync.Mutex
	number  int
	level   bool
	modeOut bool
}

func (p *SimPin) ConfigureInput(_ hwman.Pull) error {
	p.mu.Lock()
	p.modeOut = false
	p.mu.Unlock()
	return nil
}

func (p *SimPin) ConfigureOutput(initial bool) error {
	p.mu.Lock()
	p.modeOut = true
	p.level = initial
	p.mu.Unlock()
	return nil
}

func (p *SimPin) Set(level bool) {
	p.mu.Lock()
	p.level = level
	p.mu.Unlock()
}

func (p *SimPin) Get() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.level
}

func (p *SimPin) Toggle() {
	p.mu.Lock()
	p.level = !p.level
	p.mu.Unlock()
}

// IsOutput reports the configured direction, for tests.
func (p *SimPin) IsOutput() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.modeOut
}

// ---- ADC ---------------------------------------------------------------------

// SimADC implements hwman.ADCPin with a scriptable reading.
type SimADC struct {
	mu    sync.Mutex
	value uint16
}

func (a *SimADC) ReadU16() (uint16, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.value, nil
}

func (a *SimADC) Set(v uint16) {
	a.mu.Lock()
	a.value = v
	a.mu.Unlock()
}

// ---- UART --------------------------------------------------------------------

// SimUART implements hwman.UART, recording every write.
type SimUART struct {
	mu     sync.Mutex
	Writes [][]byte
}

func NewSimUART() *SimUART { return &SimUART{} }

func (u *SimUART) Write(p []byte) (int, error) {
	u.mu.Lock()
	u.Writes = append(u.Writes, append([]byte(nil), p...))
	u.mu.Unlock()
	return len(p), nil
}

func (u *SimUART) Flush() error { return nil }

// Sent returns a copy of every frame written so far.
func (u *SimUART) Sent() [][]byte {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([][]byte, len(u.Writes))
	copy(out, u.Writes)
	return out
}
