// Package serialio wraps go.bug.st/serial with the open/config/close shape
// pkg/usock/usock.go uses for tarm/serial, shared by the industrial-bus
// master and the frame-pump transport.
package serialio

import (
	"fmt"
	"time"

	"go.bug.st/serial"
)

// Parity mirrors go.bug.st/serial.Parity so callers don't need to import
// that package directly.
type Parity = serial.Parity

const (
	ParityNone Parity = serial.NoParity
	ParityEven Parity = serial.EvenParity
	ParityOdd  Parity = serial.OddParity
)

// Config describes how to open a physical serial port.
type Config struct {
	Device      string
	BaudRate    int
	DataBits    int // 5..8, default 8
	Parity      Parity
	StopBits    int // 1 or 2, default 1
	ReadTimeout time.Duration
}

// Port is an opened serial line with no framing of its own — framing is the
// caller's concern (see internal/modbus and internal/transport/lineio).
type Port struct {
	port serial.Port
}

// Open configures and opens a serial port.
func Open(cfg Config) (*Port, error) {
	dataBits := cfg.DataBits
	if dataBits == 0 {
		dataBits = 8
	}
	stopBits := serial.OneStopBit
	if cfg.StopBits == 2 {
		stopBits = serial.TwoStopBits
	}

	mode := &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: dataBits,
		Parity:   cfg.Parity,
		StopBits: stopBits,
	}

	p, err := serial.Open(cfg.Device, mode)
	if err != nil {
		return nil, fmt.Errorf("serialio: open %s: %w", cfg.Device, err)
	}

	if cfg.ReadTimeout > 0 {
		if err := p.SetReadTimeout(cfg.ReadTimeout); err != nil {
			p.Close()
			return nil, fmt.Errorf("serialio: set read timeout: %w", err)
		}
	}

	return &Port{port: p}, nil
}

func (p *Port) Read(buf []byte) (int, error)  { return p.port.Read(buf) }
func (p *Port) Write(buf []byte) (int, error) { return p.port.Write(buf) }
func (p *Port) Close() error                  { return p.port.Close() }

// ResetInputBuffer discards any buffered, unread receive bytes — used to
// clear stale bytes before a new Modbus transaction.
func (p *Port) ResetInputBuffer() error {
	return p.port.ResetInputBuffer()
}

// Drain blocks until buffered transmit bytes have been written to the
// line — the Modbus master waits on this before releasing a manually
// controlled RS-485 driver-enable pin.
func (p *Port) Drain() error {
	return p.port.Drain()
}
