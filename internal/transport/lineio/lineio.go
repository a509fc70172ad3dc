// Package lineio implements the frame pump that substitutes for the
// GATT transport binding (SPEC_FULL.md §6.1): it carries pkg/wire frames
// over any io.ReadWriteCloser (the physical link is a companion-app host
// connection, commonly a USB-serial CDC endpoint) the same way
// pkg/usock/usock.go's readLoop carries USOCK frames over a serial port
// to the nRF52, but accumulates by the header-declared length/CRC framing
// pkg/wire defines instead of USOCK's sync-byte/state-machine framing.
package lineio

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log"
	"sync"

	"github.com/nunucryo/shaker-mcu/internal/dispatch"
	"github.com/nunucryo/shaker-mcu/pkg/wire"
)

// Dispatcher is the command-processing collaborator: given a MsgCommand
// payload it returns the command id and the ack to send back.
type Dispatcher interface {
	Dispatch(ctx context.Context, payload []byte) (wire.CmdID, dispatch.Ack)
}

// Pump reads/writes framed wire.Frame bytes over a ReadWriteCloser,
// dispatching inbound MsgCommand frames and replying with their Ack.
// It implements internal/telemetry.Publisher (Send) so the telemetry
// emitter can push snapshot/event frames out over the same link.
type Pump struct {
	conn   io.ReadWriteCloser
	disp   Dispatcher
	logger *log.Logger

	// OnDisconnect, if set, is invoked once when the read loop ends
	// because the peer went away (EOF or a read error), NOT on an
	// orderly Stop. The composition root uses it to force-expire the
	// HMI session.
	OnDisconnect func()

	writeMu sync.Mutex
	seq     uint16

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a frame pump over an already-opened connection.
func New(conn io.ReadWriteCloser, disp Dispatcher, logger *log.Logger) *Pump {
	if logger == nil {
		logger = log.Default()
	}
	return &Pump{conn: conn, disp: disp, logger: logger}
}

// Run starts the read loop; it returns when ctx is cancelled, Stop is
// called, or the underlying connection returns a fatal read error.
func (p *Pump) Run(ctx context.Context) {
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	defer close(p.doneCh)

	frames := make(chan []byte, 4)
	readErrCh := make(chan error, 1)
	go p.readLoop(frames, readErrCh)

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case err := <-readErrCh:
			if err != nil {
				if !errors.Is(err, io.EOF) {
					p.logger.Printf("lineio: read loop ended: %v", err)
				}
				if p.OnDisconnect != nil {
					p.OnDisconnect()
				}
			}
			return
		case frame := <-frames:
			p.handleFrame(ctx, frame)
		}
	}
}

// Stop halts the pump and closes the underlying connection.
func (p *Pump) Stop() {
	if p.stopCh != nil {
		close(p.stopCh)
		<-p.doneCh
	}
	if err := p.conn.Close(); err != nil {
		p.logger.Printf("lineio: close: %v", err)
	}
}

// Send implements internal/telemetry.Publisher: writes one complete,
// already-built wire frame.
func (p *Pump) Send(frame []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_, err := p.conn.Write(frame)
	return err
}

func (p *Pump) handleFrame(ctx context.Context, frame []byte) {
	hdr, payload, err := wire.Parse(frame)
	if err != nil {
		p.logger.Printf("lineio: dropping malformed frame: %v", err)
		return
	}
	if hdr.MsgType != wire.MsgCommand {
		p.logger.Printf("lineio: ignoring non-command frame type 0x%02x", hdr.MsgType)
		return
	}

	_, ack := p.disp.Dispatch(ctx, payload)
	ackPayload := wire.EncodeCommandAck(hdr.Seq, 0, ack.Status, ack.Detail, ack.Optional)
	if cmdHdr, _, err := wire.DecodeCommandHeader(payload); err == nil {
		binary.LittleEndian.PutUint16(ackPayload[2:4], uint16(cmdHdr.CmdID))
	}

	out, err := wire.Build(wire.MsgCommandAck, p.nextSeq(), ackPayload)
	if err != nil {
		p.logger.Printf("lineio: build ack frame: %v", err)
		return
	}
	if err := p.Send(out); err != nil {
		p.logger.Printf("lineio: send ack frame: %v", err)
	}
}

func (p *Pump) nextSeq() uint16 {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	p.seq++
	return p.seq
}

// readLoop accumulates bytes into complete frames following the
// header-declared payload length, mirroring usock.go's byte-at-a-time
// readLoop/processByte shape but keyed on pkg/wire's fixed 6-byte header
// instead of USOCK's sync-byte preamble.
func (p *Pump) readLoop(out chan<- []byte, errCh chan<- error) {
	buf := make([]byte, 1)
	var acc []byte

	for {
		select {
		case <-p.stopCh:
			errCh <- nil
			return
		default:
		}

		n, err := p.conn.Read(buf)
		if err != nil {
			errCh <- err
			return
		}
		if n == 0 {
			continue
		}
		acc = append(acc, buf[0])

		if len(acc) < wire.HeaderSize {
			continue
		}
		payloadLen := int(binary.LittleEndian.Uint16(acc[4:6]))
		wantLen := wire.HeaderSize + payloadLen + wire.CRCSize
		if payloadLen > wire.MaxPayload {
			p.logger.Printf("lineio: declared payload length %d exceeds max, resyncing", payloadLen)
			acc = acc[:0]
			continue
		}
		if len(acc) < wantLen {
			continue
		}

		frame := make([]byte, wantLen)
		copy(frame, acc[:wantLen])
		acc = acc[:0]

		select {
		case out <- frame:
		case <-p.stopCh:
			errCh <- nil
			return
		}
	}
}
