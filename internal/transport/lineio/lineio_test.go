package lineio

import (
	"context"
	"io"
	"log"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/nunucryo/shaker-mcu/internal/dispatch"
	"github.com/nunucryo/shaker-mcu/pkg/wire"
)

func discardLogger() *log.Logger { return log.New(io.Discard, "", 0) }

// scriptedDispatcher acks every command with a fixed status.
type scriptedDispatcher struct {
	mu     sync.Mutex
	seen   []wire.CmdID
	status wire.CmdStatus
}

func (s *scriptedDispatcher) Dispatch(_ context.Context, payload []byte) (wire.CmdID, dispatch.Ack) {
	hdr, _, err := wire.DecodeCommandHeader(payload)
	if err != nil {
		return 0, dispatch.Ack{Status: wire.StatusInvalidArgs}
	}
	s.mu.Lock()
	s.seen = append(s.seen, hdr.CmdID)
	s.mu.Unlock()
	return hdr.CmdID, dispatch.Ack{Status: s.status}
}

func readFrame(t *testing.T, conn net.Conn) []byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	hdr := make([]byte, wire.HeaderSize)
	if _, err := io.ReadFull(conn, hdr); err != nil {
		t.Fatalf("read header: %v", err)
	}
	payloadLen := int(uint16(hdr[4]) | uint16(hdr[5])<<8)
	rest := make([]byte, payloadLen+wire.CRCSize)
	if _, err := io.ReadFull(conn, rest); err != nil {
		t.Fatalf("read body: %v", err)
	}
	return append(hdr, rest...)
}

func TestCommandFrameGetsAck(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	disp := &scriptedDispatcher{status: wire.StatusOK}
	pump := New(server, disp, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { pump.Run(ctx); close(done) }()

	frame, err := wire.Build(wire.MsgCommand, 7, wire.EncodeCommand(wire.CmdKeepalive, []byte{1, 0, 0, 0}))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if _, err := client.Write(frame); err != nil {
		t.Fatalf("Write: %v", err)
	}

	ackFrame := readFrame(t, client)
	hdr, payload, err := wire.Parse(ackFrame)
	if err != nil {
		t.Fatalf("Parse ack: %v", err)
	}
	if hdr.MsgType != wire.MsgCommandAck {
		t.Fatalf("MsgType = %v, want MsgCommandAck", hdr.MsgType)
	}
	ack, err := wire.DecodeCommandAck(payload)
	if err != nil {
		t.Fatalf("DecodeCommandAck: %v", err)
	}
	if ack.AckedSeq != 7 {
		t.Fatalf("AckedSeq = %d, want 7", ack.AckedSeq)
	}
	if ack.CmdID != wire.CmdKeepalive || ack.Status != wire.StatusOK {
		t.Fatalf("ack = %+v, want keepalive/OK", ack)
	}

	client.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pump did not exit after peer close")
	}
}

func TestMalformedFrameIsDroppedWithoutAck(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	disp := &scriptedDispatcher{status: wire.StatusOK}
	pump := New(server, disp, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pump.Run(ctx)

	frame, _ := wire.Build(wire.MsgCommand, 1, wire.EncodeCommand(wire.CmdKeepalive, []byte{1, 0, 0, 0}))
	frame[len(frame)-1] ^= 0xFF // corrupt the CRC
	if _, err := client.Write(frame); err != nil {
		t.Fatalf("Write: %v", err)
	}

	client.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	buf := make([]byte, 1)
	if _, err := client.Read(buf); err == nil {
		t.Fatal("expected no ack for a corrupt frame")
	}

	disp.mu.Lock()
	defer disp.mu.Unlock()
	if len(disp.seen) != 0 {
		t.Fatalf("dispatcher saw %v, want nothing", disp.seen)
	}
}

func TestOnDisconnectFiresOnPeerClose(t *testing.T) {
	client, server := net.Pipe()

	pump := New(server, &scriptedDispatcher{}, discardLogger())
	disconnected := make(chan struct{})
	pump.OnDisconnect = func() { close(disconnected) }

	done := make(chan struct{})
	go func() { pump.Run(context.Background()); close(done) }()

	client.Close()

	select {
	case <-disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("OnDisconnect not invoked after peer close")
	}
	<-done
}
