// Package wire implements the framed binary command/telemetry/event
// protocol carried between the controller and the companion HMI app.
package wire

import (
	"encoding/binary"
	"fmt"
)

const (
	ProtoVersion = 0x01
	HeaderSize   = 6 // proto_ver + msg_type + seq + payload_len
	CRCSize      = 2
	MaxPayload   = 512
	MaxFrameSize = HeaderSize + MaxPayload + CRCSize
)

// MsgType identifies the kind of payload a frame carries.
type MsgType byte

const (
	MsgTelemetrySnapshot MsgType = 0x01
	MsgCommand           MsgType = 0x10
	MsgCommandAck        MsgType = 0x11
	MsgEvent             MsgType = 0x20
)

// Header is the fixed six-byte frame header, little-endian on the wire.
type Header struct {
	ProtoVer   byte
	MsgType    MsgType
	Seq        uint16
	PayloadLen uint16
}

// Build lays out a complete frame: header, payload, CRC-16/CCITT-FALSE
// computed over header||payload. payload may be nil for zero-length bodies.
func Build(msgType MsgType, seq uint16, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return nil, fmt.Errorf("wire: payload length %d exceeds max %d", len(payload), MaxPayload)
	}

	out := make([]byte, HeaderSize+len(payload)+CRCSize)
	out[0] = ProtoVersion
	out[1] = byte(msgType)
	binary.LittleEndian.PutUint16(out[2:4], seq)
	binary.LittleEndian.PutUint16(out[4:6], uint16(len(payload)))
	copy(out[HeaderSize:], payload)

	crc := CRC16(out[:HeaderSize+len(payload)])
	binary.LittleEndian.PutUint16(out[HeaderSize+len(payload):], crc)

	return out, nil
}

// Parse validates and decodes a complete frame. On success payload points
// into frameBuf (no copy); callers that retain it past the next read must
// copy it themselves.
func Parse(frameBuf []byte) (Header, []byte, error) {
	var hdr Header

	if len(frameBuf) < HeaderSize+CRCSize {
		return hdr, nil, fmt.Errorf("wire: frame too short: %d bytes", len(frameBuf))
	}

	hdr.ProtoVer = frameBuf[0]
	if hdr.ProtoVer != ProtoVersion {
		return hdr, nil, fmt.Errorf("wire: unsupported protocol version %d", hdr.ProtoVer)
	}
	hdr.MsgType = MsgType(frameBuf[1])
	hdr.Seq = binary.LittleEndian.Uint16(frameBuf[2:4])
	hdr.PayloadLen = binary.LittleEndian.Uint16(frameBuf[4:6])

	if hdr.PayloadLen > MaxPayload {
		return hdr, nil, fmt.Errorf("wire: declared payload length %d exceeds max %d", hdr.PayloadLen, MaxPayload)
	}

	wantLen := HeaderSize + int(hdr.PayloadLen) + CRCSize
	if len(frameBuf) != wantLen {
		return hdr, nil, fmt.Errorf("wire: frame length %d does not match header-declared length %d", len(frameBuf), wantLen)
	}

	payload := frameBuf[HeaderSize : HeaderSize+hdr.PayloadLen]
	gotCRC := binary.LittleEndian.Uint16(frameBuf[HeaderSize+int(hdr.PayloadLen):])
	wantCRC := CRC16(frameBuf[:HeaderSize+int(hdr.PayloadLen)])
	if gotCRC != wantCRC {
		return hdr, nil, fmt.Errorf("wire: CRC mismatch: got 0x%04x want 0x%04x", gotCRC, wantCRC)
	}

	return hdr, payload, nil
}

// crc16Table is the CRC-16/CCITT-FALSE (poly 0x1021) lookup table.
var crc16Table = buildCRC16Table()

func buildCRC16Table() [256]uint16 {
	var table [256]uint16
	const poly = 0x1021
	for i := 0; i < 256; i++ {
		crc := uint16(i) << 8
		for bit := 0; bit < 8; bit++ {
			if crc&0x8000 != 0 {
				crc = (crc << 1) ^ poly
			} else {
				crc <<= 1
			}
		}
		table[i] = crc
	}
	return table
}

// CRC16 computes CRC-16/CCITT-FALSE: poly 0x1021, init 0xFFFF, no
// reflection, no xorout.
func CRC16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		idx := byte(crc>>8) ^ b
		crc = (crc << 8) ^ crc16Table[idx]
	}
	return crc
}
