package wire

import (
	"encoding/binary"
	"fmt"
)

// CmdHeaderSize is the fixed prefix of every MsgCommand payload.
const CmdHeaderSize = 4 // cmd_id(2) + flags(2)

// CommandHeader is the fixed prefix of a command payload.
type CommandHeader struct {
	CmdID CmdID
	Flags uint16 // reserved, must be 0
}

// DecodeCommandHeader parses the {cmd_id, flags} prefix and returns the
// command-specific body that follows.
func DecodeCommandHeader(payload []byte) (CommandHeader, []byte, error) {
	var h CommandHeader
	if len(payload) < CmdHeaderSize {
		return h, nil, fmt.Errorf("wire: command payload shorter than header: %d bytes", len(payload))
	}
	h.CmdID = CmdID(binary.LittleEndian.Uint16(payload[0:2]))
	h.Flags = binary.LittleEndian.Uint16(payload[2:4])
	return h, payload[CmdHeaderSize:], nil
}

// EncodeCommand builds a full MsgCommand payload.
func EncodeCommand(id CmdID, body []byte) []byte {
	buf := make([]byte, CmdHeaderSize+len(body))
	binary.LittleEndian.PutUint16(buf[0:2], uint16(id))
	copy(buf[CmdHeaderSize:], body)
	return buf
}

// CmdAckHeaderSize is the fixed prefix of every MsgCommandAck payload.
const CmdAckHeaderSize = 2 + 2 + 1 + 2 // acked_seq + cmd_id + status + detail

// CommandAck is the decoded form of a MsgCommandAck payload.
type CommandAck struct {
	AckedSeq uint16
	CmdID    CmdID
	Status   CmdStatus
	Detail   uint16
	Optional []byte
}

// EncodeCommandAck builds a full MsgCommandAck payload.
func EncodeCommandAck(ackedSeq uint16, cmdID CmdID, status CmdStatus, detail uint16, optional []byte) []byte {
	buf := make([]byte, CmdAckHeaderSize+len(optional))
	binary.LittleEndian.PutUint16(buf[0:2], ackedSeq)
	binary.LittleEndian.PutUint16(buf[2:4], uint16(cmdID))
	buf[4] = byte(status)
	binary.LittleEndian.PutUint16(buf[5:7], detail)
	copy(buf[CmdAckHeaderSize:], optional)
	return buf
}

// DecodeCommandAck parses a MsgCommandAck payload.
func DecodeCommandAck(payload []byte) (CommandAck, error) {
	var a CommandAck
	if len(payload) < CmdAckHeaderSize {
		return a, fmt.Errorf("wire: command ack payload too short: %d bytes", len(payload))
	}
	a.AckedSeq = binary.LittleEndian.Uint16(payload[0:2])
	a.CmdID = CmdID(binary.LittleEndian.Uint16(payload[2:4]))
	a.Status = CmdStatus(payload[4])
	a.Detail = binary.LittleEndian.Uint16(payload[5:7])
	if len(payload) > CmdAckHeaderSize {
		a.Optional = payload[CmdAckHeaderSize:]
	}
	return a, nil
}

// OpenSessionCmd is the CMD_OPEN_SESSION body.
type OpenSessionCmd struct {
	ClientNonce uint32
}

func DecodeOpenSessionCmd(body []byte) (OpenSessionCmd, error) {
	var c OpenSessionCmd
	if len(body) < 4 {
		return c, fmt.Errorf("wire: open-session body too short: %d bytes", len(body))
	}
	c.ClientNonce = binary.LittleEndian.Uint32(body)
	return c, nil
}

// OpenSessionAck is the optional body of an OPEN_SESSION ack.
type OpenSessionAck struct {
	SessionID uint32
	LeaseMs   uint16
}

func EncodeOpenSessionAck(a OpenSessionAck) []byte {
	buf := make([]byte, 6)
	binary.LittleEndian.PutUint32(buf[0:4], a.SessionID)
	binary.LittleEndian.PutUint16(buf[4:6], a.LeaseMs)
	return buf
}

// KeepaliveCmd is the CMD_KEEPALIVE body.
type KeepaliveCmd struct {
	SessionID uint32
}

func DecodeKeepaliveCmd(body []byte) (KeepaliveCmd, error) {
	var c KeepaliveCmd
	if len(body) < 4 {
		return c, fmt.Errorf("wire: keepalive body too short: %d bytes", len(body))
	}
	c.SessionID = binary.LittleEndian.Uint32(body)
	return c, nil
}
