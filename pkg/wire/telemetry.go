package wire

import (
	"encoding/binary"
	"fmt"
)

// ControllerData is one PID controller's slice of a telemetry snapshot.
type ControllerData struct {
	ControllerID byte
	PVx10        int16
	SVx10        int16
	OPx10        uint16
	Mode         CtrlMode
	AgeMs        uint16
}

const controllerDataSize = 1 + 2 + 2 + 2 + 1 + 2 // 10 bytes

// RunState is the extended telemetry block carrying machine-state
// context; present only when the machine state machine is enabled.
type RunState struct {
	MachineState      MachineStateCode
	RunElapsedMs      uint32
	RunRemainingMs    uint32
	TargetTempX10     int16
	RecipeStep        byte
	InterlockBits     byte
	LazyPollFlag      byte
	IdleTimeoutMin    byte
	Reserved          byte
}

const runStateSize = 1 + 4 + 4 + 2 + 1 + 1 + 1 + 1 + 1 // 16 bytes

// TelemetrySnapshot is the decoded form of a MsgTelemetrySnapshot payload.
type TelemetrySnapshot struct {
	TimestampMs  uint32
	DIBits       uint16
	ROBits       uint16
	AlarmBits    uint32
	Controllers  []ControllerData
	RunState     *RunState // nil when the basic (non-extended) variant is used
}

// EncodeTelemetry serializes a snapshot into a MsgTelemetrySnapshot payload.
func EncodeTelemetry(s TelemetrySnapshot) ([]byte, error) {
	if len(s.Controllers) > 255 {
		return nil, fmt.Errorf("wire: too many controllers: %d", len(s.Controllers))
	}

	size := 4 + 2 + 2 + 4 + 1 + len(s.Controllers)*controllerDataSize
	if s.RunState != nil {
		size += runStateSize
	}
	buf := make([]byte, size)

	off := 0
	binary.LittleEndian.PutUint32(buf[off:], s.TimestampMs)
	off += 4
	binary.LittleEndian.PutUint16(buf[off:], s.DIBits)
	off += 2
	binary.LittleEndian.PutUint16(buf[off:], s.ROBits)
	off += 2
	binary.LittleEndian.PutUint32(buf[off:], s.AlarmBits)
	off += 4
	buf[off] = byte(len(s.Controllers))
	off++

	for _, c := range s.Controllers {
		buf[off] = c.ControllerID
		off++
		binary.LittleEndian.PutUint16(buf[off:], uint16(c.PVx10))
		off += 2
		binary.LittleEndian.PutUint16(buf[off:], uint16(c.SVx10))
		off += 2
		binary.LittleEndian.PutUint16(buf[off:], c.OPx10)
		off += 2
		buf[off] = byte(c.Mode)
		off++
		binary.LittleEndian.PutUint16(buf[off:], c.AgeMs)
		off += 2
	}

	if s.RunState != nil {
		rs := s.RunState
		buf[off] = byte(rs.MachineState)
		off++
		binary.LittleEndian.PutUint32(buf[off:], rs.RunElapsedMs)
		off += 4
		binary.LittleEndian.PutUint32(buf[off:], rs.RunRemainingMs)
		off += 4
		binary.LittleEndian.PutUint16(buf[off:], uint16(rs.TargetTempX10))
		off += 2
		buf[off] = rs.RecipeStep
		off++
		buf[off] = rs.InterlockBits
		off++
		buf[off] = rs.LazyPollFlag
		off++
		buf[off] = rs.IdleTimeoutMin
		off++
		buf[off] = rs.Reserved
		off++
	}

	return buf, nil
}

// DecodeTelemetry parses a MsgTelemetrySnapshot payload. The extended
// run-state block is decoded if trailing bytes remain after the declared
// controllers.
func DecodeTelemetry(payload []byte) (TelemetrySnapshot, error) {
	var s TelemetrySnapshot
	if len(payload) < 13 {
		return s, fmt.Errorf("wire: telemetry payload too short: %d bytes", len(payload))
	}

	off := 0
	s.TimestampMs = binary.LittleEndian.Uint32(payload[off:])
	off += 4
	s.DIBits = binary.LittleEndian.Uint16(payload[off:])
	off += 2
	s.ROBits = binary.LittleEndian.Uint16(payload[off:])
	off += 2
	s.AlarmBits = binary.LittleEndian.Uint32(payload[off:])
	off += 4
	count := int(payload[off])
	off++

	if len(payload) < off+count*controllerDataSize {
		return s, fmt.Errorf("wire: telemetry payload truncated for %d controllers", count)
	}

	s.Controllers = make([]ControllerData, count)
	for i := 0; i < count; i++ {
		c := &s.Controllers[i]
		c.ControllerID = payload[off]
		off++
		c.PVx10 = int16(binary.LittleEndian.Uint16(payload[off:]))
		off += 2
		c.SVx10 = int16(binary.LittleEndian.Uint16(payload[off:]))
		off += 2
		c.OPx10 = binary.LittleEndian.Uint16(payload[off:])
		off += 2
		c.Mode = CtrlMode(payload[off])
		off++
		c.AgeMs = binary.LittleEndian.Uint16(payload[off:])
		off += 2
	}

	if len(payload) >= off+runStateSize {
		var rs RunState
		rs.MachineState = MachineStateCode(payload[off])
		off++
		rs.RunElapsedMs = binary.LittleEndian.Uint32(payload[off:])
		off += 4
		rs.RunRemainingMs = binary.LittleEndian.Uint32(payload[off:])
		off += 4
		rs.TargetTempX10 = int16(binary.LittleEndian.Uint16(payload[off:]))
		off += 2
		rs.RecipeStep = payload[off]
		off++
		rs.InterlockBits = payload[off]
		off++
		rs.LazyPollFlag = payload[off]
		off++
		rs.IdleTimeoutMin = payload[off]
		off++
		rs.Reserved = payload[off]
		off++
		s.RunState = &rs
	}

	return s, nil
}
