package wire

import (
	"encoding/binary"
	"fmt"
)

// EventHeaderSize is the fixed prefix of every MsgEvent payload.
const EventHeaderSize = 2 + 1 + 1 // event_id + severity + source

// Event is the decoded form of a MsgEvent payload.
type Event struct {
	EventID  EventID
	Severity Severity
	Source   byte // 0 = system, 1..3 = controller index
	Data     []byte
}

// EncodeEvent builds a full MsgEvent payload.
func EncodeEvent(e Event) []byte {
	buf := make([]byte, EventHeaderSize+len(e.Data))
	binary.LittleEndian.PutUint16(buf[0:2], uint16(e.EventID))
	buf[2] = byte(e.Severity)
	buf[3] = e.Source
	copy(buf[EventHeaderSize:], e.Data)
	return buf
}

// DecodeEvent parses a MsgEvent payload.
func DecodeEvent(payload []byte) (Event, error) {
	var e Event
	if len(payload) < EventHeaderSize {
		return e, fmt.Errorf("wire: event payload too short: %d bytes", len(payload))
	}
	e.EventID = EventID(binary.LittleEndian.Uint16(payload[0:2]))
	e.Severity = Severity(payload[2])
	e.Source = payload[3]
	if len(payload) > EventHeaderSize {
		e.Data = payload[EventHeaderSize:]
	}
	return e, nil
}

// EncodeStateChangedData builds the two-byte {old, new} body for
// EventStateChanged.
func EncodeStateChangedData(oldState, newState MachineStateCode) []byte {
	return []byte{byte(oldState), byte(newState)}
}
