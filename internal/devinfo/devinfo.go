// Package devinfo implements the fixed 12-byte read-only device-info
// record exposed by the transport (§6 of SPEC_FULL.md).
package devinfo

import "encoding/binary"

// Capability bits encoded into Info.CapBits.
const (
	CapSessionLease       uint32 = 1 << 0
	CapEventLog           uint32 = 1 << 1
	CapBulk               uint32 = 1 << 2
	CapIndustrialBusTools uint32 = 1 << 3
	CapPIDTuning          uint32 = 1 << 4
	CapOTAUpdate          uint32 = 1 << 5
)

const Size = 12

// Info is the device-info record: protocol version, firmware version,
// build id, and capability flags.
type Info struct {
	ProtoVer byte
	FWMajor  byte
	FWMinor  byte
	FWPatch  byte
	BuildID  uint32
	CapBits  uint32
}

// Encode serializes Info into the fixed 12-byte wire layout:
// [proto_ver, fw_major, fw_minor, fw_patch, build_id LE(4), cap_bits LE(4)].
func (i Info) Encode() [Size]byte {
	var buf [Size]byte
	buf[0] = i.ProtoVer
	buf[1] = i.FWMajor
	buf[2] = i.FWMinor
	buf[3] = i.FWPatch
	binary.LittleEndian.PutUint32(buf[4:8], i.BuildID)
	binary.LittleEndian.PutUint32(buf[8:12], i.CapBits)
	return buf
}

// Decode parses a 12-byte device-info record. Short input yields a zero
// Info.
func Decode(b []byte) Info {
	if len(b) < Size {
		return Info{}
	}
	return Info{
		ProtoVer: b[0],
		FWMajor:  b[1],
		FWMinor:  b[2],
		FWPatch:  b[3],
		BuildID:  binary.LittleEndian.Uint32(b[4:8]),
		CapBits:  binary.LittleEndian.Uint32(b[8:12]),
	}
}
