package wire

import (
	"bytes"
	"testing"
)

func TestBuildParseRoundTrip(t *testing.T) {
	cases := []struct {
		name    string
		msgType MsgType
		seq     uint16
		payload []byte
	}{
		{"empty payload", MsgCommand, 0, nil},
		{"small payload", MsgEvent, 42, []byte{0x01, 0x02, 0x03}},
		{"max payload", MsgTelemetrySnapshot, 0xFFFF, bytes.Repeat([]byte{0xAB}, MaxPayload)},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			frame, err := Build(c.msgType, c.seq, c.payload)
			if err != nil {
				t.Fatalf("Build: %v", err)
			}

			hdr, payload, err := Parse(frame)
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}

			if hdr.ProtoVer != ProtoVersion {
				t.Errorf("ProtoVer = %d, want %d", hdr.ProtoVer, ProtoVersion)
			}
			if hdr.MsgType != c.msgType {
				t.Errorf("MsgType = %v, want %v", hdr.MsgType, c.msgType)
			}
			if hdr.Seq != c.seq {
				t.Errorf("Seq = %d, want %d", hdr.Seq, c.seq)
			}
			if hdr.PayloadLen != uint16(len(c.payload)) {
				t.Errorf("PayloadLen = %d, want %d", hdr.PayloadLen, len(c.payload))
			}
			if !bytes.Equal(payload, c.payload) {
				t.Errorf("payload = %x, want %x", payload, c.payload)
			}
		})
	}
}

func TestBuildRejectsOversizePayload(t *testing.T) {
	_, err := Build(MsgCommand, 0, make([]byte, MaxPayload+1))
	if err == nil {
		t.Fatal("expected error for oversize payload")
	}
}

func TestParseRejectsBitFlips(t *testing.T) {
	frame, err := Build(MsgEvent, 7, []byte{0x10, 0x20, 0x30, 0x40})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	for byteIdx := range frame {
		for bit := 0; bit < 8; bit++ {
			corrupt := append([]byte(nil), frame...)
			corrupt[byteIdx] ^= 1 << bit
			if _, _, err := Parse(corrupt); err == nil {
				t.Errorf("flipping byte %d bit %d: expected Parse to reject, got success", byteIdx, bit)
			}
		}
	}
}

func TestParseRejectsWrongProtocolVersion(t *testing.T) {
	frame, _ := Build(MsgCommand, 1, []byte{1, 2})
	frame[0] = 0x02
	if _, _, err := Parse(frame); err == nil {
		t.Fatal("expected error for wrong protocol version")
	}
}

func TestParseRejectsLengthMismatch(t *testing.T) {
	frame, _ := Build(MsgCommand, 1, []byte{1, 2, 3})
	// Truncate the frame so its length no longer matches the header.
	short := frame[:len(frame)-1]
	if _, _, err := Parse(short); err == nil {
		t.Fatal("expected error for length mismatch")
	}
}

func TestCRC16KnownVector(t *testing.T) {
	// CRC-16/CCITT-FALSE("123456789") == 0x29B1, the standard check value
	// for this algorithm.
	got := CRC16([]byte("123456789"))
	if got != 0x29B1 {
		t.Fatalf("CRC16(\"123456789\") = 0x%04x, want 0x29B1", got)
	}
}

func TestTelemetryRoundTrip(t *testing.T) {
	snap := TelemetrySnapshot{
		TimestampMs: 123456,
		DIBits:      0x05,
		ROBits:      0xF5,
		AlarmBits:   AlarmBitHMINotLive,
		Controllers: []ControllerData{
			{ControllerID: 1, PVx10: -500, SVx10: -450, OPx10: 1000, Mode: CtrlModeAuto, AgeMs: 120},
			{ControllerID: 2, PVx10: 1800, SVx10: 1800, OPx10: 0, Mode: CtrlModeStop, AgeMs: 5000},
		},
		RunState: &RunState{
			MachineState:   StateRunning,
			RunElapsedMs:   60000,
			RunRemainingMs: 300000,
			TargetTempX10:  1800,
			RecipeStep:     2,
			InterlockBits:  0,
			IdleTimeoutMin: 5,
		},
	}

	encoded, err := EncodeTelemetry(snap)
	if err != nil {
		t.Fatalf("EncodeTelemetry: %v", err)
	}

	decoded, err := DecodeTelemetry(encoded)
	if err != nil {
		t.Fatalf("DecodeTelemetry: %v", err)
	}

	if decoded.TimestampMs != snap.TimestampMs || decoded.DIBits != snap.DIBits ||
		decoded.ROBits != snap.ROBits || decoded.AlarmBits != snap.AlarmBits {
		t.Fatalf("header fields mismatch: %+v vs %+v", decoded, snap)
	}
	if len(decoded.Controllers) != len(snap.Controllers) {
		t.Fatalf("controller count = %d, want %d", len(decoded.Controllers), len(snap.Controllers))
	}
	for i := range snap.Controllers {
		if decoded.Controllers[i] != snap.Controllers[i] {
			t.Errorf("controller %d = %+v, want %+v", i, decoded.Controllers[i], snap.Controllers[i])
		}
	}
	if decoded.RunState == nil || *decoded.RunState != *snap.RunState {
		t.Errorf("run state = %+v, want %+v", decoded.RunState, snap.RunState)
	}
}

func TestTelemetryBasicVariantHasNoRunState(t *testing.T) {
	snap := TelemetrySnapshot{TimestampMs: 1, DIBits: 0, ROBits: 0, AlarmBits: 0}
	encoded, err := EncodeTelemetry(snap)
	if err != nil {
		t.Fatalf("EncodeTelemetry: %v", err)
	}
	decoded, err := DecodeTelemetry(encoded)
	if err != nil {
		t.Fatalf("DecodeTelemetry: %v", err)
	}
	if decoded.RunState != nil {
		t.Fatalf("expected nil RunState for basic variant, got %+v", decoded.RunState)
	}
}

func TestCommandAckRoundTrip(t *testing.T) {
	ack := EncodeCommandAck(5, CmdStartRun, StatusRejectedPolicy, DetailInterlocksBlocking, []byte{0x01})
	decoded, err := DecodeCommandAck(ack)
	if err != nil {
		t.Fatalf("DecodeCommandAck: %v", err)
	}
	if decoded.AckedSeq != 5 || decoded.CmdID != CmdStartRun || decoded.Status != StatusRejectedPolicy ||
		decoded.Detail != DetailInterlocksBlocking || !bytes.Equal(decoded.Optional, []byte{0x01}) {
		t.Fatalf("unexpected decode: %+v", decoded)
	}
}

func TestCommandHeaderRoundTrip(t *testing.T) {
	payload := EncodeCommand(CmdSetSV, []byte{1, 250, 0})
	hdr, body, err := DecodeCommandHeader(payload)
	if err != nil {
		t.Fatalf("DecodeCommandHeader: %v", err)
	}
	if hdr.CmdID != CmdSetSV {
		t.Errorf("CmdID = %v, want %v", hdr.CmdID, CmdSetSV)
	}
	if !bytes.Equal(body, []byte{1, 250, 0}) {
		t.Errorf("body = %v, want %v", body, []byte{1, 250, 0})
	}
}

func TestEventRoundTrip(t *testing.T) {
	payload := EncodeEvent(Event{
		EventID:  EventStateChanged,
		Severity: SeverityInfo,
		Source:   0,
		Data:     EncodeStateChangedData(StatePrecool, StateRunning),
	})
	decoded, err := DecodeEvent(payload)
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}
	if decoded.EventID != EventStateChanged || decoded.Severity != SeverityInfo {
		t.Fatalf("unexpected decode: %+v", decoded)
	}
	if !bytes.Equal(decoded.Data, []byte{byte(StatePrecool), byte(StateRunning)}) {
		t.Fatalf("data = %v", decoded.Data)
	}
}
