package dispatch

import (
	"context"
	"encoding/binary"
	"io"
	"log"
	"testing"

	"github.com/nunucryo/shaker-mcu/internal/devinfo"
	"github.com/nunucryo/shaker-mcu/internal/machine"
	"github.com/nunucryo/shaker-mcu/internal/pid"
	"github.com/nunucryo/shaker-mcu/internal/safety"
	"github.com/nunucryo/shaker-mcu/internal/session"
	"github.com/nunucryo/shaker-mcu/pkg/wire"
)

func discardLogger() *log.Logger { return log.New(io.Discard, "", 0) }

const diAllSafe = 0xFF

type fakeRelay struct {
	state  uint8
	inputs uint8
}

func (r *fakeRelay) Set(channel uint8, on bool) error {
	if on {
		r.state |= 1 << (channel - 1)
	} else {
		r.state &^= 1 << (channel - 1)
	}
	return nil
}
func (r *fakeRelay) AllOff() error           { r.state = 0; return nil }
func (r *fakeRelay) OutputState() uint8      { return r.state }
func (r *fakeRelay) ReadInputs() (uint8, error) { return r.inputs, nil }

// fakeRelayController additionally satisfies dispatch.RelayController.
type fakeRelayController struct {
	fakeRelay
	mask, values byte
	maskCalls    int
}

func (r *fakeRelayController) SetState(channel uint8, state byte) error {
	switch state {
	case 0:
		return r.Set(channel, false)
	case 1:
		return r.Set(channel, true)
	default:
		return r.Set(channel, r.state&(1<<(channel-1)) == 0)
	}
}

func (r *fakeRelayController) SetMask(mask, values byte) error {
	r.maskCalls++
	r.state = (r.state &^ mask) | (values & mask)
	return nil
}

type fakePIDReader struct {
	pvX10  int16
	online bool
	found  bool
}

func (p *fakePIDReader) Snapshot(addr uint8) (int16, bool, bool) { return p.pvX10, p.online, p.found }

// fakePIDController is a scripted stand-in for *internal/pid.Poller.
type fakePIDController struct {
	setSVErr     error
	readbackSV   uint16
	setModeErr   error
	activityHits int
}

func (p *fakePIDController) SignalActivity()                                    { p.activityHits++ }
func (p *fakePIDController) SetSV(context.Context, uint8, float64) error        { return p.setSVErr }
func (p *fakePIDController) SetMode(context.Context, uint8, pid.CtrlMode) error { return p.setModeErr }
func (p *fakePIDController) ForcePoll(uint8) error                              { return nil }
func (p *fakePIDController) WriteTuning(context.Context, uint8, pid.Tuning) error { return nil }
func (p *fakePIDController) SetAlarmLimits(context.Context, uint8, pid.AlarmLimits) error {
	return nil
}
func (p *fakePIDController) ReadAlarmLimits(context.Context, uint8) (pid.AlarmLimits, error) {
	return pid.AlarmLimits{Alarm1: 10, Alarm2: 20}, nil
}
func (p *fakePIDController) ReadRegister(context.Context, uint8, uint16) (uint16, error) {
	return p.readbackSV, nil
}
func (p *fakePIDController) WriteRegister(_ context.Context, _ uint8, _ uint16, value uint16) (uint16, error) {
	return value, nil
}
func (p *fakePIDController) StartAutotune(context.Context, uint8) error                 { return nil }
func (p *fakePIDController) StopAutotune(context.Context, uint8) error                  { return nil }
func (p *fakePIDController) SetIdleTimeout(uint8)                                       {}
func (p *fakePIDController) IdleTimeout() uint8                                         { return 0 }

type fakeSink struct {
	events []wire.EventID
}

func (s *fakeSink) Emit(id wire.EventID, _ wire.Severity, _ []byte) {
	s.events = append(s.events, id)
}

func newHarness(t *testing.T, diBits uint8) (*Dispatcher, *session.Manager, *machine.Manager, *fakeRelayController, *fakePIDController, *fakeSink) {
	t.Helper()
	sessions := session.New()
	relayC := &fakeRelayController{fakeRelay: fakeRelay{inputs: diBits}}
	pidReader := &fakePIDReader{}
	m := machine.New(&relayC.fakeRelay, sessions, pidReader, nil, nil, discardLogger())
	m.Init()

	gate := safety.New(safety.DefaultCapabilities(), nil, m, sessions)
	pidC := &fakePIDController{}
	sink := &fakeSink{}
	d := New(sessions, m, gate, pidC, relayC, sink, discardLogger())
	return d, sessions, m, relayC, pidC, sink
}

func openSessionBody(nonce uint32) []byte {
	body := make([]byte, 4)
	binary.LittleEndian.PutUint32(body, nonce)
	return wire.EncodeCommand(wire.CmdOpenSession, body)
}

func TestOpenAndKeepalive(t *testing.T) {
	d, sessions, _, _, _, _ := newHarness(t, diAllSafe)

	_, ack := d.Dispatch(context.Background(), openSessionBody(0xDEADBEEF))
	if ack.Status != wire.StatusOK {
		t.Fatalf("open-session status = %v, want OK", ack.Status)
	}
	if len(ack.Optional) < 6 {
		t.Fatalf("expected session_id+lease_ms optional body, got %v", ack.Optional)
	}
	sessionID := binary.LittleEndian.Uint32(ack.Optional[0:4])
	if sessionID == 0 {
		t.Fatal("expected nonzero session id")
	}
	if !sessions.IsValid(sessionID) {
		t.Fatal("session manager should consider the new session valid")
	}

	kaBody := make([]byte, 4)
	binary.LittleEndian.PutUint32(kaBody, sessionID)
	_, ack2 := d.Dispatch(context.Background(), wire.EncodeCommand(wire.CmdKeepalive, kaBody))
	if ack2.Status != wire.StatusOK {
		t.Fatalf("keepalive status = %v, want OK", ack2.Status)
	}
}

func TestStartRunBlockedByEstop(t *testing.T) {
	estopActive := uint8(diAllSafe &^ 0x01) // DI1 LOW = E-Stop asserted
	d, sessions, _, _, _, _ := newHarness(t, estopActive)

	sessionID, _, _ := sessions.Open(1)

	body := make([]byte, 11)
	binary.LittleEndian.PutUint32(body[0:4], sessionID)
	body[4] = byte(machine.RunModeNormal)

	_, ack := d.Dispatch(context.Background(), wire.EncodeCommand(wire.CmdStartRun, body))
	if ack.Status != wire.StatusRejectedPolicy {
		t.Fatalf("status = %v, want RejectedPolicy", ack.Status)
	}
	if ack.Detail != wire.DetailInterlocksBlocking {
		t.Fatalf("detail = 0x%04X, want DetailInterlocksBlocking", ack.Detail)
	}
	if len(ack.Optional) != 1 || ack.Optional[0]&machine.InterlockBitEstop == 0 {
		t.Fatalf("optional = %v, want interlock byte with E-Stop bit set", ack.Optional)
	}
}

func TestRelayMaskUpdate(t *testing.T) {
	d, sessions, _, relayC, _, _ := newHarness(t, diAllSafe)
	sessionID, _, _ := sessions.Open(1)
	relayC.state = 0xF0

	body := make([]byte, 6)
	binary.LittleEndian.PutUint32(body[0:4], sessionID)
	body[4] = 0x0F // mask
	body[5] = 0x05 // values

	_, ack := d.Dispatch(context.Background(), wire.EncodeCommand(wire.CmdSetRelayMask, body))
	if ack.Status != wire.StatusOK {
		t.Fatalf("status = %v, want OK", ack.Status)
	}
	if relayC.state != 0xF5 {
		t.Fatalf("relay state = 0x%02X, want 0xF5", relayC.state)
	}
}

func TestSetSVVerifyMismatchReturnsHWFault(t *testing.T) {
	d, sessions, _, _, pidC, _ := newHarness(t, diAllSafe)
	sessionID, _, _ := sessions.Open(1)
	pidC.setSVErr = pid.ErrVerifyMismatch
	pidC.readbackSV = 245

	body := make([]byte, 7)
	binary.LittleEndian.PutUint32(body[0:4], sessionID)
	body[4] = 1 // controller id
	binary.LittleEndian.PutUint16(body[5:7], 250)

	_, ack := d.Dispatch(context.Background(), wire.EncodeCommand(wire.CmdSetSV, body))
	if ack.Status != wire.StatusHWFault {
		t.Fatalf("status = %v, want HWFault", ack.Status)
	}
	got := binary.LittleEndian.Uint16(ack.Optional)
	if got != 245 {
		t.Fatalf("optional readback = %d, want 245", got)
	}
}

func TestSetSVSuccess(t *testing.T) {
	d, sessions, _, _, _, _ := newHarness(t, diAllSafe)
	sessionID, _, _ := sessions.Open(1)

	body := make([]byte, 7)
	binary.LittleEndian.PutUint32(body[0:4], sessionID)
	body[4] = 1
	binary.LittleEndian.PutUint16(body[5:7], 250)

	_, ack := d.Dispatch(context.Background(), wire.EncodeCommand(wire.CmdSetSV, body))
	if ack.Status != wire.StatusOK {
		t.Fatalf("status = %v, want OK", ack.Status)
	}
}

func TestSetAndReadAlarmLimits(t *testing.T) {
	d, sessions, _, _, _, _ := newHarness(t, diAllSafe)
	sessionID, _, _ := sessions.Open(1)

	setBody := make([]byte, 9)
	binary.LittleEndian.PutUint32(setBody[0:4], sessionID)
	setBody[4] = 1
	binary.LittleEndian.PutUint16(setBody[5:7], 10)
	binary.LittleEndian.PutUint16(setBody[7:9], 20)

	_, ack := d.Dispatch(context.Background(), wire.EncodeCommand(wire.CmdSetAlarmLimits, setBody))
	if ack.Status != wire.StatusOK {
		t.Fatalf("set-alarm-limits status = %v, want OK", ack.Status)
	}

	readBody := make([]byte, 5)
	binary.LittleEndian.PutUint32(readBody[0:4], sessionID)
	readBody[4] = 1

	_, ack = d.Dispatch(context.Background(), wire.EncodeCommand(wire.CmdReadAlarmLimits, readBody))
	if ack.Status != wire.StatusOK {
		t.Fatalf("read-alarm-limits status = %v, want OK", ack.Status)
	}
	al1 := binary.LittleEndian.Uint16(ack.Optional[0:2])
	al2 := binary.LittleEndian.Uint16(ack.Optional[2:4])
	if al1 != 10 || al2 != 20 {
		t.Fatalf("alarm limits = (%d, %d), want (10, 20)", al1, al2)
	}
}

func TestInvalidSessionRejected(t *testing.T) {
	d, _, _, _, _, _ := newHarness(t, diAllSafe)

	body := make([]byte, 4)
	binary.LittleEndian.PutUint32(body, 0xFFFFFFFF)
	_, ack := d.Dispatch(context.Background(), wire.EncodeCommand(wire.CmdKeepalive, body))
	if ack.Status != wire.StatusRejectedPolicy || ack.Detail != wire.DetailInvalidSession {
		t.Fatalf("ack = %+v, want RejectedPolicy/InvalidSession", ack)
	}
}

func TestKeepaliveDoesNotSignalActivityButOtherCommandsDo(t *testing.T) {
	d, sessions, _, _, pidC, _ := newHarness(t, diAllSafe)
	sessionID, _, _ := sessions.Open(1)

	kaBody := make([]byte, 4)
	binary.LittleEndian.PutUint32(kaBody, sessionID)
	d.Dispatch(context.Background(), wire.EncodeCommand(wire.CmdKeepalive, kaBody))
	if pidC.activityHits != 0 {
		t.Fatalf("keepalive should not signal activity, hits=%d", pidC.activityHits)
	}

	body := make([]byte, 7)
	binary.LittleEndian.PutUint32(body[0:4], sessionID)
	body[4] = 1
	d.Dispatch(context.Background(), wire.EncodeCommand(wire.CmdSetSV, body))
	if pidC.activityHits != 1 {
		t.Fatalf("expected activity signal on non-keepalive command, hits=%d", pidC.activityHits)
	}
}

func TestOpenSessionEmitsHMIConnectedEvent(t *testing.T) {
	d, _, _, _, _, sink := newHarness(t, diAllSafe)
	d.Dispatch(context.Background(), openSessionBody(1))

	found := false
	for _, e := range sink.events {
		if e == wire.EventHMIConnected {
			found = true
		}
	}
	if !found {
		t.Fatal("expected EventHMIConnected to be emitted")
	}
}

func TestUnknownCommandIsInvalidArgs(t *testing.T) {
	d, _, _, _, _, _ := newHarness(t, diAllSafe)
	_, ack := d.Dispatch(context.Background(), wire.EncodeCommand(wire.CmdID(0x9999), nil))
	if ack.Status != wire.StatusInvalidArgs {
		t.Fatalf("status = %v, want InvalidArgs", ack.Status)
	}
}

func TestRelayMaskZeroRejected(t *testing.T) {
	d, sessions, _, relayC, _, _ := newHarness(t, diAllSafe)
	sessionID, _, _ := sessions.Open(1)

	body := make([]byte, 6)
	binary.LittleEndian.PutUint32(body[0:4], sessionID)
	body[4] = 0x00 // mask
	body[5] = 0xFF

	_, ack := d.Dispatch(context.Background(), wire.EncodeCommand(wire.CmdSetRelayMask, body))
	if ack.Status != wire.StatusInvalidArgs || ack.Detail != wire.DetailDomainOutOfRange {
		t.Fatalf("ack = %+v, want InvalidArgs/DomainOutOfRange", ack)
	}
	if relayC.maskCalls != 0 {
		t.Fatal("expected no relay write for mask 0")
	}
}

func TestSetSVRejectsOutOfRangeControllerID(t *testing.T) {
	d, sessions, _, _, _, _ := newHarness(t, diAllSafe)
	sessionID, _, _ := sessions.Open(1)

	body := make([]byte, 7)
	binary.LittleEndian.PutUint32(body[0:4], sessionID)
	body[4] = 4 // fleet holds controllers 1-3
	binary.LittleEndian.PutUint16(body[5:7], 250)

	_, ack := d.Dispatch(context.Background(), wire.EncodeCommand(wire.CmdSetSV, body))
	if ack.Status != wire.StatusInvalidArgs {
		t.Fatalf("status = %v, want InvalidArgs", ack.Status)
	}
}

func TestWriteRegisterRejectsProtectedRange(t *testing.T) {
	d, sessions, _, _, _, _ := newHarness(t, diAllSafe)
	sessionID, _, _ := sessions.Open(1)

	body := make([]byte, 9)
	binary.LittleEndian.PutUint32(body[0:4], sessionID)
	body[4] = 1
	binary.LittleEndian.PutUint16(body[5:7], pid.RegCommFirst)
	binary.LittleEndian.PutUint16(body[7:9], 9600)

	_, ack := d.Dispatch(context.Background(), wire.EncodeCommand(wire.CmdWriteRegister, body))
	if ack.Status != wire.StatusInvalidArgs {
		t.Fatalf("status = %v, want InvalidArgs for protected register", ack.Status)
	}
}

func TestWriteRegisterAckCarriesVerifiedValue(t *testing.T) {
	d, sessions, _, _, _, _ := newHarness(t, diAllSafe)
	sessionID, _, _ := sessions.Open(1)

	body := make([]byte, 9)
	binary.LittleEndian.PutUint32(body[0:4], sessionID)
	body[4] = 2
	binary.LittleEndian.PutUint16(body[5:7], pid.RegAL1)
	binary.LittleEndian.PutUint16(body[7:9], 450)

	_, ack := d.Dispatch(context.Background(), wire.EncodeCommand(wire.CmdWriteRegister, body))
	if ack.Status != wire.StatusOK {
		t.Fatalf("status = %v, want OK", ack.Status)
	}
	if len(ack.Optional) != 5 || ack.Optional[0] != 2 {
		t.Fatalf("optional = %v, want {ctrl, reg, verified}", ack.Optional)
	}
	if got := binary.LittleEndian.Uint16(ack.Optional[3:5]); got != 450 {
		t.Fatalf("verified value = %d, want 450", got)
	}
}

type fakeDiag struct {
	snapshots int
	clears    int
}

func (f *fakeDiag) PushSnapshotNow() { f.snapshots++ }
func (f *fakeDiag) ClearWarnings()   { f.clears++ }

func TestSnapshotNowIsSessionGatedAndForwarded(t *testing.T) {
	d, sessions, _, _, _, _ := newHarness(t, diAllSafe)
	diag := &fakeDiag{}
	d.SetDiagnostics(diag)

	body := make([]byte, 4)
	binary.LittleEndian.PutUint32(body, 0xBADBAD)
	_, ack := d.Dispatch(context.Background(), wire.EncodeCommand(wire.CmdRequestSnapshotNow, body))
	if ack.Status != wire.StatusRejectedPolicy {
		t.Fatalf("status = %v, want RejectedPolicy without a session", ack.Status)
	}
	if diag.snapshots != 0 {
		t.Fatal("expected no snapshot push for invalid session")
	}

	sessionID, _, _ := sessions.Open(1)
	binary.LittleEndian.PutUint32(body, sessionID)
	_, ack = d.Dispatch(context.Background(), wire.EncodeCommand(wire.CmdRequestSnapshotNow, body))
	if ack.Status != wire.StatusOK || diag.snapshots != 1 {
		t.Fatalf("ack = %+v snapshots = %d, want OK and one push", ack, diag.snapshots)
	}
}

func TestGetDeviceInfoServedWithoutSession(t *testing.T) {
	d, _, _, _, _, _ := newHarness(t, diAllSafe)

	info := devinfo.Info{ProtoVer: 1, FWMinor: 3, FWPatch: 10, BuildID: 0x26012011, CapBits: devinfo.CapSessionLease}
	encoded := info.Encode()
	d.SetDeviceInfo(encoded[:])

	_, ack := d.Dispatch(context.Background(), wire.EncodeCommand(wire.CmdGetDeviceInfo, nil))
	if ack.Status != wire.StatusOK {
		t.Fatalf("status = %v, want OK without any session", ack.Status)
	}
	if len(ack.Optional) != devinfo.Size {
		t.Fatalf("optional length = %d, want %d", len(ack.Optional), devinfo.Size)
	}
	if got := devinfo.Decode(ack.Optional); got != info {
		t.Fatalf("decoded = %+v, want %+v", got, info)
	}
}

func TestGetDeviceInfoNotReadyWhenUnset(t *testing.T) {
	d, _, _, _, _, _ := newHarness(t, diAllSafe)
	_, ack := d.Dispatch(context.Background(), wire.EncodeCommand(wire.CmdGetDeviceInfo, nil))
	if ack.Status != wire.StatusNotReady {
		t.Fatalf("status = %v, want NotReady before SetDeviceInfo", ack.Status)
	}
}

func TestSetCapPersistsConfig(t *testing.T) {
	d, sessions, _, _, _, _ := newHarness(t, diAllSafe)
	saved := 0
	d.SetConfigSaver(func() { saved++ })
	sessionID, _, _ := sessions.Open(1)

	body := make([]byte, 6)
	binary.LittleEndian.PutUint32(body[0:4], sessionID)
	body[4] = byte(safety.SubsystemDILN2)
	body[5] = byte(safety.CapRequired)

	_, ack := d.Dispatch(context.Background(), wire.EncodeCommand(wire.CmdSetCap, body))
	if ack.Status != wire.StatusOK {
		t.Fatalf("status = %v, want OK", ack.Status)
	}
	if saved != 1 {
		t.Fatalf("config saver calls = %d, want 1", saved)
	}
}
