package machine

import (
	"io"
	"log"
	"testing"
	"time"

	"github.com/nunucryo/shaker-mcu/pkg/wire"
)

func discardLogger() *log.Logger { return log.New(io.Discard, "", 0) }

type fakeRelay struct {
	state   uint8
	inputs  uint8
	allOffN int
}

func (r *fakeRelay) Set(channel uint8, on bool) error {
	if on {
		r.state |= 1 << (channel - 1)
	} else {
		r.state &^= 1 << (channel - 1)
	}
	return nil
}
func (r *fakeRelay) AllOff() error           { r.allOffN++; r.state = 0; return nil }
func (r *fakeRelay) OutputState() uint8      { return r.state }
func (r *fakeRelay) ReadInputs() (uint8, error) { return r.inputs, nil }

type fakeSession struct {
	valid bool
	live  bool
}

func (s *fakeSession) IsValid(uint32) bool { return s.valid }
func (s *fakeSession) IsLive() bool        { return s.live }

type fakePID struct {
	pvX10  int16
	online bool
	found  bool
}

func (p *fakePID) Snapshot(addr uint8) (int16, bool, bool) { return p.pvX10, p.online, p.found }

type recordingSink struct {
	events []wire.EventID
}

func (s *recordingSink) Emit(id wire.EventID, _ wire.Severity, _ []byte) {
	s.events = append(s.events, id)
}

// diAllSafe is the bit pattern for all digital inputs reading HIGH
// (E-Stop released, door closed, LN2 present).
const diAllSafe = 0xFF

func newTestManager(relay *fakeRelay, session *fakeSession, pid *fakePID, events *recordingSink) *Manager {
	// A nil *recordingSink must reach New as a nil EventSink, not as a
	// non-nil interface holding a nil pointer.
	var sink EventSink
	if events != nil {
		sink = events
	}
	m := New(relay, session, pid, nil, sink, discardLogger())
	now := time.Unix(10000, 0)
	m.nowFunc = func() time.Time { return now }
	return m
}

func TestInitLatchesEstopOnStartup(t *testing.T) {
	relay := &fakeRelay{inputs: diAllSafe &^ (1 << (DIEstop - 1))} // DI1 LOW = E-stop pressed
	m := newTestManager(relay, &fakeSession{}, &fakePID{}, nil)
	m.Init()
	if m.State() != StateEStop {
		t.Fatalf("state = %v, want StateEStop", m.State())
	}
}

func TestStartRunRejectsInvalidSession(t *testing.T) {
	relay := &fakeRelay{inputs: diAllSafe}
	m := newTestManager(relay, &fakeSession{valid: false}, &fakePID{}, nil)
	if err := m.StartRun(1, RunModeNormal, 0, 0); err != ErrInvalidSession {
		t.Fatalf("err = %v, want ErrInvalidSession", err)
	}
}

func TestStartRunTransitionsToPrecoolAndLocksDoor(t *testing.T) {
	relay := &fakeRelay{inputs: diAllSafe}
	events := &recordingSink{}
	m := newTestManager(relay, &fakeSession{valid: true, live: true}, &fakePID{}, events)
	m.Init()

	if err := m.StartRun(1, RunModeNormal, 0, 0); err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if m.State() != StatePrecool {
		t.Fatalf("state = %v, want StatePrecool", m.State())
	}
	if relay.state&(1<<(ChannelDoorLock-1)) == 0 {
		t.Fatal("expected door lock relay engaged on precool entry")
	}
	if relay.state&(1<<(ChannelMainContactor-1)) == 0 {
		t.Fatal("expected main contactor energized on precool entry")
	}

	found := false
	for _, e := range events.events {
		if e == wire.EventRunStarted {
			found = true
		}
	}
	if !found {
		t.Fatal("expected EventRunStarted to be emitted")
	}
}

func TestStartRunRejectedWhenNotIdle(t *testing.T) {
	relay := &fakeRelay{inputs: diAllSafe}
	m := newTestManager(relay, &fakeSession{valid: true, live: true}, &fakePID{}, nil)
	m.Init()
	_ = m.StartRun(1, RunModeNormal, 0, 0)

	if err := m.StartRun(1, RunModeNormal, 0, 0); err != ErrInvalidState {
		t.Fatalf("err = %v, want ErrInvalidState", err)
	}
}

func TestPrecoolAdvancesToRunningWhenTargetReached(t *testing.T) {
	relay := &fakeRelay{inputs: diAllSafe}
	pid := &fakePID{pvX10: PrecoolTargetTempX10, online: true, found: true}
	m := newTestManager(relay, &fakeSession{valid: true, live: true}, pid, nil)
	m.Init()
	_ = m.StartRun(1, RunModeNormal, 0, 0)

	m.tick()

	if m.State() != StateRunning {
		t.Fatalf("state = %v, want StateRunning", m.State())
	}
	if relay.state&(1<<(ChannelMotorStart-1)) == 0 {
		t.Fatal("expected motor-start relay engaged on running entry")
	}
}

func TestPrecoolOnlyModeStopsAfterPrecool(t *testing.T) {
	relay := &fakeRelay{inputs: diAllSafe}
	pid := &fakePID{pvX10: PrecoolTargetTempX10, online: true, found: true}
	m := newTestManager(relay, &fakeSession{valid: true, live: true}, pid, nil)
	m.Init()
	_ = m.StartRun(1, RunModePrecoolOnly, 0, 0)

	m.tick()

	if m.State() != StateStopping {
		t.Fatalf("state = %v, want StateStopping", m.State())
	}
}

func TestPrecoolTimeoutAdvancesAnyway(t *testing.T) {
	relay := &fakeRelay{inputs: diAllSafe}
	pid := &fakePID{pvX10: 200, online: true, found: true} // 20.0C, nowhere near target
	events := &recordingSink{}
	m := New(relay, &fakeSession{valid: true, live: true}, pid, nil, events, discardLogger())
	now := time.Unix(10000, 0)
	m.nowFunc = func() time.Time { return now }
	m.Init()
	_ = m.StartRun(1, RunModeNormal, 0, 0)

	now = now.Add(PrecoolTimeout - time.Second)
	m.tick()
	if m.State() != StatePrecool {
		t.Fatalf("state = %v, want StatePrecool before timeout", m.State())
	}

	now = now.Add(2 * time.Second)
	m.tick()
	if m.State() != StateRunning {
		t.Fatalf("state = %v, want StateRunning after precool timeout", m.State())
	}

	sawChange := false
	for _, e := range events.events {
		if e == wire.EventStateChanged {
			sawChange = true
		}
	}
	if !sawChange {
		t.Fatal("expected state-changed event on timeout advance")
	}
}

func TestStoppingSoakReturnsToIdle(t *testing.T) {
	relay := &fakeRelay{inputs: diAllSafe}
	pid := &fakePID{pvX10: PrecoolTargetTempX10, online: true, found: true}
	m := New(relay, &fakeSession{valid: true, live: true}, pid, nil, nil, discardLogger())
	now := time.Unix(10000, 0)
	m.nowFunc = func() time.Time { return now }
	m.Init()
	_ = m.StartRun(1, RunModeNormal, 0, 0)
	m.tick() // -> RUNNING
	_ = m.StopRun(1, StopModeNormal)
	if m.State() != StateStopping {
		t.Fatalf("state = %v, want StateStopping", m.State())
	}
	if relay.state&(1<<(ChannelMotorStart-1)) != 0 {
		t.Fatal("expected motor-start relay off during soak")
	}
	if relay.state&(1<<(ChannelMainContactor-1)) == 0 {
		t.Fatal("expected contactor held during soak")
	}

	now = now.Add(StoppingSoakTime + time.Second)
	m.tick()
	if m.State() != StateIdle {
		t.Fatalf("state = %v, want StateIdle after soak", m.State())
	}
	if relay.state != 0 {
		t.Fatalf("relay state = 0x%02X, want all off in IDLE", relay.state)
	}
}

func TestDoorOpenDuringRunFaults(t *testing.T) {
	relay := &fakeRelay{inputs: diAllSafe}
	pid := &fakePID{pvX10: PrecoolTargetTempX10, online: true, found: true}
	m := newTestManager(relay, &fakeSession{valid: true, live: true}, pid, nil)
	m.Init()
	_ = m.StartRun(1, RunModeNormal, 0, 0)
	m.tick() // advances to RUNNING

	relay.inputs = diAllSafe &^ (1 << (DIDoorClosed - 1)) // door open
	m.tick()

	if m.State() != StateFault {
		t.Fatalf("state = %v, want StateFault", m.State())
	}
}

func TestEstopPreemptsEverythingInTick(t *testing.T) {
	relay := &fakeRelay{inputs: diAllSafe}
	pid := &fakePID{pvX10: PrecoolTargetTempX10, online: true, found: true}
	m := newTestManager(relay, &fakeSession{valid: true, live: true}, pid, nil)
	m.Init()
	_ = m.StartRun(1, RunModeNormal, 0, 0)
	m.tick() // -> RUNNING, motor + contactor energized

	relay.inputs = diAllSafe &^ (1 << (DIEstop - 1))
	m.tick()

	if m.State() != StateEStop {
		t.Fatalf("state = %v, want StateEStop", m.State())
	}
	if relay.state != 0 {
		t.Fatalf("relay state = 0x%02X, want every output off in E_STOP", relay.state)
	}
}

func TestClearEstopRequiresInputReleased(t *testing.T) {
	relay := &fakeRelay{inputs: diAllSafe &^ (1 << (DIEstop - 1))}
	m := newTestManager(relay, &fakeSession{valid: true, live: true}, &fakePID{}, nil)
	m.Init() // latches into E_STOP

	if err := m.ClearEstop(1); err != ErrConditionActive {
		t.Fatalf("err = %v, want ErrConditionActive while E-stop still active", err)
	}

	relay.inputs = diAllSafe
	m.updateDIBits()
	if err := m.ClearEstop(1); err != nil {
		t.Fatalf("ClearEstop: %v", err)
	}
	if m.State() != StateIdle {
		t.Fatalf("state = %v, want StateIdle", m.State())
	}
}

func TestEnterExitServiceTurnsOffRelays(t *testing.T) {
	relay := &fakeRelay{inputs: diAllSafe}
	m := newTestManager(relay, &fakeSession{valid: true, live: true}, &fakePID{}, nil)
	m.Init()

	if err := m.EnterService(1); err != nil {
		t.Fatalf("EnterService: %v", err)
	}
	_ = relay.Set(ChannelChamberLight, true)

	if err := m.ExitService(1); err != nil {
		t.Fatalf("ExitService: %v", err)
	}
	if relay.allOffN == 0 {
		t.Fatal("expected AllOff on service exit")
	}
	if relay.state != 0 {
		t.Fatalf("relay state = 0x%02X, want all off after service exit", relay.state)
	}
	if m.State() != StateIdle {
		t.Fatalf("state = %v, want StateIdle", m.State())
	}
}

func TestPauseFreezesRunningTick(t *testing.T) {
	relay := &fakeRelay{inputs: diAllSafe}
	session := &fakeSession{valid: true, live: true}
	pid := &fakePID{pvX10: PrecoolTargetTempX10, online: true, found: true}
	events := &recordingSink{}
	m := newTestManager(relay, session, pid, events)
	m.Init()
	_ = m.StartRun(1, RunModeNormal, 0, 5000)
	m.tick() // -> RUNNING

	if err := m.Pause(1); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if !m.IsPaused() {
		t.Fatal("expected IsPaused() true")
	}

	for i := 0; i < 200; i++ {
		m.tick()
	}
	if m.State() != StateRunning {
		t.Fatalf("state = %v, want StateRunning (paused run should not advance)", m.State())
	}

	if err := m.Resume(1); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if m.IsPaused() {
		t.Fatal("expected IsPaused() false after Resume")
	}

	var sawPause, sawResume bool
	for _, e := range events.events {
		if e == wire.EventPaused {
			sawPause = true
		}
		if e == wire.EventResumed {
			sawResume = true
		}
	}
	if !sawPause || !sawResume {
		t.Fatalf("expected Paused and Resumed events, got %v", events.events)
	}
}

func TestPauseRejectedWhenIdle(t *testing.T) {
	relay := &fakeRelay{inputs: diAllSafe}
	m := newTestManager(relay, &fakeSession{valid: true, live: true}, &fakePID{}, nil)
	m.Init()
	if err := m.Pause(1); err != ErrInvalidState {
		t.Fatalf("err = %v, want ErrInvalidState", err)
	}
}

func TestHMIDisconnectDuringRunStops(t *testing.T) {
	relay := &fakeRelay{inputs: diAllSafe}
	session := &fakeSession{valid: true, live: true}
	pid := &fakePID{pvX10: PrecoolTargetTempX10, online: true, found: true}
	m := newTestManager(relay, session, pid, nil)
	m.Init()
	_ = m.StartRun(1, RunModeNormal, 0, 0)
	m.tick() // -> RUNNING

	session.live = false
	m.tick()

	if m.State() != StateStopping {
		t.Fatalf("state = %v, want StateStopping", m.State())
	}
}
