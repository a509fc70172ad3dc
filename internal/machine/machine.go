// Package machine implements the process-control state machine
// (SPEC_FULL.md §4.7), grounded on
// original_source/firmware/components/machine_state/machine_state.c.
//
// IDLE -> PRECOOL -> RUNNING -> STOPPING -> IDLE, with E_STOP and FAULT
// reachable from any state and a manual SERVICE mode entered/exited only
// from IDLE.
package machine

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/nunucryo/shaker-mcu/internal/safety"
	"github.com/nunucryo/shaker-mcu/pkg/wire"
)

// State is one of the machine's seven top-level states.
type State byte

const (
	StateIdle State = iota
	StatePrecool
	StateRunning
	StateStopping
	StateEStop
	StateFault
	StateService
	stateMax
)

var stateNames = [stateMax]string{
	StateIdle:     "IDLE",
	StatePrecool:  "PRECOOL",
	StateRunning:  "RUNNING",
	StateStopping: "STOPPING",
	StateEStop:    "E_STOP",
	StateFault:    "FAULT",
	StateService:  "SERVICE",
}

func (s State) String() string {
	if s < stateMax {
		return stateNames[s]
	}
	return "UNKNOWN"
}

// ToWireCode maps a State to the wire protocol's MachineStateCode.
func (s State) ToWireCode() wire.MachineStateCode {
	return wire.MachineStateCode(s)
}

// RunMode selects how a started run behaves.
type RunMode byte

const (
	RunModeNormal       RunMode = iota // full precool + run cycle
	RunModeDryRun                      // accepted; drives the same outputs as RunModeNormal
	RunModePrecoolOnly                 // stop after precool completes
)

// StopMode selects how a run is stopped.
type StopMode byte

const (
	StopModeNormal StopMode = iota // graceful stop with thermal soak
	StopModeAbort                  // fast stop, maintain safe state immediately
)

// Interlock bits, matching the telemetry interlock_bits field.
const (
	InterlockBitEstop      uint8 = 1 << 0
	InterlockBitDoorOpen   uint8 = 1 << 1
	InterlockBitLN2Absent  uint8 = 1 << 2
	InterlockBitMotorFault uint8 = 1 << 3
	InterlockBitHMIStale   uint8 = 1 << 4
)

// Digital input channels (1-based, matching hardware labels).
const (
	DIEstop       uint8 = 1
	DIDoorClosed  uint8 = 2
	DILN2Present  uint8 = 3
	DIMotorFault  uint8 = 4
)

// Relay output channels (1-based, matching hardware labels).
//
// ChannelMotorStart is never explicitly assigned a channel number in the
// original firmware's header — only referenced from machine_state.c. It
// is placed at 7, the next free channel after the six that are defined,
// consistent with the documented door-lock/chamber-light channels 5/6.
const (
	ChannelMainContactor uint8 = 1
	ChannelHeater1       uint8 = 2
	ChannelHeater2       uint8 = 3
	ChannelLN2Valve      uint8 = 4
	ChannelDoorLock      uint8 = 5
	ChannelChamberLight  uint8 = 6
	ChannelMotorStart    uint8 = 7
)

// Precool/stopping timing parameters.
const (
	PrecoolTargetTempX10    int16         = -500
	PrecoolTimeout                        = 5 * time.Minute
	PrecoolToleranceX10     int16         = 50
	StoppingSoakTime                      = 30 * time.Second
	PollInterval                          = 50 * time.Millisecond
	chamberControllerAddr   uint8         = 1
)

// RunInfo is a snapshot of run progress, used to compose telemetry.
type RunInfo struct {
	State          State
	RunMode        RunMode
	RunElapsedMs   uint32
	RunRemainingMs uint32
	TargetTempX10  int16
	RecipeStep     uint8
	InterlockBits  uint8
}

// RelayDriver is the minimal relay interface the state machine needs;
// satisfied by *internal/relay.Driver.
type RelayDriver interface {
	Set(channel uint8, on bool) error
	AllOff() error
	OutputState() uint8
	ReadInputs() (uint8, error)
}

// ControllerReader is the minimal PID status interface the state machine
// needs to read chamber temperature; satisfied by *internal/pid.Poller.
type ControllerReader interface {
	Snapshot(addr uint8) (pvX10 int16, online bool, found bool)
}

// SessionValidator is the minimal session interface the state machine
// needs; satisfied by *internal/session.Manager.
type SessionValidator interface {
	IsValid(sessionID uint32) bool
	IsLive() bool
}

// EventSink receives state-machine events for wire delivery; satisfied
// by *internal/telemetry.Emitter or any equivalent event publisher.
type EventSink interface {
	Emit(eventID wire.EventID, severity wire.Severity, data []byte)
}

// StateChangeFunc is invoked on every transition.
type StateChangeFunc func(old, new State)

// Manager owns machine state and runs the 50ms control tick.
type Manager struct {
	mu sync.Mutex

	state          State
	runMode        RunMode
	runStartAt     time.Time
	runDurationMs  uint32
	targetTempX10  int16
	stateEnteredAt time.Time
	diBits         uint8
	paused         bool
	pausedAt       time.Time

	relay    RelayDriver
	session  SessionValidator
	pid      ControllerReader
	gate     *safety.Gate
	events   EventSink
	logger   *log.Logger
	nowFunc  func() time.Time
	onChange StateChangeFunc

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a machine manager in the IDLE state. Call Init to read the
// initial digital inputs and latch E-Stop if already asserted, then Run
// to start the 50 ms control loop.
func New(relay RelayDriver, session SessionValidator, pid ControllerReader, gate *safety.Gate, events EventSink, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.Default()
	}
	return &Manager{
		state:          StateIdle,
		stateEnteredAt: time.Now(),
		diBits:         0xFF, // all HIGH = safe default until first read
		relay:          relay,
		session:        session,
		pid:            pid,
		gate:           gate,
		events:         events,
		logger:         logger,
		nowFunc:        time.Now,
	}
}

func (m *Manager) now() time.Time {
	if m.nowFunc != nil {
		return m.nowFunc()
	}
	return time.Now()
}

// SetOnChange registers a callback invoked synchronously on every state
// transition. It runs with the state lock held: it must not call back
// into this manager.
func (m *Manager) SetOnChange(cb StateChangeFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = cb
}

// Init reads the initial digital input state and, if E-Stop is already
// asserted, latches directly into E_STOP.
func (m *Manager) Init() {
	m.updateDIBits()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.checkEstopActiveLocked() {
		m.logger.Printf("machine: E-Stop active on startup")
		m.transitionToLocked(StateEStop)
	}
}

// Run starts the 50 ms control tick loop; it returns once ctx is
// cancelled or Stop is called.
func (m *Manager) Run(ctx context.Context) {
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	defer close(m.doneCh)

	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.tick()
		}
	}
}

// Stop halts the control tick loop and waits for it to exit.
func (m *Manager) Stop() {
	if m.stopCh == nil {
		return
	}
	close(m.stopCh)
	<-m.doneCh
}

// State returns the current machine state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Interlocks returns the current interlock bitmask. It also satisfies
// safety.InterlockReader, letting the safety gate framework read machine
// state without importing this package.
func (m *Manager) Interlocks() uint8 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.interlocksLocked()
}

func (m *Manager) interlocksLocked() uint8 {
	var bits uint8
	if m.checkEstopActiveLocked() {
		bits |= InterlockBitEstop
	}
	if m.checkDoorOpenLocked() {
		bits |= InterlockBitDoorOpen
	}
	if !m.checkLN2PresentLocked() {
		bits |= InterlockBitLN2Absent
	}
	if m.session == nil || !m.session.IsLive() {
		bits |= InterlockBitHMIStale
	}
	return bits
}

// DIBits returns the cached digital input bitmask (bit0=DI1..bit7=DI8).
func (m *Manager) DIBits() uint8 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.diBits
}

// RunInfo returns a snapshot of run progress for telemetry.
func (m *Manager) RunInfo() RunInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	info := RunInfo{
		State:         m.state,
		RunMode:       m.runMode,
		TargetTempX10: m.targetTempX10,
		RecipeStep:    0,
		InterlockBits: m.interlocksLocked(),
	}

	if !m.runStartAt.IsZero() && (m.state == StatePrecool || m.state == StateRunning) {
		elapsed := m.now().Sub(m.runStartAt)
		info.RunElapsedMs = uint32(elapsed / time.Millisecond)
		if m.runDurationMs > 0 && info.RunElapsedMs < m.runDurationMs {
			info.RunRemainingMs = m.runDurationMs - info.RunElapsedMs
		}
	}

	return info
}

// StartRun transitions IDLE -> PRECOOL if the session is valid, the
// machine is idle, and the safety gate framework allows a start.
func (m *Manager) StartRun(sessionID uint32, mode RunMode, targetTempX10 int16, runDurationMs uint32) error {
	if m.session == nil || !m.session.IsValid(sessionID) {
		return ErrInvalidSession
	}

	m.mu.Lock()
	if m.state != StateIdle {
		m.mu.Unlock()
		return ErrInvalidState
	}
	m.mu.Unlock()

	// Gate evaluation happens without the state mutex held: the gate
	// framework reads interlocks back through this manager.
	if m.gate != nil {
		if allowed, _ := m.gate.CanStartRun(); !allowed {
			return ErrNotAllowed
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateIdle {
		return ErrInvalidState
	}

	if !m.checkLN2PresentLocked() {
		m.logger.Printf("machine: warning: LN2 not present, cooling may be impaired")
	}

	m.runMode = mode
	if targetTempX10 != 0 {
		m.targetTempX10 = targetTempX10
	} else {
		m.targetTempX10 = PrecoolTargetTempX10
	}
	m.runDurationMs = runDurationMs
	m.runStartAt = m.now()

	m.transitionToLocked(StatePrecool)
	return nil
}

// StopRun transitions PRECOOL/RUNNING -> STOPPING (or directly to IDLE on
// abort).
func (m *Manager) StopRun(sessionID uint32, mode StopMode) error {
	if m.session == nil || !m.session.IsValid(sessionID) {
		return ErrInvalidSession
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StatePrecool && m.state != StateRunning {
		return ErrInvalidState
	}

	if mode == StopModeAbort {
		m.setOutputsSafeLocked()
		m.transitionToLocked(StateIdle)
	} else {
		m.transitionToLocked(StateStopping)
	}
	return nil
}

// Pause freezes run progression (precool/running tick advancement and
// the run-duration clock) without changing state or relay outputs.
// Not present in original_source's machine_state.c; added for the
// canonical command set (SPEC_FULL.md §9, open question 1).
func (m *Manager) Pause(sessionID uint32) error {
	if m.session == nil || !m.session.IsValid(sessionID) {
		return ErrInvalidSession
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StatePrecool && m.state != StateRunning {
		return ErrInvalidState
	}
	if m.paused {
		return ErrInvalidState
	}

	m.paused = true
	m.pausedAt = m.now()
	m.logger.Printf("machine: run paused")
	if m.events != nil {
		m.events.Emit(wire.EventPaused, wire.SeverityInfo, nil)
	}
	return nil
}

// Resume un-freezes a paused run, shifting the run-start reference
// forward by the paused duration so elapsed/remaining time accounting
// is unaffected by the pause.
func (m *Manager) Resume(sessionID uint32) error {
	if m.session == nil || !m.session.IsValid(sessionID) {
		return ErrInvalidSession
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.paused {
		return ErrInvalidState
	}

	m.paused = false
	pausedDuration := m.now().Sub(m.pausedAt)
	if !m.runStartAt.IsZero() {
		m.runStartAt = m.runStartAt.Add(pausedDuration)
	}
	m.stateEnteredAt = m.stateEnteredAt.Add(pausedDuration)
	m.logger.Printf("machine: run resumed")
	if m.events != nil {
		m.events.Emit(wire.EventResumed, wire.SeverityInfo, nil)
	}
	return nil
}

// IsPaused reports whether a run is currently paused.
func (m *Manager) IsPaused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paused
}

// EnterService transitions IDLE -> SERVICE for manual relay control.
func (m *Manager) EnterService(sessionID uint32) error {
	if m.session == nil || !m.session.IsValid(sessionID) {
		return ErrInvalidSession
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateIdle {
		return ErrInvalidState
	}
	m.transitionToLocked(StateService)
	return nil
}

// ExitService transitions SERVICE -> IDLE, turning off all relays first.
func (m *Manager) ExitService(sessionID uint32) error {
	if m.session == nil || !m.session.IsValid(sessionID) {
		return ErrInvalidSession
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateService {
		return ErrInvalidState
	}

	if m.relay != nil {
		_ = m.relay.AllOff()
	}
	m.transitionToLocked(StateIdle)
	return nil
}

// ClearEstop transitions E_STOP -> IDLE once the E-Stop input has been
// physically released.
func (m *Manager) ClearEstop(sessionID uint32) error {
	if m.session == nil || !m.session.IsValid(sessionID) {
		return ErrInvalidSession
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateEStop {
		return ErrInvalidState
	}
	if m.checkEstopActiveLocked() {
		return ErrConditionActive
	}
	m.transitionToLocked(StateIdle)
	return nil
}

// ClearFault transitions FAULT -> IDLE once the fault condition has
// resolved.
func (m *Manager) ClearFault(sessionID uint32) error {
	if m.session == nil || !m.session.IsValid(sessionID) {
		return ErrInvalidSession
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateFault {
		return ErrInvalidState
	}
	if m.checkMotorFaultLocked() {
		return ErrConditionActive
	}
	m.transitionToLocked(StateIdle)
	return nil
}

// ForceSafe immediately sets outputs safe and transitions to FAULT,
// called on an unrecoverable internal error.
func (m *Manager) ForceSafe() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setOutputsSafeLocked()
	m.transitionToLocked(StateFault)
}

func (m *Manager) updateDIBits() {
	if m.relay == nil {
		return
	}
	bits, err := m.relay.ReadInputs()
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		m.diBits = bits
	} else {
		m.logger.Printf("machine: DI read failed: %v - keeping previous state", err)
	}
}

func (m *Manager) checkEstopActiveLocked() bool {
	return m.diBits&(1<<(DIEstop-1)) == 0
}

func (m *Manager) checkDoorOpenLocked() bool {
	return m.diBits&(1<<(DIDoorClosed-1)) == 0
}

func (m *Manager) checkLN2PresentLocked() bool {
	return m.diBits&(1<<(DILN2Present-1)) != 0
}

// checkMotorFaultLocked always reports no fault: the soft starter this
// port targets has no fault output. DI4 is reserved for a future VFD.
func (m *Manager) checkMotorFaultLocked() bool {
	return false
}

func (m *Manager) getChamberTempLocked() (tempX10 int16, ok bool) {
	if m.pid == nil {
		return 0, false
	}
	pv, online, found := m.pid.Snapshot(chamberControllerAddr)
	if !found || !online {
		return 0, false
	}
	return pv, true
}

// setOutputsSafeLocked drops the motor first and the contactor second,
// then clears the full bank in one transaction.
func (m *Manager) setOutputsSafeLocked() {
	if m.relay == nil {
		return
	}
	_ = m.relay.Set(ChannelMotorStart, false)
	_ = m.relay.Set(ChannelMainContactor, false)
	_ = m.relay.AllOff()
}

func (m *Manager) transitionToLocked(newState State) {
	oldState := m.state
	if oldState == newState {
		return
	}

	m.logger.Printf("machine: state transition: %s -> %s", oldState, newState)
	m.state = newState
	m.stateEnteredAt = m.now()
	if newState != StatePrecool && newState != StateRunning {
		m.paused = false
	}

	switch newState {
	case StateIdle:
		m.setOutputsSafeLocked()
		m.runStartAt = time.Time{}
	case StatePrecool:
		if m.relay != nil {
			_ = m.relay.Set(ChannelDoorLock, true)
			_ = m.relay.Set(ChannelLN2Valve, true)
			_ = m.relay.Set(ChannelHeater1, true)
			_ = m.relay.Set(ChannelHeater2, true)
			_ = m.relay.Set(ChannelMainContactor, true)
		}
	case StateRunning:
		if m.relay != nil {
			_ = m.relay.Set(ChannelMotorStart, true)
		}
	case StateStopping:
		if m.relay != nil {
			_ = m.relay.Set(ChannelMotorStart, false)
			_ = m.relay.Set(ChannelHeater1, false)
			_ = m.relay.Set(ChannelHeater2, false)
			_ = m.relay.Set(ChannelLN2Valve, false)
		}
	case StateEStop, StateFault:
		m.setOutputsSafeLocked()
	case StateService:
		// all relays available for manual control
	}

	if m.onChange != nil {
		m.onChange(oldState, newState)
	}
	m.emitTransitionEvents(oldState, newState)
}

func (m *Manager) emitTransitionEvents(oldState, newState State) {
	if m.events == nil {
		return
	}

	severity := wire.SeverityInfo
	switch newState {
	case StateEStop:
		severity = wire.SeverityCritical
	case StateFault:
		severity = wire.SeverityAlarm
	case StateStopping:
		severity = wire.SeverityWarn
	}
	m.events.Emit(wire.EventStateChanged, severity, wire.EncodeStateChangedData(oldState.ToWireCode(), newState.ToWireCode()))

	switch {
	case newState == StateEStop:
		m.events.Emit(wire.EventEstopAsserted, wire.SeverityCritical, nil)
	case oldState == StateEStop && newState == StateIdle:
		m.events.Emit(wire.EventEstopCleared, wire.SeverityInfo, nil)
	}

	switch {
	case oldState == StateIdle && newState == StatePrecool:
		m.events.Emit(wire.EventRunStarted, wire.SeverityInfo, nil)
	case oldState == StatePrecool && newState == StateRunning:
		m.events.Emit(wire.EventPrecoolComplete, wire.SeverityInfo, nil)
	case newState == StateIdle && (oldState == StateStopping || oldState == StateRunning):
		m.events.Emit(wire.EventRunStopped, wire.SeverityInfo, nil)
	case (newState == StateFault || newState == StateEStop) && (oldState == StateRunning || oldState == StatePrecool):
		m.events.Emit(wire.EventRunAborted, wire.SeverityAlarm, nil)
	}
}

func (m *Manager) tick() {
	m.updateDIBits()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.checkEstopActiveLocked() && m.state != StateEStop {
		m.logger.Printf("machine: E-STOP ACTIVATED")
		m.transitionToLocked(StateEStop)
		return
	}

	if m.checkMotorFaultLocked() &&
		m.state != StateEStop && m.state != StateFault &&
		m.state != StateIdle && m.state != StateService {
		m.logger.Printf("machine: motor fault detected")
		m.transitionToLocked(StateFault)
		return
	}

	if m.checkDoorOpenLocked() && (m.state == StateRunning || m.state == StatePrecool) {
		m.logger.Printf("machine: door opened during run - stopping")
		m.transitionToLocked(StateFault)
		return
	}

	if m.paused {
		return
	}

	stateDuration := m.now().Sub(m.stateEnteredAt)

	switch m.state {
	case StatePrecool:
		m.tickPrecoolLocked(stateDuration)
	case StateRunning:
		m.tickRunningLocked()
	case StateStopping:
		if stateDuration > StoppingSoakTime {
			m.logger.Printf("machine: thermal soak complete")
			m.transitionToLocked(StateIdle)
		}
	}
}

func (m *Manager) tickPrecoolLocked(stateDuration time.Duration) {
	tempX10, valid := m.getChamberTempLocked()
	if valid {
		diff := tempX10 - m.targetTempX10
		if diff < 0 {
			diff = -diff
		}
		if diff <= PrecoolToleranceX10 {
			m.advancePastPrecoolLocked()
			return
		}
	}

	if stateDuration > PrecoolTimeout {
		m.logger.Printf("machine: precool timeout - proceeding anyway")
		m.advancePastPrecoolLocked()
	}
}

func (m *Manager) advancePastPrecoolLocked() {
	if m.runMode == RunModePrecoolOnly {
		m.transitionToLocked(StateStopping)
	} else {
		m.transitionToLocked(StateRunning)
	}
}

func (m *Manager) tickRunningLocked() {
	if m.runDurationMs > 0 {
		elapsed := m.now().Sub(m.runStartAt)
		if uint32(elapsed/time.Millisecond) >= m.runDurationMs {
			m.logger.Printf("machine: run duration complete")
			m.transitionToLocked(StateStopping)
			return
		}
	}

	if m.session != nil && !m.session.IsLive() {
		m.logger.Printf("machine: HMI disconnected during run - safe stop")
		m.transitionToLocked(StateStopping)
	}
}
