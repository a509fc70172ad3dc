// Package dispatch implements the command dispatcher (SPEC_FULL.md
// §4.8), routing decoded pkg/wire commands to the session, machine,
// safety, PID, and relay subsystems and mapping their outcomes to the
// ack-status table of §7. Grounded structurally on
// pkg/service/usock_handlers.go's switch-based command routing (its
// scooter message content is not reusable, only its dispatch shape).
package dispatch

import (
	"context"
	"encoding/binary"
	"errors"
	"log"

	"github.com/nunucryo/shaker-mcu/internal/machine"
	"github.com/nunucryo/shaker-mcu/internal/pid"
	"github.com/nunucryo/shaker-mcu/internal/relay"
	"github.com/nunucryo/shaker-mcu/internal/safety"
	"github.com/nunucryo/shaker-mcu/internal/session"
	"github.com/nunucryo/shaker-mcu/pkg/wire"
)

// Ack is the outcome of dispatching one command.
type Ack struct {
	Status   wire.CmdStatus
	Detail   uint16
	Optional []byte
}

func ok(optional ...byte) Ack { return Ack{Status: wire.StatusOK, Optional: optional} }

func rejectedSession() Ack {
	return Ack{Status: wire.StatusRejectedPolicy, Detail: wire.DetailInvalidSession}
}

func rejectedGate(interlocks uint8) Ack {
	return Ack{Status: wire.StatusRejectedPolicy, Detail: wire.DetailInterlocksBlocking, Optional: []byte{interlocks}}
}

func notReady(detail uint16) Ack {
	return Ack{Status: wire.StatusNotReady, Detail: detail}
}

func invalidArgs() Ack {
	return Ack{Status: wire.StatusInvalidArgs, Detail: wire.DetailDomainOutOfRange}
}

func busTimeout() Ack {
	return Ack{Status: wire.StatusTimeout, Detail: wire.DetailBusTimeout}
}

func hwFault(optional ...byte) Ack {
	return Ack{Status: wire.StatusHWFault, Optional: optional}
}

// EventSink publishes asynchronous events; satisfied by
// *internal/telemetry.Emitter.
type EventSink interface {
	Emit(eventID wire.EventID, severity wire.Severity, data []byte)
}

// PIDController is the subset of *internal/pid.Poller the dispatcher
// calls into, extracted so tests can inject a fake instead of a real
// Modbus bus — the same one-way-interface convention internal/machine
// and internal/safety use to avoid import cycles.
type PIDController interface {
	SignalActivity()
	SetSV(ctx context.Context, addr uint8, celsius float64) error
	SetMode(ctx context.Context, addr uint8, mode pid.CtrlMode) error
	ForcePoll(addr uint8) error
	WriteTuning(ctx context.Context, addr uint8, t pid.Tuning) error
	SetAlarmLimits(ctx context.Context, addr uint8, limits pid.AlarmLimits) error
	ReadAlarmLimits(ctx context.Context, addr uint8) (pid.AlarmLimits, error)
	ReadRegister(ctx context.Context, addr uint8, reg uint16) (uint16, error)
	WriteRegister(ctx context.Context, addr uint8, reg uint16, value uint16) (uint16, error)
	StartAutotune(ctx context.Context, addr uint8) error
	StopAutotune(ctx context.Context, addr uint8) error
	SetIdleTimeout(minutes uint8)
	IdleTimeout() uint8
}

// Diagnostics is the telemetry-side surface of the diagnostics command
// group; satisfied by *internal/telemetry.Emitter.
type Diagnostics interface {
	PushSnapshotNow()
	ClearWarnings()
}

// RelayController is the subset of *internal/relay.Driver the dispatcher
// calls into.
type RelayController interface {
	SetState(channel uint8, state byte) error
	SetMask(mask, values byte) error
}

// PIDSafetyAdapter adapts a *internal/pid.Poller to internal/safety's
// ControllerReader: both sides already expose the same fields under
// differently-named structs to avoid importing each other (see
// pid.ControllerStateView's doc comment), so this composition-root-level
// package, which already imports both, is where the two meet.
type PIDSafetyAdapter struct {
	Poller *pid.Poller
}

// ControllerState implements safety.ControllerReader.
func (a PIDSafetyAdapter) ControllerState(addr byte) safety.ControllerState {
	v := a.Poller.ControllerState(addr)
	return safety.ControllerState{Online: v.Online, Found: v.Found, PVx10: v.PVx10}
}

// Dispatcher owns no state of its own; it is a thin, stateless router
// over the already-owned subsystem managers.
type Dispatcher struct {
	sessions *session.Manager
	machineM *machine.Manager
	gate     *safety.Gate
	pidP     PIDController
	relayD   RelayController
	events   EventSink
	logger   *log.Logger

	diag    Diagnostics
	persist func()
	devInfo []byte
}

// New creates a dispatcher over the given subsystem managers. Any of
// pidP/relayD/gate may be nil in a reduced test/demo configuration;
// commands addressing an absent subsystem return NOT_READY, except
// GET_IDLE_TIMEOUT, which answers OK with 0 when pidP is nil.
func New(sessions *session.Manager, machineM *machine.Manager, gate *safety.Gate, pidP PIDController, relayD RelayController, events EventSink, logger *log.Logger) *Dispatcher {
	if logger == nil {
		logger = log.Default()
	}
	return &Dispatcher{
		sessions: sessions,
		machineM: machineM,
		gate:     gate,
		pidP:     pidP,
		relayD:   relayD,
		events:   events,
		logger:   logger,
	}
}

// SetDiagnostics wires the telemetry emitter's diagnostics surface in
// after construction (the emitter is built later in the composition
// root because it consumes this dispatcher's ack/event frames).
func (d *Dispatcher) SetDiagnostics(diag Diagnostics) {
	d.diag = diag
}

// SetConfigSaver registers a callback invoked after every command that
// changes persisted configuration (capability levels, idle timeout).
func (d *Dispatcher) SetConfigSaver(persist func()) {
	d.persist = persist
}

// SetDeviceInfo registers the fixed 12-byte device-info record served
// by CMD_GET_DEVICE_INFO.
func (d *Dispatcher) SetDeviceInfo(info []byte) {
	d.devInfo = append([]byte(nil), info...)
}

// Dispatch decodes and executes one command payload, returning the Ack
// to encode into the reply frame. ctx bounds any bus transaction the
// command triggers.
func (d *Dispatcher) Dispatch(ctx context.Context, payload []byte) (wire.CmdID, Ack) {
	hdr, body, err := wire.DecodeCommandHeader(payload)
	if err != nil {
		return 0, invalidArgs()
	}

	if hdr.CmdID != wire.CmdKeepalive && d.pidP != nil {
		d.pidP.SignalActivity()
	}

	return hdr.CmdID, d.route(ctx, hdr.CmdID, body)
}

func (d *Dispatcher) route(ctx context.Context, id wire.CmdID, body []byte) Ack {
	switch id {
	case wire.CmdOpenSession:
		return d.handleOpenSession(body)
	case wire.CmdKeepalive:
		return d.handleKeepalive(body)
	case wire.CmdStartRun:
		return d.handleStartRun(body)
	case wire.CmdStopRun:
		return d.handleStopRun(body)
	case wire.CmdPause:
		return d.handleSessionOnly(body, d.machineM.Pause)
	case wire.CmdResume:
		return d.handleSessionOnly(body, d.machineM.Resume)
	case wire.CmdEnableServiceMode:
		return d.handleSessionOnly(body, d.machineM.EnterService)
	case wire.CmdDisableServiceMode:
		return d.handleSessionOnly(body, d.machineM.ExitService)
	case wire.CmdClearEstop:
		return d.handleSessionOnly(body, d.machineM.ClearEstop)
	case wire.CmdClearFault:
		return d.handleSessionOnly(body, d.machineM.ClearFault)

	case wire.CmdSetRelay:
		return d.handleSetRelay(body)
	case wire.CmdSetRelayMask:
		return d.handleSetRelayMask(body)

	case wire.CmdSetSV:
		return d.handleSetSV(ctx, body)
	case wire.CmdSetMode:
		return d.handleSetMode(ctx, body)
	case wire.CmdRequestPVSVRefresh:
		return d.handleRequestRefresh(body)
	case wire.CmdSetParams:
		return d.handleSetParams(ctx, body)
	case wire.CmdReadParams:
		return d.handleReadParams(ctx, body)
	case wire.CmdStartAutotune:
		return d.handleAutotune(ctx, body, true)
	case wire.CmdStopAutotune:
		return d.handleAutotune(ctx, body, false)
	case wire.CmdSetAlarmLimits:
		return d.handleSetAlarmLimits(ctx, body)
	case wire.CmdReadAlarmLimits:
		return d.handleReadAlarmLimits(ctx, body)
	case wire.CmdReadRegisters:
		return d.handleReadRegisters(ctx, body)
	case wire.CmdWriteRegister:
		return d.handleWriteRegister(ctx, body)

	case wire.CmdSetIdleTimeout:
		return d.handleSetIdleTimeout(body)
	case wire.CmdGetIdleTimeout:
		return d.handleGetIdleTimeout()

	case wire.CmdGetCaps:
		return d.handleGetCaps()
	case wire.CmdSetCap:
		return d.handleSetCap(body)
	case wire.CmdGetGates:
		return d.handleGetGates()
	case wire.CmdSetGate:
		return d.handleSetGate(body)

	case wire.CmdRequestSnapshotNow:
		return d.handleSnapshotNow(body)
	case wire.CmdClearWarnings:
		return d.handleClearWarnings(body)
	case wire.CmdClearLatchedAlarms:
		return d.handleClearLatchedAlarms(body)
	case wire.CmdGetDeviceInfo:
		return d.handleGetDeviceInfo()

	default:
		return invalidArgs()
	}
}

func (d *Dispatcher) handleOpenSession(body []byte) Ack {
	cmd, err := wire.DecodeOpenSessionCmd(body)
	if err != nil {
		return invalidArgs()
	}
	id, leaseMs, err := d.sessions.Open(cmd.ClientNonce)
	if err != nil {
		return hwFault()
	}
	if d.events != nil {
		d.events.Emit(wire.EventHMIConnected, wire.SeverityInfo, nil)
	}
	return ok(wire.EncodeOpenSessionAck(wire.OpenSessionAck{SessionID: id, LeaseMs: leaseMs})...)
}

func (d *Dispatcher) handleKeepalive(body []byte) Ack {
	cmd, err := wire.DecodeKeepaliveCmd(body)
	if err != nil {
		return invalidArgs()
	}
	if !d.sessions.Keepalive(cmd.SessionID) {
		return rejectedSession()
	}
	return ok()
}

func sessionIDFrom(body []byte) (uint32, bool) {
	if len(body) < 4 {
		return 0, false
	}
	return binary.LittleEndian.Uint32(body[0:4]), true
}

// handleSessionOnly dispatches commands whose entire body is a session
// id and whose subsystem call returns one of machine's sentinel errors.
func (d *Dispatcher) handleSessionOnly(body []byte, fn func(uint32) error) Ack {
	sessionID, okBody := sessionIDFrom(body)
	if !okBody {
		return invalidArgs()
	}
	return d.mapMachineErr(fn(sessionID))
}

func (d *Dispatcher) mapMachineErr(err error) Ack {
	switch err {
	case nil:
		return ok()
	case machine.ErrInvalidSession:
		return rejectedSession()
	case machine.ErrInvalidState:
		return notReady(0)
	case machine.ErrConditionActive:
		return notReady(wire.DetailConditionActive)
	case machine.ErrNotAllowed:
		var interlocks uint8
		if d.machineM != nil {
			interlocks = d.machineM.Interlocks()
		}
		return rejectedGate(interlocks)
	default:
		return hwFault()
	}
}

type startRunCmd struct {
	SessionID     uint32
	Mode          byte
	TargetTempX10 int16
	DurationMs    uint32
}

func decodeStartRun(body []byte) (startRunCmd, bool) {
	if len(body) < 11 {
		return startRunCmd{}, false
	}
	return startRunCmd{
		SessionID:     binary.LittleEndian.Uint32(body[0:4]),
		Mode:          body[4],
		TargetTempX10: int16(binary.LittleEndian.Uint16(body[5:7])),
		DurationMs:    binary.LittleEndian.Uint32(body[7:11]),
	}, true
}

func (d *Dispatcher) handleStartRun(body []byte) Ack {
	cmd, okBody := decodeStartRun(body)
	if !okBody {
		return invalidArgs()
	}
	err := d.machineM.StartRun(cmd.SessionID, machine.RunMode(cmd.Mode), cmd.TargetTempX10, cmd.DurationMs)
	if err == machine.ErrInvalidState {
		// The machine has already left IDLE for an interlock (E-Stop,
		// fault): report the interlocks, not a bare wrong-state, so the
		// HMI can show the operator what is blocking the start.
		if interlocks := d.machineM.Interlocks(); interlocks != 0 {
			return rejectedGate(interlocks)
		}
	}
	return d.mapMachineErr(err)
}

func (d *Dispatcher) handleStopRun(body []byte) Ack {
	if len(body) < 5 {
		return invalidArgs()
	}
	sessionID := binary.LittleEndian.Uint32(body[0:4])
	mode := machine.StopMode(body[4])
	return d.mapMachineErr(d.machineM.StopRun(sessionID, mode))
}

func (d *Dispatcher) handleSetRelay(body []byte) Ack {
	if len(body) < 6 {
		return invalidArgs()
	}
	sessionID := binary.LittleEndian.Uint32(body[0:4])
	channel := body[4]
	state := body[5]
	if !d.sessionValidForServiceOrRun(sessionID) {
		return rejectedSession()
	}
	if d.relayD == nil {
		return notReady(0)
	}
	if channel < 1 || channel > 8 {
		return invalidArgs()
	}
	if err := d.relayD.SetState(channel, state); err != nil {
		if err == relay.ErrInvalidState {
			return invalidArgs()
		}
		return hwFault()
	}
	return ok()
}

func (d *Dispatcher) handleSetRelayMask(body []byte) Ack {
	if len(body) < 6 {
		return invalidArgs()
	}
	sessionID := binary.LittleEndian.Uint32(body[0:4])
	mask := body[4]
	values := body[5]
	if !d.sessionValidForServiceOrRun(sessionID) {
		return rejectedSession()
	}
	if mask == 0 {
		return invalidArgs()
	}
	if d.relayD == nil {
		return notReady(0)
	}
	if err := d.relayD.SetMask(mask, values); err != nil {
		return hwFault()
	}
	return ok()
}

// sessionValidForServiceOrRun gates direct relay writes on a live
// session — original_source's relay commands are only meaningful in
// SERVICE mode or mid-run; the machine state itself (not this
// function) is the authority on whether the write is sensible.
func (d *Dispatcher) sessionValidForServiceOrRun(sessionID uint32) bool {
	return d.sessions.IsValid(sessionID)
}

type pidSetpointCmd struct {
	SessionID   uint32
	ControllerID uint8
	SVx10       int16
}

func decodePIDSetpoint(body []byte) (pidSetpointCmd, bool) {
	if len(body) < 7 {
		return pidSetpointCmd{}, false
	}
	return pidSetpointCmd{
		SessionID:    binary.LittleEndian.Uint32(body[0:4]),
		ControllerID: body[4],
		SVx10:        int16(binary.LittleEndian.Uint16(body[5:7])),
	}, true
}

// validControllerID bounds-checks a wire controller id against the
// poller fleet size.
func validControllerID(id uint8) bool {
	return id >= 1 && id <= pid.MaxControllers
}

func (d *Dispatcher) handleSetSV(ctx context.Context, body []byte) Ack {
	cmd, okBody := decodePIDSetpoint(body)
	if !okBody {
		return invalidArgs()
	}
	if !d.sessions.IsValid(cmd.SessionID) {
		return rejectedSession()
	}
	if !validControllerID(cmd.ControllerID) {
		return invalidArgs()
	}
	if d.pidP == nil {
		return notReady(0)
	}

	err := d.pidP.SetSV(ctx, cmd.ControllerID, float64(cmd.SVx10)/10.0)
	return d.mapPIDWriteErr(err, cmd.ControllerID)
}

func (d *Dispatcher) handleSetMode(ctx context.Context, body []byte) Ack {
	if len(body) < 6 {
		return invalidArgs()
	}
	sessionID := binary.LittleEndian.Uint32(body[0:4])
	controllerID := body[4]
	mode := pid.CtrlMode(body[5])

	if !d.sessions.IsValid(sessionID) {
		return rejectedSession()
	}
	if !validControllerID(controllerID) || mode > pid.ModeProgram {
		return invalidArgs()
	}
	if d.pidP == nil {
		return notReady(0)
	}

	err := d.pidP.SetMode(ctx, controllerID, mode)
	return d.mapPIDWriteErr(err, controllerID)
}

func (d *Dispatcher) mapPIDWriteErr(err error, controllerID uint8) Ack {
	if err == nil {
		return ok()
	}
	var verify *pid.VerifyError
	if errors.As(err, &verify) {
		return hwFault(byte(verify.Read), byte(verify.Read>>8))
	}
	if errors.Is(err, pid.ErrVerifyMismatch) {
		// Bare sentinel without a read-back value attached: fetch it so
		// the ack body still carries what the controller actually holds.
		readback, rerr := d.pidP.ReadRegister(context.Background(), controllerID, pid.RegSV)
		if rerr == nil {
			return hwFault(byte(readback), byte(readback>>8))
		}
		return hwFault()
	}
	// Any other error from the modbus layer is a bus-level failure.
	return busTimeout()
}

func (d *Dispatcher) handleRequestRefresh(body []byte) Ack {
	sessionID, okBody := sessionIDFrom(body)
	if !okBody || len(body) < 5 {
		return invalidArgs()
	}
	if !d.sessions.IsValid(sessionID) {
		return rejectedSession()
	}
	controllerID := body[4]
	if !validControllerID(controllerID) {
		return invalidArgs()
	}
	if d.pidP == nil {
		return notReady(0)
	}
	if err := d.pidP.ForcePoll(controllerID); err != nil {
		return invalidArgs()
	}
	return ok()
}

func (d *Dispatcher) handleSetParams(ctx context.Context, body []byte) Ack {
	if len(body) < 11 {
		return invalidArgs()
	}
	sessionID := binary.LittleEndian.Uint32(body[0:4])
	controllerID := body[4]
	pGainX10 := binary.LittleEndian.Uint16(body[5:7])
	iSec := binary.LittleEndian.Uint16(body[7:9])
	dSec := binary.LittleEndian.Uint16(body[9:11])

	if !d.sessions.IsValid(sessionID) {
		return rejectedSession()
	}
	if !validControllerID(controllerID) {
		return invalidArgs()
	}
	if d.pidP == nil {
		return notReady(0)
	}

	tuning := pid.Tuning{ProportionalGain: float64(pGainX10) / 10.0, IntegralSeconds: iSec, DerivativeSeconds: dSec}
	if err := d.pidP.WriteTuning(ctx, controllerID, tuning); err != nil {
		return busTimeout()
	}
	return ok()
}

func (d *Dispatcher) handleReadParams(ctx context.Context, body []byte) Ack {
	sessionID, okBody := sessionIDFrom(body)
	if !okBody || len(body) < 5 {
		return invalidArgs()
	}
	if !d.sessions.IsValid(sessionID) {
		return rejectedSession()
	}
	controllerID := body[4]
	if !validControllerID(controllerID) {
		return invalidArgs()
	}
	if d.pidP == nil {
		return notReady(0)
	}

	p, errP := d.pidP.ReadRegister(ctx, controllerID, pid.RegP1)
	i, errI := d.pidP.ReadRegister(ctx, controllerID, pid.RegI1)
	dd, errD := d.pidP.ReadRegister(ctx, controllerID, pid.RegD1)
	if errP != nil || errI != nil || errD != nil {
		return busTimeout()
	}

	optional := make([]byte, 6)
	binary.LittleEndian.PutUint16(optional[0:2], p)
	binary.LittleEndian.PutUint16(optional[2:4], i)
	binary.LittleEndian.PutUint16(optional[4:6], dd)
	return ok(optional...)
}

func (d *Dispatcher) handleSetAlarmLimits(ctx context.Context, body []byte) Ack {
	if len(body) < 9 {
		return invalidArgs()
	}
	sessionID := binary.LittleEndian.Uint32(body[0:4])
	controllerID := body[4]
	al1 := binary.LittleEndian.Uint16(body[5:7])
	al2 := binary.LittleEndian.Uint16(body[7:9])

	if !d.sessions.IsValid(sessionID) {
		return rejectedSession()
	}
	if !validControllerID(controllerID) {
		return invalidArgs()
	}
	if d.pidP == nil {
		return notReady(0)
	}

	if err := d.pidP.SetAlarmLimits(ctx, controllerID, pid.AlarmLimits{Alarm1: al1, Alarm2: al2}); err != nil {
		return busTimeout()
	}
	return ok()
}

func (d *Dispatcher) handleReadAlarmLimits(ctx context.Context, body []byte) Ack {
	sessionID, okBody := sessionIDFrom(body)
	if !okBody || len(body) < 5 {
		return invalidArgs()
	}
	if !d.sessions.IsValid(sessionID) {
		return rejectedSession()
	}
	controllerID := body[4]
	if !validControllerID(controllerID) {
		return invalidArgs()
	}
	if d.pidP == nil {
		return notReady(0)
	}

	limits, err := d.pidP.ReadAlarmLimits(ctx, controllerID)
	if err != nil {
		return busTimeout()
	}

	optional := make([]byte, 4)
	binary.LittleEndian.PutUint16(optional[0:2], limits.Alarm1)
	binary.LittleEndian.PutUint16(optional[2:4], limits.Alarm2)
	return ok(optional...)
}

func (d *Dispatcher) handleAutotune(ctx context.Context, body []byte, start bool) Ack {
	sessionID, okBody := sessionIDFrom(body)
	if !okBody || len(body) < 5 {
		return invalidArgs()
	}
	if !d.sessions.IsValid(sessionID) {
		return rejectedSession()
	}
	controllerID := body[4]
	if !validControllerID(controllerID) {
		return invalidArgs()
	}
	if d.pidP == nil {
		return notReady(0)
	}

	var err error
	if start {
		err = d.pidP.StartAutotune(ctx, controllerID)
	} else {
		err = d.pidP.StopAutotune(ctx, controllerID)
	}
	if err != nil {
		return busTimeout()
	}
	return ok()
}

func (d *Dispatcher) handleReadRegisters(ctx context.Context, body []byte) Ack {
	if len(body) < 8 {
		return invalidArgs()
	}
	sessionID := binary.LittleEndian.Uint32(body[0:4])
	controllerID := body[4]
	startReg := binary.LittleEndian.Uint16(body[5:7])
	count := body[7]

	if !d.sessions.IsValid(sessionID) {
		return rejectedSession()
	}
	if !validControllerID(controllerID) {
		return invalidArgs()
	}
	if d.pidP == nil {
		return notReady(0)
	}
	if count == 0 || count > 16 {
		return invalidArgs()
	}

	optional := make([]byte, 0, int(count)*2)
	for i := uint16(0); i < uint16(count); i++ {
		v, err := d.pidP.ReadRegister(ctx, controllerID, startReg+i)
		if err != nil {
			return busTimeout()
		}
		optional = append(optional, byte(v), byte(v>>8))
	}
	return ok(optional...)
}

func (d *Dispatcher) handleWriteRegister(ctx context.Context, body []byte) Ack {
	if len(body) < 9 {
		return invalidArgs()
	}
	sessionID := binary.LittleEndian.Uint32(body[0:4])
	controllerID := body[4]
	reg := binary.LittleEndian.Uint16(body[5:7])
	value := binary.LittleEndian.Uint16(body[7:9])

	if !d.sessions.IsValid(sessionID) {
		return rejectedSession()
	}
	if !validControllerID(controllerID) || pid.IsProtectedRegister(reg) {
		return invalidArgs()
	}
	if d.pidP == nil {
		return notReady(0)
	}

	verified, err := d.pidP.WriteRegister(ctx, controllerID, reg, value)
	optional := []byte{controllerID, byte(reg), byte(reg >> 8), byte(verified), byte(verified >> 8)}
	if err != nil {
		if errors.Is(err, pid.ErrVerifyMismatch) {
			return Ack{Status: wire.StatusHWFault, Optional: optional}
		}
		return busTimeout()
	}
	return ok(optional...)
}

func (d *Dispatcher) handleSetIdleTimeout(body []byte) Ack {
	if len(body) < 5 {
		return invalidArgs()
	}
	sessionID := binary.LittleEndian.Uint32(body[0:4])
	minutes := body[4]
	if !d.sessions.IsValid(sessionID) {
		return rejectedSession()
	}
	if d.pidP == nil {
		return notReady(0)
	}
	d.pidP.SetIdleTimeout(minutes)
	if d.persist != nil {
		d.persist()
	}
	return ok()
}

func (d *Dispatcher) handleGetIdleTimeout() Ack {
	if d.pidP == nil {
		return ok(0)
	}
	return ok(d.pidP.IdleTimeout())
}

func (d *Dispatcher) handleGetCaps() Ack {
	if d.gate == nil {
		return notReady(0)
	}
	caps := d.gate.AllCapabilities()
	optional := make([]byte, len(caps))
	for i, c := range caps {
		optional[i] = byte(c)
	}
	return ok(optional...)
}

func (d *Dispatcher) handleSetCap(body []byte) Ack {
	if len(body) < 6 {
		return invalidArgs()
	}
	sessionID := binary.LittleEndian.Uint32(body[0:4])
	subsys := safety.SubsystemID(body[4])
	level := safety.CapabilityLevel(body[5])

	if !d.sessions.IsValid(sessionID) {
		return rejectedSession()
	}
	if d.gate == nil {
		return notReady(0)
	}
	if err := d.gate.SetCapability(subsys, level); err != nil {
		return invalidArgs()
	}
	if d.persist != nil {
		d.persist()
	}
	return ok()
}

func (d *Dispatcher) handleGetGates() Ack {
	if d.gate == nil {
		return notReady(0)
	}
	enable := d.gate.EnableMask()
	status := d.gate.StatusMask()
	return ok(byte(enable), byte(enable>>8), byte(status), byte(status>>8))
}

func (d *Dispatcher) handleSetGate(body []byte) Ack {
	if len(body) < 6 {
		return invalidArgs()
	}
	sessionID := binary.LittleEndian.Uint32(body[0:4])
	gateID := safety.GateID(body[4])
	enabled := body[5] != 0

	if !d.sessions.IsValid(sessionID) {
		return rejectedSession()
	}
	if d.gate == nil {
		return notReady(0)
	}
	if err := d.gate.SetEnabled(gateID, enabled); err != nil {
		if err == safety.ErrEstopNotBypassable {
			return Ack{Status: wire.StatusRejectedPolicy, Detail: wire.DetailConditionActive}
		}
		return invalidArgs()
	}
	return ok()
}

func (d *Dispatcher) handleSnapshotNow(body []byte) Ack {
	sessionID, okBody := sessionIDFrom(body)
	if !okBody {
		return invalidArgs()
	}
	if !d.sessions.IsValid(sessionID) {
		return rejectedSession()
	}
	if d.diag != nil {
		d.diag.PushSnapshotNow()
	}
	return ok()
}

func (d *Dispatcher) handleClearWarnings(body []byte) Ack {
	sessionID, okBody := sessionIDFrom(body)
	if !okBody {
		return invalidArgs()
	}
	if !d.sessions.IsValid(sessionID) {
		return rejectedSession()
	}
	if d.diag != nil {
		d.diag.ClearWarnings()
	}
	return ok()
}

// handleGetDeviceInfo serves the read-only device-info endpoint. Not
// session-gated: on the original hardware this is a plain GATT read
// characteristic, available before any session exists.
func (d *Dispatcher) handleGetDeviceInfo() Ack {
	if len(d.devInfo) == 0 {
		return notReady(0)
	}
	return ok(d.devInfo...)
}

// handleClearLatchedAlarms routes to the machine's fault-clear path:
// latched alarms are the FAULT state's outputs-safe latch, and clearing
// them is only possible once the underlying condition has resolved.
func (d *Dispatcher) handleClearLatchedAlarms(body []byte) Ack {
	sessionID, okBody := sessionIDFrom(body)
	if !okBody {
		return invalidArgs()
	}
	err := d.machineM.ClearFault(sessionID)
	switch err {
	case nil:
		return ok()
	case machine.ErrInvalidSession:
		return rejectedSession()
	default:
		return notReady(0)
	}
}
