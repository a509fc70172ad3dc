// Package safety implements the safety gate framework (SPEC_FULL.md
// §4.6), grounded on
// original_source/firmware/components/safety_gate/safety_gate.c.
package safety

import "sync"

// CapabilityLevel is a per-subsystem policy level.
type CapabilityLevel byte

const (
	CapNotPresent CapabilityLevel = iota
	CapOptional
	CapRequired
)

// SubsystemID enumerates the seven subsystems carrying a capability level.
type SubsystemID int

const (
	SubsystemPID1 SubsystemID = iota // liquid-coolant / LN2 controller
	SubsystemPID2                    // axle bearings
	SubsystemPID3                    // orbital bearings
	SubsystemDIEstop
	SubsystemDIDoor
	SubsystemDILN2
	SubsystemDIMotor
	subsystemMax
)

// GateID enumerates the independently bypassable gates.
type GateID int

const (
	GateEstop GateID = iota
	GateDoorClosed
	GateHMILive
	GatePID1Online
	GatePID2Online
	GatePID3Online
	GatePID1NoProbeErr
	GatePID2NoProbeErr
	GatePID3NoProbeErr
	GateReserved
	gateMax
)

// GateStatus is the outcome of evaluating one gate.
type GateStatus int

const (
	GateStatusPassing GateStatus = iota
	GateStatusBlocking
	GateStatusBypassed
	GateStatusNA
)

// Interlock bits, matching internal/machine's bit layout (duplicated
// locally rather than imported, to keep the dependency one-way: machine
// depends on safety, never the reverse, per SPEC_FULL.md §9's
// "break cycles with explicit one-way reads" design note).
const (
	InterlockBitEstop      byte = 1 << 0
	InterlockBitDoorOpen   byte = 1 << 1
	InterlockBitLN2Absent  byte = 1 << 2
	InterlockBitMotorFault byte = 1 << 3
	InterlockBitHMIStale   byte = 1 << 4
)

// Probe-error thresholds, ×10 °C.
const (
	ProbeErrorHighThresholdX10 = 5000
	ProbeErrorLowThresholdX10  = -3000
)

// ControllerState is the minimal controller status safety needs, read
// from the PID poller without importing it directly.
type ControllerState struct {
	Online bool // true if state is ONLINE or STALE
	Found  bool
	PVx10  int16
}

// ControllerReader lets the gate framework read PID controller status
// without depending on the PID poller package.
type ControllerReader interface {
	ControllerState(addr byte) ControllerState
}

// InterlockReader lets the gate framework read the machine's cached
// interlock bits without depending on the machine package.
type InterlockReader interface {
	Interlocks() byte
}

// SessionReader lets the gate framework read HMI liveness without
// depending on the session package.
type SessionReader interface {
	IsLive() bool
}

// Gate owns capability levels (persisted) and gate-enable bits (volatile).
type Gate struct {
	mu   sync.RWMutex
	caps [subsystemMax]CapabilityLevel

	enableMask uint16 // bit N = gate N enabled; always reset to all-1s on New

	controllers ControllerReader
	interlocks  InterlockReader
	session     SessionReader
}

// DefaultCapabilities mirrors original_source's s_default_caps exactly.
func DefaultCapabilities() [subsystemMax]CapabilityLevel {
	return [subsystemMax]CapabilityLevel{
		SubsystemPID1:    CapOptional,
		SubsystemPID2:    CapRequired,
		SubsystemPID3:    CapRequired,
		SubsystemDIEstop: CapRequired,
		SubsystemDIDoor:  CapRequired,
		SubsystemDILN2:   CapOptional,
		SubsystemDIMotor: CapNotPresent,
	}
}

// New creates a gate framework. caps should come from persisted
// configuration (internal/config), or DefaultCapabilities() if none was
// persisted yet. The gate-enable mask always starts all-enabled,
// regardless of what was persisted — safety_gate.c never loads it from
// NVS either.
func New(caps [subsystemMax]CapabilityLevel, controllers ControllerReader, interlocks InterlockReader, session SessionReader) *Gate {
	caps[SubsystemDIEstop] = CapRequired // E-Stop capability can never change
	return &Gate{
		caps:        caps,
		enableMask:  0xFFFF,
		controllers: controllers,
		interlocks:  interlocks,
		session:     session,
	}
}

// Capability returns a subsystem's current capability level.
func (g *Gate) Capability(subsys SubsystemID) CapabilityLevel {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if subsys < 0 || subsys >= subsystemMax {
		return CapNotPresent
	}
	return g.caps[subsys]
}

// SetCapability updates a subsystem's capability level. E-Stop's
// capability can never be changed.
func (g *Gate) SetCapability(subsys SubsystemID, level CapabilityLevel) error {
	if subsys < 0 || subsys >= subsystemMax {
		return ErrInvalidSubsystem
	}
	if subsys == SubsystemDIEstop {
		return ErrEstopCapabilityFixed
	}
	if level > CapRequired {
		return ErrInvalidCapabilityLevel
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.caps[subsys] = level
	return nil
}

// AllCapabilities returns a copy of every subsystem's capability level.
func (g *Gate) AllCapabilities() [subsystemMax]CapabilityLevel {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.caps
}

// IsEnabled reports whether a gate is currently enabled (not bypassed).
func (g *Gate) IsEnabled(gate GateID) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if gate < 0 || gate >= gateMax {
		return true
	}
	return g.enableMask&(1<<uint(gate)) != 0
}

// SetEnabled bypasses or re-enables a gate. The E-Stop gate can never be
// bypassed.
func (g *Gate) SetEnabled(gate GateID, enabled bool) error {
	if gate < 0 || gate >= gateMax {
		return ErrInvalidGate
	}
	if gate == GateEstop && !enabled {
		return ErrEstopNotBypassable
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if enabled {
		g.enableMask |= 1 << uint(gate)
	} else {
		g.enableMask &^= 1 << uint(gate)
	}
	return nil
}

// EnableMask returns the raw gate-enable bitmask.
func (g *Gate) EnableMask() uint16 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.enableMask
}

// PIDHasProbeError reports whether controller pidID (1..3) is reporting an
// out-of-range process value. The under-range check is skipped for pidID
// 1 (the liquid-coolant/LN2 controller) — see SPEC_FULL.md §9, open
// question 2.
func (g *Gate) PIDHasProbeError(pidID uint8) bool {
	if pidID < 1 || pidID > 3 {
		return false
	}
	if g.controllers == nil {
		return false
	}

	ctrl := g.controllers.ControllerState(pidID)
	if !ctrl.Found || !ctrl.Online {
		return false // offline is the PIDn_ONLINE gate's concern, not this one
	}

	if int(ctrl.PVx10) >= ProbeErrorHighThresholdX10 {
		return true
	}
	if pidID != 1 && int(ctrl.PVx10) <= ProbeErrorLowThresholdX10 {
		return true
	}
	return false
}

// ProbeErrorFlags packs all three controllers' probe-error state into the
// low three bits.
func (g *Gate) ProbeErrorFlags() uint8 {
	var flags uint8
	for i := uint8(1); i <= 3; i++ {
		if g.PIDHasProbeError(i) {
			flags |= 1 << (i - 1)
		}
	}
	return flags
}

func (g *Gate) checkCondition(gate GateID) bool {
	var interlocks byte
	if g.interlocks != nil {
		interlocks = g.interlocks.Interlocks()
	}

	switch gate {
	case GateEstop:
		return interlocks&InterlockBitEstop == 0
	case GateDoorClosed:
		return interlocks&InterlockBitDoorOpen == 0
	case GateHMILive:
		return g.session != nil && g.session.IsLive()
	case GatePID1Online:
		return g.controllerOnline(1)
	case GatePID2Online:
		return g.controllerOnline(2)
	case GatePID3Online:
		return g.controllerOnline(3)
	case GatePID1NoProbeErr:
		return !g.PIDHasProbeError(1)
	case GatePID2NoProbeErr:
		return !g.PIDHasProbeError(2)
	case GatePID3NoProbeErr:
		return !g.PIDHasProbeError(3)
	case GateReserved:
		return true
	default:
		return true
	}
}

func (g *Gate) controllerOnline(addr uint8) bool {
	if g.controllers == nil {
		return false
	}
	ctrl := g.controllers.ControllerState(addr)
	return ctrl.Found && ctrl.Online
}

// relatedSubsystem maps a gate to the subsystem whose NOT_PRESENT
// capability marks the gate as not-applicable, or -1 if none.
func relatedSubsystem(gate GateID) SubsystemID {
	switch gate {
	case GatePID1Online, GatePID1NoProbeErr:
		return SubsystemPID1
	case GatePID2Online, GatePID2NoProbeErr:
		return SubsystemPID2
	case GatePID3Online, GatePID3NoProbeErr:
		return SubsystemPID3
	case GateDoorClosed:
		return SubsystemDIDoor
	default:
		return subsystemMax // sentinel: "none"
	}
}

// Check evaluates a single gate's status.
func (g *Gate) Check(gate GateID) GateStatus {
	if gate < 0 || gate >= gateMax {
		return GateStatusNA
	}

	if gate != GateEstop && !g.IsEnabled(gate) {
		return GateStatusBypassed
	}

	if subsys := relatedSubsystem(gate); subsys < subsystemMax {
		if g.Capability(subsys) == CapNotPresent {
			return GateStatusNA
		}
	}

	if g.checkCondition(gate) {
		return GateStatusPassing
	}
	return GateStatusBlocking
}

// StatusMask returns a bit per gate: 1 if passing, bypassed, or N/A; 0 if
// blocking.
func (g *Gate) StatusMask() uint16 {
	var mask uint16
	for i := GateID(0); i < gateMax; i++ {
		switch g.Check(i) {
		case GateStatusPassing, GateStatusBypassed, GateStatusNA:
			mask |= 1 << uint(i)
		}
	}
	return mask
}

// CanStartRun evaluates the start-permit decision in priority order,
// returning (true, -1) if allowed, or (false, blockingGate) otherwise.
func (g *Gate) CanStartRun() (allowed bool, blockingGate GateID) {
	if g.Check(GateEstop) == GateStatusBlocking {
		return false, GateEstop
	}

	if g.Capability(SubsystemDIDoor) != CapNotPresent {
		if g.Check(GateDoorClosed) == GateStatusBlocking {
			return false, GateDoorClosed
		}
	}

	if g.Check(GateHMILive) == GateStatusBlocking {
		return false, GateHMILive
	}

	pidSubsystems := [3]SubsystemID{SubsystemPID1, SubsystemPID2, SubsystemPID3}
	onlineGates := [3]GateID{GatePID1Online, GatePID2Online, GatePID3Online}
	probeGates := [3]GateID{GatePID1NoProbeErr, GatePID2NoProbeErr, GatePID3NoProbeErr}

	for i := 0; i < 3; i++ {
		if g.Capability(pidSubsystems[i]) != CapRequired {
			continue
		}
		if g.Check(onlineGates[i]) == GateStatusBlocking {
			return false, onlineGates[i]
		}
		if g.Check(probeGates[i]) == GateStatusBlocking {
			return false, probeGates[i]
		}
	}

	return true, -1
}

// CanEnablePID evaluates whether a single controller (1..3) may be
// enabled: E-Stop clear, the controller online, and no probe error.
func (g *Gate) CanEnablePID(pidID uint8) (allowed bool, blockingGate GateID) {
	if pidID < 1 || pidID > 3 {
		return false, -1
	}

	if g.Check(GateEstop) == GateStatusBlocking {
		return false, GateEstop
	}

	onlineGate := GatePID1Online + GateID(pidID-1)
	if !g.checkCondition(onlineGate) {
		return false, onlineGate
	}

	probeGate := GatePID1NoProbeErr + GateID(pidID-1)
	if g.Check(probeGate) == GateStatusBlocking {
		return false, probeGate
	}

	return true, -1
}
