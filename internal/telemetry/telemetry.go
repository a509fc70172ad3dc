// Package telemetry implements the periodic 10 Hz telemetry push and
// the event sink (SPEC_FULL.md §4.9), grounded on
// original_source/firmware/components/telemetry/telemetry.c: the weak
// overridable "get_run_info"/"get_interlocks" symbols become the
// RunInfoSource collaborator interface passed at construction
// (SPEC_FULL.md §9, design note 1), and basic-vs-extended snapshot
// branching (machine state machine present or absent) is preserved.
package telemetry

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/nunucryo/shaker-mcu/internal/machine"
	"github.com/nunucryo/shaker-mcu/internal/pid"
	"github.com/nunucryo/shaker-mcu/internal/relay"
	"github.com/nunucryo/shaker-mcu/internal/session"
	"github.com/nunucryo/shaker-mcu/pkg/wire"
)

// TickInterval is the telemetry push rate (10 Hz).
const TickInterval = 100 * time.Millisecond

// Publisher delivers a complete wire frame to the transport. Satisfied
// by *internal/transport/lineio.Pump.
type Publisher interface {
	Send(frame []byte) error
}

// RunInfoSource supplies machine-state context for the extended
// telemetry block; nil when the state machine is not wired in, in
// which case only the basic snapshot is sent (mirrors the source's
// weak-default-returns-zero behavior).
type RunInfoSource interface {
	RunInfo() machine.RunInfo
	DIBits() uint8
}

// Emitter owns the telemetry ticker, the event-publishing side of
// EventSink, and the process-wide alarm-bit computation.
type Emitter struct {
	pub     Publisher
	pidP    *pid.Poller
	relayD  *relay.Driver
	sess    *session.Manager
	runInfo RunInfoSource
	logger  *log.Logger

	mu         sync.Mutex
	seq        uint16
	lastAlarms uint32

	nowFunc func() time.Time

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a telemetry emitter. runInfo may be nil (basic snapshots
// only); pidP/relayD may be nil (their controller/relay fields are
// simply omitted or zeroed).
func New(pub Publisher, pidP *pid.Poller, relayD *relay.Driver, sess *session.Manager, runInfo RunInfoSource, logger *log.Logger) *Emitter {
	if logger == nil {
		logger = log.Default()
	}
	return &Emitter{
		pub:     pub,
		pidP:    pidP,
		relayD:  relayD,
		sess:    sess,
		runInfo: runInfo,
		logger:  logger,
		nowFunc: time.Now,
	}
}

func (e *Emitter) now() time.Time {
	if e.nowFunc != nil {
		return e.nowFunc()
	}
	return time.Now()
}

func (e *Emitter) nextSeq() uint16 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seq++
	return e.seq
}

// Run starts the 10 Hz telemetry push loop; it returns once ctx is
// cancelled or Stop is called.
func (e *Emitter) Run(ctx context.Context) {
	e.stopCh = make(chan struct{})
	e.doneCh = make(chan struct{})
	defer close(e.doneCh)

	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.tick()
		}
	}
}

// Stop halts the telemetry push loop and waits for it to exit.
func (e *Emitter) Stop() {
	if e.stopCh == nil {
		return
	}
	close(e.stopCh)
	<-e.doneCh
}

func (e *Emitter) tick() {
	if e.sess != nil {
		e.sess.CheckExpiry()
	}

	snap := e.Snapshot()
	payload, err := wire.EncodeTelemetry(snap)
	if err != nil {
		e.logger.Printf("telemetry: encode failed: %v", err)
		return
	}

	if err := e.send(wire.MsgTelemetrySnapshot, payload); err != nil {
		e.logger.Printf("telemetry: publish failed: %v", err)
	}

	e.trackAlarmEdges(snap.AlarmBits)
}

func (e *Emitter) send(msgType wire.MsgType, payload []byte) error {
	if e.pub == nil {
		return nil
	}
	frame, err := wire.Build(msgType, e.nextSeq(), payload)
	if err != nil {
		return err
	}
	return e.pub.Send(frame)
}

// Emit implements machine.EventSink and dispatch.EventSink: it
// serializes the event and pushes it as a MsgEvent frame.
func (e *Emitter) Emit(eventID wire.EventID, severity wire.Severity, data []byte) {
	e.EmitFrom(eventID, severity, 0, data)
}

// EmitFrom is Emit with an explicit source byte (0 = system, 1..3 =
// controller index).
func (e *Emitter) EmitFrom(eventID wire.EventID, severity wire.Severity, source byte, data []byte) {
	payload := wire.EncodeEvent(wire.Event{EventID: eventID, Severity: severity, Source: source, Data: data})
	if err := e.send(wire.MsgEvent, payload); err != nil {
		e.logger.Printf("telemetry: event publish failed: %v", err)
	}
}

// OnAutotune bridges observed autotune status transitions from the PID
// poller to wire events, carrying the controller index as the source.
func (e *Emitter) OnAutotune(addr uint8, ev pid.AutotuneEvent) {
	switch ev {
	case pid.AutotuneStarted:
		e.EmitFrom(wire.EventAutotuneStarted, wire.SeverityInfo, addr, nil)
	case pid.AutotuneCompleted:
		e.EmitFrom(wire.EventAutotuneComplete, wire.SeverityInfo, addr, nil)
	case pid.AutotuneFailed:
		e.EmitFrom(wire.EventAutotuneFailed, wire.SeverityWarn, addr, nil)
	}
}

// PushSnapshotNow forces one immediate out-of-cycle telemetry push,
// serving the snapshot-now diagnostic command.
func (e *Emitter) PushSnapshotNow() {
	e.tick()
}

// ClearWarnings resets the alarm edge tracker: alarm bits still active
// on the next tick re-announce as freshly latched, and stale edge
// history is dropped.
func (e *Emitter) ClearWarnings() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastAlarms = 0
}

// Snapshot composes one telemetry frame body from the current state of
// every wired subsystem, without publishing it. The
// CMD_REQUEST_SNAPSHOT_NOW diagnostic command does not call it directly:
// it goes through PushSnapshotNow, which runs a full tick.
func (e *Emitter) Snapshot() wire.TelemetrySnapshot {
	snap := wire.TelemetrySnapshot{
		TimestampMs: uint32(e.now().UnixMilli()),
	}

	var diBits uint8
	var roBits uint8
	if e.runInfo != nil {
		diBits = e.runInfo.DIBits()
	}
	if e.relayD != nil {
		roBits = e.relayD.OutputState()
	}
	snap.DIBits = uint16(diBits)
	snap.ROBits = uint16(roBits)

	snap.AlarmBits = e.computeAlarmBits(diBits)

	if e.pidP != nil {
		count := e.pidP.Count()
		snap.Controllers = make([]wire.ControllerData, 0, count)
		for i := 0; i < int(count); i++ {
			c, err := e.pidP.Get(i)
			if err != nil {
				continue
			}
			if c.State != pid.StateOnline && c.State != pid.StateStale {
				continue
			}
			age := e.pidP.DataAge(c.Addr)
			var ageMs uint16
			if age >= 0 {
				ms := age / time.Millisecond
				if ms > 0xFFFF {
					ms = 0xFFFF
				}
				ageMs = uint16(ms)
			} else {
				ageMs = 0xFFFF
			}
			snap.Controllers = append(snap.Controllers, wire.ControllerData{
				ControllerID: c.Addr,
				PVx10:        int16(c.Data.PV * 10),
				SVx10:        int16(c.Data.SV * 10),
				OPx10:        uint16(c.Data.OutputPct * 10),
				Mode:         wire.CtrlMode(c.Data.Mode),
				AgeMs:        ageMs,
			})
		}
	}

	if e.runInfo != nil {
		info := e.runInfo.RunInfo()
		rs := &wire.RunState{
			MachineState:   info.State.ToWireCode(),
			RunElapsedMs:   info.RunElapsedMs,
			RunRemainingMs: info.RunRemainingMs,
			TargetTempX10:  info.TargetTempX10,
			RecipeStep:     info.RecipeStep,
			InterlockBits:  info.InterlockBits,
		}
		if e.pidP != nil {
			if e.pidP.IsLazyPolling() {
				rs.LazyPollFlag = 1
			}
			rs.IdleTimeoutMin = e.pidP.IdleTimeout()
		}
		if e.relayD != nil {
			// Supplemented feature (§4.11): relay output/readback
			// divergence surfaces only in this already-reserved byte,
			// never as a new alarm bit.
			if diverged, _, _ := e.relayD.CheckReadback(); diverged {
				rs.Reserved = 1
			}
		}
		snap.RunState = rs
	}

	return snap
}

func (e *Emitter) computeAlarmBits(diBits uint8) uint32 {
	var bits uint32

	if diBits&(1<<(machine.DIEstop-1)) == 0 {
		bits |= wire.AlarmBitEstopActive
	}
	if diBits&(1<<(machine.DIDoorClosed-1)) == 0 {
		bits |= wire.AlarmBitDoorInterlock
	}

	if e.sess == nil || !e.sess.IsLive() {
		bits |= wire.AlarmBitHMINotLive
	}

	if e.pidP != nil {
		pidAlarmBits := [3]uint32{wire.AlarmBitPID1Fault, wire.AlarmBitPID2Fault, wire.AlarmBitPID3Fault}
		for i := uint8(0); i < 3; i++ {
			c, err := e.pidP.Get(int(i))
			if err != nil {
				continue
			}
			if c.State == pid.StateOffline || c.Data.Alarm1 || c.Data.Alarm2 {
				bits |= pidAlarmBits[i]
			}
		}
	}

	return bits
}

// trackAlarmEdges emits AlarmLatched/AlarmCleared events on bit
// transitions, mirroring telemetry.c's edge-triggered alarm logging.
func (e *Emitter) trackAlarmEdges(current uint32) {
	e.mu.Lock()
	prev := e.lastAlarms
	e.lastAlarms = current
	e.mu.Unlock()

	newlySet := current &^ prev
	newlyCleared := prev &^ current
	if newlySet != 0 {
		e.Emit(wire.EventAlarmLatched, wire.SeverityAlarm, encodeAlarmBits(newlySet))
	}
	if newlyCleared != 0 {
		e.Emit(wire.EventAlarmCleared, wire.SeverityInfo, encodeAlarmBits(newlyCleared))
	}
}

func encodeAlarmBits(bits uint32) []byte {
	return []byte{byte(bits), byte(bits >> 8), byte(bits >> 16), byte(bits >> 24)}
}
