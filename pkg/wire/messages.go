package wire

// CmdID is the canonical command-id set. original_source's wire_protocol.h
// header carries an older, smaller set; this superset is the canonical one
// (see SPEC_FULL.md §9, open question 1).
type CmdID uint16

const (
	CmdSetRelay         CmdID = 0x0001
	CmdSetRelayMask     CmdID = 0x0002
	CmdSetSV            CmdID = 0x0020
	CmdSetMode          CmdID = 0x0021
	CmdRequestPVSVRefresh CmdID = 0x0022
	CmdSetParams        CmdID = 0x0023
	CmdReadParams       CmdID = 0x0024
	CmdStartAutotune    CmdID = 0x0025
	CmdStopAutotune     CmdID = 0x0026
	CmdSetAlarmLimits   CmdID = 0x0027
	CmdReadAlarmLimits  CmdID = 0x0028
	CmdReadRegisters    CmdID = 0x0030
	CmdWriteRegister    CmdID = 0x0031
	CmdSetIdleTimeout   CmdID = 0x0040
	CmdGetIdleTimeout   CmdID = 0x0041
	CmdGetCaps          CmdID = 0x0070
	CmdSetCap           CmdID = 0x0071
	CmdGetGates         CmdID = 0x0072
	CmdSetGate          CmdID = 0x0073
	CmdRequestSnapshotNow   CmdID = 0x00F0
	CmdClearWarnings        CmdID = 0x00F1
	CmdClearLatchedAlarms   CmdID = 0x00F2
	// CmdGetDeviceInfo carries the read-only device-info endpoint over
	// the frame transport; on the original hardware it is a separate
	// GATT read characteristic, which a byte-stream link cannot model.
	CmdGetDeviceInfo        CmdID = 0x00F3
	CmdOpenSession      CmdID = 0x0100
	CmdKeepalive        CmdID = 0x0101
	CmdStartRun         CmdID = 0x0102
	CmdStopRun          CmdID = 0x0103
	CmdPause            CmdID = 0x0104
	CmdResume           CmdID = 0x0105
	CmdEnableServiceMode  CmdID = 0x0110
	CmdDisableServiceMode CmdID = 0x0111
	CmdClearEstop         CmdID = 0x0112
	CmdClearFault         CmdID = 0x0113
)

// CmdStatus is the acknowledgment status code (§7).
type CmdStatus byte

const (
	StatusOK              CmdStatus = 0
	StatusRejectedPolicy  CmdStatus = 1
	StatusInvalidArgs     CmdStatus = 2
	StatusBusy            CmdStatus = 3
	StatusHWFault         CmdStatus = 4
	StatusNotReady        CmdStatus = 5
	StatusTimeout         CmdStatus = 6
)

// Detail subcodes carried in a command ack.
const (
	DetailInvalidSession     uint16 = 0x0001
	DetailInterlocksBlocking uint16 = 0x0002
	DetailConditionActive    uint16 = 0x0003
	DetailBusTimeout         uint16 = 0x0004
	DetailDomainOutOfRange   uint16 = 0x0005
)

// EventID identifies an asynchronous event.
type EventID uint16

const (
	EventEstopAsserted      EventID = 0x1001
	EventEstopCleared       EventID = 0x1002
	EventHMIConnected       EventID = 0x1100
	EventHMIDisconnected    EventID = 0x1101
	EventRunStarted         EventID = 0x1200
	EventRunStopped         EventID = 0x1201
	EventRunAborted         EventID = 0x1202
	EventPrecoolComplete    EventID = 0x1203
	EventStateChanged       EventID = 0x1204
	EventPaused             EventID = 0x1205
	EventResumed            EventID = 0x1206
	EventBusDeviceOnline    EventID = 0x1300
	EventBusDeviceOffline   EventID = 0x1301
	EventAlarmLatched       EventID = 0x1400
	EventAlarmCleared       EventID = 0x1401
	EventAutotuneStarted    EventID = 0x1500
	EventAutotuneComplete   EventID = 0x1501
	EventAutotuneFailed     EventID = 0x1502
)

// Severity classifies an event's urgency.
type Severity byte

const (
	SeverityInfo     Severity = 0x00
	SeverityWarn     Severity = 0x01
	SeverityAlarm    Severity = 0x02
	SeverityCritical Severity = 0x03
)

// Alarm bits packed into a telemetry snapshot's alarm_bits word.
const (
	AlarmBitEstopActive     uint32 = 1 << 0
	AlarmBitDoorInterlock   uint32 = 1 << 1
	AlarmBitOverTemp        uint32 = 1 << 2
	AlarmBitRS485Fault      uint32 = 1 << 3
	AlarmBitPowerFault      uint32 = 1 << 4
	AlarmBitHMINotLive      uint32 = 1 << 5
	AlarmBitPID1Fault       uint32 = 1 << 6
	AlarmBitPID2Fault       uint32 = 1 << 7
	AlarmBitPID3Fault       uint32 = 1 << 8
)

// CtrlMode is a PID controller's operating mode.
type CtrlMode byte

const (
	CtrlModeStop    CtrlMode = 0x00
	CtrlModeManual  CtrlMode = 0x01
	CtrlModeAuto    CtrlMode = 0x02
	CtrlModeProgram CtrlMode = 0x03
)

// MachineStateCode mirrors internal/machine.State for wire encoding,
// avoiding an import cycle between pkg/wire and internal/machine.
type MachineStateCode byte

const (
	StateIdle MachineStateCode = iota
	StatePrecool
	StateRunning
	StateStopping
	StateEStop
	StateFault
	StateService
)
