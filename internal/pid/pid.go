// Package pid implements the PID controller poller (SPEC_FULL.md §4.3),
// grounded on
// original_source/firmware/components/pid_controller/pid_controller.c —
// the LC108/COM-800-C1 register map and poll/verify semantics are carried
// over near-directly, round-robin poll_task replaced by a single ticker
// goroutine with adaptive period.
package pid

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/nunucryo/shaker-mcu/internal/modbus"
)

// MaxControllers is the maximum fleet size this poller supports.
const MaxControllers = 3

// LC108 register addresses (0-based, matching pid_controller.h).
const (
	RegPV     uint16 = 0
	RegMV1    uint16 = 1
	RegMV2    uint16 = 2
	RegMVFB   uint16 = 3
	RegStatus uint16 = 4
	RegSV     uint16 = 5
	RegAT     uint16 = 12
	RegMode   uint16 = 13
	RegAL1    uint16 = 14
	RegAL2    uint16 = 15
	RegP1     uint16 = 24
	RegI1     uint16 = 25
	RegD1     uint16 = 26
	RegLSPL   uint16 = 68
	RegUSPL   uint16 = 69
)

// Status bits, within RegStatus.
const (
	StatusAlarm1   uint16 = 1 << 0
	StatusAlarm2   uint16 = 1 << 1
	StatusOutput1  uint16 = 1 << 2
	StatusOutput2  uint16 = 1 << 3
	StatusAutotune uint16 = 1 << 4
)

// RS-485 communication setup registers (slave address, baud, parity).
// Writing these over the bus would orphan the controller mid-session.
const (
	RegCommFirst uint16 = 49
	RegCommLast  uint16 = 51
)

// IsProtectedRegister reports whether reg falls in the bus-configuration
// range that CMD_WRITE_REGISTER must reject.
func IsProtectedRegister(reg uint16) bool {
	return reg >= RegCommFirst && reg <= RegCommLast
}

// State is a controller's liveness state.
type State byte

const (
	StateUnknown State = iota
	StateOnline
	StateStale
	StateOffline
)

func (s State) String() string {
	switch s {
	case StateOnline:
		return "ONLINE"
	case StateStale:
		return "STALE"
	case StateOffline:
		return "OFFLINE"
	default:
		return "UNKNOWN"
	}
}

// CtrlMode is a controller's operating mode register value.
type CtrlMode byte

const (
	ModeStop CtrlMode = iota
	ModeManual
	ModeAuto
	ModeProgram
)

// LiveData is the decoded payload of the last successful poll.
type LiveData struct {
	PV         float64
	SV         float64
	OutputPct  float64
	Status     uint16
	Mode       CtrlMode
	Alarm1     bool
	Alarm2     bool
	Autotuning bool
}

// Controller is one poller-tracked LC108 record.
type Controller struct {
	Addr          uint8
	State         State
	Data          LiveData
	LastUpdate    time.Time
	ErrorCount    int
	TotalPolls    uint64
	TotalErrors   uint64
	autotuneState autotunePhase
	autotuneSince time.Time
}

type autotunePhase byte

const (
	autotuneOff autotunePhase = iota
	autotuneRunning
)

// AutotuneEvent is the observed transition of the PID_STATUS_AUTOTUNE bit
// (SPEC_FULL.md §4.10, a supplemented feature — observed, not invented).
type AutotuneEvent byte

const (
	AutotuneStarted AutotuneEvent = iota
	AutotuneCompleted
	AutotuneFailed
)

// Config groups the poller's tunables (mirrors pid_config_t plus the
// idle-timeout addition from §4.3/§6).
type Config struct {
	Addresses          [MaxControllers]uint8
	Count              uint8
	BasePollInterval   time.Duration // default 300ms
	SlowPollInterval   time.Duration // default 2000ms
	IdleTimeoutMinutes uint8         // 0 = lazy polling disabled
	AutotuneTimeout    time.Duration // default 10 minutes
}

// DefaultConfig mirrors PID_CONFIG_DEFAULT().
func DefaultConfig() Config {
	return Config{
		Addresses:        [MaxControllers]uint8{1, 2, 3},
		Count:            3,
		BasePollInterval: 300 * time.Millisecond,
		SlowPollInterval: 2000 * time.Millisecond,
		AutotuneTimeout:  10 * time.Minute,
	}
}

// AutotuneFunc receives observed autotune status transitions.
type AutotuneFunc func(addr uint8, ev AutotuneEvent)

// Poller runs the adaptive round-robin poll loop over a fleet of LC108
// controllers reachable through a shared modbus.Master.
type Poller struct {
	bus    *modbus.Master
	cfg    Config
	logger *log.Logger

	mu          sync.Mutex
	controllers [MaxControllers]Controller

	lastActivity time.Time
	lazyActive   bool
	nowFunc      func() time.Time
	onAutotune   AutotuneFunc

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a poller over bus, addressing cfg.Count controllers at
// cfg.Addresses.
func New(bus *modbus.Master, cfg Config, logger *log.Logger) *Poller {
	if logger == nil {
		logger = log.Default()
	}
	if cfg.BasePollInterval == 0 {
		cfg.BasePollInterval = DefaultConfig().BasePollInterval
	}
	if cfg.SlowPollInterval == 0 {
		cfg.SlowPollInterval = DefaultConfig().SlowPollInterval
	}
	if cfg.AutotuneTimeout == 0 {
		cfg.AutotuneTimeout = DefaultConfig().AutotuneTimeout
	}
	if cfg.Count > MaxControllers {
		cfg.Count = MaxControllers
	}

	p := &Poller{
		bus:     bus,
		cfg:     cfg,
		logger:  logger,
		nowFunc: time.Now,
	}
	for i := 0; i < int(cfg.Count); i++ {
		p.controllers[i] = Controller{Addr: cfg.Addresses[i], State: StateUnknown}
	}
	p.lastActivity = p.now()
	return p
}

// SetAutotuneSink registers the callback used to report observed
// autotune-status transitions.
func (p *Poller) SetAutotuneSink(fn AutotuneFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onAutotune = fn
}

func (p *Poller) now() time.Time {
	if p.nowFunc != nil {
		return p.nowFunc()
	}
	return time.Now()
}

// SignalActivity marks the system as active, resetting the idle-timeout
// clock — called by the command dispatcher on every command except
// KEEPALIVE (§4.3).
func (p *Poller) SignalActivity() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastActivity = p.now()
}

// IsLazyPolling reports whether the poller is currently in slow (lazy)
// mode.
func (p *Poller) IsLazyPolling() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lazyActive
}

func (p *Poller) checkLazy() bool {
	if p.cfg.IdleTimeoutMinutes == 0 {
		return false
	}
	idle := p.now().Sub(p.lastActivity)
	return idle >= time.Duration(p.cfg.IdleTimeoutMinutes)*time.Minute
}

// Run starts the poll loop; it returns when ctx is cancelled or Stop is
// called.
func (p *Poller) Run(ctx context.Context) {
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	defer close(p.doneCh)

	idx := 0
	wasLazy := false

	for {
		p.mu.Lock()
		isLazy := p.checkLazy()
		count := int(p.cfg.Count)
		interval := p.cfg.BasePollInterval
		if isLazy {
			interval = p.cfg.SlowPollInterval
		}
		if isLazy != wasLazy {
			if isLazy {
				p.logger.Printf("pid: entering lazy polling mode (interval=%s)", interval)
			} else {
				p.logger.Printf("pid: resuming fast polling mode (interval=%s)", interval)
			}
			wasLazy = isLazy
		}
		p.lazyActive = isLazy
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-time.After(interval):
		}

		if count > 0 {
			p.pollOne(idx % count)
			idx = (idx + 1) % count
		}

		p.ageOutStale(isLazy)
	}
}

// Stop halts the poll loop and waits for it to exit.
func (p *Poller) Stop() {
	if p.stopCh == nil {
		return
	}
	close(p.stopCh)
	<-p.doneCh
}

func (p *Poller) ageOutStale(isLazy bool) {
	staleThreshold := time.Duration(3) * p.cfg.BasePollInterval
	if isLazy {
		staleThreshold = 3 * p.cfg.SlowPollInterval
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	for i := 0; i < int(p.cfg.Count); i++ {
		c := &p.controllers[i]
		if c.State == StateOnline {
			age := now.Sub(c.LastUpdate)
			if age > staleThreshold {
				c.State = StateStale
				p.logger.Printf("pid: controller %d data stale (age=%s)", c.Addr, age)
			}
		}
	}
}

func decodeTemp(raw int16) float64   { return float64(raw) / 10.0 }
func encodeTemp(celsius float64) int16 {
	return int16(celsius*10.0 + sign(celsius)*0.5)
}
func sign(v float64) float64 {
	if v < 0 {
		return -1
	}
	return 1
}
func decodePercent(raw int16) float64 { return float64(raw) / 10.0 }

// pollOne reads the fixed register block plus the MODE register for
// controllers[idx] and updates the cache (mirrors poll_controller()).
func (p *Poller) pollOne(idx int) {
	p.mu.Lock()
	addr := p.controllers[idx].Addr
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	regs, err := p.bus.ReadHolding(ctx, addr, RegPV, 6)

	p.mu.Lock()
	defer p.mu.Unlock()
	c := &p.controllers[idx]
	c.TotalPolls++

	if err != nil {
		c.ErrorCount++
		c.TotalErrors++
		if c.ErrorCount >= 3 {
			if c.State == StateOnline || c.State == StateStale {
				p.logger.Printf("pid: controller %d went offline: %v", c.Addr, err)
			}
			c.State = StateOffline
		} else if c.State == StateOnline {
			c.State = StateStale
		}
		return
	}

	modeCtx, modeCancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	modeRegs, modeErr := p.bus.ReadHolding(modeCtx, addr, RegMode, 1)
	modeCancel()
	if modeErr != nil {
		p.logger.Printf("pid: controller %d MODE read failed: %v", c.Addr, modeErr)
	}

	prevAutotune := c.Data.Autotuning

	c.Data.PV = decodeTemp(int16(regs[0]))
	c.Data.OutputPct = decodePercent(int16(regs[1]))
	c.Data.Status = regs[4]
	c.Data.SV = decodeTemp(int16(regs[5]))
	c.Data.Alarm1 = regs[4]&StatusAlarm1 != 0
	c.Data.Alarm2 = regs[4]&StatusAlarm2 != 0
	c.Data.Autotuning = regs[4]&StatusAutotune != 0
	if modeErr == nil {
		c.Data.Mode = CtrlMode(modeRegs[0] & 0xFF)
	}

	c.LastUpdate = p.now()
	c.ErrorCount = 0

	if c.State != StateOnline {
		p.logger.Printf("pid: controller %d online: PV=%.1f SV=%.1f MODE=%d", c.Addr, c.Data.PV, c.Data.SV, c.Data.Mode)
	}
	c.State = StateOnline

	p.observeAutotuneLocked(c, prevAutotune)
}

func (p *Poller) observeAutotuneLocked(c *Controller, prevAutotune bool) {
	if p.onAutotune == nil {
		return
	}
	if c.Data.Autotuning && !prevAutotune {
		c.autotuneState = autotuneRunning
		c.autotuneSince = p.now()
		p.onAutotune(c.Addr, AutotuneStarted)
		return
	}
	if !c.Data.Autotuning && prevAutotune && c.autotuneState == autotuneRunning {
		c.autotuneState = autotuneOff
		if p.now().Sub(c.autotuneSince) > p.cfg.AutotuneTimeout {
			p.onAutotune(c.Addr, AutotuneFailed)
		} else {
			p.onAutotune(c.Addr, AutotuneCompleted)
		}
		return
	}
	if c.Data.Autotuning && c.autotuneState == autotuneRunning {
		if p.now().Sub(c.autotuneSince) > p.cfg.AutotuneTimeout {
			c.autotuneState = autotuneOff
			p.onAutotune(c.Addr, AutotuneFailed)
		}
	}
}

// ForcePoll immediately polls one controller out of cycle, used after a
// write to refresh the cache (§4.3).
func (p *Poller) ForcePoll(addr uint8) error {
	idx, ok := p.indexOf(addr)
	if !ok {
		return ErrNotFound
	}
	p.pollOne(idx)
	return nil
}

func (p *Poller) indexOf(addr uint8) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := 0; i < int(p.cfg.Count); i++ {
		if p.controllers[i].Addr == addr {
			return i, true
		}
	}
	return 0, false
}

// Get returns a copy of a controller's record by fleet index.
func (p *Poller) Get(index int) (Controller, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if index < 0 || index >= int(p.cfg.Count) {
		return Controller{}, ErrInvalidIndex
	}
	return p.controllers[index], nil
}

// GetByAddr returns a copy of a controller's record by bus address.
func (p *Poller) GetByAddr(addr uint8) (Controller, error) {
	idx, ok := p.indexOf(addr)
	if !ok {
		return Controller{}, ErrNotFound
	}
	return p.Get(idx)
}

// Count returns the number of controllers this poller tracks.
func (p *Poller) Count() uint8 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg.Count
}

// ControllerState reports a controller's liveness and PV as a
// ControllerStateView; internal/dispatch.PIDSafetyAdapter converts it for
// safety.ControllerReader.
func (p *Poller) ControllerState(addr uint8) ControllerStateView {
	c, err := p.GetByAddr(addr)
	if err != nil {
		return ControllerStateView{}
	}
	return ControllerStateView{
		Online: c.State == StateOnline || c.State == StateStale,
		Found:  true,
		PVx10:  int16(c.Data.PV * 10),
	}
}

// ControllerStateView matches safety.ControllerState's shape without
// importing internal/safety from this package's public surface (the
// adapter lives in internal/dispatch, which imports both).
type ControllerStateView struct {
	Online bool
	Found  bool
	PVx10  int16
}

// Snapshot implements machine.ControllerReader: chamber PV in tenths of a
// degree, online flag, found flag.
func (p *Poller) Snapshot(addr uint8) (pvX10 int16, online bool, found bool) {
	v := p.ControllerState(addr)
	return v.PVx10, v.Online, v.Found
}

// AnyAlarm reports whether any ONLINE controller currently has an active
// alarm bit.
func (p *Poller) AnyAlarm() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := 0; i < int(p.cfg.Count); i++ {
		c := &p.controllers[i]
		if c.State == StateOnline && (c.Data.Alarm1 || c.Data.Alarm2) {
			return true
		}
	}
	return false
}

// DataAge returns the time since the controller's last successful poll,
// or -1 if it has never been updated.
func (p *Poller) DataAge(addr uint8) time.Duration {
	c, err := p.GetByAddr(addr)
	if err != nil || c.LastUpdate.IsZero() {
		return -1
	}
	return p.now().Sub(c.LastUpdate)
}

// SetIdleTimeout updates the idle-timeout minutes and resets the
// activity clock (mirrors pid_controller_set_idle_timeout).
func (p *Poller) SetIdleTimeout(minutes uint8) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg.IdleTimeoutMinutes = minutes
	p.lastActivity = p.now()
}

// IdleTimeout returns the current idle-timeout minutes.
func (p *Poller) IdleTimeout() uint8 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg.IdleTimeoutMinutes
}

// SetSV writes a new setpoint (°C) and verifies it by reading SV back,
// mirroring pid_controller_set_sv's write-then-verify pattern. A failed
// verify read is not an error (the write itself succeeded); a readback
// off by more than 0.15 °C is.
func (p *Poller) SetSV(ctx context.Context, addr uint8, celsius float64) error {
	raw := uint16(encodeTemp(celsius))

	if err := p.bus.WriteSingle(ctx, addr, RegSV, raw); err != nil {
		return err
	}

	regs, err := p.bus.ReadHolding(ctx, addr, RegSV, 1)
	if err != nil {
		p.logger.Printf("pid: SV verify read failed on addr %d: %v", addr, err)
	} else {
		diff := celsius - decodeTemp(int16(regs[0]))
		if diff < -0.15 || diff > 0.15 {
			return &VerifyError{Field: "SV", Wrote: raw, Read: regs[0]}
		}
	}

	p.mu.Lock()
	if idx, ok := p.indexOfLocked(addr); ok {
		p.controllers[idx].Data.SV = celsius
	}
	p.mu.Unlock()
	return nil
}

// SetMode writes the controller's operating mode and verifies it by
// reading MODE back.
func (p *Poller) SetMode(ctx context.Context, addr uint8, mode CtrlMode) error {
	raw := uint16(mode)

	if err := p.bus.WriteSingle(ctx, addr, RegMode, raw); err != nil {
		return err
	}

	regs, err := p.bus.ReadHolding(ctx, addr, RegMode, 1)
	if err != nil {
		p.logger.Printf("pid: MODE verify read failed on addr %d: %v", addr, err)
	} else if regs[0]&0xFF != raw {
		return &VerifyError{Field: "MODE", Wrote: raw, Read: regs[0]}
	}

	p.mu.Lock()
	if idx, ok := p.indexOfLocked(addr); ok {
		p.controllers[idx].Data.Mode = mode
	}
	p.mu.Unlock()
	return nil
}

// Tuning groups the three PID gain parameters, each encoded the way
// original_source's write_params() encodes them (P1 ×10, I1/D1 in
// whole seconds).
type Tuning struct {
	ProportionalGain float64 // P1, written as gain×10
	IntegralSeconds  uint16  // I1
	DerivativeSeconds uint16 // D1
}

// WriteTuning writes the P1/I1/D1 block in one function-code-0x10
// transaction, mirroring write_params().
func (p *Poller) WriteTuning(ctx context.Context, addr uint8, t Tuning) error {
	values := []uint16{
		uint16(t.ProportionalGain*10 + 0.5),
		t.IntegralSeconds,
		t.DerivativeSeconds,
	}
	return p.bus.WriteMultiple(ctx, addr, RegP1, values)
}

// AlarmLimits groups the AL1/AL2 alarm setpoint registers.
type AlarmLimits struct {
	Alarm1 uint16
	Alarm2 uint16
}

// SetAlarmLimits writes the AL1/AL2 alarm setpoint registers in one
// function-code-0x10 transaction. Not part of the write-then-verify set
// (§7 limits that to setpoint/mode/single-register writes).
func (p *Poller) SetAlarmLimits(ctx context.Context, addr uint8, limits AlarmLimits) error {
	return p.bus.WriteMultiple(ctx, addr, RegAL1, []uint16{limits.Alarm1, limits.Alarm2})
}

// ReadAlarmLimits reads the AL1/AL2 alarm setpoint registers.
func (p *Poller) ReadAlarmLimits(ctx context.Context, addr uint8) (AlarmLimits, error) {
	regs, err := p.bus.ReadHolding(ctx, addr, RegAL1, 2)
	if err != nil {
		return AlarmLimits{}, err
	}
	return AlarmLimits{Alarm1: regs[0], Alarm2: regs[1]}, nil
}

// WriteRegister writes a single arbitrary holding register and verifies
// it by reading the register back, used by the CMD_WRITE_REGISTER wire
// command. Returns the verified value; a failed verify read returns the
// written value (the write itself succeeded). Callers must reject
// protected registers with IsProtectedRegister before calling this.
func (p *Poller) WriteRegister(ctx context.Context, addr uint8, reg uint16, value uint16) (uint16, error) {
	if err := p.bus.WriteSingle(ctx, addr, reg, value); err != nil {
		return 0, err
	}

	regs, err := p.bus.ReadHolding(ctx, addr, reg, 1)
	if err != nil {
		p.logger.Printf("pid: register %d verify read failed on addr %d: %v", reg, addr, err)
		return value, nil
	}
	if regs[0] != value {
		return regs[0], &VerifyError{Field: "REG", Wrote: value, Read: regs[0]}
	}
	return regs[0], nil
}

// ReadRegister reads a single arbitrary holding register, used by the
// CMD_READ_REGISTER wire command.
func (p *Poller) ReadRegister(ctx context.Context, addr uint8, reg uint16) (uint16, error) {
	regs, err := p.bus.ReadHolding(ctx, addr, reg, 1)
	if err != nil {
		return 0, err
	}
	return regs[0], nil
}

// StartAutotune sets the AT register to begin an autotune cycle.
func (p *Poller) StartAutotune(ctx context.Context, addr uint8) error {
	return p.bus.WriteSingle(ctx, addr, RegAT, 1)
}

// StopAutotune clears the AT register, aborting an in-progress autotune
// cycle. It also resets the poller's autotune tracking for that
// controller, so no AutotuneComplete or AutotuneFailed event is reported
// for the stopped cycle.
func (p *Poller) StopAutotune(ctx context.Context, addr uint8) error {
	p.mu.Lock()
	if idx, ok := p.indexOfLocked(addr); ok {
		p.controllers[idx].autotuneState = autotuneOff
	}
	p.mu.Unlock()
	return p.bus.WriteSingle(ctx, addr, RegAT, 0)
}

func (p *Poller) indexOfLocked(addr uint8) (int, bool) {
	for i := 0; i < int(p.cfg.Count); i++ {
		if p.controllers[i].Addr == addr {
			return i, true
		}
	}
	return 0, false
}
