// Package statusmirror optionally mirrors machine/telemetry state into
// Redis so a host-side dashboard can observe the mill without speaking
// the wire protocol, following the HSet-per-field-plus-publish pattern
// pkg/service/usock_handlers.go uses for the scooter's own Redis mirror
// (e.g. WriteAndPublishInt on vehicle/battery state changes). Entirely
// optional: nil-safe, only engaged when a Redis address is configured.
package statusmirror

import (
	"log"
	"time"

	"github.com/nunucryo/shaker-mcu/internal/machine"
	"github.com/nunucryo/shaker-mcu/internal/pid"
	"github.com/nunucryo/shaker-mcu/pkg/redis"
)

// Redis key/field names used by this mirror.
const (
	KeyMachine = "shaker-mcu:machine"
	KeyPID     = "shaker-mcu:pid"
)

// MachineStateSource is the subset of *internal/machine.Manager this
// mirror reads from.
type MachineStateSource interface {
	State() machine.State
	RunInfo() machine.RunInfo
}

// PIDSource is the subset of *internal/pid.Poller this mirror reads from.
type PIDSource interface {
	Count() uint8
	Get(index int) (pid.Controller, error)
}

// Mirror periodically pushes machine/PID state into Redis hashes and
// publishes change notifications on their channels, at a slower cadence
// than the wire telemetry push since Redis subscribers are humans and
// dashboards, not the lease-bound HMI session.
type Mirror struct {
	client  *redis.Client
	machine MachineStateSource
	pidP    PIDSource
	logger  *log.Logger
	period  time.Duration

	lastState string

	stopCh chan struct{}
	doneCh chan struct{}
}

// Config configures a Mirror.
type Config struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Period        time.Duration
}

// DefaultPeriod is used when Config.Period is zero.
const DefaultPeriod = 1 * time.Second

// New connects to Redis and returns a Mirror. Returns an error if the
// Redis connection cannot be established; callers should treat this as
// non-fatal and run without a mirror (SPEC_FULL.md §2.2: status mirroring
// is an ambient convenience, never a dependency of the control path).
func New(cfg Config, machineSrc MachineStateSource, pidSrc PIDSource, logger *log.Logger) (*Mirror, error) {
	if logger == nil {
		logger = log.Default()
	}
	client, err := redis.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return nil, err
	}
	period := cfg.Period
	if period <= 0 {
		period = DefaultPeriod
	}
	return &Mirror{
		client:  client,
		machine: machineSrc,
		pidP:    pidSrc,
		logger:  logger,
		period:  period,
	}, nil
}

// Run starts the periodic mirror loop; it returns once Stop is called.
func (m *Mirror) Run() {
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	defer close(m.doneCh)

	ticker := time.NewTicker(m.period)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.tick()
		}
	}
}

// Stop halts the mirror loop and closes the underlying Redis client.
func (m *Mirror) Stop() {
	if m.stopCh != nil {
		close(m.stopCh)
		<-m.doneCh
	}
	if err := m.client.Close(); err != nil {
		m.logger.Printf("statusmirror: close: %v", err)
	}
}

func (m *Mirror) tick() {
	if m.machine != nil {
		m.mirrorMachine()
	}
	if m.pidP != nil {
		m.mirrorPID()
	}
}

func (m *Mirror) mirrorMachine() {
	state := m.machine.State().String()
	info := m.machine.RunInfo()

	if state != m.lastState {
		if err := m.client.WriteAndPublishString(KeyMachine, "state", state); err != nil {
			m.logger.Printf("statusmirror: write machine state: %v", err)
		}
		m.lastState = state
	} else {
		if err := m.client.WriteString(KeyMachine, "state", state); err != nil {
			m.logger.Printf("statusmirror: write machine state: %v", err)
		}
	}

	if err := m.client.WriteInt(KeyMachine, "target-temp-x10", int(info.TargetTempX10)); err != nil {
		m.logger.Printf("statusmirror: write target temp: %v", err)
	}
	if err := m.client.WriteInt(KeyMachine, "run-elapsed-ms", int(info.RunElapsedMs)); err != nil {
		m.logger.Printf("statusmirror: write run elapsed: %v", err)
	}
	if err := m.client.WriteInt(KeyMachine, "recipe-step", int(info.RecipeStep)); err != nil {
		m.logger.Printf("statusmirror: write recipe step: %v", err)
	}
}

func (m *Mirror) mirrorPID() {
	count := m.pidP.Count()
	for i := 0; i < int(count); i++ {
		c, err := m.pidP.Get(i)
		if err != nil {
			continue
		}
		field := controllerField(c.Addr)
		if err := m.client.WriteString(KeyPID, field+":state", c.State.String()); err != nil {
			m.logger.Printf("statusmirror: write pid state: %v", err)
		}
		if err := m.client.WriteInt(KeyPID, field+":pv-x10", int(c.Data.PV*10)); err != nil {
			m.logger.Printf("statusmirror: write pid pv: %v", err)
		}
		if err := m.client.WriteInt(KeyPID, field+":sv-x10", int(c.Data.SV*10)); err != nil {
			m.logger.Printf("statusmirror: write pid sv: %v", err)
		}
	}
}

func controllerField(addr uint8) string {
	switch addr {
	case 1:
		return "pid1"
	case 2:
		return "pid2"
	case 3:
		return "pid3"
	default:
		return "pid-unknown"
	}
}
