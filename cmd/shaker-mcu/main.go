// Command shaker-mcu is the composition root for the cryogenic shaker
// ball mill controller: it wires the industrial-bus master, PID poller,
// relay driver, session manager, safety gate, machine state machine,
// command dispatcher, telemetry emitter, and host transport, then waits
// for SIGINT/SIGTERM. Grounded on cmd/bluetooth-service/main.go's flag/
// log/wiring/signal-shutdown shape.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"periph.io/x/conn/v3/gpio/gpioreg"

	"github.com/nunucryo/shaker-mcu/internal/config"
	"github.com/nunucryo/shaker-mcu/internal/devinfo"
	"github.com/nunucryo/shaker-mcu/internal/dispatch"
	"github.com/nunucryo/shaker-mcu/internal/machine"
	"github.com/nunucryo/shaker-mcu/internal/modbus"
	"github.com/nunucryo/shaker-mcu/internal/pid"
	"github.com/nunucryo/shaker-mcu/internal/relay"
	"github.com/nunucryo/shaker-mcu/internal/safety"
	"github.com/nunucryo/shaker-mcu/internal/session"
	"github.com/nunucryo/shaker-mcu/internal/statusmirror"
	"github.com/nunucryo/shaker-mcu/internal/telemetry"
	"github.com/nunucryo/shaker-mcu/internal/transport/lineio"
	"github.com/nunucryo/shaker-mcu/internal/transport/serialio"
	"github.com/nunucryo/shaker-mcu/pkg/wire"
)

// Firmware version, mirrored from fw_version.h's FW_VERSION_MAJOR/MINOR/
// PATCH/FW_BUILD_ID — this Go rewrite is versioned as a continuation of
// that firmware's release line.
const (
	fwVersionMajor = 0
	fwVersionMinor = 3
	fwVersionPatch = 10
	fwBuildID      = 0x26012011
)

var (
	busDevice     = flag.String("bus-device", "/dev/ttyUSB0", "Industrial-bus (RS-485/Modbus) serial device")
	busBaud       = flag.Int("bus-baud", 19200, "Industrial-bus baud rate")
	busDEPin      = flag.String("bus-de-pin", "", "RS-485 driver-enable GPIO name (empty = transceiver auto-switches)")
	hostDevice    = flag.String("host-device", "/dev/ttyGS0", "Host/companion-app transport serial device")
	hostBaud      = flag.Int("host-baud", 115200, "Host transport baud rate")
	i2cBus        = flag.String("i2c-bus", "/dev/i2c-1", "I2C bus device for the relay/DI expanders")
	configPath    = flag.String("config", "/data/shaker-mcu-config.cbor", "Persisted configuration path")
	redisAddr     = flag.String("redis-addr", "", "Optional Redis address for the status mirror (empty disables it)")
	redisPassword = flag.String("redis-pass", "", "Redis password")
	redisDB       = flag.Int("redis-db", 0, "Redis database number")
)

// lazySink lets internal/machine and internal/dispatch be constructed
// with an EventSink before internal/telemetry.Emitter — the concrete
// sink both of them need — exists; its target is filled in once the
// emitter is built.
type lazySink struct {
	target *telemetry.Emitter
}

func (s *lazySink) Emit(eventID wire.EventID, severity wire.Severity, data []byte) {
	if s.target != nil {
		s.target.Emit(eventID, severity, data)
	}
}

// lazyInterlocks breaks the safety.Gate/machine.Manager construction
// cycle: the gate needs an InterlockReader and the manager needs the
// gate, so the manager is wired in as the reader's target right after
// both exist. Interlocks() reports "all clear" until then, which is
// safe — nothing can start a run before the manager is constructed.
type lazyInterlocks struct {
	target *machine.Manager
}

func (l *lazyInterlocks) Interlocks() byte {
	if l.target == nil {
		return 0
	}
	return l.target.Interlocks()
}

func main() {
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)
	log.Printf("Starting shaker-mcu firmware v%d.%d.%d+%08x", fwVersionMajor, fwVersionMinor, fwVersionPatch, fwBuildID)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Printf("Config load failed, using defaults: %v", err)
		cfg = config.Default()
	}

	// The relay driver's Open runs host.Init, which the optional DE pin
	// lookup below also depends on.
	relayDriver := relay.New(relay.Config{BusName: *i2cBus}, log.Default())
	if err := relayDriver.Open(); err != nil {
		log.Fatalf("Failed to open relay/DI I2C expanders: %v", err)
	}
	defer relayDriver.Close()

	busCfg := modbus.DefaultConfig()
	if *busDEPin != "" {
		pin := gpioreg.ByName(*busDEPin)
		if pin == nil {
			log.Fatalf("RS-485 DE pin %q not found", *busDEPin)
		}
		busCfg.DEPin = pin
	}

	busPort, err := serialio.Open(serialio.Config{
		Device:      *busDevice,
		BaudRate:    *busBaud,
		ReadTimeout: 50 * time.Millisecond,
	})
	if err != nil {
		log.Fatalf("Failed to open industrial-bus serial device %s: %v", *busDevice, err)
	}
	defer busPort.Close()

	bus := modbus.New(busPort, busCfg, log.Default())

	pidPoller := pid.New(bus, pid.DefaultConfig(), log.Default())
	pidPoller.SetIdleTimeout(cfg.IdleTimeoutMinutes)

	sessions := session.New()

	sink := &lazySink{}
	interlocks := &lazyInterlocks{}

	caps := safety.DefaultCapabilities()
	for id, level := range cfg.Capabilities {
		if int(id) >= 0 && int(id) < len(caps) {
			caps[id] = level
		}
	}
	gate := safety.New(caps, dispatch.PIDSafetyAdapter{Poller: pidPoller}, interlocks, sessions)

	machineMgr := machine.New(relayDriver, sessions, pidPoller, gate, sink, log.Default())
	interlocks.target = machineMgr
	machineMgr.Init()

	dispatcher := dispatch.New(sessions, machineMgr, gate, pidPoller, relayDriver, sink, log.Default())
	dispatcher.SetConfigSaver(func() {
		cfg.IdleTimeoutMinutes = pidPoller.IdleTimeout()
		for id, level := range gate.AllCapabilities() {
			cfg.Capabilities[safety.SubsystemID(id)] = level
		}
		if err := config.Save(*configPath, cfg); err != nil {
			log.Printf("Failed to persist configuration: %v", err)
		}
	})

	hostPort, err := serialio.Open(serialio.Config{
		Device:      *hostDevice,
		BaudRate:    *hostBaud,
		ReadTimeout: 20 * time.Millisecond,
	})
	if err != nil {
		log.Fatalf("Failed to open host transport device %s: %v", *hostDevice, err)
	}
	defer hostPort.Close()

	pump := lineio.New(hostPort, dispatcher, log.Default())

	emitter := telemetry.New(pump, pidPoller, relayDriver, sessions, machineMgr, log.Default())
	sink.target = emitter
	dispatcher.SetDiagnostics(emitter)
	pidPoller.SetAutotuneSink(emitter.OnAutotune)
	pump.OnDisconnect = func() {
		sessions.ForceExpire()
		emitter.Emit(wire.EventHMIDisconnected, wire.SeverityWarn, nil)
	}

	var mirror *statusmirror.Mirror
	if *redisAddr != "" {
		mirror, err = statusmirror.New(statusmirror.Config{
			RedisAddr:     *redisAddr,
			RedisPassword: *redisPassword,
			RedisDB:       *redisDB,
		}, machineMgr, pidPoller, log.Default())
		if err != nil {
			log.Printf("Status mirror disabled, Redis connection failed: %v", err)
			mirror = nil
		}
	}

	info := devinfo.Info{
		ProtoVer: wire.ProtoVersion,
		FWMajor:  fwVersionMajor,
		FWMinor:  fwVersionMinor,
		FWPatch:  fwVersionPatch,
		BuildID:  fwBuildID,
		CapBits:  devinfo.CapSessionLease | devinfo.CapEventLog | devinfo.CapIndustrialBusTools | devinfo.CapPIDTuning,
	}
	encoded := info.Encode()
	dispatcher.SetDeviceInfo(encoded[:])
	log.Printf("device info: % x", encoded[:])

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go pidPoller.Run(ctx)
	go machineMgr.Run(ctx)
	go emitter.Run(ctx)
	go pump.Run(ctx)
	if mirror != nil {
		go mirror.Run()
	}

	log.Printf("shaker-mcu ready")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Printf("Shutting down...")
	cancel()
	pump.Stop()
	emitter.Stop()
	machineMgr.Stop()
	pidPoller.Stop()
	if mirror != nil {
		mirror.Stop()
	}

	cfg.IdleTimeoutMinutes = pidPoller.IdleTimeout()
	for id, level := range gate.AllCapabilities() {
		cfg.Capabilities[safety.SubsystemID(id)] = level
	}
	if err := config.Save(*configPath, cfg); err != nil {
		log.Printf("Failed to persist configuration on shutdown: %v", err)
	}
}
