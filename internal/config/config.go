// Package config persists the process-wide configuration record (§3.1,
// §6): per-subsystem capability levels, the PID poller idle-timeout
// minutes, and the recovery "return-to" partition label. Safety-gate
// bypass flags are deliberately excluded — original_source's
// safety_gate.c never loads its gate-enable mask from NVS, so this port
// never persists it either (see SPEC_FULL.md §3.1).
package config

import (
	"fmt"
	"os"

	"github.com/fxamacker/cbor/v2"

	"github.com/nunucryo/shaker-mcu/internal/safety"
)

// Persisted is the on-disk configuration record.
type Persisted struct {
	Capabilities           map[safety.SubsystemID]safety.CapabilityLevel
	IdleTimeoutMinutes     uint8
	RecoveryPartitionLabel string
}

// Default returns the configuration used when no file exists yet.
func Default() Persisted {
	defaults := safety.DefaultCapabilities()
	caps := make(map[safety.SubsystemID]safety.CapabilityLevel, len(defaults))
	for id, level := range defaults {
		caps[safety.SubsystemID(id)] = level
	}
	return Persisted{
		Capabilities:       caps,
		IdleTimeoutMinutes: 0, // lazy polling disabled by default
	}
}

// Load reads a CBOR-encoded Persisted record from path. A missing file is
// not an error: it returns Default().
func Load(path string) (Persisted, error) {
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	if err != nil {
		return Persisted{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	var p Persisted
	if err := cbor.Unmarshal(b, &p); err != nil {
		return Persisted{}, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if p.Capabilities == nil {
		p.Capabilities = Default().Capabilities
	}
	return p, nil
}

// Save CBOR-encodes p to path, overwriting any existing file.
func Save(path string, p Persisted) error {
	b, err := cbor.Marshal(p)
	if err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}
