/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2023-2026 Kestrel Authors. All Rights Reserved.
 */

package vm

import (
	"fmt"

	"fortio.org/safecast"
	"github.com/BurntSushi/toml"

	"github.com/kestrelvm/kestrel/signal"
	"github.com/kestrelvm/kestrel/virtio"
)

// Config describes one machine. It is usually decoded from a TOML file:
//
//	vcpus = 2
//	log_level = "verbose"
//
//	[[device]]
//	name = "blk0"
//	queues = 1
//	queue_depth = 256
//	irq = 33
type Config struct {
	VCPUs    int            `toml:"vcpus"`
	LogLevel string         `toml:"log_level"`
	Devices  []DeviceConfig `toml:"device"`
}

// DeviceConfig describes one virtio device worker.
type DeviceConfig struct {
	Name       string `toml:"name"`
	Queues     int    `toml:"queues"`
	QueueDepth int    `toml:"queue_depth"`
	IRQ        int64  `toml:"irq"`
}

// LoadConfig reads and validates a machine configuration from a TOML file.
func LoadConfig(path string) (*Config, error) {
	var cfg Config
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("decode %s: unknown key %q", path, undecoded[0].String())
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate %s: %w", path, err)
	}
	return &cfg, nil
}

// Validate checks the configuration for values the machine cannot run with.
func (c *Config) Validate() error {
	if c.VCPUs < 1 {
		return fmt.Errorf("vcpus must be at least 1, got %d", c.VCPUs)
	}
	switch c.LogLevel {
	case "", "silent", "error", "verbose":
	default:
		return fmt.Errorf("unknown log_level %q", c.LogLevel)
	}
	seen := make(map[string]bool, len(c.Devices))
	for i := range c.Devices {
		d := &c.Devices[i]
		if d.Name == "" {
			return fmt.Errorf("device %d: name is required", i)
		}
		if seen[d.Name] {
			return fmt.Errorf("device %q declared twice", d.Name)
		}
		seen[d.Name] = true
		if d.Queues < 1 || d.Queues > virtio.MaxQueues {
			return fmt.Errorf("device %q: queues must be in [1, %d], got %d", d.Name, virtio.MaxQueues, d.Queues)
		}
		if d.QueueDepth < 1 {
			return fmt.Errorf("device %q: queue_depth must be at least 1, got %d", d.Name, d.QueueDepth)
		}
		if _, err := d.IRQLine(); err != nil {
			return fmt.Errorf("device %q: %w", d.Name, err)
		}
	}
	return nil
}

// NewLogger builds the machine logger at the configured level.
func (c *Config) NewLogger(prepend string) *signal.Logger {
	level := signal.LogLevelError
	switch c.LogLevel {
	case "silent":
		level = signal.LogLevelSilent
	case "verbose":
		level = signal.LogLevelVerbose
	}
	return signal.NewLogger(level, prepend)
}

// IRQLine narrows the configured interrupt line to the width the interrupt
// controller accepts.
func (d *DeviceConfig) IRQLine() (uint32, error) {
	line, err := safecast.Conv[uint32](d.IRQ)
	if err != nil {
		return 0, fmt.Errorf("irq %d out of range: %w", d.IRQ, err)
	}
	return line, nil
}
