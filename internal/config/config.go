// Package config loads the board description used by cmd/smdk2410.
package config

import (
	"fmt"
	"net"
	"os"

	"gopkg.in/yaml.v3"
)

const (
	DefaultFilename = "smdk2410.yaml"

	DefaultPCLK    = 50_000_000
	DefaultRAMSize = 64 << 20
	// MaxRAMSize is the size of the SDRAM bank at nGCS6.
	MaxRAMSize = 128 << 20

	NumUARTs = 3
)

// Config describes one emulated board.
type Config struct {
	Version int    `yaml:"version"`
	PCLK    uint32 `yaml:"pclk,omitempty"`

	RAM     RAMConfig     `yaml:"ram"`
	UARTs   []string      `yaml:"uarts,omitempty"`
	Network NetworkConfig `yaml:"network"`
	Audio   AudioConfig   `yaml:"audio"`

	// Checkpoint is the default file for save and restore.
	Checkpoint string `yaml:"checkpoint,omitempty"`
	// Trace, if set, records every bus access to this file.
	Trace string `yaml:"trace,omitempty"`
}

type RAMConfig struct {
	SizeMB uint32 `yaml:"sizeMB,omitempty"`
}

type NetworkConfig struct {
	Backend string `yaml:"backend,omitempty"`
	MAC     string `yaml:"mac,omitempty"`
	// Capture, if set, writes every frame to this pcap file.
	Capture string `yaml:"capture,omitempty"`
}

type AudioConfig struct {
	Backend string `yaml:"backend,omitempty"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	var c Config
	c.normalize()
	return c
}

func (c *Config) normalize() {
	if c.Version == 0 {
		c.Version = 1
	}
	if c.PCLK == 0 {
		c.PCLK = DefaultPCLK
	}
	if c.RAM.SizeMB == 0 {
		c.RAM.SizeMB = DefaultRAMSize >> 20
	}
	for len(c.UARTs) < NumUARTs {
		if len(c.UARTs) == 0 {
			c.UARTs = append(c.UARTs, "stdio")
		} else {
			c.UARTs = append(c.UARTs, "null")
		}
	}
	if c.Network.Backend == "" {
		c.Network.Backend = "none"
	}
	if c.Network.MAC == "" {
		c.Network.MAC = "00:53:24:10:00:01"
	}
	if c.Audio.Backend == "" {
		c.Audio.Backend = "none"
	}
}

// Validate reports the first setting the board cannot honour.
func (c *Config) Validate() error {
	if c.Version != 1 {
		return fmt.Errorf("config: unsupported version %d", c.Version)
	}
	if len(c.UARTs) > NumUARTs {
		return fmt.Errorf("config: %d UARTs configured, the board has %d", len(c.UARTs), NumUARTs)
	}
	if size := uint64(c.RAM.SizeMB) << 20; size == 0 || size > MaxRAMSize {
		return fmt.Errorf("config: RAM size %dMB outside 1..%dMB", c.RAM.SizeMB, MaxRAMSize>>20)
	}
	if _, err := c.MAC(); err != nil {
		return err
	}
	return nil
}

// RAMSize returns the SDRAM size in bytes.
func (c *Config) RAMSize() uint32 {
	return c.RAM.SizeMB << 20
}

// MAC parses the Ethernet address.
func (c *Config) MAC() ([6]byte, error) {
	var out [6]byte
	hw, err := net.ParseMAC(c.Network.MAC)
	if err != nil {
		return out, fmt.Errorf("config: network mac: %w", err)
	}
	if len(hw) != 6 {
		return out, fmt.Errorf("config: network mac %q is not an Ethernet address", c.Network.MAC)
	}
	copy(out[:], hw)
	return out, nil
}

// Parse decodes, normalizes and validates a YAML document.
func Parse(data []byte) (Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("config: parse: %w", err)
	}
	c.normalize()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Load reads path; an empty path yields Default.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Write stores c as YAML at path.
func Write(path string, c Config) error {
	c.normalize()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("config: create %s: %w", path, err)
	}
	defer f.Close()

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(&c); err != nil {
		return fmt.Errorf("config: encode %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("config: close %s: %w", path, err)
	}
	return nil
}
