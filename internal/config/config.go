package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fxnlabs/resource-group/internal/resource"
	"gopkg.in/yaml.v3"
)

// Environment variables overriding the file.
const (
	EnvCollectiveMode = "RESGROUP_COLLECTIVE_MODE"
	EnvRank           = "RESGROUP_RANK"
	EnvWorldSize      = "RESGROUP_WORLD_SIZE"
)

const DefaultConfigPath = "config.yaml"

type LoggerConfig struct {
	Verbosity string `yaml:"verbosity"`
}

type DriverConfig struct {
	// Name is "sim", "cuda", or empty for automatic selection.
	Name             string `yaml:"name"`
	SimulatedDevices int    `yaml:"simulatedDevices"`
}

type TopologyConfig struct {
	// Layout lists, per process, the physical device ids it owns.
	Layout [][]int `yaml:"layout"`
	Pid    int     `yaml:"pid"`
}

type CollectiveConfig struct {
	Mode        string        `yaml:"mode"`
	Rank        int           `yaml:"rank"`
	Size        int           `yaml:"size"`
	Coordinator string        `yaml:"coordinator"`
	Timeout     time.Duration `yaml:"timeout"`
}

type PoolConfig struct {
	// Affinity lists, per lane, the CPUs its worker thread is pinned to.
	// Lanes without an entry are pinned round-robin.
	Affinity [][]int `yaml:"affinity"`
}

type MetricsConfig struct {
	ListenAddress string `yaml:"listenAddress"`
}

type Config struct {
	Logger     LoggerConfig     `yaml:"logger"`
	Driver     DriverConfig     `yaml:"driver"`
	Topology   TopologyConfig   `yaml:"topology"`
	Collective CollectiveConfig `yaml:"collective"`
	Pool       PoolConfig       `yaml:"pool"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes a YAML configuration, applies defaults and environment
// overrides, and validates the result.
func Parse(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, err
	}
	config.applyDefaults()
	if err := config.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Logger.Verbosity == "" {
		c.Logger.Verbosity = "info"
	}
	if c.Driver.SimulatedDevices == 0 {
		c.Driver.SimulatedDevices = 1
	}
	if c.Collective.Mode == "" {
		c.Collective.Mode = resource.ModeAuto
	}
	if c.Collective.Size == 0 {
		c.Collective.Size = 1
	}
	if c.Collective.Timeout == 0 {
		c.Collective.Timeout = 5 * time.Minute
	}
	if c.Metrics.ListenAddress == "" {
		c.Metrics.ListenAddress = ":9400"
	}
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvCollectiveMode); ok && v != "" {
		c.Collective.Mode = strings.ToLower(v)
	}
	if v, ok := lookup(EnvRank); ok && v != "" {
		rank, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s=%q: %w", EnvRank, v, err)
		}
		c.Collective.Rank = rank
	}
	if v, ok := lookup(EnvWorldSize); ok && v != "" {
		size, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s=%q: %w", EnvWorldSize, v, err)
		}
		c.Collective.Size = size
	}
	return nil
}

// Validate checks the fields that can be checked without touching devices.
// Device layout checks belong to the topology and the resource group.
func (c *Config) Validate() error {
	switch c.Collective.Mode {
	case resource.ModeAuto, resource.ModeSingle, resource.ModeMulti:
	default:
		return fmt.Errorf("invalid collective mode %q", c.Collective.Mode)
	}
	if c.Collective.Size < 1 {
		return fmt.Errorf("invalid collective size %d", c.Collective.Size)
	}
	if c.Collective.Rank < 0 || c.Collective.Rank >= c.Collective.Size {
		return fmt.Errorf("collective rank %d out of range for size %d", c.Collective.Rank, c.Collective.Size)
	}
	if c.CollectiveMode() == resource.ModeMulti && c.Collective.Size > 1 && c.Collective.Coordinator == "" {
		return fmt.Errorf("collective coordinator address is required in multi-process mode")
	}
	if c.Driver.SimulatedDevices < 0 {
		return fmt.Errorf("invalid simulatedDevices %d", c.Driver.SimulatedDevices)
	}
	for lane, cpus := range c.Pool.Affinity {
		for _, cpu := range cpus {
			if cpu < 0 {
				return fmt.Errorf("pool lane %d: negative cpu %d", lane, cpu)
			}
		}
	}
	return nil
}

// CollectiveMode resolves "auto" to "multi" when more than one process takes
// part, and to "single" otherwise.
func (c *Config) CollectiveMode() string {
	if c.Collective.Mode != resource.ModeAuto {
		return c.Collective.Mode
	}
	if c.Collective.Size > 1 {
		return resource.ModeMulti
	}
	return resource.ModeSingle
}
