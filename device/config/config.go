// Package config loads the driver's compile/init-time options from a
// YAML file on disk, following the nexctl pattern: sensible defaults
// pre-filled, a missing file tolerated, and a permission warning when
// the file is world-readable.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config holds the driver's file-configurable options: which serial
// port to use, how big the outbound ring and unsolicited-event backlog
// should be, which optional subsystems to enable, and where to forward
// debug-stream logs.
type Config struct {
	Port string `yaml:"port"`

	UseNCP                   bool `yaml:"use_ncp"`
	LogNCPLogs               bool `yaml:"log_ncp_logs"`
	EnableBorderRouter       bool `yaml:"enable_border_router"`
	MessageQueueSize         int  `yaml:"message_queue_size"`
	TxRingBufferSize         int  `yaml:"tx_ring_buffer_size"`
	EnableFTD                bool `yaml:"enable_ftd"`
	LegacyAlarmSupport       bool `yaml:"legacy_alarm_support"`
	SpinelVendorSupport      bool `yaml:"spinel_vendor_support"`
	LegacyCredentialRecovery bool `yaml:"legacy_credential_recovery"`
	UARTBaud                 int  `yaml:"uart_baud"`
	InitializeWithoutReset   bool `yaml:"initialize_without_reset"`

	DebugLogBroker string `yaml:"debug_log_broker"`
}

// DefaultPath returns the default config file path: ~/.thci/config.yaml
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".thci", "config.yaml")
	}
	return filepath.Join(home, ".thci", "config.yaml")
}

// Default returns a Config pre-filled with the driver's defaults.
func Default() *Config {
	return &Config{
		UseNCP:           true,
		MessageQueueSize: 16,
		TxRingBufferSize: 5 * 1280,
		UARTBaud:         115200,
	}
}

// Load reads the configuration from the given YAML file path. If the
// file does not exist, it returns Default() with no error.
func Load(path string) (*Config, error) {
	cfg := Default()

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		fmt.Fprintf(os.Stderr,
			"warning: config file %s has permissions %04o, expected 0600\n",
			path, perm)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return cfg, nil
}
