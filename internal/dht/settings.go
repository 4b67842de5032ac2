package dht

import (
	"fmt"
	"os"

	yaml "gopkg.in/yaml.v2"
)

// Settings are the engine-level configuration knobs, loadable from a
// YAML file.
type Settings struct {
	ListenInterfaces string   `yaml:"listen_interfaces"`
	BootstrapNodes   []string `yaml:"bootstrap_nodes"`
	UserAgent        string   `yaml:"user_agent"`
	EnableDHT        bool     `yaml:"enable_dht"`
	AlertMask        uint32   `yaml:"alert_mask"`
}

// DefaultSettings returns the settings used when no file is supplied.
func DefaultSettings() Settings {
	return Settings{
		ListenInterfaces: "0.0.0.0:6881",
		BootstrapNodes: []string{
			"router.bittorrent.com:6881",
			"dht.transmissionbt.com:6881",
		},
		UserAgent: "dhtstore",
		EnableDHT: true,
		AlertMask: 0xffffffff,
	}
}

// LoadSettings reads a YAML settings file, applying defaults for any
// missing fields. An empty path or a missing file yields the defaults;
// a parse failure returns the defaults untouched alongside the error.
func LoadSettings(path string) (Settings, error) {
	defaults := DefaultSettings()
	if path == "" {
		return defaults, nil
	}
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return defaults, nil
	}
	if err != nil {
		return defaults, fmt.Errorf("dht: read settings: %w", err)
	}
	loaded := defaults
	if err := yaml.Unmarshal(raw, &loaded); err != nil {
		return defaults, fmt.Errorf("dht: parse settings: %w", err)
	}
	return loaded, nil
}
