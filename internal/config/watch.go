package config

import (
	"github.com/fsnotify/fsnotify"
)

// Watch loads configuration like LoadWithPath, then invokes onChange with a
// freshly parsed Config every time the config file is rewritten. Reloads
// that fail parsing or validation are dropped; the previous configuration
// stays in effect. Watch only hands the reloaded Config to onChange; it
// does not reconfigure anything already built from the old one (sources,
// dispatcher, connections keep the values they were constructed with).
func Watch(configPath string, onChange func(*Config)) (*Config, error) {
	v, err := newViper(configPath)
	if err != nil {
		return nil, err
	}
	cfg, err := unmarshal(v)
	if err != nil {
		return nil, err
	}

	v.OnConfigChange(func(_ fsnotify.Event) {
		reloaded, err := unmarshal(v)
		if err != nil {
			return
		}
		onChange(reloaded)
	})
	v.WatchConfig()

	return cfg, nil
}
