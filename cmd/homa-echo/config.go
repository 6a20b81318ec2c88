package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// fileConfig is the optional on-disk override for homa-echo's timing
// constants, loaded with --config. A listen address set here is used in
// place of the --listen flag even when that flag is given, and also in
// place of the ephemeral address "send" binds to.
type fileConfig struct {
	BaseTimeoutMicros int    `yaml:"baseTimeoutMicros"`
	Listen            string `yaml:"listen"`
}

func loadFileConfig(path string) (fileConfig, error) {
	var fc fileConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return fc, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fc, fmt.Errorf("parse config %s: %w", path, err)
	}
	return fc, nil
}

func (fc fileConfig) baseTimeout(defaultTimeout time.Duration) time.Duration {
	if fc.BaseTimeoutMicros <= 0 {
		return defaultTimeout
	}
	return time.Duration(fc.BaseTimeoutMicros) * time.Microsecond
}
