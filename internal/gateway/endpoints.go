package gateway

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Endpoints maps gateway environments to websocket URLs. Defaults
// cover the hosted gateway; a yaml profile overrides them for
// self-hosted or regional deployments.
type Endpoints struct {
	Demo string `yaml:"demo"`
	Live string `yaml:"live"`
}

// DefaultEndpoints returns the hosted gateway hosts.
func DefaultEndpoints() Endpoints {
	return Endpoints{
		Demo: "wss://demo.ctraderapi.com:5036",
		Live: "wss://live.ctraderapi.com:5036",
	}
}

// LoadEndpoints reads an endpoint profile from yaml, falling back to
// defaults for any environment the file leaves empty.
func LoadEndpoints(path string) (Endpoints, error) {
	eps := DefaultEndpoints()
	if path == "" {
		return eps, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return eps, fmt.Errorf("read endpoints file: %w", err)
	}
	var file Endpoints
	if err := yaml.Unmarshal(data, &file); err != nil {
		return eps, fmt.Errorf("parse endpoints file: %w", err)
	}

	if file.Demo != "" {
		eps.Demo = file.Demo
	}
	if file.Live != "" {
		eps.Live = file.Live
	}
	return eps, nil
}

// ForEnvironment selects the URL for "demo" or "live".
func (e Endpoints) ForEnvironment(env string) (string, error) {
	switch strings.ToLower(env) {
	case "", "demo":
		return e.Demo, nil
	case "live":
		return e.Live, nil
	default:
		return "", fmt.Errorf("unknown gateway environment %q", env)
	}
}
