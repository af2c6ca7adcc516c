// Package config defines the hub's configuration, loaded from an optional
// YAML file via viper and then overridable by command-line flags:
// DefaultConfig() first, viper.Unmarshal second (if a config file exists),
// flags last.
package config

import (
	"time"
)

// GRPCConfig holds the RPC surface's listen address. It's named "grpc" for
// flag and config-file compatibility even though the surface speaks hubd's
// own frame protocol rather than gRPC.
type GRPCConfig struct {
	Host string `mapstructure:"host"`
	Port string `mapstructure:"port"`
}

// HTTPConfig holds the HTTP/JSON Surface's listen address.
type HTTPConfig struct {
	Host string `mapstructure:"host"`
	Port string `mapstructure:"port"`
}

// LivenessConfig holds the Liveness Monitor's tunables.
type LivenessConfig struct {
	SweepInterval    time.Duration `mapstructure:"sweep_interval"`
	OfflineThreshold time.Duration `mapstructure:"offline_threshold"`
}

// Config is the hub's full configuration.
type Config struct {
	GRPC     GRPCConfig     `mapstructure:"grpc"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Liveness LivenessConfig `mapstructure:"liveness"`
}

// DefaultConfig returns the hub's default configuration: grpc-host
// 0.0.0.0, grpc-port 50099, http-host 0.0.0.0, http-port 8080, sweep
// interval 10s, offline threshold 30s.
func DefaultConfig() *Config {
	return &Config{
		GRPC: GRPCConfig{
			Host: "0.0.0.0",
			Port: "50099",
		},
		HTTP: HTTPConfig{
			Host: "0.0.0.0",
			Port: "8080",
		},
		Liveness: LivenessConfig{
			SweepInterval:    10 * time.Second,
			OfflineThreshold: 30 * time.Second,
		},
	}
}
