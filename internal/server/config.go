package server

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/peepel/rendezvous/internal/protocol"
)

// Environment variable names for customization
const (
	EnvPort              = "RV_PORT"
	EnvAllowedOrigins    = "RV_ALLOWED_ORIGINS"
	EnvICEServers        = "RV_ICE_SERVERS"
	EnvHeartbeatInterval = "RV_HEARTBEAT_INTERVAL"
)

// ConfigFromEnv builds a configuration from the environment, starting
// from the defaults. Flags layered on top by the CLI win over both.
//
//	RV_PORT                listen port, e.g. "8080"
//	RV_ALLOWED_ORIGINS     comma-separated origin allow-list
//	RV_ICE_SERVERS         path to a JSON ICE server list
//	RV_HEARTBEAT_INTERVAL  Go duration, e.g. "30s"
func ConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if port := os.Getenv(EnvPort); port != "" {
		cfg.Addr = ":" + port
	}

	if origins := os.Getenv(EnvAllowedOrigins); origins != "" {
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, o)
			}
		}
	}

	if path := os.Getenv(EnvICEServers); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read %s: %w", EnvICEServers, err)
		}
		servers, err := protocol.ParseICEServers(data)
		if err != nil {
			return cfg, err
		}
		cfg.ICEServers = servers
	}

	if interval := os.Getenv(EnvHeartbeatInterval); interval != "" {
		d, err := time.ParseDuration(interval)
		if err != nil {
			return cfg, fmt.Errorf("parse %s: %w", EnvHeartbeatInterval, err)
		}
		cfg.HeartbeatInterval = d
	}

	return cfg, nil
}
