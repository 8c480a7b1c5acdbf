package config

import (
	"fmt"
	"os"
	"strings"
)

const (
	KindDaemon = "daemon"
	KindClient = "client"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case KindDaemon:
		return daemonTemplate, nil
	case KindClient:
		return clientTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

// Validate loads path as kind and reports the first problem found.
func Validate(path, kind string) error {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case KindDaemon:
		_, err := LoadDaemon(path)
		return err
	case KindClient:
		_, err := LoadClient(path)
		return err
	default:
		return fmt.Errorf("unknown config kind: %s", kind)
	}
}

const daemonTemplate = `id = "rpcbridge"
listen = "127.0.0.1:7400"
max_in_flight = 64
tokens = []
discovery = "local"
dial_timeout = "10s"
log_level = "info"
security_mode = "development"
heartbeat_interval = "5s"
session_dead_after = "15s"

[tls]
enabled = false
mutual = false
cert_file = ""
key_file = ""
ca_file = ""

[admin]
addr = "127.0.0.1:7410"
cors_origins = ["http://localhost:3000"]
metrics_expiration = "1m"

[client]
token = ""
security_mode = "development"

[client.tls]
enabled = false
`

const clientTemplate = `addr = "127.0.0.1:7400"
peer_id = "rpcbridgectl"
token = ""
timeout = "10s"
retries = 2
security_mode = "development"

[tls]
enabled = false
mutual = false
ca_file = ""
server_name = ""
`
