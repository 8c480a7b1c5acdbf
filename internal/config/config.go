// Package config loads and validates the TOML files read by rpcbridged and
// rpcbridgectl. Keys absent from a file keep their defaults.
package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/rpcbridge/internal/logging"
	"github.com/danmuck/rpcbridge/internal/protocol/session"
	"github.com/danmuck/rpcbridge/internal/rpc"
	"github.com/rs/zerolog"
)

var ErrInvalid = errors.New("config: invalid")

// Daemon is the resolved rpcbridged configuration.
type Daemon struct {
	ID                string
	LogLevel          zerolog.Level
	Tokens            []string
	Discovery         rpc.Discovery
	DialTimeout       time.Duration
	Server            rpc.ServerConfig
	Client            session.Config
	AdminAddr         string
	CORSOrigins       []string
	MetricsExpiration time.Duration
}

// Client is the resolved rpcbridgectl configuration.
type Client struct {
	Addr    string
	Timeout time.Duration
	Retries int
	Session session.Config
}

func DefaultDaemon() Daemon {
	server := rpc.DefaultServerConfig()
	server.Session = session.DefaultConfig()
	client := session.DefaultConfig()
	client.PeerID = server.PeerID
	return Daemon{
		ID:                "rpcbridge",
		LogLevel:          zerolog.InfoLevel,
		Discovery:         rpc.DiscoveryLocal,
		DialTimeout:       rpc.DefaultDialTimeout,
		Server:            server,
		Client:            client,
		MetricsExpiration: time.Minute,
	}
}

func DefaultClient() Client {
	sess := session.DefaultConfig()
	sess.PeerID = "rpcbridgectl"
	return Client{
		Addr:    rpc.DefaultServerConfig().ListenAddr,
		Timeout: 10 * time.Second,
		Retries: 2,
		Session: sess,
	}
}

type tlsFile struct {
	Enabled            bool   `toml:"enabled"`
	Mutual             bool   `toml:"mutual"`
	CertFile           string `toml:"cert_file"`
	KeyFile            string `toml:"key_file"`
	CAFile             string `toml:"ca_file"`
	ServerName         string `toml:"server_name"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
}

type daemonFile struct {
	ID                string   `toml:"id"`
	Listen            string   `toml:"listen"`
	PeerID            string   `toml:"peer_id"`
	MaxInFlight       int      `toml:"max_in_flight"`
	Tokens            []string `toml:"tokens"`
	Discovery         string   `toml:"discovery"`
	DialTimeout       string   `toml:"dial_timeout"`
	LogLevel          string   `toml:"log_level"`
	SecurityMode      string   `toml:"security_mode"`
	HeartbeatInterval string   `toml:"heartbeat_interval"`
	SessionDeadAfter  string   `toml:"session_dead_after"`
	MaxPayloadBytes   uint64   `toml:"max_payload_bytes"`
	TLS               tlsFile  `toml:"tls"`
	Admin             struct {
		Addr              string   `toml:"addr"`
		CORSOrigins       []string `toml:"cors_origins"`
		MetricsExpiration string   `toml:"metrics_expiration"`
	} `toml:"admin"`
	Client struct {
		PeerID       string  `toml:"peer_id"`
		Token        string  `toml:"token"`
		SecurityMode string  `toml:"security_mode"`
		TLS          tlsFile `toml:"tls"`
	} `toml:"client"`
}

type clientFile struct {
	Addr         string  `toml:"addr"`
	PeerID       string  `toml:"peer_id"`
	Token        string  `toml:"token"`
	Timeout      string  `toml:"timeout"`
	Retries      int     `toml:"retries"`
	SecurityMode string  `toml:"security_mode"`
	TLS          tlsFile `toml:"tls"`
}

// LoadDaemon overlays the file at path on DefaultDaemon and validates the result.
func LoadDaemon(path string) (Daemon, error) {
	cfg := DefaultDaemon()
	var raw daemonFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Daemon{}, fmt.Errorf("load daemon config (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Daemon{}, fmt.Errorf("%w: unknown key %q in %s", ErrInvalid, undecoded[0].String(), path)
	}

	if meta.IsDefined("id") {
		cfg.ID = strings.TrimSpace(raw.ID)
	}
	if meta.IsDefined("listen") {
		cfg.Server.ListenAddr = strings.TrimSpace(raw.Listen)
	}
	cfg.Server.PeerID = cfg.ID
	if meta.IsDefined("peer_id") {
		cfg.Server.PeerID = strings.TrimSpace(raw.PeerID)
	}
	cfg.Client.PeerID = cfg.Server.PeerID
	if meta.IsDefined("max_in_flight") {
		cfg.Server.MaxInFlight = raw.MaxInFlight
	}
	if meta.IsDefined("tokens") {
		cfg.Tokens = normalizeList(raw.Tokens)
	}
	if meta.IsDefined("discovery") {
		d, err := rpc.ParseDiscovery(raw.Discovery)
		if err != nil {
			return Daemon{}, fmt.Errorf("%w: %w", ErrInvalid, err)
		}
		cfg.Discovery = d
	}
	if meta.IsDefined("dial_timeout") {
		if cfg.DialTimeout, err = parseDuration("dial_timeout", raw.DialTimeout); err != nil {
			return Daemon{}, err
		}
	}
	if meta.IsDefined("log_level") {
		level, ok := logging.ParseLevel(raw.LogLevel)
		if !ok {
			return Daemon{}, fmt.Errorf("%w: log_level %q", ErrInvalid, raw.LogLevel)
		}
		cfg.LogLevel = level
	}
	if meta.IsDefined("security_mode") {
		cfg.Server.Session.SecurityMode = session.SecurityMode(strings.TrimSpace(raw.SecurityMode))
	}
	if meta.IsDefined("heartbeat_interval") {
		d, err := parseDuration("heartbeat_interval", raw.HeartbeatInterval)
		if err != nil {
			return Daemon{}, err
		}
		cfg.Server.Session.HeartbeatInterval = d
		cfg.Client.HeartbeatInterval = d
	}
	if meta.IsDefined("session_dead_after") {
		d, err := parseDuration("session_dead_after", raw.SessionDeadAfter)
		if err != nil {
			return Daemon{}, err
		}
		cfg.Server.Session.SessionDeadAfter = d
		cfg.Client.SessionDeadAfter = d
	}
	if meta.IsDefined("max_payload_bytes") {
		cfg.Server.Session.Limits.MaxPayloadBytes = raw.MaxPayloadBytes
		cfg.Client.Limits.MaxPayloadBytes = raw.MaxPayloadBytes
	}
	overlayTLS(meta, &cfg.Server.Session.TLS, raw.TLS, "tls")

	if meta.IsDefined("admin", "addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.Admin.Addr)
	}
	if meta.IsDefined("admin", "cors_origins") {
		cfg.CORSOrigins = normalizeList(raw.Admin.CORSOrigins)
	}
	if meta.IsDefined("admin", "metrics_expiration") {
		if cfg.MetricsExpiration, err = parseDuration("admin.metrics_expiration", raw.Admin.MetricsExpiration); err != nil {
			return Daemon{}, err
		}
	}

	if meta.IsDefined("client", "peer_id") {
		cfg.Client.PeerID = strings.TrimSpace(raw.Client.PeerID)
	}
	if meta.IsDefined("client", "token") {
		cfg.Client.AuthToken = strings.TrimSpace(raw.Client.Token)
	}
	if meta.IsDefined("client", "security_mode") {
		cfg.Client.SecurityMode = session.SecurityMode(strings.TrimSpace(raw.Client.SecurityMode))
	}
	overlayTLS(meta, &cfg.Client.TLS, raw.Client.TLS, "client", "tls")

	if err := ValidateDaemon(cfg); err != nil {
		return Daemon{}, err
	}
	return cfg, nil
}

// LoadClient overlays the file at path on DefaultClient and validates the result.
func LoadClient(path string) (Client, error) {
	cfg := DefaultClient()
	var raw clientFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Client{}, fmt.Errorf("load client config (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Client{}, fmt.Errorf("%w: unknown key %q in %s", ErrInvalid, undecoded[0].String(), path)
	}

	if meta.IsDefined("addr") {
		cfg.Addr = strings.TrimSpace(raw.Addr)
	}
	if meta.IsDefined("peer_id") {
		cfg.Session.PeerID = strings.TrimSpace(raw.PeerID)
	}
	if meta.IsDefined("token") {
		cfg.Session.AuthToken = strings.TrimSpace(raw.Token)
	}
	if meta.IsDefined("timeout") {
		if cfg.Timeout, err = parseDuration("timeout", raw.Timeout); err != nil {
			return Client{}, err
		}
	}
	if meta.IsDefined("retries") {
		cfg.Retries = raw.Retries
	}
	if meta.IsDefined("security_mode") {
		cfg.Session.SecurityMode = session.SecurityMode(strings.TrimSpace(raw.SecurityMode))
	}
	overlayTLS(meta, &cfg.Session.TLS, raw.TLS, "tls")

	if err := ValidateClient(cfg); err != nil {
		return Client{}, err
	}
	return cfg, nil
}

func ValidateDaemon(cfg Daemon) error {
	if strings.TrimSpace(cfg.ID) == "" {
		return fmt.Errorf("%w: daemon config missing id", ErrInvalid)
	}
	if _, _, err := net.SplitHostPort(cfg.Server.ListenAddr); err != nil {
		return fmt.Errorf("%w: listen %q: %w", ErrInvalid, cfg.Server.ListenAddr, err)
	}
	if cfg.Server.MaxInFlight < 0 {
		return fmt.Errorf("%w: max_in_flight must not be negative", ErrInvalid)
	}
	if _, err := rpc.ParseDiscovery(string(cfg.Discovery)); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if cfg.DialTimeout <= 0 {
		return fmt.Errorf("%w: dial_timeout must be positive", ErrInvalid)
	}
	if err := cfg.Server.Session.ValidateServerTransport(); err != nil {
		return fmt.Errorf("%w: server transport: %w", ErrInvalid, err)
	}
	if err := cfg.Client.ValidateClientTransport(); err != nil {
		return fmt.Errorf("%w: client transport: %w", ErrInvalid, err)
	}
	if cfg.AdminAddr != "" {
		if _, _, err := net.SplitHostPort(cfg.AdminAddr); err != nil {
			return fmt.Errorf("%w: admin.addr %q: %w", ErrInvalid, cfg.AdminAddr, err)
		}
	}
	return nil
}

func ValidateClient(cfg Client) error {
	if _, err := rpc.ParseAddress(cfg.Addr); err != nil {
		return fmt.Errorf("%w: addr %q: %w", ErrInvalid, cfg.Addr, err)
	}
	if cfg.Timeout <= 0 {
		return fmt.Errorf("%w: timeout must be positive", ErrInvalid)
	}
	if cfg.Retries < 0 {
		return fmt.Errorf("%w: retries must not be negative", ErrInvalid)
	}
	if err := cfg.Session.ValidateClientTransport(); err != nil {
		return fmt.Errorf("%w: transport: %w", ErrInvalid, err)
	}
	return nil
}

func overlayTLS(meta toml.MetaData, dst *session.TLSConfig, raw tlsFile, prefix ...string) {
	key := func(name string) []string {
		return append(append([]string{}, prefix...), name)
	}
	if meta.IsDefined(key("enabled")...) {
		dst.Enabled = raw.Enabled
	}
	if meta.IsDefined(key("mutual")...) {
		dst.Mutual = raw.Mutual
	}
	if meta.IsDefined(key("cert_file")...) {
		dst.CertFile = strings.TrimSpace(raw.CertFile)
	}
	if meta.IsDefined(key("key_file")...) {
		dst.KeyFile = strings.TrimSpace(raw.KeyFile)
	}
	if meta.IsDefined(key("ca_file")...) {
		dst.CAFile = strings.TrimSpace(raw.CAFile)
	}
	if meta.IsDefined(key("server_name")...) {
		dst.ServerName = strings.TrimSpace(raw.ServerName)
	}
	if meta.IsDefined(key("insecure_skip_verify")...) {
		dst.InsecureSkipVerify = raw.InsecureSkipVerify
	}
}

func parseDuration(key, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("%w: parse %s: %w", ErrInvalid, key, err)
	}
	return d, nil
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
