package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/devicelink/internal/agent"
	"github.com/danmuck/devicelink/internal/transport/tcp"
)

type fileConfig struct {
	ID                  string   `toml:"id"`
	DeviceName          string   `toml:"device_name"`
	VaultPath           string   `toml:"vault_path"`
	AdminListen         string   `toml:"admin_listen"`
	AdminToken          string   `toml:"admin_token"`
	CORSOrigins         []string `toml:"cors_origins"`
	HeartbeatInterval   string   `toml:"heartbeat_interval"`
	HeartbeatIntervalMS int64    `toml:"heartbeat_interval_ms"`
	EventHistory        int      `toml:"event_history"`
	StartSharing        string   `toml:"start_sharing"`

	Sharing   fileSharing   `toml:"sharing"`
	Transport fileTransport `toml:"transport"`
}

type fileSharing struct {
	PairingCode    string  `toml:"pairing_code"`
	MaxRequestAge  string  `toml:"max_request_age"`
	BackoffInitial string  `toml:"backoff_initial"`
	BackoffMax     string  `toml:"backoff_max"`
	BackoffFactor  float64 `toml:"backoff_multiplier"`
	BackoffJitter  bool    `toml:"backoff_jitter"`
}

type fileTransport struct {
	Listen       string  `toml:"listen"`
	Central      string  `toml:"central"`
	DialTimeout  string  `toml:"dial_timeout"`
	SecurityMode string  `toml:"security_mode"`
	TLS          fileTLS `toml:"tls"`
}

type fileTLS struct {
	Enabled    bool   `toml:"enabled"`
	Mutual     bool   `toml:"mutual"`
	CertFile   string `toml:"cert_file"`
	KeyFile    string `toml:"key_file"`
	CAFile     string `toml:"ca_file"`
	ServerName string `toml:"server_name"`
}

func loadServiceConfig(path string) (agent.ServiceConfig, error) {
	cfg := agent.DefaultServiceConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return agent.ServiceConfig{}, fmt.Errorf("load devicectl config: %w", err)
	}

	if meta.IsDefined("id") {
		if id := strings.TrimSpace(raw.ID); id != "" {
			cfg.NodeID = id
		}
	}
	if meta.IsDefined("device_name") {
		if name := strings.TrimSpace(raw.DeviceName); name != "" {
			cfg.DeviceName = name
			cfg.Sharing.DeviceName = name
		}
	}
	if meta.IsDefined("vault_path") {
		cfg.VaultPath = strings.TrimSpace(raw.VaultPath)
	}
	if meta.IsDefined("admin_listen") {
		cfg.AdminListenAddr = strings.TrimSpace(raw.AdminListen)
	}
	if meta.IsDefined("admin_token") {
		cfg.AdminToken = strings.TrimSpace(raw.AdminToken)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CORSOrigins = normalizeList(raw.CORSOrigins)
	}
	if meta.IsDefined("heartbeat_interval") {
		d, err := parseDuration("heartbeat_interval", raw.HeartbeatInterval)
		if err != nil {
			return agent.ServiceConfig{}, err
		}
		cfg.HeartbeatInterval = d
	}
	if meta.IsDefined("heartbeat_interval_ms") {
		cfg.HeartbeatInterval = time.Duration(raw.HeartbeatIntervalMS) * time.Millisecond
	}
	if meta.IsDefined("event_history") {
		cfg.EventHistory = raw.EventHistory
	}
	if meta.IsDefined("start_sharing") {
		cfg.StartSharing = agent.SharingRole(strings.ToLower(strings.TrimSpace(raw.StartSharing)))
	}

	if meta.IsDefined("sharing", "pairing_code") {
		cfg.Sharing.PairingCode = strings.TrimSpace(raw.Sharing.PairingCode)
	}
	if meta.IsDefined("sharing", "max_request_age") {
		d, err := parseDuration("sharing.max_request_age", raw.Sharing.MaxRequestAge)
		if err != nil {
			return agent.ServiceConfig{}, err
		}
		cfg.Sharing.MaxRequestAge = d
	}
	if meta.IsDefined("sharing", "backoff_initial") {
		d, err := parseDuration("sharing.backoff_initial", raw.Sharing.BackoffInitial)
		if err != nil {
			return agent.ServiceConfig{}, err
		}
		cfg.Sharing.Backoff.InitialDelay = d
	}
	if meta.IsDefined("sharing", "backoff_max") {
		d, err := parseDuration("sharing.backoff_max", raw.Sharing.BackoffMax)
		if err != nil {
			return agent.ServiceConfig{}, err
		}
		cfg.Sharing.Backoff.MaxDelay = d
	}
	if meta.IsDefined("sharing", "backoff_multiplier") {
		cfg.Sharing.Backoff.Multiplier = raw.Sharing.BackoffFactor
	}
	if meta.IsDefined("sharing", "backoff_jitter") {
		cfg.Sharing.Backoff.Jitter = raw.Sharing.BackoffJitter
	}

	if meta.IsDefined("transport", "listen") {
		cfg.Transport.ListenAddr = strings.TrimSpace(raw.Transport.Listen)
	}
	if meta.IsDefined("transport", "central") {
		cfg.Transport.CentralAddr = strings.TrimSpace(raw.Transport.Central)
	}
	if meta.IsDefined("transport", "dial_timeout") {
		d, err := parseDuration("transport.dial_timeout", raw.Transport.DialTimeout)
		if err != nil {
			return agent.ServiceConfig{}, err
		}
		cfg.Transport.DialTimeout = d
	}
	if meta.IsDefined("transport", "security_mode") {
		cfg.Transport.SecurityMode = tcp.NormalizeSecurityMode(tcp.SecurityMode(raw.Transport.SecurityMode))
	}
	if meta.IsDefined("transport", "tls") {
		cfg.Transport.TLS = tcp.TLSConfig{
			Enabled:    raw.Transport.TLS.Enabled,
			Mutual:     raw.Transport.TLS.Mutual,
			CertFile:   strings.TrimSpace(raw.Transport.TLS.CertFile),
			KeyFile:    strings.TrimSpace(raw.Transport.TLS.KeyFile),
			CAFile:     strings.TrimSpace(raw.Transport.TLS.CAFile),
			ServerName: strings.TrimSpace(raw.Transport.TLS.ServerName),
		}
	}

	return cfg, nil
}

func parseDuration(key, value string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
