/*
Copyright 2026 The ConnBroker authors.

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published
by the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package config binds the broker's environment/flag configuration
// surface (spec section 6) the way the teacher's mover builders bind
// theirs: a caller-supplied viper.Viper checked first against a
// command-line flag, falling back to an environment variable.
package config

import (
	"fmt"
	"strings"

	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "CONNBROKER"

const (
	maxClientsFlag  = "max-clients"
	devModeFlag     = "dev"
	listenAddrFlag  = "listen-addr"
	certFileFlag    = "tls-cert"
	keyFileFlag     = "tls-key"
	metricsAddrFlag = "metrics-addr"
	deviceIndexFlag = "device-index"

	defaultMaxClients  = 100
	defaultListenAddr  = ":4433"
	defaultMetricsAddr = ":9400"
	defaultCertFile    = "server.crt"
	defaultKeyFile     = "server.key"
)

// ServerConfig is the broker server's fully resolved configuration.
type ServerConfig struct {
	MaxClients  int
	Dev         bool
	ListenAddr  string
	MetricsAddr string
	CertFile    string
	KeyFile     string
	DeviceIndex int
}

// BindServerFlags registers the server's command-line flags on flags
// and wires viper to prefer them, falling back to CONNBROKER_-prefixed
// environment variables (mirrors the teacher's mover builders'
// viper.BindEnv pattern).
func BindServerFlags(v *viper.Viper, flags *flag.FlagSet) error {
	flags.Int(maxClientsFlag, defaultMaxClients, "maximum number of concurrent client connections")
	flags.Bool(devModeFlag, false, "allow a self-signed certificate fallback when no cert/key is configured")
	flags.String(listenAddrFlag, defaultListenAddr, "TLS control-channel listen address")
	flags.String(metricsAddrFlag, defaultMetricsAddr, "Prometheus /metrics listen address")
	flags.String(certFileFlag, defaultCertFile, "TLS certificate PEM path")
	flags.String(keyFileFlag, defaultKeyFile, "TLS private key PEM path")
	flags.Int(deviceIndexFlag, 0, "index of the RDMA device to open")

	if err := v.BindPFlags(flags); err != nil {
		return fmt.Errorf("config: binding server flags: %w", err)
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	for _, name := range []string{maxClientsFlag, devModeFlag, listenAddrFlag, metricsAddrFlag, certFileFlag, keyFileFlag, deviceIndexFlag} {
		if err := v.BindEnv(name); err != nil {
			return fmt.Errorf("config: binding env var for %q: %w", name, err)
		}
	}
	// The slot-table size is also read from the unprefixed MAX_CLIENTS.
	if err := v.BindEnv(maxClientsFlag, "CONNBROKER_MAX_CLIENTS", "MAX_CLIENTS"); err != nil {
		return fmt.Errorf("config: binding env var for %q: %w", maxClientsFlag, err)
	}
	return nil
}

// LoadServerConfig reads the bound values into a ServerConfig,
// rejecting a MaxClients outside the spec's documented range.
func LoadServerConfig(v *viper.Viper) (ServerConfig, error) {
	cfg := ServerConfig{
		MaxClients:  v.GetInt(maxClientsFlag),
		Dev:         v.GetBool(devModeFlag),
		ListenAddr:  v.GetString(listenAddrFlag),
		MetricsAddr: v.GetString(metricsAddrFlag),
		CertFile:    v.GetString(certFileFlag),
		KeyFile:     v.GetString(keyFileFlag),
		DeviceIndex: v.GetInt(deviceIndexFlag),
	}
	if cfg.MaxClients < 1 || cfg.MaxClients > 10000 {
		return ServerConfig{}, fmt.Errorf("config: max-clients %d out of range [1, 10000]", cfg.MaxClients)
	}
	return cfg, nil
}

// ClientConfig is the broker client's fully resolved configuration.
type ClientConfig struct {
	DeviceIndex int
}

// BindClientFlags registers the client's command-line flags.
func BindClientFlags(v *viper.Viper, flags *flag.FlagSet) error {
	flags.Int(deviceIndexFlag, 0, "index of the RDMA device to open")
	if err := v.BindPFlags(flags); err != nil {
		return fmt.Errorf("config: binding client flags: %w", err)
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v.BindEnv(deviceIndexFlag)
}

// LoadClientConfig reads the bound values into a ClientConfig.
func LoadClientConfig(v *viper.Viper) ClientConfig {
	return ClientConfig{DeviceIndex: v.GetInt(deviceIndexFlag)}
}
