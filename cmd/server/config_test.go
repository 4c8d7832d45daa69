package main

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"

	"github.com/matst80/httpbridge/internal/bridge"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := parseConfig(nil)
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:3000", cfg.listenAddr())
	require.Equal(t, "127.0.0.1:22", cfg.ClientAddress)
	require.False(t, cfg.Verbose)
	require.True(t, cfg.H2C)
	require.Equal(t, ":9100", cfg.MetricsAddr)

	bc := cfg.bridgeConfig()
	require.Equal(t, bridge.WriteBlock, bc.WritePolicy)
	require.Equal(t, bridge.DefaultBufferSize, bc.BufferSize)
	require.Equal(t, bridge.DefaultDialTimeout, bc.DialTimeout)
}

func TestParseConfigShortFlags(t *testing.T) {
	cfg, err := parseConfig([]string{"-a", "127.0.0.1", "-p", "8080", "-c", "10.0.0.5:5432", "-v"})
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:8080", cfg.listenAddr())
	require.Equal(t, "10.0.0.5:5432", cfg.bridgeConfig().Target)
	require.True(t, cfg.bridgeConfig().Verbose)
}

func TestParseConfigIPv6Listen(t *testing.T) {
	cfg, err := parseConfig([]string{"--address", "::1", "--port", "3001"})
	require.NoError(t, err)
	require.Equal(t, "[::1]:3001", cfg.listenAddr())
}

func TestParseConfigYAMLOverlay(t *testing.T) {
	path := writeConfig(t, `
port: 4000
client_address: 192.168.1.10:22
write_policy: drop
dial_timeout: 3s
redis: localhost:6379
session_rate: 2.5
`)
	cfg, err := parseConfig([]string{"--config", path, "--port", "5000"})
	require.NoError(t, err)
	require.Equal(t, 5000, cfg.Port, "explicit flag wins over the file")
	require.Equal(t, "192.168.1.10:22", cfg.ClientAddress)
	require.Equal(t, 3*time.Second, cfg.DialTimeout)
	require.Equal(t, "localhost:6379", cfg.RedisAddr)
	require.InDelta(t, 2.5, cfg.SessionRate, 0.0001)
	require.Equal(t, bridge.WriteDrop, cfg.bridgeConfig().WritePolicy)
	require.Equal(t, "0.0.0.0", cfg.Address, "unset keys keep defaults")
}

func TestParseConfigRejectsInvalidValues(t *testing.T) {
	cases := map[string][]string{
		"bind address":   {"--address", "localhost"},
		"target":         {"--client-address", "example.com:22"},
		"target no port": {"-c", "127.0.0.1"},
		"port":           {"--port", "70000"},
		"write policy":   {"--write-policy", "retry"},
		"buffer size":    {"--buffer-size", "0"},
		"log format":     {"--log-format", "xml"},
		"unknown flag":   {"--nope"},
		"missing file":   {"--config", filepath.Join(t.TempDir(), "missing.yaml")},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := parseConfig(args)
			require.Error(t, err)
		})
	}
}

func TestParseConfigBadYAML(t *testing.T) {
	path := writeConfig(t, "port: [not a number\n")
	_, err := parseConfig([]string{"--config", path})
	require.Error(t, err)
	require.Contains(t, err.Error(), "parse config")
}

func TestParseConfigHelp(t *testing.T) {
	_, err := parseConfig([]string{"--help"})
	require.True(t, errors.Is(err, pflag.ErrHelp))
}
