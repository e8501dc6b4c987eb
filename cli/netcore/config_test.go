//go:build linux

package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/sagernet/sing-netcore/conf"
	"github.com/sagernet/sing-netcore/protocol/delimited"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFlagSet(f *flags) *pflag.FlagSet {
	flagSet := pflag.NewFlagSet("netcore", pflag.ContinueOnError)
	flagSet.StringVar(&f.LogLevel, "log-level", "", "")
	return flagSet
}

func TestLoadConfigFromFlags(t *testing.T) {
	f := &flags{
		Listen:      "127.0.0.1:0",
		Mode:        string(conf.ModeProxy),
		Transport:   conf.TransportRaw,
		Upstream:    "127.0.0.1:9",
		BufferLimit: 4096,
		Verbose:     true,
	}
	config, err := loadConfig(newFlagSet(f), f)
	require.NoError(t, err)
	require.Len(t, config.Listeners, 1)
	assert.Equal(t, conf.ModeProxy, config.Listeners[0].Mode)
	assert.Equal(t, uint32(4096), config.Listeners[0].BufferLimit)
	assert.Equal(t, "debug", config.Log.Level)
}

func TestLoadConfigMergesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"log":{"level":"warn"},"listeners":[{"listen":"127.0.0.1:0","mode":"frame"}]}`), 0o644))
	f := &flags{ConfigFile: path, Listen: "127.0.0.1:0", Mode: string(conf.ModeEcho)}
	flagSet := newFlagSet(f)
	require.NoError(t, flagSet.Parse([]string{"--log-level", "trace"}))

	config, err := loadConfig(flagSet, f)
	require.NoError(t, err)
	require.Len(t, config.Listeners, 2)
	assert.Equal(t, conf.ModeFrame, config.Listeners[0].Mode)
	assert.Equal(t, conf.ModeEcho, config.Listeners[1].Mode)
	assert.Equal(t, "trace", config.Log.Level)
}

func TestLoadConfigFrameDefaults(t *testing.T) {
	f := &flags{Listen: "127.0.0.1:0", Mode: string(conf.ModeFrame), Transport: conf.TransportRaw}
	config, err := loadConfig(newFlagSet(f), f)
	require.NoError(t, err)
	assert.Equal(t, uint32(delimited.DefaultMaxFrameSize+3), config.Listeners[0].BufferLimit)

	f.MaxFrameSize = 4096
	f.BufferLimit = 1024
	_, err = loadConfig(newFlagSet(f), f)
	assert.ErrorContains(t, err, "cannot hold a frame of 4096 bytes")
}

func TestLoadConfigRequiresListener(t *testing.T) {
	f := new(flags)
	_, err := loadConfig(newFlagSet(f), f)
	assert.ErrorContains(t, err, "missing listeners")
}

func TestServerStartsListeners(t *testing.T) {
	config := &conf.Config{Listeners: []*conf.Listener{
		{Listen: "127.0.0.1:0", Mode: conf.ModeEcho},
		{Listen: "127.0.0.1:0", Mode: conf.ModeFrame},
		{Listen: "127.0.0.1:0", Mode: conf.ModeProxy, Upstream: "127.0.0.1:9"},
	}}
	require.NoError(t, config.Validate())
	s, err := newServer(config)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Start(context.Background()))
	for _, listener := range s.listeners {
		assert.NotZero(t, listener.Addr().Port())
	}
}
