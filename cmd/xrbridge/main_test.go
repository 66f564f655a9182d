package main

import (
	"flag"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFlags_Defaults(t *testing.T) {
	opts, err := parseFlags(nil)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", opts.cfg.GetHost())
	assert.Equal(t, 7278, opts.cfg.GetPort())
	assert.Empty(t, opts.cfg.GetRecordPath())
	assert.Empty(t, opts.replayPath)
	assert.False(t, opts.showVersion)
}

func TestParseFlags_OverridesConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
  "port": 9100,
  "log_every": 10,
  "record_path": "from-file.db"
}`), 0o644))

	opts, err := parseFlags([]string{
		"-config", path,
		"-port", "9200",
		"-forward", "127.0.0.1:9300",
		"-replay", "capture.pcapng",
		"-replay-speed", "0",
	})
	require.NoError(t, err)

	assert.Equal(t, 9200, opts.cfg.GetPort(), "explicit flag wins")
	assert.Equal(t, 10, opts.cfg.GetLogEvery(), "unset flag keeps file value")
	assert.Equal(t, "from-file.db", opts.cfg.GetRecordPath())
	assert.Equal(t, "127.0.0.1:9300", opts.cfg.GetForwardAddress())
	assert.Zero(t, opts.cfg.GetReplaySpeed())
	assert.Equal(t, "capture.pcapng", opts.replayPath)
}

func TestParseFlags_Errors(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{name: "public host", args: []string{"-host", "0.0.0.0"}, wantErr: "host must be a loopback address"},
		{name: "port range", args: []string{"-port", "0"}, wantErr: "port must be between 1 and 65535"},
		{name: "forward", args: []string{"-forward", "nowhere"}, wantErr: "invalid forward_address"},
		{name: "config extension", args: []string{"-config", "bridge.toml"}, wantErr: "must have .json extension"},
		{name: "unknown flag", args: []string{"-verbose"}, wantErr: "flag provided but not defined"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseFlags(tt.args)
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestParseFlags_Help(t *testing.T) {
	_, err := parseFlags([]string{"-h"})
	assert.ErrorIs(t, err, flag.ErrHelp)
}
