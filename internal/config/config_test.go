package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reelgrab/reelgrab/internal/config"
)

// baseYAML is a minimal valid configuration for tests that exercise
// defaults and overrides.
const baseYAML = `
backends:
  seedbox:
    type: qbittorrent
    url: http://localhost:8080
engine:
  chartsPath: /charts
`

// loadConfigFromYAML creates a temp config file and loads it using Load().
// This ensures tests use the exact same config loading code as the application.
func loadConfigFromYAML(t *testing.T, yaml string) config.Config {
	t.Helper()

	cfg, err := tryLoadConfigFromYAML(t, yaml)
	require.NoError(t, err, "failed to load config")
	return cfg
}

func tryLoadConfigFromYAML(t *testing.T, yaml string) (config.Config, error) {
	t.Helper()

	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "config.yaml")

	err := os.WriteFile(configFile, []byte(yaml), 0644)
	require.NoError(t, err, "failed to write temp config file")

	return config.Load(config.LoadOptions{ConfigFile: configFile})
}

func TestConfigDefaults(t *testing.T) {
	tests := []struct {
		name  string
		yaml  string
		check func(t *testing.T, cfg config.Config)
	}{
		{
			name: "minimal config uses defaults",
			yaml: baseYAML,
			check: func(t *testing.T, cfg config.Config) {
				assert.Equal(t, "[::]:8424", cfg.Server.Listen)
				assert.Equal(t, "/config/reelgrab.db", cfg.Engine.DatabasePath)
				assert.Equal(t, "/downloads", cfg.Engine.SavePath)
				assert.Equal(t, config.DefaultWorkers, cfg.Engine.Workers)
				assert.Equal(t, config.DefaultPassInterval, cfg.Engine.PassInterval)
			},
		},
		{
			name: "server listen can be overridden",
			yaml: baseYAML + `
server:
  listen: "0.0.0.0:9000"
`,
			check: func(t *testing.T, cfg config.Config) {
				assert.Equal(t, "0.0.0.0:9000", cfg.Server.Listen)
				assert.Equal(t, "/downloads", cfg.Engine.SavePath)
			},
		},
		{
			name: "engine settings can be overridden",
			yaml: `
backends:
  seedbox:
    type: transmission
    url: http://localhost:9091
engine:
  databasePath: /data/catalog.db
  chartsPath: /data/charts
  savePath: /data/downloads
  workers: 8
  passInterval: 1h
  skipPrefixes: [FC2, TEST]
`,
			check: func(t *testing.T, cfg config.Config) {
				assert.Equal(t, "/data/catalog.db", cfg.Engine.DatabasePath)
				assert.Equal(t, "/data/downloads", cfg.Engine.SavePath)
				assert.Equal(t, 8, cfg.Engine.Workers)
				assert.Equal(t, time.Hour, cfg.Engine.PassInterval)
				assert.Equal(t, []string{"FC2", "TEST"}, cfg.Engine.SkipPrefixes)
			},
		},
		{
			name: "backend httpTimeout defaults when omitted",
			yaml: baseYAML,
			check: func(t *testing.T, cfg config.Config) {
				assert.Equal(t, config.DefaultHTTPTimeout, cfg.Backends["seedbox"].HTTPTimeout)
			},
		},
		{
			name: "backend httpTimeout can be set per instance",
			yaml: `
backends:
  seedbox:
    type: qbittorrent
    url: http://localhost:8080
    httpTimeout: 5s
engine:
  chartsPath: /charts
`,
			check: func(t *testing.T, cfg config.Config) {
				assert.Equal(t, 5*time.Second, cfg.Backends["seedbox"].HTTPTimeout)
			},
		},
		{
			name: "failover settings parse",
			yaml: baseYAML + `
failover:
  snapshotTTL: 5m
  stallAfter: 30m
  minRate: 1024
  qualityCeiling: 7.0
  probeWindow: 10s
`,
			check: func(t *testing.T, cfg config.Config) {
				assert.Equal(t, 5*time.Minute, cfg.Failover.SnapshotTTL)
				assert.Equal(t, 30*time.Minute, cfg.Failover.StallAfter)
				assert.Equal(t, int64(1024), cfg.Failover.MinRate)
				assert.InDelta(t, 7.0, cfg.Failover.QualityCeiling, 0.001)
				assert.Equal(t, 10*time.Second, cfg.Failover.ProbeWindow)
			},
		},
		{
			name: "jellyfin library config parses",
			yaml: baseYAML + `
library:
  jellyfin:
    url: http://jellyfin:8096
    apiKey: secret
    userId: abc
  localPaths:
    - /media/movies
`,
			check: func(t *testing.T, cfg config.Config) {
				assert.Equal(t, "http://jellyfin:8096", cfg.Library.Jellyfin.URL)
				assert.Equal(t, "secret", cfg.Library.Jellyfin.APIKey)
				assert.Equal(t, config.DefaultHTTPTimeout, cfg.Library.Jellyfin.HTTPTimeout)
				assert.Equal(t, []string{"/media/movies"}, cfg.Library.LocalPaths)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.check(t, loadConfigFromYAML(t, tt.yaml))
		})
	}
}

func TestConfigBackendTypes(t *testing.T) {
	yaml := `
backends:
  box1:
    type: qbittorrent
    url: http://localhost:8080
  box2:
    type: bitcomet
    url: http://localhost:8081
  box3:
    type: transmission
    url: http://localhost:9091
engine:
  chartsPath: /charts
`
	cfg := loadConfigFromYAML(t, yaml)
	require.Len(t, cfg.Backends, 3)
	assert.Equal(t, "qbittorrent", cfg.Backends["box1"].Type)
	assert.Equal(t, "bitcomet", cfg.Backends["box2"].Type)
	assert.Equal(t, "transmission", cfg.Backends["box3"].Type)
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "no backends",
			yaml:    "engine:\n  chartsPath: /charts\n",
			wantErr: "at least one backend is required",
		},
		{
			name: "unknown backend type",
			yaml: `
backends:
  seedbox:
    type: rtorrent
    url: http://localhost:8080
engine:
  chartsPath: /charts
`,
			wantErr: `unknown type "rtorrent"`,
		},
		{
			name: "backend missing url",
			yaml: `
backends:
  seedbox:
    type: qbittorrent
engine:
  chartsPath: /charts
`,
			wantErr: "url is required",
		},
		{
			name:    "missing chartsPath",
			yaml:    "backends:\n  seedbox:\n    type: qbittorrent\n    url: http://localhost:8080\n",
			wantErr: "engine.chartsPath is required",
		},
		{
			name: "workers out of range",
			yaml: baseYAML + `
  workers: 16
`,
			wantErr: "engine.workers",
		},
		{
			name: "engine.backend must name a configured backend",
			yaml: baseYAML + `
  backend: missing
`,
			wantErr: `no backend named "missing"`,
		},
		{
			name: "jellyfin url without apiKey",
			yaml: baseYAML + `
library:
  jellyfin:
    url: http://jellyfin:8096
`,
			wantErr: "library.jellyfin: apiKey is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tryLoadConfigFromYAML(t, tt.yaml)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfigValidationJoinsErrors(t *testing.T) {
	yaml := `
backends:
  seedbox:
    type: rtorrent
`
	_, err := tryLoadConfigFromYAML(t, yaml)
	require.Error(t, err)

	msg := err.Error()
	assert.Contains(t, msg, `unknown type "rtorrent"`)
	assert.Contains(t, msg, "url is required")
	assert.Contains(t, msg, "engine.chartsPath is required")
}

func TestConfigEnvOverrides(t *testing.T) {
	t.Setenv("REELGRAB_SERVER_LISTEN", "127.0.0.1:7000")
	t.Setenv("REELGRAB_ENGINE_WORKERS", "2")

	cfg := loadConfigFromYAML(t, baseYAML)
	assert.Equal(t, "127.0.0.1:7000", cfg.Server.Listen)
	assert.Equal(t, 2, cfg.Engine.Workers)
}

func TestConfigEnvBackends(t *testing.T) {
	t.Setenv("REELGRAB_BACKENDS", "seedbox")
	t.Setenv("REELGRAB_BACKENDS_SEEDBOX_TYPE", "transmission")
	t.Setenv("REELGRAB_BACKENDS_SEEDBOX_URL", "http://remote:9091")
	t.Setenv("REELGRAB_BACKENDS_SEEDBOX_USERNAME", "admin")

	cfg := loadConfigFromYAML(t, "engine:\n  chartsPath: /charts\n")

	b, ok := cfg.Backends["seedbox"]
	require.True(t, ok, "backend from env vars should exist, got: %v", cfg.Backends)
	assert.Equal(t, "transmission", b.Type)
	assert.Equal(t, "http://remote:9091", b.URL)
	assert.Equal(t, "admin", b.Username)
}

func TestConfigFileNotFoundIsFatalWhenExplicit(t *testing.T) {
	_, err := config.Load(config.LoadOptions{ConfigFile: "/nonexistent/config.yaml"})
	// The file is silently skipped; validation then reports the missing
	// required settings.
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "backend") || strings.Contains(err.Error(), "chartsPath"))
}
