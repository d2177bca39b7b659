package cfg

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Configuration {
	return &Configuration{
		SiteID:  1,
		DataDir: "./test-data",
		Sync: SyncConfiguration{
			CentralURL:                "http://central.local",
			Protocol:                  ProtocolChangelog,
			IntervalSeconds:           10,
			BatchSize:                 100,
			RequestTimeoutMS:          1000,
			IntegrationTimeoutSeconds: 30,
			IntegrationPollMS:         100,
			MaxIntegrationAttempts:    5,
		},
		FileSync: FileSyncConfiguration{
			Enabled:        true,
			PollIntervalMS: 100,
			IdleIntervalMS: 1000,
		},
		Processors: ProcessorConfiguration{
			PollIntervalMS: 100,
			BatchSize:      10,
		},
		Admin: AdminConfiguration{
			Enabled: true,
			Port:    8091,
		},
	}
}

func withConfig(t *testing.T, c *Configuration) {
	original := Config
	t.Cleanup(func() { Config = original })
	Config = c
}

func TestValidate_ValidConfig(t *testing.T) {
	withConfig(t, validConfig())
	assert.NoError(t, Validate())
}

func TestValidate_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Configuration)
	}{
		{"missing central url", func(c *Configuration) { c.Sync.CentralURL = "" }},
		{"non http central url", func(c *Configuration) { c.Sync.CentralURL = "ftp://central" }},
		{"unknown protocol", func(c *Configuration) { c.Sync.Protocol = "v7" }},
		{"zero interval", func(c *Configuration) { c.Sync.IntervalSeconds = 0 }},
		{"zero batch", func(c *Configuration) { c.Sync.BatchSize = 0 }},
		{"negative attempts", func(c *Configuration) { c.Sync.MaxIntegrationAttempts = -1 }},
		{"idle below poll", func(c *Configuration) { c.FileSync.IdleIntervalMS = 10 }},
		{"bad admin port", func(c *Configuration) { c.Admin.Port = 70000 }},
		{"unnamed sink", func(c *Configuration) { c.Sinks = []SinkConfiguration{{Type: "nats"}} }},
		{"unknown sink type", func(c *Configuration) { c.Sinks = []SinkConfiguration{{Name: "a", Type: "redis"}} }},
		{"duplicate sink", func(c *Configuration) {
			c.Sinks = []SinkConfiguration{{Name: "a", Type: "nats"}, {Name: "a", Type: "kafka"}}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(c)
			withConfig(t, c)
			assert.Error(t, Validate())
		})
	}
}

func TestValidate_FileSyncDisabledSkipsIntervals(t *testing.T) {
	c := validConfig()
	c.FileSync.Enabled = false
	c.FileSync.PollIntervalMS = 0
	c.FileSync.IdleIntervalMS = 0
	withConfig(t, c)
	assert.NoError(t, Validate())
}

func TestLoad_DecodesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	body := `
site_id = 42
data_dir = "` + filepath.ToSlash(filepath.Join(dir, "data")) + `"

[sync]
central_url = "https://central.example"
protocol = "legacy"
interval_seconds = 15
push_tables = ["stock_*"]

[[sink]]
name = "events"
type = "nats"
nats_url = "nats://localhost:4222"
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))

	c := validConfig()
	withConfig(t, c)
	require.NoError(t, Load(path))

	assert.Equal(t, uint64(42), Config.SiteID)
	assert.Equal(t, ProtocolLegacy, Config.Sync.Protocol)
	assert.Equal(t, 15, Config.Sync.IntervalSeconds)
	assert.Equal(t, []string{"stock_*"}, Config.Sync.PushTables)
	require.Len(t, Config.Sinks, 1)
	assert.Equal(t, "events", Config.Sinks[0].Name)
	assert.Equal(t, filepath.Join(Config.DataDir, "files"), Config.FileSync.FilesDir)
	assert.DirExists(t, Config.DataDir)
	assert.DirExists(t, Config.FileSync.FilesDir)
}

func TestSyncInterval_RereadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	write := func(seconds string, mtime time.Time) {
		body := "site_id = 7\ndata_dir = \"" + filepath.ToSlash(filepath.Join(dir, "data")) + "\"\n[sync]\ninterval_seconds = " + seconds + "\n"
		require.NoError(t, os.WriteFile(path, []byte(body), 0644))
		require.NoError(t, os.Chtimes(path, mtime, mtime))
	}

	base := time.Now().Add(-time.Hour)
	write("20", base)

	withConfig(t, validConfig())
	require.NoError(t, Load(path))
	assert.Equal(t, 20*time.Second, SyncInterval())

	write("5", base.Add(time.Minute))
	assert.Equal(t, 5*time.Second, SyncInterval())

	// Unchanged mtime keeps the cached value
	Config.Sync.IntervalSeconds = 9
	assert.Equal(t, 9*time.Second, SyncInterval())
}

func TestSyncInterval_FloorsAtOneSecond(t *testing.T) {
	c := validConfig()
	c.Sync.IntervalSeconds = 0
	withConfig(t, c)

	reloadMu.Lock()
	loadedPath = ""
	reloadMu.Unlock()

	assert.Equal(t, time.Second, SyncInterval())
}
