package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultTracker(t *testing.T) {
	d := DefaultTracker()

	assert.Equal(t, 120, d.BatchSize)
	assert.Equal(t, 4*time.Second, d.FlushInterval)
	assert.Equal(t, 200_000, d.MaxBatchBytes)
	assert.Equal(t, 1500*time.Millisecond, d.SnapshotGrace)
	assert.Equal(t, 10*time.Second, d.ReplayTimeout)
	assert.True(t, d.AutoTrack)
	assert.True(t, d.Replay)
	assert.True(t, d.EndOnRouteChange)
	assert.True(t, d.RestartOnRouteChange)
	require.NoError(t, d.Validate())
}

func TestTrackerWithDefaults(t *testing.T) {
	got := Tracker{Endpoint: "http://collector/track", BatchSize: 2}.WithDefaults()

	assert.Equal(t, 2, got.BatchSize)
	assert.Equal(t, DefaultFlushInterval, got.FlushInterval)
	assert.Equal(t, DefaultMaxBatchBytes, got.MaxBatchBytes)
	assert.Equal(t, DefaultKeyHeader, got.KeyHeader)
	assert.False(t, got.AutoTrack, "toggles keep their explicit zero value")
}

func TestTrackerWithDefaults_ZeroGraceMeansDefault(t *testing.T) {
	got := Tracker{Endpoint: "http://collector/track", WaitForSnapshot: false}.WithDefaults()
	assert.Equal(t, DefaultSnapshotGrace, got.SnapshotGrace)
	assert.False(t, got.WaitForSnapshot, "skipping the wait is expressed by the toggle")

	got = Tracker{Endpoint: "http://collector/track", SnapshotGrace: time.Millisecond}.WithDefaults()
	assert.Equal(t, time.Millisecond, got.SnapshotGrace)
}

func TestTrackerValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Tracker)
	}{
		{"relative endpoint", func(c *Tracker) { c.Endpoint = "/api/track" }},
		{"zero batch size", func(c *Tracker) { c.BatchSize = 0 }},
		{"negative bytes", func(c *Tracker) { c.MaxBatchBytes = -1 }},
		{"zero interval", func(c *Tracker) { c.FlushInterval = 0 }},
		{"negative grace", func(c *Tracker) { c.SnapshotGrace = -time.Second }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultTracker()
			tt.mutate(&c)
			assert.ErrorIs(t, c.Validate(), ErrInvalidTracker)
		})
	}
}

func TestLoad_TrackerOverrides(t *testing.T) {
	t.Setenv("TRACK_ENDPOINT", "https://collect.example.com/track")
	t.Setenv("TRACK_BATCH_SIZE", "7")
	t.Setenv("TRACK_FLUSH_INTERVAL", "250ms")
	t.Setenv("TRACK_RESTART_ON_ROUTE_CHANGE", "false")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example")

	cfg := Load()

	assert.Equal(t, "https://collect.example.com/track", cfg.Tracker.Endpoint)
	assert.Equal(t, 7, cfg.Tracker.BatchSize)
	assert.Equal(t, 250*time.Millisecond, cfg.Tracker.FlushInterval)
	assert.False(t, cfg.Tracker.RestartOnRouteChange)
	assert.True(t, cfg.Tracker.EndOnRouteChange)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
	assert.NotEmpty(t, cfg.InstanceID)
}

func TestLoad_CollectorAndSimDefaults(t *testing.T) {
	t.Setenv("COLLECTOR_API_KEY", "k")
	t.Setenv("SIM_SESSIONS", "3")

	cfg := Load()

	assert.Equal(t, "k", cfg.APIKey)
	assert.Equal(t, 6000, cfg.RateLimit)
	assert.Equal(t, int64(10*1024*1024), cfg.MaxBodySize)
	assert.Equal(t, 3, cfg.Sim.Sessions)
	assert.Equal(t, 4, cfg.Sim.Concurrency)
	assert.Equal(t, 100*time.Millisecond, cfg.Sim.StartInterval)
}
