package scheduler

import (
	"testing"
	"time"
)

func TestBuildConfigAppliesOptionsOverDefaults(t *testing.T) {
	cfg := BuildConfig(
		WithPollInterval(time.Second),
		WithMaxConcurrentWorkflows(5),
		WithMaxStepConcurrency(2),
		WithLeaseTTL(15*time.Second),
		WithHeartbeatInterval(20*time.Second),
		WithPurge(time.Minute, 2*time.Hour),
		WithNodeID("node-7"),
	)

	want := Config{
		PollInterval:            time.Second,
		MaxConcurrentWorkflows:  5,
		MaxStepConcurrency:      2,
		LeaseTTL:                15 * time.Second,
		HeartbeatInterval:       20 * time.Second,
		PurgeInterval:           time.Minute,
		PurgeAge:                2 * time.Hour,
		MaxIterationRetries:     DefaultConfig().MaxIterationRetries,
		NodeID:                  "node-7",
	}
	if cfg != want {
		t.Errorf("BuildConfig() = %+v, want %+v", cfg, want)
	}
}

func TestBuildConfigWithNoOptionsMatchesDefaultConfig(t *testing.T) {
	if cfg := BuildConfig(); cfg != DefaultConfig() {
		t.Errorf("BuildConfig() with no options = %+v, want DefaultConfig() %+v", cfg, DefaultConfig())
	}
}
