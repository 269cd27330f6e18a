package config

import (
	"errors"
	"testing"
)

func lookupFrom(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestFromEnv_DefaultsWhenEmpty(t *testing.T) {
	cfg, err := fromLookup(lookupFrom(nil))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg != Default() {
		t.Fatalf("empty env must yield defaults: got %+v", cfg)
	}
}

func TestFromEnv_OverridesApply(t *testing.T) {
	cfg, err := fromLookup(lookupFrom(map[string]string{
		"TASKRT_NUM_PES":        "4",
		"TASKRT_THREADS_PER_PE": "2",
		"TASKRT_SCHEDULE":       "fifo",
		"TASKRT_NUM_PREFETCH":   "8",
		"TASKRT_BINDING":        "true",
		"TASKRT_OVERLAP_INPUTS": "false",
		"TASKRT_DEVICE_MEM":     "1048576",
		"TASKRT_REDIS_ADDR":     "127.0.0.1:6379",
	}))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.NumPEs != 4 || cfg.ThreadsPerPE != 2 || cfg.CPUWorkers() != 8 {
		t.Fatalf("topology: %+v", cfg)
	}
	if cfg.Schedule != "fifo" || cfg.NumPrefetch != 8 || !cfg.Binding {
		t.Fatalf("scheduling: %+v", cfg)
	}
	if cfg.OverlapInputs || cfg.DeviceMem != 1<<20 || cfg.RedisAddr != "127.0.0.1:6379" {
		t.Fatalf("memory/services: %+v", cfg)
	}
}

func TestFromEnv_MalformedValuesRejected(t *testing.T) {
	cases := []map[string]string{
		{"TASKRT_NUM_PES": "zero"},
		{"TASKRT_BINDING": "sometimes"},
		{"TASKRT_DEVICE_MEM": "-1"},
	}
	for _, env := range cases {
		if _, err := fromLookup(lookupFrom(env)); err == nil {
			t.Fatalf("env %v must be rejected", env)
		} else {
			var cerr *ConfigError
			if !errors.As(err, &cerr) {
				t.Fatalf("error type: got %T", err)
			}
		}
	}
}

func TestValidate_RejectsUnusableTopology(t *testing.T) {
	cfg := Default()
	cfg.NumPEs = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("zero PEs must be rejected")
	}
	cfg = Default()
	cfg.NumPrefetch = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("zero prefetch must be rejected")
	}
}
