// Package config canonicalizes the runtime's environment surface into a
// Config before any engine logic runs. Parsing is a deterministic boundary:
// every option has a default, every malformed value is an explicit error,
// and nothing downstream re-reads the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config is the fully canonicalized runtime configuration.
type Config struct {
	// Worker topology.
	NumPEs       uint32 // processing elements (CPU workers = NumPEs * ThreadsPerPE)
	ThreadsPerPE uint32
	Binding      bool // lock worker goroutines to OS threads
	Yield        bool // yield the processor on idle loop turns

	// Scheduling.
	Schedule    string // policy name, e.g. "wsteal", "fifo"
	Throttle    string // admission policy name (consumed outside the core)
	Barrier     string // barrier implementation name
	NumPrefetch uint32 // cap on in-flight + next per asynchronous worker

	// Memory sizing.
	StackSize uint64 // per-device scratch block embedded in each task
	HostMem   uint64 // host slab bytes
	DeviceMem uint64 // default capacity for each simulated device space
	PackMem   uint64 // pack buffer pool cap

	// Accelerator options, observed by accelerator address spaces.
	CublasInit     bool
	GPUWarmup      bool
	OverlapInputs  bool
	OverlapOutputs bool

	// External services.
	RedisAddr   string // remote address space backend; empty disables
	TraceDB     string // sqlite trace sink path; empty disables
	MetricsAddr string // /metrics listen address; empty disables
}

// ConfigError describes a malformed environment value.
type ConfigError struct {
	Var     string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Var, e.Message)
}

// Default returns the configuration used when the environment is empty.
func Default() Config {
	return Config{
		NumPEs:         2,
		ThreadsPerPE:   1,
		Binding:        false,
		Yield:          true,
		Schedule:       "wsteal",
		Throttle:       "none",
		Barrier:        "centralized",
		NumPrefetch:    2,
		StackSize:      16 << 10,
		HostMem:        64 << 20,
		DeviceMem:      16 << 20,
		PackMem:        4 << 20,
		OverlapInputs:  true,
		OverlapOutputs: true,
	}
}

// FromEnv reads the TASKRT_* environment surface over the defaults.
func FromEnv() (Config, error) {
	return fromLookup(os.LookupEnv)
}

func fromLookup(lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	var err error

	parseU32 := func(name string, dst *uint32) {
		if err != nil {
			return
		}
		if v, ok := lookup(name); ok {
			n, perr := strconv.ParseUint(strings.TrimSpace(v), 10, 32)
			if perr != nil {
				err = &ConfigError{Var: name, Message: fmt.Sprintf("not an unsigned integer: %q", v)}
				return
			}
			*dst = uint32(n)
		}
	}
	parseU64 := func(name string, dst *uint64) {
		if err != nil {
			return
		}
		if v, ok := lookup(name); ok {
			n, perr := strconv.ParseUint(strings.TrimSpace(v), 10, 64)
			if perr != nil {
				err = &ConfigError{Var: name, Message: fmt.Sprintf("not an unsigned integer: %q", v)}
				return
			}
			*dst = n
		}
	}
	parseBool := func(name string, dst *bool) {
		if err != nil {
			return
		}
		if v, ok := lookup(name); ok {
			b, perr := strconv.ParseBool(strings.TrimSpace(v))
			if perr != nil {
				err = &ConfigError{Var: name, Message: fmt.Sprintf("not a boolean: %q", v)}
				return
			}
			*dst = b
		}
	}
	parseStr := func(name string, dst *string) {
		if v, ok := lookup(name); ok {
			*dst = strings.TrimSpace(v)
		}
	}

	parseU32("TASKRT_NUM_PES", &cfg.NumPEs)
	parseU32("TASKRT_THREADS_PER_PE", &cfg.ThreadsPerPE)
	parseBool("TASKRT_BINDING", &cfg.Binding)
	parseBool("TASKRT_YIELD", &cfg.Yield)
	parseStr("TASKRT_SCHEDULE", &cfg.Schedule)
	parseStr("TASKRT_THROTTLE", &cfg.Throttle)
	parseStr("TASKRT_BARRIER", &cfg.Barrier)
	parseU32("TASKRT_NUM_PREFETCH", &cfg.NumPrefetch)
	parseU64("TASKRT_STACK_SIZE", &cfg.StackSize)
	parseU64("TASKRT_HOST_MEM", &cfg.HostMem)
	parseU64("TASKRT_DEVICE_MEM", &cfg.DeviceMem)
	parseU64("TASKRT_PACK_MEM", &cfg.PackMem)
	parseBool("TASKRT_CUBLAS_INIT", &cfg.CublasInit)
	parseBool("TASKRT_GPU_WARMUP", &cfg.GPUWarmup)
	parseBool("TASKRT_OVERLAP_INPUTS", &cfg.OverlapInputs)
	parseBool("TASKRT_OVERLAP_OUTPUTS", &cfg.OverlapOutputs)
	parseStr("TASKRT_REDIS_ADDR", &cfg.RedisAddr)
	parseStr("TASKRT_TRACE_DB", &cfg.TraceDB)
	parseStr("TASKRT_METRICS_ADDR", &cfg.MetricsAddr)

	if err != nil {
		return Config{}, err
	}
	if verr := cfg.Validate(); verr != nil {
		return Config{}, verr
	}
	return cfg, nil
}

// Validate rejects configurations the runtime cannot start with.
func (c Config) Validate() error {
	if c.NumPEs == 0 {
		return &ConfigError{Var: "TASKRT_NUM_PES", Message: "must be at least 1"}
	}
	if c.ThreadsPerPE == 0 {
		return &ConfigError{Var: "TASKRT_THREADS_PER_PE", Message: "must be at least 1"}
	}
	if c.Schedule == "" {
		return &ConfigError{Var: "TASKRT_SCHEDULE", Message: "must name a policy"}
	}
	if c.NumPrefetch == 0 {
		return &ConfigError{Var: "TASKRT_NUM_PREFETCH", Message: "must be at least 1"}
	}
	if c.HostMem == 0 {
		return &ConfigError{Var: "TASKRT_HOST_MEM", Message: "must be nonzero"}
	}
	return nil
}

// CPUWorkers returns the synchronous worker count the topology implies.
func (c Config) CPUWorkers() int { return int(c.NumPEs) * int(c.ThreadsPerPE) }
