// Package cli is the daemon's deterministic boundary: command-line flags
// and the environment are canonicalized into an Invocation before any
// engine logic runs.
package cli

import (
	"flag"
	"fmt"
	"io"

	"taskrt/internal/config"
)

const (
	ExitInvalidInvocation = 64
	ExitConfigError       = 65
)

// Invocation is the fully canonicalized description of a daemon run.
type Invocation struct {
	Config config.Config

	// Workload names the built-in demonstration workload to run.
	Workload string
	// Tasks scales the workload.
	Tasks int
	// Devices is the number of simulated accelerator spaces to attach.
	Devices int
	// Verbose echoes a per-workload summary to stderr.
	Verbose bool
}

// InvocationError carries a parse failure and its exit code.
type InvocationError struct {
	ExitCode int
	Message  string
}

func (e *InvocationError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

func invalidf(format string, args ...any) error {
	return &InvocationError{ExitCode: ExitInvalidInvocation, Message: fmt.Sprintf(format, args...)}
}

var workloads = map[string]bool{
	"pipeline":  true,
	"reduction": true,
	"strided":   true,
}

// ParseInvocation parses flags and the TASKRT_* environment into an
// Invocation.
func ParseInvocation(args []string) (*Invocation, error) {
	fs := flag.NewFlagSet("taskrtd", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	inv := &Invocation{}
	fs.StringVar(&inv.Workload, "workload", "pipeline", "workload to run: pipeline, reduction, strided")
	fs.IntVar(&inv.Tasks, "tasks", 64, "workload scale (number of tasks)")
	fs.IntVar(&inv.Devices, "devices", 1, "simulated accelerator spaces to attach")
	fs.BoolVar(&inv.Verbose, "v", false, "print a workload summary")

	if err := fs.Parse(args); err != nil {
		return nil, invalidf("parsing flags: %v", err)
	}
	if fs.NArg() > 0 {
		return nil, invalidf("unexpected arguments: %v", fs.Args())
	}
	if !workloads[inv.Workload] {
		return nil, invalidf("unknown workload %q", inv.Workload)
	}
	if inv.Tasks < 1 {
		return nil, invalidf("-tasks must be at least 1")
	}
	if inv.Devices < 0 {
		return nil, invalidf("-devices must not be negative")
	}

	cfg, err := config.FromEnv()
	if err != nil {
		return nil, &InvocationError{ExitCode: ExitConfigError, Message: err.Error()}
	}
	inv.Config = cfg
	return inv, nil
}
