// Package sched holds the pluggable scheduling policy: how ready tasks are
// ordered and matched to requesting workers. The runtime talks to a Policy
// through a narrow capability interface so new policies can ship without
// touching the worker loop.
package sched

import (
	"fmt"
	"sort"
	"sync"

	"taskrt/internal/core"
	"taskrt/internal/memory"
)

// Runnable is the policy's view of a ready task. The policy never inspects
// task internals beyond placement constraints.
type Runnable interface {
	TaskID() core.TaskID
	// TiedWorker returns the worker the task is pinned to, or core.NoWorker.
	// Once tied, a task never migrates.
	TiedWorker() core.WorkerID
	// DeviceCandidates lists the device kinds that may execute the task.
	// Empty means any.
	DeviceCandidates() []memory.DeviceKind
}

// WorkerInfo describes a requesting worker to the policy.
type WorkerInfo struct {
	ID   core.WorkerID
	Kind memory.DeviceKind
}

// Policy orders ready tasks and chooses one for a requesting worker.
//
// OnReady is called when a task transitions to Ready. OnRequest is called by
// an idle worker; nil means no eligible work. OnPrefetch lets an
// asynchronous worker look ahead while current still runs; policies may
// return nil to disable prefetching.
//
// Implementations must be safe for concurrent use. The runtime never calls
// into a Policy while holding the dependency domain lock.
type Policy interface {
	OnReady(t Runnable)
	OnRequest(w WorkerInfo) Runnable
	OnPrefetch(w WorkerInfo, current Runnable) Runnable
	// Len reports queued (not yet handed out) tasks, for idle detection.
	Len() int
}

// eligible reports whether w may run t.
func eligible(t Runnable, w WorkerInfo) bool {
	if tied := t.TiedWorker(); tied != core.NoWorker && tied != w.ID {
		return false
	}
	kinds := t.DeviceCandidates()
	if len(kinds) == 0 {
		return true
	}
	for _, k := range kinds {
		if k == w.Kind {
			return true
		}
	}
	return false
}

// Factory builds a policy for a team of workerCount workers.
type Factory func(workerCount int) Policy

var (
	registryMu sync.Mutex
	registry   = map[string]Factory{}
)

// Register installs a named policy factory. Policies register from init;
// duplicate names panic.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic(fmt.Sprintf("sched: duplicate policy %q", name))
	}
	registry[name] = f
}

// New builds the named policy.
func New(name string, workerCount int) (Policy, error) {
	registryMu.Lock()
	f, ok := registry[name]
	registryMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("sched: unknown policy %q (have %v)", name, Names())
	}
	return f(workerCount), nil
}

// Names lists registered policies, sorted.
func Names() []string {
	registryMu.Lock()
	defer registryMu.Unlock()
	out := make([]string, 0, len(registry))
	for n := range registry {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
