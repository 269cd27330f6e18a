// Package rt is the runtime core: work descriptors, the per-worker memory
// controller, synchronous and cooperative worker loops, teams, and the
// process-wide runtime handle.
//
// A submission installs a task in the dependency domain; when its last
// predecessor completes it becomes ready and is offered to its team's
// schedule policy. A worker takes it, asks the memory controller to prepare
// its declared regions in the worker's address space (consulting the
// coherence directory and issuing asynchronous transfers), invokes the user
// function against device-local views, then closes the task: new versions
// are published, successors released, and the task retires once its
// children have too.
package rt
