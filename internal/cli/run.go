package cli

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/google/uuid"

	"taskrt/internal/core"
	"taskrt/internal/memory"
	"taskrt/internal/metrics"
	"taskrt/internal/region"
	"taskrt/internal/rt"
	"taskrt/internal/trace"
)

var logger = log.New(os.Stderr, "taskrt: ", log.LstdFlags)

// Run wires the configured address spaces, metrics, and trace sinks into a
// runtime, executes the selected workload, and returns the process exit
// code.
func Run(inv *Invocation) (code int, err error) {
	cfg := inv.Config

	var spaces []memory.AddressSpace
	simOpts := memory.SimOptions{
		OverlapInputs:  cfg.OverlapInputs,
		OverlapOutputs: cfg.OverlapOutputs,
	}
	nextID := memory.SpaceID(1)
	for i := 0; i < inv.Devices; i++ {
		spaces = append(spaces, memory.NewSimSpace(nextID, memory.KindAccelerator, cfg.DeviceMem, simOpts))
		nextID++
	}
	if cfg.RedisAddr != "" {
		store := memory.NewRedisStore(cfg.RedisAddr)
		spaces = append(spaces, memory.NewRemoteSpace(nextID, "taskrt", store, cfg.DeviceMem, nil))
		nextID++
	}

	runID := uuid.NewString()
	rec := trace.NewRecorder()
	sinks := trace.Multi{rec}
	if cfg.TraceDB != "" {
		sql, serr := trace.NewSQLiteSink(cfg.TraceDB, runID)
		if serr != nil {
			return rt.ExitFatal, fmt.Errorf("opening trace db: %w", serr)
		}
		defer sql.Close()
		sinks = append(sinks, sql)
	}

	opts := rt.Options{Spaces: spaces, Sink: sinks, RunID: runID}
	if cfg.MetricsAddr != "" {
		prom := metrics.NewProm(runID)
		opts.Observer = prom
		mux := http.NewServeMux()
		mux.Handle("/metrics", prom.Handler())
		go func() {
			if herr := http.ListenAndServe(cfg.MetricsAddr, mux); herr != nil {
				logger.Printf("metrics server: %v", herr)
			}
		}()
	}

	runtime, err := rt.New(cfg, opts)
	if err != nil {
		return rt.ExitFatal, fmt.Errorf("starting runtime: %w", err)
	}

	// Fatal errors tripped on this goroutine (submission, wait) surface as
	// a FatalError panic; recover them into an exit code. Worker-side
	// fatals terminate the process directly after flushing the sinks.
	defer func() {
		if r := recover(); r != nil {
			var ferr *rt.FatalError
			if e, ok := r.(*rt.FatalError); ok {
				ferr = e
			} else {
				panic(r)
			}
			err = ferr
			code = rt.ExitCodeFor(ferr.Err)
		}
	}()

	if werr := runWorkload(runtime, inv); werr != nil {
		_ = runtime.Shutdown()
		return rt.ExitCodeFor(werr), werr
	}
	if serr := runtime.Shutdown(); serr != nil {
		return rt.ExitCodeFor(serr), serr
	}
	if inv.Verbose {
		logger.Printf("workload %q: %d tasks done, %d lifecycle events recorded",
			inv.Workload, inv.Tasks, len(rec.Snapshot()))
	}
	return rt.ExitSuccess, nil
}

func runWorkload(runtime *rt.Runtime, inv *Invocation) error {
	switch inv.Workload {
	case "pipeline":
		return pipelineWorkload(runtime, inv.Tasks)
	case "reduction":
		return reductionWorkload(runtime, inv.Tasks)
	case "strided":
		return stridedWorkload(runtime, inv.Tasks)
	default:
		return fmt.Errorf("unknown workload %q", inv.Workload)
	}
}

// pipelineWorkload runs n independent three-stage chains: initialize,
// transform, verify. Stages communicate through declared regions only.
func pipelineWorkload(runtime *rt.Runtime, n int) error {
	const regionSize = 4096
	var verify []*rt.Task
	for i := 0; i < n; i++ {
		base, err := runtime.Alloc(regionSize)
		if err != nil {
			return err
		}
		reg := region.New(base, regionSize)
		seed := byte(i%250 + 1)

		init := runtime.CreateTask(rt.TaskSpec{Fn: func(invc *rt.Invocation) {
			d := invc.Data(0)
			for j := range d {
				d[j] = seed
			}
		}})
		if err := runtime.AttachCopies(init, []core.CopyDescriptor{{Region: reg, Mode: core.Out}}); err != nil {
			return err
		}
		if err := runtime.Submit(init); err != nil {
			return err
		}

		transform := runtime.CreateTask(rt.TaskSpec{Fn: func(invc *rt.Invocation) {
			d := invc.Data(0)
			for j := range d {
				d[j] *= 2
			}
		}})
		if err := runtime.AttachCopies(transform, []core.CopyDescriptor{{Region: reg, Mode: core.InOut}}); err != nil {
			return err
		}
		if err := runtime.Submit(transform); err != nil {
			return err
		}

		check := runtime.CreateTask(rt.TaskSpec{Fn: func(invc *rt.Invocation) {
			d := invc.Data(0)
			for j := range d {
				if d[j] != seed*2 {
					logger.Printf("pipeline mismatch at byte %d: %d", j, d[j])
					return
				}
			}
		}})
		if err := runtime.AttachCopies(check, []core.CopyDescriptor{{Region: reg, Mode: core.In}}); err != nil {
			return err
		}
		if err := runtime.Submit(check); err != nil {
			return err
		}
		verify = append(verify, check)
	}
	for _, t := range verify {
		runtime.Wait(t)
	}
	return nil
}

// reductionWorkload accumulates into one counter with commutative tasks.
func reductionWorkload(runtime *rt.Runtime, n int) error {
	base, err := runtime.Alloc(8)
	if err != nil {
		return err
	}
	reg := region.New(base, 8)
	var tasks []*rt.Task
	for i := 0; i < n; i++ {
		add := runtime.CreateTask(rt.TaskSpec{Fn: func(invc *rt.Invocation) {
			v := binary.LittleEndian.Uint64(invc.Data(0))
			binary.LittleEndian.PutUint64(invc.Data(0), v+1)
		}})
		if err := runtime.AttachCopies(add, []core.CopyDescriptor{{Region: reg, Mode: core.Commutative}}); err != nil {
			return err
		}
		if err := runtime.Submit(add); err != nil {
			return err
		}
		tasks = append(tasks, add)
	}
	for _, t := range tasks {
		runtime.Wait(t)
	}
	got := binary.LittleEndian.Uint64(runtime.Host().View(base, 8))
	if got != uint64(n) {
		return fmt.Errorf("reduction produced %d, want %d", got, n)
	}
	return nil
}

// stridedWorkload exercises the pack-buffer path with strided regions.
func stridedWorkload(runtime *rt.Runtime, n int) error {
	const blockLen, count, stride = 64, 8, 256
	var tasks []*rt.Task
	for i := 0; i < n; i++ {
		base, err := runtime.Alloc(stride * count)
		if err != nil {
			return err
		}
		reg := region.NewStrided(base, blockLen, count, stride)
		fill := byte(i%200 + 1)
		w := runtime.CreateTask(rt.TaskSpec{Fn: func(invc *rt.Invocation) {
			d := invc.Data(0)
			for j := range d {
				d[j] = fill
			}
		}})
		if err := runtime.AttachCopies(w, []core.CopyDescriptor{{Region: reg, Mode: core.Out}}); err != nil {
			return err
		}
		if err := runtime.Submit(w); err != nil {
			return err
		}
		tasks = append(tasks, w)
	}
	for _, t := range tasks {
		runtime.Wait(t)
	}
	return nil
}

// IsInvocationError unwraps an InvocationError if present.
func IsInvocationError(err error) (*InvocationError, bool) {
	var invErr *InvocationError
	ok := errors.As(err, &invErr)
	return invErr, ok
}
