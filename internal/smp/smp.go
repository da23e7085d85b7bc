// Package smp brings up one logical CPU per reported core: an idle
// process and, for each core, an idle thread installed as that CPU's
// idle and current thread. A real kernel jumps each secondary core's program
// counter into the same idle entry the bootstrap processor uses;
// hosted on top of the Go runtime, that handoff becomes starting one
// goroutine per core and waiting for all of them to finish their
// per-CPU bring-up.
package smp

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"lykcore/internal/defs"
	"lykcore/internal/proc"
	"lykcore/internal/spinlock"
	"lykcore/internal/vm"
)

// CPUInfo is the bootloader-reported description of one logical CPU
// this kernel must bring up.
type CPUInfo struct {
	ID int
}

// bringupLock serializes each goroutine's per-CPU initialization, the
// hosted equivalent of the original's secondary cores spinning on one
// lock so bring-up output stays deterministic.
var bringupLock spinlock.Spinlock_t

// Init creates the idle process, one idle thread and CPU_t per
// reported core, and runs initPerCPU for each core concurrently via an
// errgroup, returning once every core has completed bring-up (or the
// first error, canceling the rest). It returns the live CPU_t list
// indexed by CPUInfo.ID.
func Init(ctx context.Context, pt *proc.Table_t, kernelAs *vm.AddrSpace_t, infos []CPUInfo, initPerCPU func(ctx context.Context, cpu *proc.CPU_t) error) ([]*proc.CPU_t, error) {
	idleProc, err := pt.Create("System Idle Process", false, kernelAs, nil)
	if err != defs.EOK {
		return nil, fmt.Errorf("smp: create idle process: %v", err)
	}

	cpus := make([]*proc.CPU_t, len(infos))
	for _, info := range infos {
		idleThread := proc.CreateThread(idleProc, 0)
		idleThread.State = proc.StateRunning
		cpu := &proc.CPU_t{ID: info.ID, Idle: idleThread, Current: idleThread}
		idleThread.CPU = cpu
		cpus[info.ID] = cpu
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, cpu := range cpus {
		cpu := cpu
		g.Go(func() error {
			bringupLock.Lock()
			defer bringupLock.Unlock()
			return initPerCPU(gctx, cpu)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return cpus, nil
}
