// Package statemanager keeps the live process, thread and module state of a
// traced system, rebuilt from kernel Process, Thread and Image events.
package statemanager

import (
	"sync/atomic"
	"time"
)

// ProcessInfo is one live process. The identity fields are set once when the
// process is first seen; the activity counters are updated concurrently.
type ProcessInfo struct {
	PID         uint32
	ParentPID   uint32
	SessionID   uint32
	UniqueKey   uint64 // kernel EPROCESS key, distinguishes reused PIDs
	Name        string // image file name, e.g. "svchost.exe"
	CommandLine string
	UserSID     string
	StartTime   time.Time
	Rundown     bool // first seen through a DCStart rundown, not a Start

	threads atomic.Int32
	activity
}

// Threads returns the number of live threads of the process.
func (p *ProcessInfo) Threads() int {
	return int(p.threads.Load())
}

// ThreadInfo is one live thread.
type ThreadInfo struct {
	TID       uint32
	PID       uint32
	StartTime time.Time
}

// ActivityStats is a snapshot of the activity counters of a process.
type ActivityStats struct {
	HardFaults     uint64
	DiskReads      uint64
	DiskWrites     uint64
	DiskReadBytes  uint64
	DiskWriteBytes uint64
}

type activity struct {
	hardFaults     atomic.Uint64
	diskReads      atomic.Uint64
	diskWrites     atomic.Uint64
	diskReadBytes  atomic.Uint64
	diskWriteBytes atomic.Uint64
}

// Activity returns a snapshot of the activity counters.
func (a *activity) Activity() ActivityStats {
	return ActivityStats{
		HardFaults:     a.hardFaults.Load(),
		DiskReads:      a.diskReads.Load(),
		DiskWrites:     a.diskWrites.Load(),
		DiskReadBytes:  a.diskReadBytes.Load(),
		DiskWriteBytes: a.diskWriteBytes.Load(),
	}
}

func (a *activity) addDiskIO(write bool, bytes uint64) {
	if write {
		a.diskWrites.Add(1)
		a.diskWriteBytes.Add(bytes)
		return
	}
	a.diskReads.Add(1)
	a.diskReadBytes.Add(bytes)
}

// ModuleInfo is one image mapped into a process.
type ModuleInfo struct {
	PID           uint32
	Base          uint64
	Size          uint64
	Path          string
	Name          string // interned base name of Path
	TimeDateStamp uint32
	LoadTime      time.Time
}

// Contains reports whether addr falls inside the module image.
func (m *ModuleInfo) Contains(addr uint64) bool {
	return addr >= m.Base && addr-m.Base < m.Size
}
