package statemanager

import (
	"cmp"
	"fmt"
	"slices"
	"sync/atomic"

	"github.com/phuslu/log"

	"etw_decoder/internal/etw/guids"
	"etw_decoder/internal/etw/handlers"
	"etw_decoder/internal/event"
	"etw_decoder/internal/kernel/mof"
	"etw_decoder/internal/logger"
	"etw_decoder/internal/maps"
)

// ProcessDatabase tracks live processes and their threads from kernel
// Process and Thread events, and attributes hard faults and disk I/O issued
// by those threads to their process.
//
// It is a handlers.Consumer; register it with Dispatcher.AddConsumer. Its
// state may be read, for example by the metrics collector, while handlers
// update it.
type ProcessDatabase struct {
	processes maps.ConcurrentMap[uint32, *ProcessInfo] // key: PID
	threads   maps.ConcurrentMap[uint32, *threadEntry] // key: TID

	ended        atomic.Uint64
	unattributed activity

	log log.Logger
}

type threadEntry struct {
	ThreadInfo
	proc *ProcessInfo // process counted as the owner, nil when unknown at start
}

// NewProcessDatabase creates an empty database whose tables use impl. The
// empty implementation selects the configured default.
func NewProcessDatabase(impl maps.Implementation) *ProcessDatabase {
	if impl == "" {
		impl = maps.DefaultImplementation()
	}
	return &ProcessDatabase{
		processes: maps.New[uint32, *ProcessInfo](impl),
		threads:   maps.New[uint32, *threadEntry](impl),
		log:       logger.NewLoggerWithContext("process_database"),
	}
}

// EventHandlers implements handlers.Consumer.
func (db *ProcessDatabase) EventHandlers() handlers.Table {
	t := handlers.Routes(guids.ProcessKernelGUID, map[uint8]handlers.HandlerFunc{
		mof.TypeStart:   db.HandleProcessStart,
		mof.TypeDCStart: db.HandleProcessStart,
		mof.TypeDCEnd:   db.HandleProcessStart,
		mof.TypeEnd:     db.HandleProcessEnd,
	})
	t.Merge(handlers.Routes(guids.ThreadKernelGUID, map[uint8]handlers.HandlerFunc{
		mof.TypeStart:   db.HandleThreadStart,
		mof.TypeDCStart: db.HandleThreadStart,
		mof.TypeDCEnd:   db.HandleThreadStart,
		mof.TypeEnd:     db.HandleThreadEnd,
	}))
	t.Merge(handlers.Routes(guids.PageFaultKernelGUID, map[uint8]handlers.HandlerFunc{
		mof.TypeHardFault: db.HandleHardFault,
	}))
	t.Merge(handlers.Routes(guids.DiskIOKernelGUID, map[uint8]handlers.HandlerFunc{
		mof.TypeIORead:  db.HandleDiskIO,
		mof.TypeIOWrite: db.HandleDiskIO,
	}))
	return t
}

// HandleProcessStart adds a process from a Start event or a rundown.
//
// ETW Event Details:
//   - Provider Name: NT Kernel Logger (Process)
//   - Provider GUID: {3d6fa8d0-fe05-11d0-9dda-00c04fd7ba7c}
//   - Event Type(s): 1, 3, 4
//   - Event Name(s): Start, DCStart, DCEnd
//   - Event Version(s): 3, 4
//   - Schema: MOF
//
// Schema (Process_V3_TypeGroup1, V4 adds Flags):
//   - UniqueProcessKey (pointer): Address of the EPROCESS.
//   - ProcessId (uint32): Process identifier.
//   - ParentId (uint32): Parent process identifier.
//   - SessionId (uint32): Terminal session identifier.
//   - ExitStatus (int32): Exit status, meaningful only on End.
//   - DirectoryTableBase (pointer): Page directory base.
//   - UserSID (sid): Owner of the process token.
//   - ImageFileName (string): Image file name, ANSI.
//   - CommandLine (wstring): Full command line.
//
// Rundown events describe processes that were running before the session
// started. A rundown of a process that is already known changes nothing.
func (db *ProcessDatabase) HandleProcessStart(r *event.Record) error {
	pid, err := r.Uint("ProcessId")
	if err != nil {
		return err
	}
	key, _ := r.Uint("UniqueProcessKey")

	if existing, ok := db.processes.Load(uint32(pid)); ok && existing.UniqueKey == key && r.Subtype != mof.TypeStart {
		return nil
	}

	parent, _ := r.Uint("ParentId")
	session, _ := r.Uint("SessionId")
	name, _ := r.String("ImageFileName")
	cmdline, _ := r.String("CommandLine")
	var user string
	if sid, err := r.SID("UserSID"); err == nil {
		user = sid.String()
	}

	p := &ProcessInfo{
		PID:         uint32(pid),
		ParentPID:   uint32(parent),
		SessionID:   uint32(session),
		UniqueKey:   key,
		Name:        name,
		CommandLine: cmdline,
		UserSID:     user,
		StartTime:   r.Timestamp,
		Rundown:     r.Subtype != mof.TypeStart,
	}
	if old, replaced := db.swapProcess(p); replaced {
		n := db.dropThreads(old, p.PID)
		db.log.Debug().Uint32("pid", p.PID).Str("old", old.Name).Str("new", p.Name).
			Int("stale_threads", n).Msg("PID reused")
	}
	return nil
}

// swapProcess stores p, returning the process it replaced.
func (db *ProcessDatabase) swapProcess(p *ProcessInfo) (old *ProcessInfo, replaced bool) {
	db.processes.Update(p.PID, func(cur *ProcessInfo, exists bool) (*ProcessInfo, bool) {
		old, replaced = cur, exists
		return p, true
	})
	return old, replaced
}

// HandleProcessEnd removes a process and its remaining threads.
//
// ETW Event Details:
//   - Provider Name: NT Kernel Logger (Process)
//   - Provider GUID: {3d6fa8d0-fe05-11d0-9dda-00c04fd7ba7c}
//   - Event Type(s): 2
//   - Event Name(s): End
//   - Event Version(s): 3, 4
//   - Schema: MOF
func (db *ProcessDatabase) HandleProcessEnd(r *event.Record) error {
	pid, err := r.Uint("ProcessId")
	if err != nil {
		return err
	}
	db.RemoveProcess(uint32(pid))
	return nil
}

// RemoveProcess drops pid and every thread still attributed to it. It
// reports whether the process was known.
func (db *ProcessDatabase) RemoveProcess(pid uint32) bool {
	p, ok := db.processes.LoadAndDelete(pid)
	if !ok {
		return false
	}
	db.ended.Add(1)
	n := db.dropThreads(p, pid)
	db.log.Debug().Uint32("pid", pid).Str("name", p.Name).Int("threads", n).Msg("Process ended")
	return true
}

// dropThreads removes the threads owned by p, or by pid when their owner was
// unknown at start.
func (db *ProcessDatabase) dropThreads(p *ProcessInfo, pid uint32) int {
	var orphans []uint32
	db.threads.Range(func(tid uint32, t *threadEntry) bool {
		if t.proc == p || (t.proc == nil && t.PID == pid) {
			orphans = append(orphans, tid)
		}
		return true
	})
	for _, tid := range orphans {
		db.threads.Delete(tid)
	}
	return len(orphans)
}

// HandleThreadStart adds a thread from a Start event or a rundown.
//
// ETW Event Details:
//   - Provider Name: NT Kernel Logger (Thread)
//   - Provider GUID: {3d6fa8d1-fe05-11d0-9dda-00c04fd7ba7c}
//   - Event Type(s): 1, 3, 4
//   - Event Name(s): Start, DCStart, DCEnd
//   - Event Version(s): 3
//   - Schema: MOF
//
// Schema (Thread_V3_TypeGroup1):
//   - ProcessId (uint32): Owning process identifier.
//   - TThreadId (uint32): Thread identifier.
//   - StackBase .. TebBase (pointer): Stack, affinity and start address.
//   - SubProcessTag (uint32): Service tag.
//   - BasePriority .. ThreadFlags (uint8): Priorities and flags.
func (db *ProcessDatabase) HandleThreadStart(r *event.Record) error {
	pid, err := r.Uint("ProcessId")
	if err != nil {
		return err
	}
	tid, err := r.Uint("TThreadId")
	if err != nil {
		return err
	}

	entry := &threadEntry{ThreadInfo: ThreadInfo{TID: uint32(tid), PID: uint32(pid), StartTime: r.Timestamp}}
	if p, ok := db.processes.Load(uint32(pid)); ok {
		entry.proc = p
	}

	db.threads.Update(entry.TID, func(cur *threadEntry, exists bool) (*threadEntry, bool) {
		if exists {
			if cur.proc == entry.proc && cur.PID == entry.PID {
				entry = cur // rundown of a known thread
				return cur, true
			}
			if cur.proc != nil {
				cur.proc.threads.Add(-1)
			}
		}
		if entry.proc != nil {
			entry.proc.threads.Add(1)
		}
		return entry, true
	})
	return nil
}

// HandleThreadEnd removes a thread.
//
// ETW Event Details:
//   - Provider Name: NT Kernel Logger (Thread)
//   - Provider GUID: {3d6fa8d1-fe05-11d0-9dda-00c04fd7ba7c}
//   - Event Type(s): 2
//   - Event Name(s): End
//   - Event Version(s): 3
//   - Schema: MOF
func (db *ProcessDatabase) HandleThreadEnd(r *event.Record) error {
	tid, err := r.Uint("TThreadId")
	if err != nil {
		return err
	}
	if t, ok := db.threads.LoadAndDelete(uint32(tid)); ok && t.proc != nil {
		t.proc.threads.Add(-1)
	}
	return nil
}

// HandleHardFault counts a hard page fault against the faulting thread's
// process.
//
// ETW Event Details:
//   - Provider Name: NT Kernel Logger (PageFault)
//   - Provider GUID: {3d6fa8d3-fe05-11d0-9dda-00c04fd7ba7c}
//   - Event Type(s): 32
//   - Event Name(s): HardFault
//   - Event Version(s): 2
//   - Schema: MOF
//
// Schema (PageFault_HardFault):
//   - InitialTime (int64): Time the fault was raised.
//   - ReadOffset (uint64): File offset read.
//   - VirtualAddress (pointer): Faulting address.
//   - FileObject (pointer): File backing the page.
//   - TThreadId (uint32): Faulting thread.
//   - ByteCount (uint32): Bytes read.
func (db *ProcessDatabase) HandleHardFault(r *event.Record) error {
	tid, err := r.Uint("TThreadId")
	if err != nil {
		return err
	}
	db.activityFor(uint32(tid)).hardFaults.Add(1)
	return nil
}

// HandleDiskIO counts a completed disk read or write against the issuing
// thread's process.
//
// ETW Event Details:
//   - Provider Name: NT Kernel Logger (DiskIo)
//   - Provider GUID: {3d6fa8d4-fe05-11d0-9dda-00c04fd7ba7c}
//   - Event Type(s): 10, 11
//   - Event Name(s): Read, Write
//   - Event Version(s): 2
//   - Schema: MOF
//
// Schema (DiskIo_TypeGroup1):
//   - DiskNumber (uint32): Physical disk index.
//   - TransferSize (uint32): Bytes transferred.
//   - IssuingThreadId (uint32): Thread that issued the request.
func (db *ProcessDatabase) HandleDiskIO(r *event.Record) error {
	size, err := r.Uint("TransferSize")
	if err != nil {
		return err
	}
	tid, err := r.Uint("IssuingThreadId")
	if err != nil {
		return err
	}
	db.activityFor(uint32(tid)).addDiskIO(r.Subtype == mof.TypeIOWrite, size)
	return nil
}

// activityFor returns the counters of the process owning tid, or the
// unattributed counters.
func (db *ProcessDatabase) activityFor(tid uint32) *activity {
	if p, ok := db.ProcessForThread(tid); ok {
		return &p.activity
	}
	return &db.unattributed
}

// Process returns the live process with the given PID.
func (db *ProcessDatabase) Process(pid uint32) (*ProcessInfo, bool) {
	return db.processes.Load(pid)
}

// Thread returns the live thread with the given TID.
func (db *ProcessDatabase) Thread(tid uint32) (ThreadInfo, bool) {
	t, ok := db.threads.Load(tid)
	if !ok {
		return ThreadInfo{}, false
	}
	return t.ThreadInfo, true
}

// ProcessForThread returns the live process owning tid.
func (db *ProcessDatabase) ProcessForThread(tid uint32) (*ProcessInfo, bool) {
	t, ok := db.threads.Load(tid)
	if !ok {
		return nil, false
	}
	if t.proc != nil {
		return t.proc, true
	}
	return db.processes.Load(t.PID)
}

// Processes returns the live processes ordered by PID.
func (db *ProcessDatabase) Processes() []*ProcessInfo {
	out := make([]*ProcessInfo, 0, db.processes.Len())
	db.processes.Range(func(_ uint32, p *ProcessInfo) bool {
		out = append(out, p)
		return true
	})
	slices.SortFunc(out, func(a, b *ProcessInfo) int {
		return cmp.Compare(a.PID, b.PID)
	})
	return out
}

// ProcessCount returns the number of live processes.
func (db *ProcessDatabase) ProcessCount() int { return db.processes.Len() }

// ThreadCount returns the number of live threads.
func (db *ProcessDatabase) ThreadCount() int { return db.threads.Len() }

// Ended returns the number of processes removed by End events.
func (db *ProcessDatabase) Ended() uint64 { return db.ended.Load() }

// Unattributed returns the activity of threads with no known process.
func (db *ProcessDatabase) Unattributed() ActivityStats {
	return db.unattributed.Activity()
}

// String summarizes the database for logs.
func (db *ProcessDatabase) String() string {
	return fmt.Sprintf("%d processes, %d threads, %d ended", db.ProcessCount(), db.ThreadCount(), db.Ended())
}
