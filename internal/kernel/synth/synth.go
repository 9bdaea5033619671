// Package synth produces a plausible kernel trace through a provider: a
// rundown of the running system followed by processes that start, load
// images, do I/O and partly exit again.
package synth

import (
	"fmt"
	"sync/atomic"

	"github.com/Microsoft/go-winio/pkg/guid"
	"github.com/phuslu/log"

	"etw_decoder/internal/buffer"
	etwmain "etw_decoder/internal/etw"
	"etw_decoder/internal/etw/guids"
	"etw_decoder/internal/kernel/mof"
	"etw_decoder/internal/logger"
	"etw_decoder/internal/provider"
	"etw_decoder/internal/schema"
)

const (
	systemPID  = 4
	systemTID  = 8
	firstPID   = 1000
	userImage  = 0x00400000
	ntdllImage = 0x77000000
	k32Image   = 0x76000000
)

// categoryFlags maps each kernel category to the enable flag that produces it.
var categoryFlags = map[guid.GUID]uint64{
	guids.ProcessKernelGUID:   etwmain.EVENT_TRACE_FLAG_PROCESS,
	guids.ThreadKernelGUID:    etwmain.EVENT_TRACE_FLAG_THREAD,
	guids.ImageKernelGUID:     etwmain.EVENT_TRACE_FLAG_IMAGE_LOAD,
	guids.PageFaultKernelGUID: etwmain.EVENT_TRACE_FLAG_MEMORY_HARD_FAULTS,
	guids.DiskIOKernelGUID:    etwmain.EVENT_TRACE_FLAG_DISK_IO,
	guids.FileIoKernelGUID:    etwmain.EVENT_TRACE_FLAG_DISK_FILE_IO,
}

// categoryVersions is the version emitted for each category.
var categoryVersions = map[guid.GUID]uint8{
	guids.ProcessKernelGUID:   mof.ProcessV4.Version,
	guids.ThreadKernelGUID:    mof.Thread.Version,
	guids.ImageKernelGUID:     mof.Image.Version,
	guids.PageFaultKernelGUID: mof.PageFault.Version,
	guids.DiskIOKernelGUID:    mof.DiskIO.Version,
	guids.FileIoKernelGUID:    mof.FileIo.Version,
}

var localSystem = &buffer.SID{Revision: 1, Authority: 5, SubAuthorities: []uint32{18}}

// MaxThreads is the most threads a synthetic process runs. Thread ids are
// derived from the process id and stay unique up to this count.
const MaxThreads = 63

// Options sizes the generated workload.
type Options struct {
	Processes int // processes started after the rundown
	Threads   int // threads per process, 1 to MaxThreads
}

// Stats counts what a Generator did.
type Stats struct {
	Emitted uint64
	Skipped uint64 // not enabled on any session, or not declared
}

// Generator emits kernel events through p. Every event is gated on the
// provider's live enable state, so what reaches a session follows the flags
// it enabled.
type Generator struct {
	p        *provider.Provider
	ctx      schema.Context
	registry *schema.Registry
	declared map[guid.GUID]bool

	emitted atomic.Uint64
	skipped atomic.Uint64

	log log.Logger
}

// New creates a generator for p, which must have been registered with
// declared as its categories. ctx sets the pointer and wide character width
// of the payloads; it must match the transport's.
func New(p *provider.Provider, ctx schema.Context, declared []guid.GUID) (*Generator, error) {
	registry, err := mof.NewRegistry()
	if err != nil {
		return nil, err
	}
	g := &Generator{
		p:        p,
		ctx:      ctx,
		registry: registry,
		declared: make(map[guid.GUID]bool, len(declared)),
		log:      logger.NewLoggerWithContext("synth"),
	}
	for _, id := range declared {
		g.declared[id] = true
	}
	return g, nil
}

// Stats returns the counters so far.
func (g *Generator) Stats() Stats {
	return Stats{Emitted: g.emitted.Load(), Skipped: g.skipped.Load()}
}

func (g *Generator) emit(category guid.GUID, subtype uint8, tid uint32, values map[string]any) error {
	if !g.declared[category] || !g.p.ShouldLog(provider.LevelInfo, categoryFlags[category]) {
		g.skipped.Add(1)
		return nil
	}
	s, ok := g.registry.Lookup(category, categoryVersions[category], subtype)
	if !ok {
		return fmt.Errorf("no schema for %s subtype %d", category, subtype)
	}
	if err := g.p.LogSchema(s, g.ctx, tid, values); err != nil {
		return err
	}
	g.emitted.Add(1)
	return nil
}

// kernelBase is where the kernel image is mapped for the pointer width.
func (g *Generator) kernelBase() uint64 {
	if g.ctx.PointerSize == 4 {
		return 0x80000000
	}
	return 0xfffff80000000000
}

// Run emits the rundown and then opts.Processes process lifecycles. Every
// odd-numbered process exits again before Run returns.
func (g *Generator) Run(opts Options) error {
	opts.Threads = min(max(opts.Threads, 1), MaxThreads)
	if err := g.rundown(); err != nil {
		return fmt.Errorf("rundown: %w", err)
	}
	for i := range opts.Processes {
		pid := uint32(firstPID + 4*i)
		if err := g.process(pid, opts.Threads, i%2 == 1); err != nil {
			return fmt.Errorf("process %d: %w", pid, err)
		}
	}
	g.log.Debug().Uint64("emitted", g.emitted.Load()).Uint64("skipped", g.skipped.Load()).Msg("Synthetic trace emitted")
	return nil
}

func (g *Generator) rundown() error {
	if err := g.emit(guids.ProcessKernelGUID, mof.TypeDCStart, systemTID, processValues(systemPID, 0, "System", "")); err != nil {
		return err
	}
	if err := g.emit(guids.ThreadKernelGUID, mof.TypeDCStart, systemTID, threadValues(systemPID, systemTID, 0)); err != nil {
		return err
	}
	return g.emit(guids.ImageKernelGUID, mof.TypeDCStart, systemTID,
		imageValues(0, g.kernelBase(), 0x1000000, `\SystemRoot\system32\ntoskrnl.exe`))
}

// step is one event of a scripted process lifecycle.
type step struct {
	category guid.GUID
	subtype  uint8
	tid      uint32
	values   map[string]any
}

type image struct {
	base uint64
	size uint64
	path string
}

func (g *Generator) process(pid uint32, threads int, exits bool) error {
	name := fmt.Sprintf("worker%d.exe", pid)
	path := `C:\Program Files\Synth\` + name
	images := []image{
		{userImage, 0x20000, path},
		{ntdllImage, 0x1f0000, `C:\Windows\System32\ntdll.dll`},
		{k32Image, 0xc0000, `C:\Windows\System32\kernel32.dll`},
	}
	tids := make([]uint32, threads)
	for t := range tids {
		tids[t] = pid<<8 | uint32(4*(t+1))
	}
	mainTID := tids[0]

	steps := []step{
		{guids.ProcessKernelGUID, mof.TypeStart, mainTID, processValues(pid, systemPID, name, `"`+path+`" --serve`)},
	}
	for _, tid := range tids {
		steps = append(steps, step{guids.ThreadKernelGUID, mof.TypeStart, tid, threadValues(pid, tid, userImage+0x1000)})
	}
	for _, img := range images {
		steps = append(steps, step{guids.ImageKernelGUID, mof.TypeLoad, mainTID, imageValues(pid, img.base, img.size, img.path)})
	}
	steps = append(steps,
		step{guids.DiskIOKernelGUID, mof.TypeIORead, mainTID, diskValues(mainTID, 4096*uint32(threads), uint64(pid)<<16)},
		step{guids.DiskIOKernelGUID, mof.TypeIOWrite, mainTID, diskValues(mainTID, 512, uint64(pid)<<20)},
		step{guids.PageFaultKernelGUID, mof.TypeHardFault, mainTID, map[string]any{
			"ReadOffset":     uint64(0x2000),
			"VirtualAddress": uint64(ntdllImage + 0x2000),
			"TThreadId":      mainTID,
			"ByteCount":      uint32(4096),
		}},
		step{guids.FileIoKernelGUID, mof.TypeInfo, mainTID, map[string]any{
			"FileObject": uint64(pid) << 8,
			"FileName":   path,
		}},
	)

	if exits {
		steps = append(steps, step{guids.ImageKernelGUID, mof.TypeEnd, mainTID, imageValues(pid, k32Image, 0xc0000, images[2].path)})
		for _, tid := range tids {
			steps = append(steps, step{guids.ThreadKernelGUID, mof.TypeEnd, tid, threadValues(pid, tid, userImage+0x1000)})
		}
		steps = append(steps, step{guids.ProcessKernelGUID, mof.TypeEnd, mainTID, processValues(pid, systemPID, name, "")})
	}

	for _, st := range steps {
		if err := g.emit(st.category, st.subtype, st.tid, st.values); err != nil {
			return err
		}
	}
	return nil
}

func processValues(pid, parent uint32, name, cmdline string) map[string]any {
	return map[string]any{
		"UniqueProcessKey": uint64(pid) << 12,
		"ProcessId":        pid,
		"ParentId":         parent,
		"SessionId":        uint32(1),
		"UserSID":          localSystem,
		"ImageFileName":    name,
		"CommandLine":      cmdline,
	}
}

func threadValues(pid, tid uint32, start uint64) map[string]any {
	return map[string]any{
		"ProcessId":      pid,
		"TThreadId":      tid,
		"Win32StartAddr": start,
		"BasePriority":   uint8(8),
		"IoPriority":     uint8(2),
	}
}

func diskValues(tid, size uint32, offset uint64) map[string]any {
	return map[string]any{
		"DiskNumber":      uint32(0),
		"TransferSize":    size,
		"ByteOffset":      int64(offset),
		"IssuingThreadId": tid,
	}
}

func imageValues(pid uint32, base, size uint64, path string) map[string]any {
	return map[string]any{
		"ImageBase":   base,
		"ImageSize":   size,
		"ProcessId":   pid,
		"DefaultBase": base,
		"FileName":    path,
	}
}
