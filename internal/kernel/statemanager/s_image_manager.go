package statemanager

import (
	"cmp"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/phuslu/log"

	"etw_decoder/internal/etw/guids"
	"etw_decoder/internal/etw/handlers"
	"etw_decoder/internal/event"
	"etw_decoder/internal/kernel/mof"
	"etw_decoder/internal/logger"
	"etw_decoder/internal/maps"
)

// SystemPID owns kernel mode images: drivers and the kernel itself.
const SystemPID = 0

// ModuleDatabase tracks the images loaded into each process and resolves
// addresses to modules.
//
// It extends a ProcessDatabase: registering it also registers every process
// and thread handler of the base, except Process End, which it overrides to
// drop the modules of the process as well.
type ModuleDatabase struct {
	processes *ProcessDatabase
	modules   maps.ConcurrentMap[uint32, *moduleSet] // key: PID

	internedNames map[string]string
	internMutex   sync.Mutex

	loads   atomic.Uint64
	unloads atomic.Uint64

	log log.Logger
}

// moduleSet is the images of one process, sorted by base address.
type moduleSet struct {
	mu      sync.RWMutex
	modules []*ModuleInfo
}

// NewModuleDatabase creates a module database extending processes.
func NewModuleDatabase(processes *ProcessDatabase, impl maps.Implementation) *ModuleDatabase {
	if impl == "" {
		impl = maps.DefaultImplementation()
	}
	return &ModuleDatabase{
		processes:     processes,
		modules:       maps.New[uint32, *moduleSet](impl),
		internedNames: make(map[string]string),
		log:           logger.NewLoggerWithContext("module_database"),
	}
}

// Processes returns the process database this one extends.
func (m *ModuleDatabase) Processes() *ProcessDatabase { return m.processes }

// Bases implements handlers.DerivedConsumer.
func (m *ModuleDatabase) Bases() []handlers.Consumer {
	return []handlers.Consumer{m.processes}
}

// EventHandlers implements handlers.Consumer.
func (m *ModuleDatabase) EventHandlers() handlers.Table {
	t := handlers.Routes(guids.ImageKernelGUID, map[uint8]handlers.HandlerFunc{
		mof.TypeLoad:    m.HandleImageLoad,
		mof.TypeDCStart: m.HandleImageLoad,
		mof.TypeDCEnd:   m.HandleImageLoad,
		mof.TypeEnd:     m.HandleImageUnload,
	})
	t.Merge(handlers.Routes(guids.ProcessKernelGUID, map[uint8]handlers.HandlerFunc{
		mof.TypeEnd: m.HandleProcessEnd,
	}))
	return t
}

// internImageName returns a canonical, shared string for the given image name.
func (m *ModuleDatabase) internImageName(name string) string {
	m.internMutex.Lock()
	defer m.internMutex.Unlock()
	if interned, exists := m.internedNames[name]; exists {
		return interned
	}
	m.internedNames[name] = name
	return name
}

// baseName returns the file name of a Windows or device path.
func baseName(path string) string {
	if i := strings.LastIndexAny(path, `\/`); i >= 0 {
		return path[i+1:]
	}
	return path
}

// HandleImageLoad records an image mapped into a process.
//
// ETW Event Details:
//   - Provider Name: NT Kernel Logger (Image)
//   - Provider GUID: {2cb15d1d-5fc1-11d2-abe1-00a0c911f518}
//   - Event Type(s): 10, 3, 4
//   - Event Name(s): Load, DCStart, DCEnd
//   - Event Version(s): 2
//   - Schema: MOF
//
// Schema (Image_Load):
//   - ImageBase (pointer): Base address of the loaded image.
//   - ImageSize (pointer): Size of the loaded image in bytes.
//   - ProcessId (uint32): ID of the process loading the image.
//   - ImageChecksum (uint32): The checksum of the image.
//   - TimeDateStamp (uint32): Linker build time.
//   - DefaultBase (pointer): The preferred base address of the image.
//   - FileName (wstring): Full path to the image file.
//
// Rundowns of an image that is already recorded at the same base are
// ignored.
func (m *ModuleDatabase) HandleImageLoad(r *event.Record) error {
	base, err := r.Uint("ImageBase")
	if err != nil {
		return err
	}
	size, err := r.Uint("ImageSize")
	if err != nil {
		return err
	}
	pid, err := r.Uint("ProcessId")
	if err != nil {
		return err
	}
	path, _ := r.String("FileName")
	stamp, _ := r.Uint("TimeDateStamp")

	mod := &ModuleInfo{
		PID:           uint32(pid),
		Base:          base,
		Size:          size,
		Path:          path,
		Name:          m.internImageName(strings.ToLower(baseName(path))),
		TimeDateStamp: uint32(stamp),
		LoadTime:      r.Timestamp,
	}

	set, _ := m.modules.LoadOrStore(mod.PID, func() *moduleSet { return &moduleSet{} })
	if set.add(mod) {
		m.loads.Add(1)
	}
	return nil
}

// HandleImageUnload removes an image from a process.
//
// ETW Event Details:
//   - Provider Name: NT Kernel Logger (Image)
//   - Provider GUID: {2cb15d1d-5fc1-11d2-abe1-00a0c911f518}
//   - Event Type(s): 2
//   - Event Name(s): Unload
//   - Event Version(s): 2
//   - Schema: MOF
func (m *ModuleDatabase) HandleImageUnload(r *event.Record) error {
	base, err := r.Uint("ImageBase")
	if err != nil {
		return err
	}
	pid, err := r.Uint("ProcessId")
	if err != nil {
		return err
	}
	if set, ok := m.modules.Load(uint32(pid)); ok && set.remove(base) {
		m.unloads.Add(1)
	}
	return nil
}

// HandleProcessEnd overrides the ProcessDatabase handler: it removes the
// process and then every module still mapped into it.
func (m *ModuleDatabase) HandleProcessEnd(r *event.Record) error {
	if err := m.processes.HandleProcessEnd(r); err != nil {
		return err
	}
	pid, _ := r.Uint("ProcessId")
	if set, ok := m.modules.LoadAndDelete(uint32(pid)); ok {
		m.log.Debug().Uint32("pid", uint32(pid)).Int("modules", set.len()).Msg("Dropped modules of ended process")
	}
	return nil
}

// Modules returns the modules of pid ordered by base address.
func (m *ModuleDatabase) Modules(pid uint32) []ModuleInfo {
	set, ok := m.modules.Load(pid)
	if !ok {
		return nil
	}
	set.mu.RLock()
	defer set.mu.RUnlock()
	out := make([]ModuleInfo, len(set.modules))
	for i, mod := range set.modules {
		out[i] = *mod
	}
	return out
}

// ModuleAt returns the module of pid containing addr. Addresses outside the
// user images of pid are looked up among the kernel images.
func (m *ModuleDatabase) ModuleAt(pid uint32, addr uint64) (ModuleInfo, bool) {
	if set, ok := m.modules.Load(pid); ok {
		if mod, ok := set.find(addr); ok {
			return mod, true
		}
	}
	if pid != SystemPID {
		if set, ok := m.modules.Load(SystemPID); ok {
			return set.find(addr)
		}
	}
	return ModuleInfo{}, false
}

// ModuleCount returns the number of loaded images across all processes.
func (m *ModuleDatabase) ModuleCount() int {
	n := 0
	m.modules.Range(func(_ uint32, set *moduleSet) bool {
		n += set.len()
		return true
	})
	return n
}

// Loads returns the number of images recorded.
func (m *ModuleDatabase) Loads() uint64 { return m.loads.Load() }

// Unloads returns the number of images removed by Unload events.
func (m *ModuleDatabase) Unloads() uint64 { return m.unloads.Load() }

// add inserts mod, replacing an image at the same base. It reports false for
// a duplicate rundown of an image already present.
func (s *moduleSet) add(mod *ModuleInfo) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, found := slices.BinarySearchFunc(s.modules, mod.Base, func(e *ModuleInfo, base uint64) int {
		return cmp.Compare(e.Base, base)
	})
	if found {
		cur := s.modules[i]
		if cur.Size == mod.Size && cur.Path == mod.Path {
			return false
		}
		s.modules[i] = mod
		return true
	}
	s.modules = slices.Insert(s.modules, i, mod)
	return true
}

func (s *moduleSet) remove(base uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, found := slices.BinarySearchFunc(s.modules, base, func(e *ModuleInfo, base uint64) int {
		return cmp.Compare(e.Base, base)
	})
	if !found {
		return false
	}
	s.modules = slices.Delete(s.modules, i, i+1)
	return true
}

// find returns the module whose image contains addr.
func (s *moduleSet) find(addr uint64) (ModuleInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	// Index of the first module based above addr; the candidate precedes it.
	i, _ := slices.BinarySearchFunc(s.modules, addr+1, func(e *ModuleInfo, target uint64) int {
		return cmp.Compare(e.Base, target)
	})
	if i == 0 {
		return ModuleInfo{}, false
	}
	if mod := s.modules[i-1]; mod.Contains(addr) {
		return *mod, true
	}
	return ModuleInfo{}, false
}

func (s *moduleSet) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.modules)
}
