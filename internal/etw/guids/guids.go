package guids

import "github.com/Microsoft/go-winio/pkg/guid"

// Pre-parsed category GUIDs, compared by value on every event.
// https://learn.microsoft.com/en-us/windows/win32/etw/nt-kernel-logger-constants
var (
	// EventTrace MOF class - session header, first event of every trace
	// [Guid("{68fdd900-4a3e-11d1-84f4-0000f80464e3}"), EventVersion(2)]
	EventTraceGUID = mustParse("{68fdd900-4a3e-11d1-84f4-0000f80464e3}")

	// Process_V3/V4 MOF class - process start/end and rundown
	// [Guid("{3d6fa8d0-fe05-11d0-9dda-00c04fd7ba7c}")]
	ProcessKernelGUID = mustParse("{3d6fa8d0-fe05-11d0-9dda-00c04fd7ba7c}")

	// Thread_V3 MOF class
	// [Guid("{3d6fa8d1-fe05-11d0-9dda-00c04fd7ba7c}")]
	ThreadKernelGUID = mustParse("{3d6fa8d1-fe05-11d0-9dda-00c04fd7ba7c}")

	// PageFault_V2 MOF class - handles page fault events
	// [Guid("{3d6fa8d3-fe05-11d0-9dda-00c04fd7ba7c}"), EventVersion(2)]
	PageFaultKernelGUID = mustParse("{3d6fa8d3-fe05-11d0-9dda-00c04fd7ba7c}")

	// DiskIO MOF class
	// [Guid("{3d6fa8d4-fe05-11d0-9dda-00c04fd7ba7c}")]
	DiskIOKernelGUID = mustParse("{3d6fa8d4-fe05-11d0-9dda-00c04fd7ba7c}")

	// FileIo_V2 MOF class - file object to name mapping
	// [Guid("{90cbdc39-4a3e-11d1-84f4-0000f80464e3}"), EventVersion(2)]
	FileIoKernelGUID = mustParse("{90cbdc39-4a3e-11d1-84f4-0000f80464e3}")

	// Image MOF class - handles image load/unload events
	// [Guid("{2cb15d1d-5fc1-11d2-abe1-00a0c911f518}"), EventVersion(2)]
	ImageKernelGUID = mustParse("{2cb15d1d-5fc1-11d2-abe1-00a0c911f518}")
)

// HeaderPointerSizeOffset is the byte offset of PointerSize inside the
// EventTrace header payload.
const HeaderPointerSizeOffset = 44

// EventTraceHeaderSubtype is the subtype of the session header record.
const EventTraceHeaderSubtype = 0

func mustParse(s string) guid.GUID {
	if len(s) > 1 && s[0] == '{' && s[len(s)-1] == '}' {
		s = s[1 : len(s)-1]
	}
	g, err := guid.FromString(s)
	if err != nil {
		panic(err)
	}
	return g
}
