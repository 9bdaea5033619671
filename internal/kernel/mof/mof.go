// Package mof declares the classic kernel MOF event classes the decoder
// understands. Layouts follow the published MOF class definitions; only the
// versions produced by current kernels are declared.
package mof

import (
	"etw_decoder/internal/etw/guids"
	s "etw_decoder/internal/schema"
)

// Event type (subtype) values shared by the kernel classes.
const (
	TypeInfo        = 0
	TypeStart       = 1
	TypeEnd         = 2
	TypeDCStart     = 3
	TypeDCEnd       = 4
	TypeLoad        = 10
	TypeIORead      = 10
	TypeIOWrite     = 11
	TypeHardFault   = 32
	TypeFileCreate  = 32
	TypeFileDelete  = 35
	TypeFileRundown = 36
	TypeDefunct     = 39
)

// Header is the EventTrace class; subtype 0 is the TRACE_LOGFILE_HEADER that
// opens every session and carries the producer's pointer width.
var Header = &s.Category{
	Name:    "EventTrace",
	GUID:    guids.EventTraceGUID,
	Version: 2,
	Classes: []s.Class{{
		Name:     "EventTrace_Header",
		Subtypes: map[uint8]string{TypeInfo: "Header"},
		Fields: []s.Field{
			s.F("BufferSize", s.UInt32),
			s.F("Version", s.UInt32),
			s.F("ProviderVersion", s.UInt32),
			s.F("NumberOfProcessors", s.UInt32),
			s.F("EndTime", s.Int64),
			s.F("TimerResolution", s.UInt32),
			s.F("MaximumFileSize", s.UInt32),
			s.F("LogFileMode", s.UInt32),
			s.F("BuffersWritten", s.UInt32),
			s.F("StartBuffers", s.UInt32),
			s.F("PointerSize", s.UInt32), // offset 44
			s.F("EventsLost", s.UInt32),
			s.F("CPUSpeed", s.UInt32),
			s.F("LoggerName", s.Pointer),
			s.F("LogFileName", s.Pointer),
			s.F("TimeZoneInformation", s.Blob(176)),
			s.F("BootTime", s.Int64),
			s.F("PerfFreq", s.Int64),
			s.F("StartTime", s.Int64),
			s.F("ReservedFlags", s.UInt32),
			s.F("BuffersLost", s.UInt32),
			s.F("SessionNameString", s.WString),
			s.F("LogFileNameString", s.WString),
		},
	}},
}

var processSubtypes = map[uint8]string{
	TypeStart:   "Start",
	TypeEnd:     "End",
	TypeDCStart: "DCStart",
	TypeDCEnd:   "DCEnd",
	TypeDefunct: "Defunct",
}

// ProcessV3 is Process_V3_TypeGroup1.
var ProcessV3 = &s.Category{
	Name:    "Process",
	GUID:    guids.ProcessKernelGUID,
	Version: 3,
	Classes: []s.Class{{
		Name:     "Process_V3_TypeGroup1",
		Subtypes: processSubtypes,
		Fields: []s.Field{
			s.F("UniqueProcessKey", s.Pointer),
			s.F("ProcessId", s.UInt32),
			s.F("ParentId", s.UInt32),
			s.F("SessionId", s.UInt32),
			s.F("ExitStatus", s.Int32),
			s.F("DirectoryTableBase", s.Pointer),
			s.F("UserSID", s.Sid),
			s.F("ImageFileName", s.String),
			s.F("CommandLine", s.WString),
		},
	}},
}

// ProcessV4 is Process_V4_TypeGroup1, which adds Flags.
var ProcessV4 = &s.Category{
	Name:    "Process",
	GUID:    guids.ProcessKernelGUID,
	Version: 4,
	Classes: []s.Class{{
		Name:     "Process_V4_TypeGroup1",
		Subtypes: processSubtypes,
		Fields: []s.Field{
			s.F("UniqueProcessKey", s.Pointer),
			s.F("ProcessId", s.UInt32),
			s.F("ParentId", s.UInt32),
			s.F("SessionId", s.UInt32),
			s.F("ExitStatus", s.Int32),
			s.F("DirectoryTableBase", s.Pointer),
			s.F("Flags", s.UInt32),
			s.F("UserSID", s.Sid),
			s.F("ImageFileName", s.String),
			s.F("CommandLine", s.WString),
		},
	}},
}

// Thread is Thread_V3_TypeGroup1.
var Thread = &s.Category{
	Name:    "Thread",
	GUID:    guids.ThreadKernelGUID,
	Version: 3,
	Classes: []s.Class{{
		Name: "Thread_V3_TypeGroup1",
		Subtypes: map[uint8]string{
			TypeStart:   "Start",
			TypeEnd:     "End",
			TypeDCStart: "DCStart",
			TypeDCEnd:   "DCEnd",
		},
		Fields: []s.Field{
			s.F("ProcessId", s.UInt32),
			s.F("TThreadId", s.UInt32),
			s.F("StackBase", s.Pointer),
			s.F("StackLimit", s.Pointer),
			s.F("UserStackBase", s.Pointer),
			s.F("UserStackLimit", s.Pointer),
			s.F("Affinity", s.Pointer),
			s.F("Win32StartAddr", s.Pointer),
			s.F("TebBase", s.Pointer),
			s.F("SubProcessTag", s.UInt32),
			s.F("BasePriority", s.UInt8),
			s.F("PagePriority", s.UInt8),
			s.F("IoPriority", s.UInt8),
			s.F("ThreadFlags", s.UInt8),
		},
	}},
}

// Image is Image_Load (V2).
var Image = &s.Category{
	Name:    "Image",
	GUID:    guids.ImageKernelGUID,
	Version: 2,
	Classes: []s.Class{{
		Name: "Image_Load",
		Subtypes: map[uint8]string{
			TypeLoad:    "Load",
			TypeEnd:     "Unload",
			TypeDCStart: "DCStart",
			TypeDCEnd:   "DCEnd",
		},
		Fields: []s.Field{
			s.F("ImageBase", s.Pointer),
			s.F("ImageSize", s.Pointer),
			s.F("ProcessId", s.UInt32),
			s.F("ImageChecksum", s.UInt32),
			s.F("TimeDateStamp", s.UInt32),
			s.F("Reserved0", s.UInt32),
			s.F("DefaultBase", s.Pointer),
			s.F("Reserved1", s.UInt32),
			s.F("Reserved2", s.UInt32),
			s.F("Reserved3", s.UInt32),
			s.F("Reserved4", s.UInt32),
			s.F("FileName", s.WString),
		},
	}},
}

// PageFault is PageFault_HardFault (V2).
var PageFault = &s.Category{
	Name:    "PageFault",
	GUID:    guids.PageFaultKernelGUID,
	Version: 2,
	Classes: []s.Class{{
		Name:     "PageFault_HardFault",
		Subtypes: map[uint8]string{TypeHardFault: "HardFault"},
		Fields: []s.Field{
			s.F("InitialTime", s.Int64),
			s.F("ReadOffset", s.UInt64),
			s.F("VirtualAddress", s.Pointer),
			s.F("FileObject", s.Pointer),
			s.F("TThreadId", s.UInt32),
			s.F("ByteCount", s.UInt32),
		},
	}},
}

// DiskIO is DiskIo_TypeGroup1 (V2).
var DiskIO = &s.Category{
	Name:    "DiskIo",
	GUID:    guids.DiskIOKernelGUID,
	Version: 2,
	Classes: []s.Class{{
		Name:     "DiskIo_TypeGroup1",
		Subtypes: map[uint8]string{TypeIORead: "Read", TypeIOWrite: "Write"},
		Fields: []s.Field{
			s.F("DiskNumber", s.UInt32),
			s.F("IrpFlags", s.UInt32),
			s.F("TransferSize", s.UInt32),
			s.F("Reserved", s.UInt32),
			s.F("ByteOffset", s.Int64),
			s.F("FileObject", s.Pointer),
			s.F("Irp", s.Pointer),
			s.F("HighResResponseTime", s.UInt64),
			s.F("IssuingThreadId", s.UInt32),
		},
	}},
}

// FileIo is FileIo_Name (V2).
var FileIo = &s.Category{
	Name:    "FileIo",
	GUID:    guids.FileIoKernelGUID,
	Version: 2,
	Classes: []s.Class{{
		Name: "FileIo_Name",
		Subtypes: map[uint8]string{
			TypeInfo:        "Name",
			TypeFileCreate:  "FileCreate",
			TypeFileDelete:  "FileDelete",
			TypeFileRundown: "FileRundown",
		},
		Fields: []s.Field{
			s.F("FileObject", s.Pointer),
			s.F("FileName", s.WString),
		},
	}},
}

// Categories returns every declared kernel category.
func Categories() []*s.Category {
	return []*s.Category{Header, ProcessV3, ProcessV4, Thread, Image, PageFault, DiskIO, FileIo}
}

// NewRegistry returns a registry holding every kernel category.
func NewRegistry() (*s.Registry, error) {
	r := s.NewRegistry()
	if err := r.RegisterCategories(Categories()...); err != nil {
		return nil, err
	}
	return r, nil
}
