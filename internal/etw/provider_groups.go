package etwmain

import (
	"fmt"
	"slices"

	"github.com/Microsoft/go-winio/pkg/guid"

	"etw_decoder/internal/config"
	"etw_decoder/internal/kernel/mof"
	"etw_decoder/internal/schema"
)

// Kernel enable flags, as passed to the kernel logger.
// https://learn.microsoft.com/en-us/windows/win32/etw/event-trace-properties
const (
	EVENT_TRACE_FLAG_PROCESS            = 0x00000001
	EVENT_TRACE_FLAG_THREAD             = 0x00000002
	EVENT_TRACE_FLAG_IMAGE_LOAD         = 0x00000004
	EVENT_TRACE_FLAG_DISK_IO            = 0x00000100
	EVENT_TRACE_FLAG_DISK_FILE_IO       = 0x00000200
	EVENT_TRACE_FLAG_MEMORY_HARD_FAULTS = 0x00002000
)

// KernelProviderGUID is the provider the kernel categories are emitted under
// when a trace is synthesized.
// [Guid("{9e814aad-3204-11d2-9a82-006008a86939}")] SystemTraceControlGuid
var KernelProviderGUID = mustGUID("9e814aad-3204-11d2-9a82-006008a86939")

// ProviderGroup defines a group of related kernel event categories that are
// decoded together and the enable flags that produce them.
type ProviderGroup struct {
	Name        string // descriptive name, as used in session.kernel_groups
	KernelFlags uint64
	Categories  []*schema.Category
	// Function to check if this provider group is enabled based on config
	IsEnabled func(config *config.SessionConfig) bool
}

func groupEnabled(name string) func(*config.SessionConfig) bool {
	return func(c *config.SessionConfig) bool {
		return slices.Contains(c.KernelGroups, name)
	}
}

// AllProviderGroups contains all available provider groups in a simple slice
var AllProviderGroups = []*ProviderGroup{
	{
		Name:        "process",
		KernelFlags: EVENT_TRACE_FLAG_PROCESS,
		Categories:  []*schema.Category{mof.ProcessV3, mof.ProcessV4},
		IsEnabled:   groupEnabled("process"),
	},
	{
		Name:        "thread",
		KernelFlags: EVENT_TRACE_FLAG_THREAD,
		Categories:  []*schema.Category{mof.Thread},
		IsEnabled:   groupEnabled("thread"),
	},
	{
		Name:        "image",
		KernelFlags: EVENT_TRACE_FLAG_IMAGE_LOAD,
		Categories:  []*schema.Category{mof.Image},
		IsEnabled:   groupEnabled("image"),
	},
	{
		Name: "memory",
		KernelFlags: EVENT_TRACE_FLAG_MEMORY_HARD_FAULTS |
			EVENT_TRACE_FLAG_THREAD, // For TID->PID mapping
		Categories: []*schema.Category{mof.PageFault},
		IsEnabled:  groupEnabled("memory"),
	},
	{
		Name:        "disk_io",
		KernelFlags: EVENT_TRACE_FLAG_DISK_IO,
		Categories:  []*schema.Category{mof.DiskIO},
		IsEnabled:   groupEnabled("disk_io"),
	},
	{
		Name:        "file_io",
		KernelFlags: EVENT_TRACE_FLAG_DISK_FILE_IO,
		Categories:  []*schema.Category{mof.FileIo},
		IsEnabled:   groupEnabled("file_io"),
	},
}

// LookupProviderGroup returns the group with the given name.
func LookupProviderGroup(name string) (*ProviderGroup, bool) {
	for _, group := range AllProviderGroups {
		if group.Name == name {
			return group, true
		}
	}
	return nil, false
}

// ValidateProviderGroups checks that every configured group exists.
func ValidateProviderGroups(config *config.SessionConfig) error {
	for _, name := range config.KernelGroups {
		if _, ok := LookupProviderGroup(name); !ok {
			return fmt.Errorf("unknown kernel group %q", name)
		}
	}
	return nil
}

// GetEnabledProviders returns all enabled provider groups
func GetEnabledProviders(config *config.SessionConfig) []*ProviderGroup {
	var enabled []*ProviderGroup

	for _, group := range AllProviderGroups {
		if group.IsEnabled(config) {
			enabled = append(enabled, group)
		}
	}

	return enabled
}

// GetEnabledKernelFlags returns combined kernel flags for all enabled groups
func GetEnabledKernelFlags(config *config.SessionConfig) uint64 {
	var flags uint64

	for _, group := range AllProviderGroups {
		if group.IsEnabled(config) {
			flags |= group.KernelFlags
		}
	}

	return flags
}

// GetEnabledCategories returns the categories of all enabled groups, without
// duplicates, always led by the session header category.
func GetEnabledCategories(config *config.SessionConfig) []*schema.Category {
	categories := []*schema.Category{mof.Header}
	for _, group := range GetEnabledProviders(config) {
		for _, c := range group.Categories {
			if !slices.Contains(categories, c) {
				categories = append(categories, c)
			}
		}
	}
	return categories
}

// NewRegistry builds the schema registry for the enabled groups.
func NewRegistry(config *config.SessionConfig) (*schema.Registry, error) {
	if err := ValidateProviderGroups(config); err != nil {
		return nil, err
	}
	registry := schema.NewRegistry()
	if err := registry.RegisterCategories(GetEnabledCategories(config)...); err != nil {
		return nil, fmt.Errorf("failed to build schema registry: %w", err)
	}
	return registry, nil
}

// GetEnabledCategoryGUIDs returns the distinct category GUIDs of the enabled
// groups, which is what a provider emitting them must declare.
func GetEnabledCategoryGUIDs(config *config.SessionConfig) []guid.GUID {
	var ids []guid.GUID
	for _, c := range GetEnabledCategories(config) {
		if !slices.Contains(ids, c.GUID) {
			ids = append(ids, c.GUID)
		}
	}
	return ids
}

func mustGUID(s string) guid.GUID {
	g, err := guid.FromString(s)
	if err != nil {
		panic(err)
	}
	return g
}
