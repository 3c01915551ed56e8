// Package multiboot reads and writes the boot information block that the
// loader hands to the kernel. The block follows the multiboot2 tag layout:
// an 8-byte header followed by 8-byte aligned tags, terminated by an end tag.
package multiboot

import (
	"encoding/binary"
	"strings"

	"nucleos/kernel"
)

// Magic is the value the loader stores in RAX before jumping to the kernel.
const Magic = 0x36d76289

type tagType uint32

// nolint
const (
	tagMbSectionEnd tagType = iota
	tagBootCmdLine
	tagBootLoaderName
	tagModules
	tagBasicMemoryInfo
	tagBiosBootDevice
	tagMemoryMap
)

const (
	infoHeaderSize = 8
	tagHeaderSize  = 8
	mmapHeaderSize = 8
	mmapEntrySize  = 24

	// maxInfoSize caps the amount of data Parse is willing to read.
	maxInfoSize = 64 * 1024
)

var (
	errTruncated   = &kernel.Error{Module: "multiboot", Message: "boot info is truncated"}
	errBadSize     = &kernel.Error{Module: "multiboot", Message: "boot info has an invalid size"}
	errNoMemoryMap = &kernel.Error{Module: "multiboot", Message: "boot info does not contain a memory map"}
)

// PhysReader reads physical memory.
type PhysReader interface {
	ReadPhys(addr uintptr, p []byte) *kernel.Error
}

// MemoryEntryType defines the type of a MemoryMapEntry.
type MemoryEntryType uint32

const (
	// MemAvailable indicates that the memory region is available for use.
	MemAvailable MemoryEntryType = iota + 1

	// MemReserved indicates that the memory region is not available for use.
	MemReserved

	// MemAcpiReclaimable indicates a memory region that holds ACPI info that
	// can be reused by the OS.
	MemAcpiReclaimable

	// MemNvs indicates memory that must be preserved when hibernating.
	MemNvs

	// Any value >= memUnknown will be mapped to MemReserved.
	memUnknown
)

// String implements fmt.Stringer for MemoryEntryType.
func (t MemoryEntryType) String() string {
	switch t {
	case MemAvailable:
		return "available"
	case MemReserved:
		return "reserved"
	case MemAcpiReclaimable:
		return "ACPI (reclaimable)"
	case MemNvs:
		return "NVS"
	default:
		return "unknown"
	}
}

// MemoryMapEntry describes a memory region entry, namely its physical address,
// its length and its type.
type MemoryMapEntry struct {
	// The physical address for this memory region.
	PhysAddress uint64

	// The length of the memory region.
	Length uint64

	// The type of this entry.
	Type MemoryEntryType
}

// Module describes a boot module loaded into physical memory by the loader.
type Module struct {
	// Start and End delimit the module contents: [Start, End).
	Start, End uint64

	// Name is the module command line. The kernel uses it as the task name.
	Name string
}

// Size returns the module length in bytes.
func (m Module) Size() uint64 {
	return m.End - m.Start
}

// MemRegionVisitor defines a visitor function that gets invoked by
// VisitMemRegions for each memory region provided by the boot loader. The
// visitor must return true to continue or false to abort the scan.
type MemRegionVisitor func(entry *MemoryMapEntry) bool

// Info holds the decoded boot information.
type Info struct {
	CmdLine    string
	LoaderName string

	// MemLowerKb and MemUpperKb come from the basic memory info tag.
	MemLowerKb, MemUpperKb uint32

	Modules    []Module
	MemRegions []MemoryMapEntry
}

// VisitMemRegions will invoke the supplied visitor for each memory region
// reported by the loader.
func (info *Info) VisitMemRegions(visitor MemRegionVisitor) {
	for i := range info.MemRegions {
		if !visitor(&info.MemRegions[i]) {
			return
		}
	}
}

// CmdLineKV returns the command line as key-value pairs. Words without an
// equals sign map to themselves.
func (info *Info) CmdLineKV() map[string]string {
	kv := make(map[string]string)
	for _, pair := range strings.Fields(info.CmdLine) {
		k, v, found := strings.Cut(pair, "=")
		if !found {
			v = k
		}
		kv[k] = v
	}
	return kv
}

// Parse decodes the boot information block located at physical address addr.
func Parse(r PhysReader, addr uintptr) (*Info, *kernel.Error) {
	var hdr [infoHeaderSize]byte
	if err := r.ReadPhys(addr, hdr[:]); err != nil {
		return nil, err
	}

	totalSize := binary.LittleEndian.Uint32(hdr[0:])
	if totalSize < infoHeaderSize+tagHeaderSize || totalSize > maxInfoSize {
		return nil, errBadSize
	}

	data := make([]byte, totalSize)
	if err := r.ReadPhys(addr, data); err != nil {
		return nil, err
	}

	var (
		info      Info
		sawMemMap bool
	)

	for offset := uint32(infoHeaderSize); ; {
		if offset+tagHeaderSize > totalSize {
			return nil, errTruncated
		}

		tag := tagType(binary.LittleEndian.Uint32(data[offset:]))
		size := binary.LittleEndian.Uint32(data[offset+4:])
		if size < tagHeaderSize || offset+size > totalSize {
			return nil, errTruncated
		}

		body := data[offset+tagHeaderSize : offset+size]
		switch tag {
		case tagMbSectionEnd:
			if !sawMemMap {
				return nil, errNoMemoryMap
			}
			return &info, nil
		case tagBootCmdLine:
			info.CmdLine = cString(body)
		case tagBootLoaderName:
			info.LoaderName = cString(body)
		case tagModules:
			if len(body) < 8 {
				return nil, errTruncated
			}
			info.Modules = append(info.Modules, Module{
				Start: uint64(binary.LittleEndian.Uint32(body[0:])),
				End:   uint64(binary.LittleEndian.Uint32(body[4:])),
				Name:  cString(body[8:]),
			})
		case tagBasicMemoryInfo:
			if len(body) < 8 {
				return nil, errTruncated
			}
			info.MemLowerKb = binary.LittleEndian.Uint32(body[0:])
			info.MemUpperKb = binary.LittleEndian.Uint32(body[4:])
		case tagMemoryMap:
			if err := parseMemoryMap(&info, body); err != nil {
				return nil, err
			}
			sawMemMap = true
		}

		// Tags are aligned at 8-byte aligned addresses
		offset += (size + 7) &^ 7
	}
}

func parseMemoryMap(info *Info, body []byte) *kernel.Error {
	if len(body) < mmapHeaderSize {
		return errTruncated
	}

	entrySize := binary.LittleEndian.Uint32(body[0:])
	if entrySize < 20 {
		return errBadSize
	}

	for cur := body[mmapHeaderSize:]; len(cur) >= int(entrySize); cur = cur[entrySize:] {
		entry := MemoryMapEntry{
			PhysAddress: binary.LittleEndian.Uint64(cur[0:]),
			Length:      binary.LittleEndian.Uint64(cur[8:]),
			Type:        MemoryEntryType(binary.LittleEndian.Uint32(cur[16:])),
		}

		// Mark unknown entry types as reserved
		if entry.Type == 0 || entry.Type >= memUnknown {
			entry.Type = MemReserved
		}
		info.MemRegions = append(info.MemRegions, entry)
	}
	return nil
}

// cString returns the contents of a NUL-terminated string.
func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
