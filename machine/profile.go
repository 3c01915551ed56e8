package machine

import (
	"os"
	"strings"

	"nucleos/kernel/mm"
	"nucleos/multiboot"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// minMemory is the smallest machine that can hold the low reserved area,
// the kernel image and a useful amount of free frames.
const minMemory = 2 << 20

// Profile describes the emulated machine and what the loader hands to the
// kernel.
type Profile struct {
	// Memory is the RAM size, e.g. "8 MiB".
	Memory string `yaml:"memory"`

	// Regions is the memory map reported to the kernel. If empty, the
	// first MiB is reserved and the rest of RAM is available.
	Regions []Region `yaml:"regions,omitempty"`

	// Kernel describes where the loader placed the kernel image.
	Kernel KernelImage `yaml:"kernel"`

	// CmdLine is the kernel command line.
	CmdLine string `yaml:"cmdline"`

	// Quantum, if set, is appended to the command line as the scheduler
	// quantum in ticks.
	Quantum uint64 `yaml:"quantum,omitempty"`

	// StepsPerTick is the number of CPU steps between timer interrupts
	// in deterministic runs.
	StepsPerTick int `yaml:"steps_per_tick"`

	// Modules lists the demo programs loaded as boot modules. The kernel
	// starts one task per module.
	Modules []string `yaml:"modules"`
}

// Region is a memory map entry.
type Region struct {
	Start uint64 `yaml:"start"`
	Size  string `yaml:"size"`

	// Type is "available" or "reserved".
	Type string `yaml:"type"`
}

// KernelImage describes the physical placement of the kernel image.
type KernelImage struct {
	Start uint64 `yaml:"start"`
	Size  string `yaml:"size"`
}

// DefaultProfile returns the profile used when none is supplied.
func DefaultProfile() *Profile {
	return &Profile{
		Memory:       "8 MiB",
		Kernel:       KernelImage{Start: 0x100000, Size: "512 KiB"},
		CmdLine:      "log=info",
		Quantum:      2,
		StepsPerTick: 16,
		Modules:      []string{"hello", "counter", "spinner", "faulty"},
	}
}

// LoadProfile reads a YAML profile. Fields missing from the file keep their
// default values.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read profile")
	}
	return ParseProfile(data)
}

// ParseProfile decodes and validates a YAML profile.
func ParseProfile(data []byte) (*Profile, error) {
	p := DefaultProfile()
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, errors.Wrap(err, "parse profile")
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Marshal encodes the profile as YAML.
func (p *Profile) Marshal() ([]byte, error) {
	data, err := yaml.Marshal(p)
	return data, errors.Wrap(err, "marshal profile")
}

// MemorySize returns the RAM size in bytes.
func (p *Profile) MemorySize() (uint64, error) {
	size, err := humanize.ParseBytes(p.Memory)
	if err != nil {
		return 0, errors.Wrapf(err, "memory size %q", p.Memory)
	}
	return size, nil
}

// KernelBounds returns the physical start and end of the kernel image.
func (p *Profile) KernelBounds() (uint64, uint64, error) {
	size, err := humanize.ParseBytes(p.Kernel.Size)
	if err != nil {
		return 0, 0, errors.Wrapf(err, "kernel image size %q", p.Kernel.Size)
	}
	return p.Kernel.Start, p.Kernel.Start + size, nil
}

// MemoryMap returns the memory map entries reported to the kernel.
func (p *Profile) MemoryMap() ([]multiboot.MemoryMapEntry, error) {
	memSize, err := p.MemorySize()
	if err != nil {
		return nil, err
	}

	if len(p.Regions) == 0 {
		return []multiboot.MemoryMapEntry{
			{PhysAddress: 0, Length: lowMemoryEnd, Type: multiboot.MemReserved},
			{PhysAddress: lowMemoryEnd, Length: memSize - lowMemoryEnd, Type: multiboot.MemAvailable},
		}, nil
	}

	entries := make([]multiboot.MemoryMapEntry, 0, len(p.Regions))
	for i, region := range p.Regions {
		size, err := humanize.ParseBytes(region.Size)
		if err != nil {
			return nil, errors.Wrapf(err, "region %d size %q", i, region.Size)
		}

		entry := multiboot.MemoryMapEntry{PhysAddress: region.Start, Length: size}
		switch strings.ToLower(region.Type) {
		case "available":
			entry.Type = multiboot.MemAvailable
		case "reserved":
			entry.Type = multiboot.MemReserved
		default:
			return nil, errors.Errorf("region %d has unknown type %q", i, region.Type)
		}

		if region.Start%uint64(mm.PageSize) != 0 {
			return nil, errors.Errorf("region %d start 0x%x is not page aligned", i, region.Start)
		}
		if region.Start+size > memSize {
			return nil, errors.Errorf("region %d ends past the end of memory", i)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Validate checks that the profile describes a machine that can boot.
func (p *Profile) Validate() error {
	memSize, err := p.MemorySize()
	if err != nil {
		return err
	}
	if memSize < minMemory {
		return errors.Errorf("memory size %s is below the minimum of %s", humanize.IBytes(memSize), humanize.IBytes(minMemory))
	}
	if memSize > uint64(uartPhysAddr) {
		return errors.Errorf("memory size %s overlaps the device window", humanize.IBytes(memSize))
	}

	if _, err = p.MemoryMap(); err != nil {
		return err
	}

	start, end, err := p.KernelBounds()
	if err != nil {
		return err
	}
	if start < lowMemoryEnd || end <= start || end > memSize {
		return errors.Errorf("kernel image [0x%x, 0x%x) must lie in [0x%x, 0x%x)", start, end, lowMemoryEnd, memSize)
	}
	if start%uint64(mm.PageSize) != 0 {
		return errors.Errorf("kernel image start 0x%x is not page aligned", start)
	}

	if p.StepsPerTick <= 0 {
		return errors.Errorf("steps_per_tick must be positive, got %d", p.StepsPerTick)
	}

	for _, name := range p.Modules {
		if _, ok := Program(name); !ok {
			return errors.Errorf("unknown module %q; available programs: %s", name, strings.Join(ProgramNames(), ", "))
		}
	}
	return nil
}
