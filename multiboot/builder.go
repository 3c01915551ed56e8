package multiboot

import "encoding/binary"

// Builder assembles a boot information block. The machine loader uses it to
// describe the memory map, command line and modules to the kernel.
type Builder struct {
	tags []byte
}

// CmdLine appends a command line tag.
func (b *Builder) CmdLine(cmdLine string) *Builder {
	b.appendTag(tagBootCmdLine, append([]byte(cmdLine), 0))
	return b
}

// LoaderName appends a boot loader name tag.
func (b *Builder) LoaderName(name string) *Builder {
	b.appendTag(tagBootLoaderName, append([]byte(name), 0))
	return b
}

// BasicMemoryInfo appends the amount of lower and upper memory in Kb.
func (b *Builder) BasicMemoryInfo(lowerKb, upperKb uint32) *Builder {
	body := make([]byte, 8)
	binary.LittleEndian.PutUint32(body[0:], lowerKb)
	binary.LittleEndian.PutUint32(body[4:], upperKb)
	b.appendTag(tagBasicMemoryInfo, body)
	return b
}

// Module appends a module tag.
func (b *Builder) Module(mod Module) *Builder {
	body := make([]byte, 8, 8+len(mod.Name)+1)
	binary.LittleEndian.PutUint32(body[0:], uint32(mod.Start))
	binary.LittleEndian.PutUint32(body[4:], uint32(mod.End))
	body = append(body, mod.Name...)
	b.appendTag(tagModules, append(body, 0))
	return b
}

// MemoryMap appends a memory map tag with the supplied entries.
func (b *Builder) MemoryMap(entries ...MemoryMapEntry) *Builder {
	body := make([]byte, mmapHeaderSize+len(entries)*mmapEntrySize)
	binary.LittleEndian.PutUint32(body[0:], mmapEntrySize)
	for i, entry := range entries {
		cur := body[mmapHeaderSize+i*mmapEntrySize:]
		binary.LittleEndian.PutUint64(cur[0:], entry.PhysAddress)
		binary.LittleEndian.PutUint64(cur[8:], entry.Length)
		binary.LittleEndian.PutUint32(cur[16:], uint32(entry.Type))
	}
	b.appendTag(tagMemoryMap, body)
	return b
}

// Bytes returns the encoded block including the header and the end tag.
func (b *Builder) Bytes() []byte {
	out := make([]byte, infoHeaderSize, infoHeaderSize+len(b.tags)+tagHeaderSize)
	out = append(out, b.tags...)

	var end [tagHeaderSize]byte
	binary.LittleEndian.PutUint32(end[4:], tagHeaderSize)
	out = append(out, end[:]...)

	binary.LittleEndian.PutUint32(out[0:], uint32(len(out)))
	return out
}

func (b *Builder) appendTag(t tagType, body []byte) {
	var hdr [tagHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:], uint32(t))
	binary.LittleEndian.PutUint32(hdr[4:], uint32(tagHeaderSize+len(body)))
	b.tags = append(b.tags, hdr[:]...)
	b.tags = append(b.tags, body...)

	if pad := (8 - len(b.tags)%8) % 8; pad != 0 {
		b.tags = append(b.tags, make([]byte, pad)...)
	}
}
