package pvh

import "github.com/govmkit/archvm/kvm"

// Access flags of the boot GDT entries, in the packed form of bits
// 40-47 and 52-55 of a descriptor.
const (
	GdtFlagsCode = 0xc09b
	GdtFlagsData = 0xc093
	GdtFlagsTSS  = 0x008b
)

// GdtEntry packs flags, base and limit into one 8-byte descriptor.
func GdtEntry(flags uint16, base, limit uint32) uint64 {
	return (uint64(base)&0xff00_0000)<<32 |
		(uint64(flags)&0x0000_f0ff)<<40 |
		(uint64(limit)&0x000f_0000)<<32 |
		(uint64(base)&0x00ff_ffff)<<16 |
		uint64(limit)&0x0000_ffff
}

func getBase(entry uint64) uint64 {
	return (entry>>32)&0xff00_0000 | (entry >> 16 & 0x00ff_ffff)
}

func getLimit(entry uint64) uint32 {
	limit := uint32(entry>>32&0x000f_0000 | entry&0x0000_ffff)

	// A granular segment counts its limit in 4 KiB pages.
	if getG(entry) == 1 {
		limit = limit<<12 | 0xfff
	}

	return limit
}

func getG(entry uint64) uint8    { return uint8(entry >> 55 & 1) }
func getDB(entry uint64) uint8   { return uint8(entry >> 54 & 1) }
func getL(entry uint64) uint8    { return uint8(entry >> 53 & 1) }
func getAVL(entry uint64) uint8  { return uint8(entry >> 52 & 1) }
func getP(entry uint64) uint8    { return uint8(entry >> 47 & 1) }
func getDPL(entry uint64) uint8  { return uint8(entry >> 45 & 3) }
func getS(entry uint64) uint8    { return uint8(entry >> 44 & 1) }
func getType(entry uint64) uint8 { return uint8(entry >> 40 & 0xf) }

// SegmentFromGDT expands a packed descriptor into the kvm segment
// register form. A descriptor that is not present is marked unusable,
// which is what kvm expects for the zero selector.
func SegmentFromGDT(entry uint64, tableIndex uint8) kvm.Segment {
	var unusable uint8
	if getP(entry) == 0 {
		unusable = 1
	}

	return kvm.Segment{
		Base:     getBase(entry),
		Limit:    getLimit(entry),
		Selector: uint16(tableIndex) * 8,
		Typ:      getType(entry),
		Present:  getP(entry),
		DPL:      getDPL(entry),
		DB:       getDB(entry),
		S:        getS(entry),
		L:        getL(entry),
		G:        getG(entry),
		AVL:      getAVL(entry),
		Unusable: unusable,
	}
}

// CreateGDT returns the boot GDT: null, flat code, flat data and a
// minimal TSS, the segments a PVH guest expects at entry.
func CreateGDT() []uint64 {
	return []uint64{
		GdtEntry(0, 0, 0),
		GdtEntry(GdtFlagsCode, 0, 0xffff_ffff),
		GdtEntry(GdtFlagsData, 0, 0xffff_ffff),
		GdtEntry(GdtFlagsTSS, 0, 0x67),
	}
}
