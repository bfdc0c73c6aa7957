// Package pvh assembles the boot information a PVH guest reads at
// entry: the hvm_start_info structure, the module list and the guest
// memory map. The layout follows the Xen PVH ABI; the guest finds the
// start info through %rbx.
package pvh

import (
	"errors"
	"fmt"

	"github.com/govmkit/archvm/layout"
	"github.com/govmkit/archvm/sgx"
)

const (
	// BootMagic marks a valid hvm_start_info ("xEn3" with the 0x80 bit
	// set on every byte).
	BootMagic   = 0x336e_c578
	BootVersion = 1

	// E820 range types used in the guest memory map.
	MemmapTypeRAM      = 1
	MemmapTypeReserved = 2
)

var (
	ErrMemmapTablePastRAMEnd = errors.New("guest memory map runs past the end of RAM")
	ErrModlistPastRAMEnd     = errors.New("boot module list runs past the end of RAM")
	ErrStartInfoPastRAMEnd   = errors.New("start info runs past the end of RAM")
	ErrRSDPPastRAMEnd        = errors.New("RSDP address past the end of RAM")
)

// StartInfo is hvm_start_info, version 1.
type StartInfo struct {
	Magic         uint32
	Version       uint32
	Flags         uint32
	NrModules     uint32
	ModlistPaddr  uint64
	CmdlinePaddr  uint64
	RSDPPaddr     uint64
	MemmapPaddr   uint64
	MemmapEntries uint32
	_             uint32
}

// MemmapTableEntry is hvm_memmap_table_entry, one guest E820 range.
type MemmapTableEntry struct {
	Addr uint64
	Size uint64
	Type uint32
	_    uint32
}

// ModlistEntry is hvm_modlist_entry, one boot module.
type ModlistEntry struct {
	Paddr        uint64
	Size         uint64
	CmdlinePaddr uint64
	_            uint64
}

// Module is a blob already loaded into guest memory, typically the
// initramfs.
type Module struct {
	Addr uint64
	Size uint64
}

// Memory is what Setup needs from the guest memory: bounds-checked
// placement and serialized writes.
type Memory interface {
	WriteObject(obj interface{}, addr uint64) error
	CheckedOffset(addr, size uint64) (uint64, error)
	LastAddr() uint64
}

// BootConfig selects the optional parts of the boot information.
type BootConfig struct {
	CmdlineAddr uint64
	RSDPAddr    uint64
	Initramfs   *Module
	SGX         *sgx.Region
}

// memmap builds the guest E820 in the fixed order the rest of the
// address map implies: low RAM up to the EBDA, high RAM split around
// the 32-bit hole, then the reserved ranges.
func memmap(lastAddr uint64, cfg BootConfig) []MemmapTableEntry {
	entries := []MemmapTableEntry{
		{Addr: 0, Size: layout.EBDAStart, Type: MemmapTypeRAM},
	}

	if lastAddr < layout.Mem32BitReservedStart-1 {
		entries = append(entries, MemmapTableEntry{
			Addr: layout.HighRAMStart,
			Size: lastAddr - layout.HighRAMStart + 1,
			Type: MemmapTypeRAM,
		})
	} else {
		entries = append(entries, MemmapTableEntry{
			Addr: layout.HighRAMStart,
			Size: layout.Mem32BitReservedStart - layout.HighRAMStart,
			Type: MemmapTypeRAM,
		})

		if lastAddr > layout.RAM64BitStart {
			entries = append(entries, MemmapTableEntry{
				Addr: layout.RAM64BitStart,
				Size: lastAddr - layout.RAM64BitStart + 1,
				Type: MemmapTypeRAM,
			})
		}
	}

	entries = append(entries, MemmapTableEntry{
		Addr: layout.PCIMMConfigStart,
		Size: layout.PCIMMConfigSize,
		Type: MemmapTypeReserved,
	})

	if cfg.SGX != nil {
		entries = append(entries, MemmapTableEntry{
			Addr: cfg.SGX.Start(),
			Size: cfg.SGX.Size(),
			Type: MemmapTypeReserved,
		})
	}

	return entries
}

// Setup writes the memory map, the module list and the start info into
// guest memory. Each table is bounds-checked in full before any of its
// entries is written, so a failure leaves no partial table behind.
func Setup(mem Memory, cfg BootConfig) error {
	// The RSDP is read through the start info, so a pointer past the end
	// of RAM would only surface as a guest fault much later.
	if cfg.RSDPAddr != 0 && cfg.RSDPAddr > mem.LastAddr() {
		return fmt.Errorf("%w: %#x", ErrRSDPPastRAMEnd, cfg.RSDPAddr)
	}

	entries := memmap(mem.LastAddr(), cfg)

	const entrySize = 24
	if _, err := mem.CheckedOffset(layout.PVHMemmapStart,
		entrySize*uint64(len(entries))); err != nil {
		return fmt.Errorf("%w: %v", ErrMemmapTablePastRAMEnd, err)
	}

	addr := uint64(layout.PVHMemmapStart)
	for _, entry := range entries {
		if err := mem.WriteObject(entry, addr); err != nil {
			return fmt.Errorf("writing memory map entry: %w", err)
		}

		addr += entrySize
	}

	info := StartInfo{
		Magic:         BootMagic,
		Version:       BootVersion,
		CmdlinePaddr:  cfg.CmdlineAddr,
		RSDPPaddr:     cfg.RSDPAddr,
		MemmapPaddr:   layout.PVHMemmapStart,
		MemmapEntries: uint32(len(entries)),
	}

	if cfg.Initramfs != nil {
		module := ModlistEntry{
			Paddr: cfg.Initramfs.Addr,
			Size:  cfg.Initramfs.Size,
		}

		if _, err := mem.CheckedOffset(layout.PVHModlistStart, 32); err != nil {
			return fmt.Errorf("%w: %v", ErrModlistPastRAMEnd, err)
		}

		if err := mem.WriteObject(module, uint64(layout.PVHModlistStart)); err != nil {
			return fmt.Errorf("writing module list: %w", err)
		}

		info.NrModules = 1
		info.ModlistPaddr = layout.PVHModlistStart
	}

	if _, err := mem.CheckedOffset(layout.PVHInfoStart, 56); err != nil {
		return fmt.Errorf("%w: %v", ErrStartInfoPastRAMEnd, err)
	}

	if err := mem.WriteObject(info, uint64(layout.PVHInfoStart)); err != nil {
		return fmt.Errorf("writing start info: %w", err)
	}

	return nil
}
