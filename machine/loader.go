package machine

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/govmkit/archvm/layout"
	"github.com/govmkit/archvm/memory"
	"github.com/govmkit/archvm/pvh"
)

// xenELFNotePhys32Entry is the ELF note kernels use to publish their
// 32-bit PVH entry point.
const xenELFNotePhys32Entry = 18

var (
	ErrNoPVHEntryPoint = errors.New("kernel image carries no PVH entry note")
	ErrCmdlineTooLong  = errors.New("kernel command line exceeds its reserved area")
	ErrInitramfsTooBig = errors.New("initramfs does not fit below the 32-bit hole")
)

// LoadKernel loads a PVH-capable vmlinux, the optional initramfs and
// the command line, then writes the boot information tables. The vCPUs
// must be (re)finalized afterwards so their registers point at the
// entry.
func (m *Machine) LoadKernel(kernelPath, initramfsPath, cmdline string) error {
	kernel, err := os.Open(kernelPath)
	if err != nil {
		return err
	}
	defer kernel.Close()

	entry, err := loadPVHKernel(m.mem, kernel)
	if err != nil {
		return fmt.Errorf("loading %s: %w", kernelPath, err)
	}

	m.entry = entry

	if err := m.writeCmdline(cmdline); err != nil {
		return err
	}

	if initramfsPath != "" {
		if err := m.loadInitramfs(initramfsPath); err != nil {
			return fmt.Errorf("loading %s: %w", initramfsPath, err)
		}
	}

	return pvh.Setup(m.mem, pvh.BootConfig{
		CmdlineAddr: m.cmdline,
		RSDPAddr:    layout.RSDPPointer,
		Initramfs:   m.initramfs,
		SGX:         m.sgxRegion,
	})
}

// Entry returns the guest entry point, 0 before a kernel is loaded.
func (m *Machine) Entry() uint64 { return m.entry }

func (m *Machine) writeCmdline(cmdline string) error {
	if len(cmdline)+1 > layout.CmdlineMaxSize {
		return ErrCmdlineTooLong
	}

	if err := m.mem.WriteAt(append([]byte(cmdline), 0), layout.CmdlineStart); err != nil {
		return err
	}

	m.cmdline = layout.CmdlineStart

	return nil
}

// loadInitramfs places the initramfs as high as possible in low RAM,
// page aligned, where the kernel expects boot modules.
func (m *Machine) loadInitramfs(path string) error {
	blob, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	addr, err := initramfsLoadAddr(m.mem, uint64(len(blob)))
	if err != nil {
		return err
	}

	if err := m.mem.WriteAt(blob, addr); err != nil {
		return err
	}

	m.initramfs = &pvh.Module{Addr: addr, Size: uint64(len(blob))}

	return nil
}

func initramfsLoadAddr(mem *memory.GuestMemory, size uint64) (uint64, error) {
	lowmemEnd := mem.LastAddr() + 1
	if lowmemEnd > layout.Mem32BitReservedStart {
		lowmemEnd = layout.Mem32BitReservedStart
	}

	if size > lowmemEnd {
		return 0, ErrInitramfsTooBig
	}

	addr := (lowmemEnd - size) &^ 0xfff
	if addr < layout.HighRAMStart {
		return 0, ErrInitramfsTooBig
	}

	return addr, nil
}

// loadPVHKernel copies the loadable segments of a vmlinux into guest
// memory and returns the PVH entry point from the Xen ELF note.
func loadPVHKernel(mem *memory.GuestMemory, r io.ReaderAt) (uint64, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var entry uint64

	for _, p := range f.Progs {
		switch p.Type {
		case elf.PT_LOAD:
			if p.Filesz == 0 {
				continue
			}

			data := make([]byte, p.Filesz)
			if _, err := io.ReadFull(p.Open(), data); err != nil {
				return 0, fmt.Errorf("reading segment at %#x: %w", p.Paddr, err)
			}

			if err := mem.WriteAt(data, p.Paddr); err != nil {
				return 0, fmt.Errorf("loading segment at %#x: %w", p.Paddr, err)
			}
		case elf.PT_NOTE:
			data := make([]byte, p.Filesz)
			if _, err := io.ReadFull(p.Open(), data); err != nil {
				return 0, fmt.Errorf("reading notes: %w", err)
			}

			if addr, ok := findPhys32Entry(data); ok {
				entry = addr
			}
		}
	}

	if entry == 0 {
		return 0, ErrNoPVHEntryPoint
	}

	return entry, nil
}

// findPhys32Entry walks an ELF note segment looking for the Xen
// XEN_ELFNOTE_PHYS32_ENTRY descriptor.
func findPhys32Entry(data []byte) (uint64, bool) {
	align4 := func(n uint32) uint32 { return (n + 3) &^ 3 }

	for len(data) >= 12 {
		namesz := binary.LittleEndian.Uint32(data[0:])
		descsz := binary.LittleEndian.Uint32(data[4:])
		noteType := binary.LittleEndian.Uint32(data[8:])

		nameOff := uint32(12)
		descOff := nameOff + align4(namesz)
		end := descOff + align4(descsz)

		if uint64(end) > uint64(len(data)) {
			return 0, false
		}

		name := data[nameOff : nameOff+namesz]
		if noteType == xenELFNotePhys32Entry && bytes.Equal(name, []byte("Xen\x00")) {
			switch descsz {
			case 4:
				return uint64(binary.LittleEndian.Uint32(data[descOff:])), true
			case 8:
				return binary.LittleEndian.Uint64(data[descOff:]), true
			}
		}

		data = data[end:]
	}

	return 0, false
}
