// Package layout fixes the guest physical address map. Every component
// that writes into guest memory or programs the vCPU entry state takes
// its addresses from here, so the map stays consistent across the boot
// descriptor writers, the loaders and the register setup.
package layout

const (
	// EBDAPointer is the real-mode word holding the EBDA segment.
	EBDAPointer = 0x40e

	// BootGDTStart and BootIDTStart hold the temporary descriptor tables
	// the guest runs on until its kernel installs its own.
	BootGDTStart = 0x500
	BootIDTStart = 0x520

	// PVHInfoStart is where the hvm_start_info structure is written; the
	// guest finds it through %rbx at entry.
	PVHInfoStart = 0x6000

	// PVHModlistStart holds the boot module list referenced from the
	// start info.
	PVHModlistStart = 0x6040

	// PVHMemmapStart holds the guest memory map referenced from the
	// start info.
	PVHMemmapStart = 0x7000

	// BootStackPointer is the initial stack for boot paths that need one.
	BootStackPointer = 0x8ff0

	// CmdlineStart is where the kernel command line is written.
	CmdlineStart   = 0x20000
	CmdlineMaxSize = 0x10000

	// EBDAStart doubles as the RSDP location: the ACPI tables live in the
	// extended BIOS data area.
	EBDAStart   = 0xa0000
	RSDPPointer = EBDAStart

	// HighRAMStart is where kernels are loaded; everything below is
	// legacy real-mode territory.
	HighRAMStart = 0x10_0000

	// Mem32BitReservedStart opens the hole below 4 GiB kept clear of RAM.
	// The first part of the hole is a window for 32-bit device BARs, the
	// rest is firmware territory.
	Mem32BitReservedStart = 0xc000_0000
	Mem32BitReservedSize  = 1 << 30
	Mem32BitDevicesStart  = Mem32BitReservedStart
	Mem32BitDevicesSize   = 640 << 20

	// PCIMMConfigStart sits right after the device window inside the
	// reserved hole.
	PCIMMConfigStart = Mem32BitReservedStart + Mem32BitDevicesSize
	PCIMMConfigSize  = 256 << 20

	// RAM64BitStart is where RAM that does not fit under the hole
	// continues.
	RAM64BitStart = 1 << 32
)
