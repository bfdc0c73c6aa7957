package layout

// RegionType classifies a planned guest memory region.
type RegionType int

const (
	// RAM is ordinary guest memory, registered with the hypervisor.
	RAM RegionType = iota
	// SubRegion is carved out of the hole for 32-bit device windows.
	SubRegion
	// Reserved is kept out of the guest's allocator entirely.
	Reserved
)

func (t RegionType) String() string {
	switch t {
	case RAM:
		return "RAM"
	case SubRegion:
		return "SubRegion"
	case Reserved:
		return "Reserved"
	}

	return "invalid"
}

// Region is one planned slice of guest physical address space.
type Region struct {
	Start uint64
	Size  uint64
	Type  RegionType
}

// PlanMemory maps size bytes of RAM into the guest address space. RAM
// fills the space below the 32-bit hole first; whatever does not fit
// continues at RAM64BitStart. The device and MMCONFIG regions of the
// hole are always part of the plan, whether or not RAM reaches them.
func PlanMemory(size uint64) []Region {
	var regions []Region

	if size <= Mem32BitReservedStart {
		regions = append(regions, Region{Size: size, Type: RAM})
	} else {
		regions = append(regions,
			Region{Size: Mem32BitReservedStart, Type: RAM},
			Region{Start: RAM64BitStart, Size: size - Mem32BitReservedStart, Type: RAM},
		)
	}

	return append(regions,
		Region{Start: Mem32BitDevicesStart, Size: Mem32BitDevicesSize, Type: SubRegion},
		Region{Start: PCIMMConfigStart, Size: PCIMMConfigSize, Type: Reserved},
	)
}
