package cpuid

func cpuid_low(arg1, arg2 uint32) (eax, ebx, ecx, edx uint32) // implemented in cpuid.s

// CPUID executes the CPUID instruction on the host with sub-leaf 0.
func CPUID(leaf uint32) (uint32, uint32, uint32, uint32) {
	return cpuid_low(leaf, 0)
}

// CPUIDCount executes the CPUID instruction on the host with an explicit
// sub-leaf in ECX.
func CPUIDCount(leaf, subleaf uint32) (uint32, uint32, uint32, uint32) {
	return cpuid_low(leaf, subleaf)
}

// HostVendorID returns the 12-byte CPU vendor string,
// e.g. "GenuineIntel" or "AuthenticAMD".
func HostVendorID() string {
	_, ebx, ecx, edx := CPUID(0)

	s := make([]byte, 0, 12)
	for _, r := range []uint32{ebx, edx, ecx} {
		s = append(s, byte(r), byte(r>>8), byte(r>>16), byte(r>>24))
	}

	return string(s)
}

// HostPhysBits returns the host's physical address width.
//
// When AMD SME is enabled some address bits become reserved for the
// encryption metadata; leaf 0x8000001f EBX[11:6] gives the reduction.
// See AMD64 Architecture Programmer's Manual Volume 2, Section 7.10.1.
func HostPhysBits() uint8 {
	eax, ebx, ecx, edx := CPUID(0x8000_0000)

	var reduced uint32

	if eax >= 0x8000_001f &&
		ebx == 0x6874_7541 && // "Auth"
		ecx == 0x444d_4163 && // "cAMD"
		edx == 0x6974_6e65 { // "enti"
		leafEAX, leafEBX, _, _ := CPUID(0x8000_001f)
		if leafEAX&0x1 != 0 {
			reduced = (leafEBX >> 6) & 0x3f
		}
	}

	if eax >= 0x8000_0008 {
		leafEAX, _, _, _ := CPUID(0x8000_0008)

		return uint8((leafEAX & 0xff) - reduced)
	}

	// No extended address-size leaf; the architectural minimum for
	// 64-bit capable parts.
	return 36
}
