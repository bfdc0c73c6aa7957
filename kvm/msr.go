package kvm

import "unsafe"

// MSREntry is one model specific register and its value.
type MSREntry struct {
	Index uint32
	_     uint32
	Data  uint64
}

// MSRS is the fixed-capacity kvm_msrs argument. NMSRs says how many of
// the entries are valid.
type MSRS struct {
	NMSRs   uint32
	Padding uint32
	Entries [100]MSREntry
}

// SetMSRs writes model specific registers on a vcpu.
func SetMSRs(vcpuFd uintptr, msrs *MSRS) error {
	_, err := Ioctl(vcpuFd, IIOW(kvmSetMSRs, unsafe.Sizeof(msrs)),
		uintptr(unsafe.Pointer(msrs)))

	return err
}

// GetMSRs reads the registers named by the Index fields of msrs.
func GetMSRs(vcpuFd uintptr, msrs *MSRS) error {
	_, err := Ioctl(vcpuFd, IIOWR(kvmGetMSRs, unsafe.Sizeof(msrs)),
		uintptr(unsafe.Pointer(msrs)))

	return err
}

// MSRList is the fixed-capacity kvm_msr_list argument.
type MSRList struct {
	NMSRs    uint32
	Indicies [100]uint32
}

// GetMSRIndexList returns the guest msrs that are supported.
// The list varies by kvm version and host processor, but does not change otherwise.
func GetMSRIndexList(kvmFd uintptr, list *MSRList) error {
	// This ugly hack is required to make the Ioctl work.
	// If tried like kvm.GetSupportedCPUID it doesn't work.
	// Maybe a difference in behavior on kernel side.
	tmp := struct {
		NMSRs uint32
	}{
		NMSRs: 100,
	}
	_, err := Ioctl(kvmFd,
		IIOWR(kvmGetMSRIndexList, unsafe.Sizeof(tmp)),
		uintptr(unsafe.Pointer(list)))

	return err
}
