package kvm

import (
	"unsafe"
)

// CPUID is the fixed-capacity kvm_cpuid2 argument. Nent is the array
// capacity going in and the valid entry count coming out.
type CPUID struct {
	Nent    uint32
	Padding uint32
	Entries [100]CPUIDEntry2
}

// CPUIDEntry2 is kvm_cpuid_entry2: one leaf/sub-leaf and the four
// registers it returns.
type CPUIDEntry2 struct {
	Function uint32
	Index    uint32
	Flags    uint32
	Eax      uint32
	Ebx      uint32
	Ecx      uint32
	Edx      uint32
	Padding  [3]uint32
}

// GetSupportedCPUID fills kvmCPUID with every entry KVM can virtualize
// on this host.
func GetSupportedCPUID(kvmFd uintptr, kvmCPUID *CPUID) error {
	_, err := Ioctl(kvmFd,
		IIOWR(kvmGetSupportedCPUID, unsafe.Sizeof(kvmCPUID)),
		uintptr(unsafe.Pointer(kvmCPUID)))

	return err
}

// SetCPUID2 commits a table to one vCPU. Tables are queried per VM but
// committed per vCPU, which is what lets each vCPU carry its own APIC ID
// in an otherwise shared identity.
func SetCPUID2(vcpuFd uintptr, kvmCPUID *CPUID) error {
	_, err := Ioctl(vcpuFd,
		IIOW(kvmSetCPUID2, unsafe.Sizeof(kvmCPUID)),
		uintptr(unsafe.Pointer(kvmCPUID)))

	return err
}
