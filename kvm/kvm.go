// Package kvm is a thin, typed layer over the KVM ioctl interface.
// Everything here maps one to one onto the kernel API; policy lives in
// the machine package.
package kvm

import (
	"os"
	"unsafe"
)

// ioctl numbers, Documentation/virt/kvm/api.rst.
const (
	kvmGetAPIVersion            = 0x00
	kvmCreateVM                 = 0x01
	kvmGetMSRIndexList          = 0x02
	kvmCheckExtension           = 0x03
	kvmGetVCPUMMapSize          = 0x04
	kvmGetSupportedCPUID        = 0x05
	kvmGetMSRFeatureIndexList   = 0x0a
	kvmCreateVCPU               = 0x41
	kvmSetUserMemoryRegion      = 0x46
	kvmSetTSSAddr               = 0x47
	kvmSetIdentityMapAddr       = 0x48
	kvmCreateIRQChip            = 0x60
	kvmIRQLine                  = 0x61
	kvmCreatePIT2               = 0x77
	kvmRun                      = 0x80
	kvmGetRegs                  = 0x81
	kvmSetRegs                  = 0x82
	kvmGetSregs                 = 0x83
	kvmSetSregs                 = 0x84
	kvmGetMSRs                  = 0x88
	kvmSetMSRs                  = 0x89
	kvmGetFPU                   = 0x8c
	kvmSetFPU                   = 0x8d
	kvmGetLAPIC                 = 0x8e
	kvmSetLAPIC                 = 0x8f
	kvmSetCPUID2                = 0x90
	kvmGetCPUID2                = 0x91
	kvmSetGuestDebug            = 0x9b
	kvmGetDebugRegs             = 0xa1
	kvmSetDebugRegs             = 0xa2
	kvmEnableCap                = 0xa3

	numInterrupts = 0x100
)

// Capabilities probed with CheckExtension.
const (
	CapNRMemSlots  = 10
	CapHypervSynic = 123
)

// Open opens the KVM device node.
func Open() (*os.File, error) {
	return os.OpenFile("/dev/kvm", os.O_RDWR, 0o644)
}

// GetAPIVersion returns the stable API version, 12 since Linux 2.6.
func GetAPIVersion(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, IIO(kvmGetAPIVersion), 0)
}

// CreateVM creates a vm fd with no memory and no vcpus.
func CreateVM(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, IIO(kvmCreateVM), 0)
}

// CheckExtension reports whether fd supports a capability. The return
// value is 0 for unsupported and usually a limit otherwise.
func CheckExtension(fd uintptr, cap uintptr) (uintptr, error) {
	return Ioctl(fd, IIO(kvmCheckExtension), cap)
}

// CreateVCPU creates vcpu number id on a vm.
func CreateVCPU(vmFd uintptr, id int) (uintptr, error) {
	return Ioctl(vmFd, IIO(kvmCreateVCPU), uintptr(id))
}

// Run enters the guest until the next exit.
func Run(vcpuFd uintptr) error {
	_, err := Ioctl(vcpuFd, IIO(kvmRun), 0)

	return err
}

// GetVCPUMMapSize returns the size of the shared kvm_run mapping.
func GetVCPUMMapSize(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, IIO(kvmGetVCPUMMapSize), 0)
}

// SetTSSAddr reserves the 3 pages of the setup TSS on Intel hosts. The
// address must stay clear of guest RAM.
func SetTSSAddr(vmFd uintptr) error {
	const addr = 0xfffbd000

	_, err := Ioctl(vmFd, IIO(kvmSetTSSAddr), addr)

	return err
}

// SetIdentityMapAddr parks the EPT identity page just below the TSS.
func SetIdentityMapAddr(vmFd uintptr) error {
	var addr uint64 = 0xfffbc000

	_, err := Ioctl(vmFd, IIOW(kvmSetIdentityMapAddr, unsafe.Sizeof(addr)),
		uintptr(unsafe.Pointer(&addr)))

	return err
}

// UserspaceMemoryRegion maps a host allocation into guest physical
// address space.
type UserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// SetMemLogDirtyPages turns on dirty page tracking for the region.
func (r *UserspaceMemoryRegion) SetMemLogDirtyPages() {
	r.Flags |= 1 << 0
}

// SetMemReadonly marks a region as read only.
func (r *UserspaceMemoryRegion) SetMemReadonly() {
	r.Flags |= 1 << 1
}

// SetUserMemoryRegion adds a memory region to a vm -- not a vcpu, a vm.
func SetUserMemoryRegion(vmFd uintptr, region *UserspaceMemoryRegion) error {
	_, err := Ioctl(vmFd, IIOW(kvmSetUserMemoryRegion, unsafe.Sizeof(*region)),
		uintptr(unsafe.Pointer(region)))

	return err
}

// EnableCapData is the argument of KVM_ENABLE_CAP.
type EnableCapData struct {
	Cap   uint32
	Flags uint32
	Args  [4]uint64
	_     [64]uint8
}

// EnableCap enables a capability on a vcpu or vm fd.
func EnableCap(fd uintptr, data *EnableCapData) error {
	_, err := Ioctl(fd, IIOW(kvmEnableCap, unsafe.Sizeof(*data)),
		uintptr(unsafe.Pointer(data)))

	return err
}

// RunData is the kvm_run structure shared with the kernel through the
// vcpu mmap.
type RunData struct {
	RequestInterruptWindow     uint8
	_                          [7]uint8
	ExitReason                 uint32
	ReadyForInterruptInjection uint8
	IfFlag                     uint8
	_                          [2]uint8
	CR8                        uint64
	ApicBase                   uint64
	Data                       [32]uint64
}

// IO decodes the exit payload of an EXITIO.
func (r *RunData) IO() (direction, size, port, count, offset uint64) {
	direction = r.Data[0] & 0xff
	size = (r.Data[0] >> 8) & 0xff
	port = (r.Data[0] >> 16) & 0xffff
	count = (r.Data[0] >> 32) & 0xffffffff
	offset = r.Data[1]

	return
}
