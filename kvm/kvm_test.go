package kvm_test

import (
	"os"
	"testing"
	"unsafe"

	"github.com/govmkit/archvm/kvm"
)

// The encodings are pinned against values observed with the C macros.
func TestIoctlEncoding(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		name string
		have uintptr
		want uintptr
	}{
		{"KVM_GET_API_VERSION", kvm.IIO(0x00), 44544},
		{"KVM_CREATE_VM", kvm.IIO(0x01), 44545},
		{"KVM_CREATE_VCPU", kvm.IIO(0x41), 44609},
		{"KVM_RUN", kvm.IIO(0x80), 44672},
		{"KVM_SET_USER_MEMORY_REGION",
			kvm.IIOW(0x46, unsafe.Sizeof(kvm.UserspaceMemoryRegion{})), 1075883590},
		{"KVM_GET_REGS", kvm.IIOR(0x81, unsafe.Sizeof(kvm.Regs{})), 0x8090ae81},
		{"KVM_SET_SREGS", kvm.IIOW(0x84, unsafe.Sizeof(kvm.Sregs{})), 0x4138ae84},
	} {
		if test.have != test.want {
			t.Errorf("%s: have %#x, want %#x", test.name, test.have, test.want)
		}
	}
}

func openKVM(t *testing.T) *os.File {
	t.Helper()

	devKVM, err := kvm.Open()
	if err != nil {
		t.Skipf("Skipping test since /dev/kvm is unavailable: %v", err)
	}

	t.Cleanup(func() { devKVM.Close() })

	return devKVM
}

func TestGetAPIVersion(t *testing.T) {
	t.Parallel()

	devKVM := openKVM(t)

	version, err := kvm.GetAPIVersion(devKVM.Fd())
	if err != nil {
		t.Fatal(err)
	}

	if version != 12 {
		t.Fatalf("have API version %d, want 12", version)
	}
}

func TestCreateVMAndVCPU(t *testing.T) {
	t.Parallel()

	devKVM := openKVM(t)

	vmFd, err := kvm.CreateVM(devKVM.Fd())
	if err != nil {
		t.Fatal(err)
	}

	if err = kvm.SetTSSAddr(vmFd); err != nil {
		t.Fatal(err)
	}

	if err = kvm.SetIdentityMapAddr(vmFd); err != nil {
		t.Fatal(err)
	}

	vcpuFd, err := kvm.CreateVCPU(vmFd, 0)
	if err != nil {
		t.Fatal(err)
	}

	cpuid := kvm.CPUID{Nent: 100}
	if err = kvm.GetSupportedCPUID(devKVM.Fd(), &cpuid); err != nil {
		t.Fatal(err)
	}

	if cpuid.Nent == 0 || cpuid.Nent > 100 {
		t.Fatalf("implausible entry count %d", cpuid.Nent)
	}

	if err = kvm.SetCPUID2(vcpuFd, &cpuid); err != nil {
		t.Fatal(err)
	}
}

func TestCheckExtension(t *testing.T) {
	t.Parallel()

	devKVM := openKVM(t)

	slots, err := kvm.CheckExtension(devKVM.Fd(), kvm.CapNRMemSlots)
	if err != nil {
		t.Fatal(err)
	}

	if slots == 0 {
		t.Fatal("no memory slots reported")
	}
}
