// Package probe inspects what the host and KVM can virtualize, for the
// probe subcommand.
package probe

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/govmkit/archvm/cpuid"
	"github.com/govmkit/archvm/kvm"
)

// Host prints the identity of the host processor.
func Host() error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)

	fmt.Fprintf(w, "vendor:\t%s\n", cpuid.HostVendorID())
	fmt.Fprintf(w, "physical address bits:\t%d\n", cpuid.HostPhysBits())

	maxExt, _, _, _ := cpuid.CPUID(0x8000_0000)
	if maxExt >= 0x8000_0004 {
		brand := make([]byte, 0, 48)

		for fn := uint32(0x8000_0002); fn <= 0x8000_0004; fn++ {
			a, b, c, d := cpuid.CPUID(fn)
			for _, reg := range []uint32{a, b, c, d} {
				brand = append(brand, byte(reg), byte(reg>>8), byte(reg>>16), byte(reg>>24))
			}
		}

		fmt.Fprintf(w, "brand:\t%s\n", brand)
	}

	return w.Flush()
}

// CPUID calls KVM_GET_SUPPORTED_CPUID and prints every entry.
func CPUID() error {
	kvmFile, err := kvm.Open()
	if err != nil {
		return err
	}
	defer kvmFile.Close()

	c := kvm.CPUID{Nent: 100}
	if err := kvm.GetSupportedCPUID(kvmFile.Fd(), &c); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "leaf\tsubleaf\tflags\teax\tebx\tecx\tedx")

	for i := 0; i < int(c.Nent); i++ {
		e := c.Entries[i]
		fmt.Fprintf(w, "%#x\t%#x\t%#x\t%08x\t%08x\t%08x\t%08x\n",
			e.Function, e.Index, e.Flags, e.Eax, e.Ebx, e.Ecx, e.Edx)
	}

	return w.Flush()
}
