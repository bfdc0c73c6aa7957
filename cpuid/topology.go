package cpuid

import (
	"errors"
	"math/bits"

	"github.com/govmkit/archvm/sgx"
)

var (
	// ErrNoSgxEpcSection means SGX was requested without any EPC section.
	ErrNoSgxEpcSection = errors.New("no SGX EPC section configured")

	// ErrMissingSgxFeature means the host table lacks the SGX feature bit.
	ErrMissingSgxFeature = errors.New("host CPUID lacks the SGX feature")

	// ErrMissingSgxLaunchControlFeature means the host table lacks SGX_LC.
	ErrMissingSgxLaunchControlFeature = errors.New("host CPUID lacks the SGX launch-control feature")
)

// Topology is the logical-processor hierarchy exposed through the
// extended topology leaves 0xb and 0x1f.
type Topology struct {
	ThreadsPerCore uint8
	CoresPerDie    uint8
	DiesPerPackage uint8
}

// Level-type tags of the extended topology leaves (ECX[15:8]).
const (
	levelTypeThread = 1 << 8
	levelTypeCore   = 2 << 8
	levelTypeDie    = 5 << 8
)

// topoWidth is the number of x2APIC ID bits needed to number count
// siblings: ceil(log2(count)), with count=1 taking zero bits.
func topoWidth(count uint8) uint32 {
	return uint32(8 - bits.LeadingZeros8(count-1))
}

// UpdateTopology writes topo into the legacy extended-topology leaf 0xb
// and the V2 leaf 0x1f. Leaf 0xb carries the thread and core levels; leaf
// 0x1f additionally carries the die level in sub-leaf 2. EDX (the x2APIC
// ID) is filled per vCPU later.
func (t *Table) UpdateTopology(topo Topology) {
	threadWidth := topoWidth(topo.ThreadsPerCore)
	coreWidth := topoWidth(topo.CoresPerDie) + threadWidth
	dieWidth := topoWidth(topo.DiesPerPackage) + coreWidth

	threads := uint32(topo.ThreadsPerCore)
	coreThreads := uint32(topo.CoresPerDie) * threads
	dieThreads := uint32(topo.DiesPerPackage) * coreThreads

	t.SetReg(0xb, 0, EAX, threadWidth)
	t.SetReg(0xb, 0, EBX, threads)
	t.SetReg(0xb, 0, ECX, levelTypeThread)

	t.SetReg(0xb, 1, EAX, dieWidth)
	t.SetReg(0xb, 1, EBX, dieThreads)
	t.SetReg(0xb, 1, ECX, levelTypeCore)

	t.SetReg(0x1f, 0, EAX, threadWidth)
	t.SetReg(0x1f, 0, EBX, threads)
	t.SetReg(0x1f, 0, ECX, levelTypeThread)

	t.SetReg(0x1f, 1, EAX, coreWidth)
	t.SetReg(0x1f, 1, EBX, coreThreads)
	t.SetReg(0x1f, 1, ECX, levelTypeCore)

	t.SetReg(0x1f, 2, EAX, dieWidth)
	t.SetReg(0x1f, 2, EBX, dieThreads)
	t.SetReg(0x1f, 2, ECX, levelTypeDie)
}

// UpdateSGX synthesizes the SGX EPC sub-leaves of leaf 0x12 from the
// configured sections. Sub-leaves 0 and 1 belong to the enclave
// capability/attribute description, so section i lands in sub-leaf i+2.
// The guest enumerates sections until it reads an all-zero sub-leaf, so
// one terminating zero entry follows the last section.
func (t *Table) UpdateSGX(sections []sgx.Section) error {
	if len(sections) == 0 {
		return ErrNoSgxEpcSection
	}

	if !t.HasFeature(0x7, 0, EBX, 2) {
		return ErrMissingSgxFeature
	}

	if !t.HasFeature(0x7, 0, ECX, 30) {
		return ErrMissingSgxLaunchControlFeature
	}

	// Host leaf 0x12 sub-leaf 2 carries the EPC confidentiality and
	// integrity properties in ECX[3:0]; the guest sections inherit them.
	_, _, hostECX, _ := CPUIDCount(0x12, 0x2)

	for i, s := range sections {
		sub := uint32(i) + 2

		// Bit 0 of EAX marks the sub-leaf as a valid EPC section.
		t.SetReg(0x12, sub, EAX, uint32(s.Start&0xffff_f000)|0x1)
		t.SetReg(0x12, sub, EBX, uint32(s.Start>>32))
		t.SetReg(0x12, sub, ECX, uint32(s.Size&0xffff_f000)|(hostECX&0xf))
		t.SetReg(0x12, sub, EDX, uint32(s.Size>>32))
	}

	sub := uint32(len(sections)) + 2
	t.SetReg(0x12, sub, EAX, 0)
	t.SetReg(0x12, sub, EBX, 0)
	t.SetReg(0x12, sub, ECX, 0)
	t.SetReg(0x12, sub, EDX, 0)

	return nil
}
