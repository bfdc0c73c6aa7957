package cpuid_test

import (
	"errors"
	"testing"

	"github.com/govmkit/archvm/cpuid"
)

func compatTable() cpuid.Table {
	return cpuid.Table{
		{Function: 1, ECX: 1<<24 | 1<<31, EDX: 1 << 12},
		{Function: 7, Index: 0, Flags: cpuid.FlagSignificantIndex,
			EAX: 1, EBX: 1 << 2, ECX: 1 << 30, EDX: 1 << 4},
		{Function: 7, Index: 1, Flags: cpuid.FlagSignificantIndex, EAX: 1 << 5},
		{Function: 0x8000_0001, ECX: 1 << 0, EDX: 1 << 29},
		{Function: 0x4000_0000, EAX: 0x4000_0001,
			EBX: 0x4b4d_564b, ECX: 0x564b_4d56, EDX: 0x4d},
		{Function: 0x4000_0001, EAX: 1<<0 | 1<<3},
	}
}

func TestCheckIdenticalTables(t *testing.T) {
	t.Parallel()

	table := compatTable()
	if err := cpuid.Check(table, table); err != nil {
		t.Fatalf("identical tables reported incompatible: %v", err)
	}
}

func TestCheckDestinationSuperset(t *testing.T) {
	t.Parallel()

	src := compatTable()
	dst := compatTable()
	dst[0].ECX |= 1 << 5
	dst[1].EAX = 2

	if err := cpuid.Check(src, dst); err != nil {
		t.Fatalf("destination superset reported incompatible: %v", err)
	}
}

func TestCheckMissingDestinationBit(t *testing.T) {
	t.Parallel()

	src := compatTable()
	dst := compatTable()
	dst[0].ECX &^= 1 << 24

	err := cpuid.Check(src, dst)
	if err == nil {
		t.Fatal("missing destination bit not reported")
	}

	var incompat *cpuid.IncompatibleError
	if !errors.As(err, &incompat) {
		t.Fatalf("have %T, want *IncompatibleError", err)
	}

	if len(incompat.Violations) != 1 {
		t.Fatalf("have %d violations, want 1: %v", len(incompat.Violations), err)
	}

	v := incompat.Violations[0]
	if v.Function != 1 || v.Reg != cpuid.ECX {
		t.Errorf("violation names leaf %#x register %s, want 0x1 ECX", v.Function, v.Reg)
	}

	if v.Source != src[0].ECX || v.Destination != dst[0].ECX {
		t.Errorf("violation values %#x/%#x, want %#x/%#x",
			v.Source, v.Destination, src[0].ECX, dst[0].ECX)
	}
}

// All rules are evaluated so a single check surfaces the complete set of
// incompatibilities, not just the first.
func TestCheckReportsAllViolations(t *testing.T) {
	t.Parallel()

	src := compatTable()
	dst := compatTable()
	dst[0].EDX &^= 1 << 12
	dst[3].ECX &^= 1 << 0

	err := cpuid.Check(src, dst)

	var incompat *cpuid.IncompatibleError
	if !errors.As(err, &incompat) {
		t.Fatalf("have %T (%v), want *IncompatibleError", err, err)
	}

	if len(incompat.Violations) != 2 {
		t.Fatalf("have %d violations, want 2: %v", len(incompat.Violations), err)
	}
}

func TestCheckSubleafMaximum(t *testing.T) {
	t.Parallel()

	src := compatTable()
	dst := compatTable()
	src[1].EAX = 2 // leaf 7 EAX is a count, compared numerically

	if err := cpuid.Check(src, dst); err == nil {
		t.Fatal("larger source sub-leaf count not reported")
	}
}

func TestCheckHypervisorSignature(t *testing.T) {
	t.Parallel()

	src := compatTable()
	dst := compatTable()
	// The signature must match exactly; a superset of bits is still a
	// different hypervisor.
	dst[4].EBX |= 1 << 31

	if err := cpuid.Check(src, dst); err == nil {
		t.Fatal("signature mismatch not reported")
	}
}

func TestCheckMissingEntryIsZero(t *testing.T) {
	t.Parallel()

	src := compatTable()
	dst := compatTable()

	// Dropping leaf 7/1 from the source is fine: an absent entry exposes
	// no features.
	src = append(src[:2], src[3:]...)

	if err := cpuid.Check(src, dst); err != nil {
		t.Fatalf("absent source entry reported incompatible: %v", err)
	}

	// Dropping it from the destination is not, the source still uses it.
	src = compatTable()
	dst = append(dst[:2], dst[3:]...)

	if err := cpuid.Check(src, dst); err == nil {
		t.Fatal("absent destination entry not reported")
	}
}
