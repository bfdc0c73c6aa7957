package cpuid_test

import (
	"reflect"
	"testing"

	"github.com/govmkit/archvm/cpuid"
)

func TestSetRegCreatesEntry(t *testing.T) {
	t.Parallel()

	table := cpuid.Table{}
	table.SetReg(0x12, 3, cpuid.EAX, 0x8000_0001)

	if len(table) != 1 {
		t.Fatalf("have %d entries, want 1", len(table))
	}

	e := table[0]
	if e.Function != 0x12 || e.Index != 3 {
		t.Errorf("have leaf %#x subleaf %#x, want 0x12/3", e.Function, e.Index)
	}

	if e.Flags != cpuid.FlagSignificantIndex {
		t.Errorf("have flags %#x, want significant-index", e.Flags)
	}

	if e.EAX != 0x8000_0001 || e.EBX != 0 || e.ECX != 0 || e.EDX != 0 {
		t.Errorf("unexpected registers: %+v", e)
	}
}

func TestSetRegOverwrites(t *testing.T) {
	t.Parallel()

	table := cpuid.Table{{Function: 1, ECX: 0xffff_ffff}}
	table.SetReg(1, 0, cpuid.ECX, 0x1)

	if len(table) != 1 {
		t.Fatalf("have %d entries, want 1", len(table))
	}

	if table[0].ECX != 0x1 {
		t.Errorf("have ECX %#x, want full replace to 0x1", table[0].ECX)
	}
}

func TestSetRegAllBroadcast(t *testing.T) {
	t.Parallel()

	table := cpuid.Table{
		{Function: 0xb, Index: 0},
		{Function: 0xb, Index: 1},
		{Function: 0x1f, Index: 0},
	}

	table.SetRegAll(0xb, cpuid.EDX, 7)

	for _, e := range table {
		want := uint32(0)
		if e.Function == 0xb {
			want = 7
		}

		if e.EDX != want {
			t.Errorf("leaf %#x subleaf %#x: have EDX %#x, want %#x",
				e.Function, e.Index, e.EDX, want)
		}
	}
}

// Broadcasting into a leaf that has no entries must not create one. This
// asymmetry with SetReg is deliberate: guest-visible behavior depends on
// the targeted form creating entries and the broadcast form not doing so.
func TestSetRegAllMissingLeaf(t *testing.T) {
	t.Parallel()

	table := cpuid.Table{{Function: 1}}
	table.SetRegAll(0x1f, cpuid.EDX, 7)

	if len(table) != 1 {
		t.Fatalf("broadcast created an entry: %+v", table)
	}
}

func TestApplyPatchesNeverClears(t *testing.T) {
	t.Parallel()

	table := cpuid.Table{{Function: 1, ECX: 1 << 3, EDX: 1 << 12}}
	patches := []cpuid.Patch{
		{Function: 1, ECXBit: cpuid.Bit(24), EDXBit: cpuid.Bit(12)},
	}

	table.ApplyPatches(patches)

	want := cpuid.Entry{Function: 1, ECX: 1<<3 | 1<<24, EDX: 1 << 12}
	if table[0] != want {
		t.Fatalf("have %+v, want %+v", table[0], want)
	}

	// Idempotence: a second application changes nothing.
	before := table.Clone()
	table.ApplyPatches(patches)

	if !reflect.DeepEqual(before, table) {
		t.Fatalf("second application changed the table: %+v != %+v", table, before)
	}
}

func TestApplyPatchesSkipsOtherLeaves(t *testing.T) {
	t.Parallel()

	table := cpuid.Table{{Function: 2}}
	table.ApplyPatches([]cpuid.Patch{{Function: 1, ECXBit: cpuid.Bit(0)}})

	if table[0].ECX != 0 {
		t.Fatalf("patch leaked into leaf 2: %+v", table[0])
	}
}

func TestHasFeature(t *testing.T) {
	t.Parallel()

	table := cpuid.Table{
		{Function: 7, Index: 0, Flags: cpuid.FlagSignificantIndex, EBX: 1 << 2},
	}

	if !table.HasFeature(7, 0, cpuid.EBX, 2) {
		t.Error("bit 2 of leaf 7 EBX should be reported as present")
	}

	if table.HasFeature(7, 0, cpuid.EBX, 3) {
		t.Error("bit 3 of leaf 7 EBX should be reported as absent")
	}

	// A missing entry means unsupported, not an error.
	if table.HasFeature(0x12, 0, cpuid.EAX, 0) {
		t.Error("missing entry reported a feature as present")
	}
}

func TestCloneIsIndependent(t *testing.T) {
	t.Parallel()

	table := cpuid.Table{{Function: 0xb, Index: 0}}
	clone := table.Clone()
	clone.SetRegAll(0xb, cpuid.EDX, 1)

	if table[0].EDX != 0 {
		t.Fatal("mutating the clone changed the original table")
	}
}
