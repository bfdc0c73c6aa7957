package memory_test

import (
	"errors"
	"testing"

	"github.com/govmkit/archvm/layout"
	"github.com/govmkit/archvm/memory"
)

func newMemory(t *testing.T, size uint64) *memory.GuestMemory {
	t.Helper()

	g, err := memory.New(size)
	if err != nil {
		t.Fatalf("memory.New: %v", err)
	}

	t.Cleanup(func() {
		if err := g.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})

	return g
}

func TestNewSmall(t *testing.T) {
	t.Parallel()

	g := newMemory(t, 64<<20)

	ram := g.RAMRegions()
	if len(ram) != 1 {
		t.Fatalf("have %d RAM regions, want 1", len(ram))
	}

	if ram[0].Start != 0 || ram[0].Size != 64<<20 {
		t.Fatalf("unexpected RAM region: %+v", ram[0])
	}

	if ram[0].Buf() == nil {
		t.Fatal("RAM region has no host mapping")
	}

	if g.LastAddr() != 64<<20-1 {
		t.Fatalf("have LastAddr %#x, want %#x", g.LastAddr(), uint64(64<<20-1))
	}
}

func TestNewAboveHole(t *testing.T) {
	t.Parallel()

	const size = uint64(layout.Mem32BitReservedStart) + (128 << 20)

	g := newMemory(t, size)

	ram := g.RAMRegions()
	if len(ram) != 2 {
		t.Fatalf("have %d RAM regions, want 2", len(ram))
	}

	if ram[1].Start != layout.RAM64BitStart || ram[1].Size != 128<<20 {
		t.Fatalf("unexpected high RAM region: %+v", ram[1])
	}

	if g.LastAddr() != layout.RAM64BitStart+(128<<20)-1 {
		t.Fatalf("have LastAddr %#x", g.LastAddr())
	}
}

func TestReadWriteRoundTrip(t *testing.T) {
	t.Parallel()

	g := newMemory(t, 16<<20)

	want := []byte("boot descriptor")
	if err := g.WriteAt(want, 0x6000); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	have := make([]byte, len(want))
	if err := g.ReadAt(have, 0x6000); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}

	if string(have) != string(want) {
		t.Fatalf("have %q, want %q", have, want)
	}
}

func TestWriteObject(t *testing.T) {
	t.Parallel()

	g := newMemory(t, 16<<20)

	type pair struct {
		A uint32
		B uint32
	}

	if err := g.WriteObject(pair{A: 0x336e_c578, B: 1}, 0x7000); err != nil {
		t.Fatalf("WriteObject: %v", err)
	}

	have := make([]byte, 8)
	if err := g.ReadAt(have, 0x7000); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}

	want := []byte{0x78, 0xc5, 0x6e, 0x33, 0x01, 0x00, 0x00, 0x00}
	if string(have) != string(want) {
		t.Fatalf("have % x, want % x", have, want)
	}
}

func TestAccessOutsideRAM(t *testing.T) {
	t.Parallel()

	g := newMemory(t, 16<<20)

	if err := g.WriteAt([]byte{1}, 32<<20); !errors.Is(err, memory.ErrRegionNotFound) {
		t.Errorf("write past RAM: have %v, want ErrRegionNotFound", err)
	}

	if err := g.WriteAt([]byte{1, 2, 3, 4}, 16<<20-2); !errors.Is(err, memory.ErrOutOfBounds) {
		t.Errorf("write across region end: have %v, want ErrOutOfBounds", err)
	}

	if _, err := g.FindRegion(layout.Mem32BitDevicesStart); !errors.Is(err, memory.ErrRegionNotFound) {
		t.Errorf("hole lookup: have %v, want ErrRegionNotFound", err)
	}
}

func TestCheckedOffset(t *testing.T) {
	t.Parallel()

	g := newMemory(t, 16<<20)

	end, err := g.CheckedOffset(0x7000, 24*10)
	if err != nil {
		t.Fatalf("CheckedOffset: %v", err)
	}

	if end != 0x7000+24*10 {
		t.Fatalf("have end %#x, want %#x", end, 0x7000+24*10)
	}

	if _, err := g.CheckedOffset(16<<20-8, 16); !errors.Is(err, memory.ErrOutOfBounds) {
		t.Fatalf("have %v, want ErrOutOfBounds", err)
	}
}
