package machine

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/govmkit/archvm/cpuid"
	"github.com/govmkit/archvm/kvm"
	"github.com/govmkit/archvm/layout"
	"github.com/govmkit/archvm/memory"
)

func note(name string, typ uint32, desc []byte) []byte {
	var buf bytes.Buffer

	nameBytes := append([]byte(name), 0)

	binary.Write(&buf, binary.LittleEndian, uint32(len(nameBytes)))
	binary.Write(&buf, binary.LittleEndian, uint32(len(desc)))
	binary.Write(&buf, binary.LittleEndian, typ)

	buf.Write(nameBytes)
	for buf.Len()%4 != 0 {
		buf.WriteByte(0)
	}

	buf.Write(desc)
	for buf.Len()%4 != 0 {
		buf.WriteByte(0)
	}

	return buf.Bytes()
}

func TestFindPhys32Entry(t *testing.T) {
	t.Parallel()

	entry := make([]byte, 4)
	binary.LittleEndian.PutUint32(entry, 0x100_0000)

	var notes []byte
	notes = append(notes, note("GNU", 3, []byte{1, 2, 3, 4})...)
	notes = append(notes, note("Xen", xenELFNotePhys32Entry, entry)...)
	notes = append(notes, note("Xen", 5, []byte("generic"))...)

	addr, ok := findPhys32Entry(notes)
	if !ok {
		t.Fatal("PVH entry note not found")
	}

	if addr != 0x100_0000 {
		t.Fatalf("have entry %#x, want 0x1000000", addr)
	}
}

func TestFindPhys32EntryMissing(t *testing.T) {
	t.Parallel()

	if _, ok := findPhys32Entry(note("GNU", 3, []byte{1})); ok {
		t.Fatal("found an entry in a segment without one")
	}

	if _, ok := findPhys32Entry([]byte{1, 2, 3}); ok {
		t.Fatal("found an entry in a truncated segment")
	}
}

func TestInitramfsLoadAddr(t *testing.T) {
	t.Parallel()

	mem, err := memory.New(64 << 20)
	if err != nil {
		t.Fatal(err)
	}
	defer mem.Close()

	addr, err := initramfsLoadAddr(mem, 1<<20)
	if err != nil {
		t.Fatal(err)
	}

	if addr%0x1000 != 0 {
		t.Fatalf("address %#x not page aligned", addr)
	}

	if addr+1<<20 > 64<<20 {
		t.Fatalf("initramfs at %#x does not fit", addr)
	}

	if addr < layout.HighRAMStart {
		t.Fatalf("initramfs at %#x placed in low memory", addr)
	}

	// A blob bigger than low RAM cannot be placed.
	if _, err := initramfsLoadAddr(mem, 65<<20); !errors.Is(err, ErrInitramfsTooBig) {
		t.Fatalf("have %v, want ErrInitramfsTooBig", err)
	}
}

func TestTableConversionRoundTrip(t *testing.T) {
	t.Parallel()

	table := cpuid.Table{
		{Function: 1, EAX: 0x806ea, ECX: 1 << 31},
		{Function: 7, Index: 1, Flags: cpuid.FlagSignificantIndex, EAX: 0x20},
	}

	c, err := tableToKVM(table)
	if err != nil {
		t.Fatal(err)
	}

	if c.Nent != 2 {
		t.Fatalf("have %d entries, want 2", c.Nent)
	}

	back := tableFromKVM(c)
	for i := range table {
		if back[i] != table[i] {
			t.Fatalf("entry %d: have %+v, want %+v", i, back[i], table[i])
		}
	}
}

func TestTableConversionOverflow(t *testing.T) {
	t.Parallel()

	table := make(cpuid.Table, len(kvm.CPUID{}.Entries)+1)

	if _, err := tableToKVM(table); err == nil {
		t.Fatal("oversized table converted without error")
	}
}
