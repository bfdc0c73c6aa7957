// Package memory owns the guest RAM backing. Regions come from the
// layout planner; only RAM regions get a host mapping, the hole regions
// exist so address arithmetic can see them.
package memory

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/govmkit/archvm/layout"
)

var (
	ErrRegionNotFound = errors.New("address not covered by any RAM region")
	ErrOutOfBounds    = errors.New("access crosses the end of its region")
)

// Region is one mapped or planned slice of guest physical memory.
type Region struct {
	Start uint64
	Size  uint64
	Type  layout.RegionType

	buf []byte
}

// Buf exposes the host mapping of a RAM region for hypervisor
// registration. It is nil for hole regions.
func (r *Region) Buf() []byte { return r.buf }

func (r *Region) contains(addr uint64) bool {
	return addr >= r.Start && addr < r.Start+r.Size
}

// GuestMemory is the full guest address space of one VM.
type GuestMemory struct {
	regions []*Region
}

// New plans and maps size bytes of guest RAM.
func New(size uint64) (*GuestMemory, error) {
	g := &GuestMemory{}

	for _, plan := range layout.PlanMemory(size) {
		r := &Region{Start: plan.Start, Size: plan.Size, Type: plan.Type}

		if plan.Type == layout.RAM {
			buf, err := unix.Mmap(-1, 0, int(plan.Size),
				unix.PROT_READ|unix.PROT_WRITE,
				unix.MAP_SHARED|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
			if err != nil {
				g.Close()

				return nil, fmt.Errorf("mapping %d bytes at %#x: %w", plan.Size, plan.Start, err)
			}

			r.buf = buf
		}

		g.regions = append(g.regions, r)
	}

	return g, nil
}

// Close unmaps every RAM region.
func (g *GuestMemory) Close() error {
	var firstErr error

	for _, r := range g.regions {
		if r.buf == nil {
			continue
		}

		if err := unix.Munmap(r.buf); err != nil && firstErr == nil {
			firstErr = err
		}

		r.buf = nil
	}

	return firstErr
}

// Regions returns the full plan, RAM and hole regions alike.
func (g *GuestMemory) Regions() []*Region { return g.regions }

// RAMRegions returns only the mapped regions, in ascending order.
func (g *GuestMemory) RAMRegions() []*Region {
	var out []*Region

	for _, r := range g.regions {
		if r.Type == layout.RAM {
			out = append(out, r)
		}
	}

	return out
}

// FindRegion returns the RAM region covering addr.
func (g *GuestMemory) FindRegion(addr uint64) (*Region, error) {
	for _, r := range g.regions {
		if r.Type == layout.RAM && r.contains(addr) {
			return r, nil
		}
	}

	return nil, fmt.Errorf("%w: %#x", ErrRegionNotFound, addr)
}

// CheckedOffset verifies that [addr, addr+size) lies inside one RAM
// region and returns the end address of the range.
func (g *GuestMemory) CheckedOffset(addr, size uint64) (uint64, error) {
	r, err := g.FindRegion(addr)
	if err != nil {
		return 0, err
	}

	end := addr + size
	if size > r.Size || end > r.Start+r.Size {
		return 0, fmt.Errorf("%w: %#x+%#x", ErrOutOfBounds, addr, size)
	}

	return end, nil
}

// LastAddr is the highest guest physical address backed by RAM.
func (g *GuestMemory) LastAddr() uint64 {
	var last uint64

	for _, r := range g.regions {
		if r.Type == layout.RAM && r.Start+r.Size-1 > last {
			last = r.Start + r.Size - 1
		}
	}

	return last
}

// WriteAt copies p into guest memory at addr. The write must not cross
// a region boundary.
func (g *GuestMemory) WriteAt(p []byte, addr uint64) error {
	r, err := g.FindRegion(addr)
	if err != nil {
		return err
	}

	off := addr - r.Start
	if off+uint64(len(p)) > r.Size {
		return fmt.Errorf("%w: %#x+%#x", ErrOutOfBounds, addr, len(p))
	}

	copy(r.buf[off:], p)

	return nil
}

// ReadAt fills p from guest memory at addr.
func (g *GuestMemory) ReadAt(p []byte, addr uint64) error {
	r, err := g.FindRegion(addr)
	if err != nil {
		return err
	}

	off := addr - r.Start
	if off+uint64(len(p)) > r.Size {
		return fmt.Errorf("%w: %#x+%#x", ErrOutOfBounds, addr, len(p))
	}

	copy(p, r.buf[off:])

	return nil
}

// WriteObject serializes obj little-endian and writes it at addr. obj
// must be a fixed-size value as understood by encoding/binary.
func (g *GuestMemory) WriteObject(obj interface{}, addr uint64) error {
	var buf bytes.Buffer

	if err := binary.Write(&buf, binary.LittleEndian, obj); err != nil {
		return fmt.Errorf("serializing %T: %w", obj, err)
	}

	return g.WriteAt(buf.Bytes(), addr)
}
