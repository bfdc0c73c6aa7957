// Package ebda builds the Extended BIOS Data Area. Guests without ACPI
// fall back to the Intel MP tables found here to enumerate processors.
package ebda

import (
	"bytes"
	"encoding/binary"

	"github.com/govmkit/archvm/layout"
)

const (
	lapicDefaultBase = 0xfee0_0000
	lapicVersion     = 0x14

	mpEntryTypeProcessor = 0

	cpuFlagEnabled       = 1 << 0
	cpuFlagBootProcessor = 1 << 1
)

// EBDA is the area copied to layout.EBDAStart before boot.
type EBDA struct {
	// The MP floating pointer must be 16-byte aligned and the kernel
	// scans for it on those boundaries, so keep the leading padding.
	// https://github.com/torvalds/linux/blob/2f111a6fd5b5297b4e92f53798ca086f7c7d33a4/arch/x86/kernel/mpparse.c#L597
	mpfIntel MPFIntel
	mpcTable MPCTable
}

// New assembles the MP tables for nCPUs processors.
func New(nCPUs int) (*EBDA, error) {
	e := &EBDA{}

	mpcTable, err := NewMPCTable(nCPUs)
	if err != nil {
		return e, err
	}

	e.mpcTable = *mpcTable

	// The configuration table sits right behind the floating pointer.
	mpfIntel, err := NewMPFIntel(layout.EBDAStart + 16*3 + 16)
	if err != nil {
		return e, err
	}

	e.mpfIntel = *mpfIntel

	return e, nil
}

// Bytes serializes the EBDA in its in-memory layout.
func (e *EBDA) Bytes() ([]byte, error) {
	buf := new(bytes.Buffer)

	if err := binary.Write(buf, binary.LittleEndian, make([]byte, 16*3)); err != nil {
		return nil, err
	}

	mpf, err := e.mpfIntel.Bytes()
	if err != nil {
		return nil, err
	}

	if _, err := buf.Write(mpf); err != nil {
		return nil, err
	}

	mpc, err := e.mpcTable.Bytes()
	if err != nil {
		return nil, err
	}

	if _, err := buf.Write(mpc); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// MPFIntel is the Intel MP Floating Pointer Structure.
// https://github.com/torvalds/linux/blob/5bfc75d92/arch/x86/include/asm/mpspec_def.h#L22-L33
type MPFIntel struct {
	Signature     uint32
	PhysPtr       uint32
	Length        uint8
	Specification uint8
	CheckSum      uint8
	Feature1      uint8
	Feature2      uint8
	Feature3      uint8
	Feature4      uint8
	Feature5      uint8
}

// NewMPFIntel returns a floating pointer referencing the configuration
// table at physPtr.
func NewMPFIntel(physPtr uint32) (*MPFIntel, error) {
	m := &MPFIntel{}
	m.Signature = ('_' << 24) | ('P' << 16) | ('M' << 8) | '_'
	m.PhysPtr = physPtr
	m.Length = 1 // in 16-byte units
	m.Specification = 4

	checkSum, err := m.CalcCheckSum()
	if err != nil {
		return m, err
	}

	m.CheckSum = -checkSum

	return m, nil
}

func (m *MPFIntel) CalcCheckSum() (uint8, error) {
	b, err := m.Bytes()
	if err != nil {
		return 0, err
	}

	tmp := uint32(0)
	for _, c := range b {
		tmp += uint32(c)
	}

	return uint8(tmp & 0xff), nil
}

func (m *MPFIntel) Bytes() ([]byte, error) {
	buf := new(bytes.Buffer)

	if err := binary.Write(buf, binary.LittleEndian, m); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// mpcHeader is the fixed part of the MP configuration table.
// https://github.com/torvalds/linux/blob/5bfc75d92/arch/x86/include/asm/mpspec_def.h#L37-L52
type mpcHeader struct {
	Signature [4]uint8
	Length    uint16
	Spec      uint8
	CheckSum  uint8
	OEM       [8]uint8
	ProductID [12]uint8
	OEMPtr    uint32
	OEMSize   uint16
	OEMCount  uint16
	LAPIC     uint32
	_         uint32
}

// mpcCPU is one processor entry of the configuration table.
type mpcCPU struct {
	Type        uint8
	APICID      uint8
	APICVer     uint8
	CPUFlag     uint8
	CPUFeature  uint32
	FeatureFlag uint32
	_           [2]uint32
}

// MPCTable is the MP configuration table plus its processor entries.
type MPCTable struct {
	header mpcHeader
	cpus   []mpcCPU
}

// NewMPCTable builds a table with one enabled processor entry per vCPU.
// APIC IDs are assigned sequentially, matching the IDs programmed into
// the extended topology CPUID leaves.
func NewMPCTable(nCPUs int) (*MPCTable, error) {
	m := &MPCTable{}
	m.header.Signature = [4]uint8{'P', 'C', 'M', 'P'}
	m.header.Spec = 4
	m.header.OEM = [8]uint8{'G', 'O', 'V', 'M', 'K', 'I', 'T', ' '}
	m.header.LAPIC = lapicDefaultBase

	for i := 0; i < nCPUs; i++ {
		flag := uint8(cpuFlagEnabled)
		if i == 0 {
			flag |= cpuFlagBootProcessor
		}

		m.cpus = append(m.cpus, mpcCPU{
			Type:    mpEntryTypeProcessor,
			APICID:  uint8(i),
			APICVer: lapicVersion,
			CPUFlag: flag,
		})
	}

	m.header.OEMCount = uint16(nCPUs)

	b, err := m.Bytes()
	if err != nil {
		return m, err
	}

	m.header.Length = uint16(len(b))

	checkSum, err := m.CalcCheckSum()
	if err != nil {
		return m, err
	}

	m.header.CheckSum = -checkSum

	return m, nil
}

func (m *MPCTable) CalcCheckSum() (uint8, error) {
	b, err := m.Bytes()
	if err != nil {
		return 0, err
	}

	tmp := uint32(0)
	for _, c := range b {
		tmp += uint32(c)
	}

	return uint8(tmp & 0xff), nil
}

func (m *MPCTable) Bytes() ([]byte, error) {
	buf := new(bytes.Buffer)

	if err := binary.Write(buf, binary.LittleEndian, m.header); err != nil {
		return nil, err
	}

	for _, cpu := range m.cpus {
		if err := binary.Write(buf, binary.LittleEndian, cpu); err != nil {
			return nil, err
		}
	}

	return buf.Bytes(), nil
}
