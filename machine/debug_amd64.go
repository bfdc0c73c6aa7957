package machine

import (
	"errors"
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"github.com/govmkit/archvm/kvm"
)

// ErrBadRegister indicates a bad register was used.
var ErrBadRegister = errors.New("bad register")

// GetReg maps an x86asm register name onto the kvm register set.
func GetReg(r *kvm.Regs, reg x86asm.Reg) (*uint64, error) {
	switch reg {
	case x86asm.RAX:
		return &r.RAX, nil
	case x86asm.RBX:
		return &r.RBX, nil
	case x86asm.RCX:
		return &r.RCX, nil
	case x86asm.RDX:
		return &r.RDX, nil
	case x86asm.RSI:
		return &r.RSI, nil
	case x86asm.RDI:
		return &r.RDI, nil
	case x86asm.RSP:
		return &r.RSP, nil
	case x86asm.RBP:
		return &r.RBP, nil
	case x86asm.R8:
		return &r.R8, nil
	case x86asm.R9:
		return &r.R9, nil
	case x86asm.R10:
		return &r.R10, nil
	case x86asm.R11:
		return &r.R11, nil
	case x86asm.R12:
		return &r.R12, nil
	case x86asm.R13:
		return &r.R13, nil
	case x86asm.R14:
		return &r.R14, nil
	case x86asm.R15:
		return &r.R15, nil
	case x86asm.RIP:
		return &r.RIP, nil
	}

	return nil, fmt.Errorf("%v: %w", reg, ErrBadRegister)
}

// Inst retrieves the instruction at RIP of one vCPU. It reads guest
// memory physically, which is correct for the boot stages this VMM
// debugs (paging is off until the kernel enables it).
func (m *Machine) Inst(cpu int) (*x86asm.Inst, *kvm.Regs, string, error) {
	r, err := m.GetRegs(cpu)
	if err != nil {
		return nil, nil, "", fmt.Errorf("Inst:GetRegs:%w", err)
	}

	insn := make([]byte, 16)
	if err := m.mem.ReadAt(insn, r.RIP); err != nil {
		return nil, nil, "", fmt.Errorf("reading PC at %#x:%w", r.RIP, err)
	}

	d, err := x86asm.Decode(insn, 64)
	if err != nil {
		return nil, nil, "", fmt.Errorf("decoding %#02x:%w", insn, err)
	}

	return &d, r, x86asm.GNUSyntax(d, r.RIP, nil), nil
}

// Asm returns a string for the given instruction at the given pc.
func Asm(d *x86asm.Inst, pc uint64) string {
	return "\"" + x86asm.GNUSyntax(*d, pc, nil) + "\""
}
