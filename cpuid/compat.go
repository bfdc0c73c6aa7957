package cpuid

import (
	"fmt"
	"log"
	"strings"
)

// compatCheck is how one rule compares a source register against the
// destination's.
type compatCheck int

const (
	// bitwiseSubset: every bit set on the source must be set on the
	// destination.
	bitwiseSubset compatCheck = iota
	// equal: the values must match exactly.
	equal
	// numNotGreater: the source value must be <= the destination's.
	numNotGreater
)

func (c compatCheck) String() string {
	switch c {
	case bitwiseSubset:
		return "bitwise-subset"
	case equal:
		return "equal"
	case numNotGreater:
		return "not-greater"
	}

	return "invalid"
}

type featureRule struct {
	function uint32
	index    uint32
	reg      Reg
	check    compatCheck
}

// featureRules is the fixed list of registers compared during migration
// admission. The set covers every register that carries hardware feature
// bits or KVM paravirtual feature bits; see the CPUID tables in the Intel
// SDM Vol. 2A and https://www.kernel.org/doc/html/latest/virt/kvm/cpuid.html
var featureRules = []featureRule{
	// Leaf 0x1, ECX/EDX, base feature bits.
	{function: 1, index: 0, reg: ECX, check: bitwiseSubset},
	{function: 1, index: 0, reg: EDX, check: bitwiseSubset},
	// Leaf 0x7, EAX/EBX/ECX/EDX, extended features.
	// EAX is the maximum supported sub-leaf, a number not a bitmap.
	{function: 7, index: 0, reg: EAX, check: numNotGreater},
	{function: 7, index: 0, reg: EBX, check: bitwiseSubset},
	{function: 7, index: 0, reg: ECX, check: bitwiseSubset},
	{function: 7, index: 0, reg: EDX, check: bitwiseSubset},
	// Leaf 0x7 sub-leaf 0x1, EAX, extended features.
	{function: 7, index: 1, reg: EAX, check: bitwiseSubset},
	// Leaf 0x80000001, ECX/EDX, extended processor info.
	{function: 0x8000_0001, index: 0, reg: ECX, check: bitwiseSubset},
	{function: 0x8000_0001, index: 0, reg: EDX, check: bitwiseSubset},
	// Leaf 0x40000000, hypervisor signature. EAX is the maximum
	// hypervisor leaf; EBX/ECX/EDX spell the fixed ASCII signature and
	// must match exactly.
	{function: 0x4000_0000, index: 0, reg: EAX, check: numNotGreater},
	{function: 0x4000_0000, index: 0, reg: EBX, check: equal},
	{function: 0x4000_0000, index: 0, reg: ECX, check: equal},
	{function: 0x4000_0000, index: 0, reg: EDX, check: equal},
	// Leaf 0x40000001, KVM paravirtual features.
	{function: 0x4000_0001, index: 0, reg: EAX, check: bitwiseSubset},
	{function: 0x4000_0001, index: 0, reg: EBX, check: bitwiseSubset},
	{function: 0x4000_0001, index: 0, reg: ECX, check: bitwiseSubset},
	{function: 0x4000_0001, index: 0, reg: EDX, check: bitwiseSubset},
}

// Violation is one compatibility rule the destination failed.
type Violation struct {
	Function    uint32
	Index       uint32
	Reg         Reg
	Check       string
	Source      uint32
	Destination uint32
}

func (v Violation) String() string {
	return fmt.Sprintf(
		"leaf=%#x (subleaf=%#x) register=%s check=%s source=%#x destination=%#x",
		v.Function, v.Index, v.Reg, v.Check, v.Source, v.Destination)
}

// IncompatibleError reports every rule a destination table failed.
type IncompatibleError struct {
	Violations []Violation
}

func (e *IncompatibleError) Error() string {
	s := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		s[i] = v.String()
	}

	return "incompatible CPUID: " + strings.Join(s, "; ")
}

// ruleValue extracts the register a rule names, treating a missing entry
// as all-zero.
func ruleValue(t Table, r featureRule) uint32 {
	e := t.find(r.function, r.index)
	if e == nil {
		return 0
	}

	return e.reg(r.reg)
}

// Check decides whether a guest whose CPUID table is src may be resumed on
// a host offering dst. Every rule is evaluated even after the first
// failure so operators see the complete incompatibility set; the check is
// directional for the subset and not-greater rules (the destination must
// offer at least what the source exposes).
func Check(src, dst Table) error {
	var violations []Violation

	for _, rule := range featureRules {
		s := ruleValue(src, rule)
		d := ruleValue(dst, rule)

		var ok bool

		switch rule.check {
		case bitwiseSubset:
			ok = s&^d == 0
		case equal:
			ok = s == d
		case numNotGreater:
			ok = s <= d
		}

		if !ok {
			v := Violation{
				Function:    rule.function,
				Index:       rule.index,
				Reg:         rule.reg,
				Check:       rule.check.String(),
				Source:      s,
				Destination: d,
			}
			log.Printf("incompatible CPUID entry: %s", v)
			violations = append(violations, v)
		}
	}

	if len(violations) > 0 {
		return &IncompatibleError{Violations: violations}
	}

	return nil
}
