package x86

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// Disassemble decodes code loaded at pc into one Intel-syntax line per
// instruction. Undecodable bytes are reported one at a time.
func Disassemble(code []byte, pc uintptr) []string {
	var lines []string
	for off := 0; off < len(code); {
		addr := pc + uintptr(off)
		inst, err := x86asm.Decode(code[off:], 64)
		if err != nil || inst.Len == 0 {
			lines = append(lines, fmt.Sprintf("%#010x  %02x%22s(bad)", addr, code[off], ""))
			off++
			continue
		}
		raw := fmt.Sprintf("% x", code[off:off+inst.Len])
		lines = append(lines, fmt.Sprintf("%#010x  %-24s%s", addr, raw, x86asm.IntelSyntax(inst, uint64(addr), nil)))
		off += inst.Len
	}
	return lines
}

// InstLen decodes the first instruction of code and returns its length.
func InstLen(code []byte) (int, error) {
	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		return 0, err
	}
	return inst.Len, nil
}
