package x86

import (
	"encoding/binary"
)

// encoder appends x86-64 machine code to buf. pc is the address buf[start]
// will execute at; rel32 operands are computed against it.
type encoder struct {
	buf   []byte
	start int
	pc    uintptr
}

// here returns the address of the next byte to be emitted
func (e *encoder) here() uintptr {
	return e.pc + uintptr(len(e.buf)-e.start)
}

// emit appends bytes to the buffer
func (e *encoder) emit(bytes ...byte) {
	e.buf = append(e.buf, bytes...)
}

// emitInt16 appends a little-endian int16
func (e *encoder) emitInt16(v int16) {
	e.buf = binary.LittleEndian.AppendUint16(e.buf, uint16(v))
}

// emitInt32 appends a little-endian int32
func (e *encoder) emitInt32(v int32) {
	e.buf = binary.LittleEndian.AppendUint32(e.buf, uint32(v))
}

// emitUint64 appends a little-endian uint64
func (e *encoder) emitUint64(v uint64) {
	e.buf = binary.LittleEndian.AppendUint64(e.buf, v)
}

// rex builds REX prefix: 0100WRXB
// W=1 for 64-bit operand size
// R=1 if reg field uses R8-R15
// X=1 if SIB index uses R8-R15
// B=1 if rm field (or SIB base, or +r opcode register) uses R8-R15
func rex(w, r, x, b bool) byte {
	var prefix byte = 0x40
	if w {
		prefix |= 0x08
	}
	if r {
		prefix |= 0x04
	}
	if x {
		prefix |= 0x02
	}
	if b {
		prefix |= 0x01
	}
	return prefix
}

// modRM builds ModR/M byte: [mod:2][reg:3][rm:3]
// mod should be pre-shifted: 0x00=no disp, 0x40=disp8, 0x80=disp32, 0xC0=register
func modRM(mod, reg, rm byte) byte {
	return mod | ((reg & 7) << 3) | (rm & 7)
}

// sib builds the SIB byte: [scale:2][index:3][base:3]
func sib(scale uint8, index, base byte) byte {
	var ss byte
	switch scale {
	case 2:
		ss = 1
	case 4:
		ss = 2
	case 8:
		ss = 3
	}
	return ss<<6 | (index&7)<<3 | (base & 7)
}

// memOperand is [base + index*scale + disp] with a 32-bit displacement.
type memOperand struct {
	base  Reg
	index Reg
	scale uint8
	disp  int32
}

// emitMemOperand emits ModR/M, SIB and displacement for a memory operand.
// RSP/R12 bases always need a SIB byte; RBP/R13 bases cannot use mod=00.
func (e *encoder) emitMemOperand(reg byte, m memOperand) {
	var mod byte
	switch {
	case m.disp == 0 && m.base.low() != 5:
		mod = 0x00
	case m.disp >= -128 && m.disp <= 127:
		mod = 0x40
	default:
		mod = 0x80
	}
	if m.index != NoReg || m.base.low() == 4 {
		index := byte(4) // 100 = no index
		if m.index != NoReg {
			index = m.index.low()
		}
		e.emit(modRM(mod, reg, 4), sib(m.scale, index, m.base.low()))
	} else {
		e.emit(modRM(mod, reg, m.base.low()))
	}
	switch mod {
	case 0x40:
		e.emit(byte(int8(m.disp)))
	case 0x80:
		e.emitInt32(m.disp)
	}
}

func fitsInt8(v int64) bool { return v >= -128 && v <= 127 }
func fitsInt32(v int64) bool { return v >= -1<<31 && v <= 1<<31-1 }

// Rel32 returns the displacement of a rel32 operand whose instruction ends
// at next and targets target, and whether it is in range.
func Rel32(next, target uintptr) (int32, bool) {
	d := int64(target) - int64(next)
	return int32(d), fitsInt32(d)
}
