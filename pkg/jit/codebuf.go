package jit

import (
	"fmt"

	errs "tracejit/pkg/errors"
	"tracejit/pkg/jit/x86"
)

const (
	jmpLen = 5 // jmp rel32
	// maxInstLen covers one instruction plus the R11 sequence the encoder
	// may synthesize in front of it.
	maxInstLen = 32
)

// PageSource supplies fixed-size pages of code memory.
type PageSource interface {
	Allocate(size int) (uintptr, []byte, error)
}

type codePage struct {
	addr uintptr
	mem  []byte
	used int
}

func (p *codePage) room() int { return len(p.mem) - jmpLen - p.used }

// Position is a point in the buffer.
type Position struct {
	page, off int
}

// Segment is one contiguous run of emitted code.
type Segment struct {
	Addr uintptr
	Code []byte
}

// PatchSite is an instruction that can be re-encoded in place later. A new
// encoding must have exactly the original length.
type PatchSite struct {
	Addr     uintptr
	Mnemonic x86.Mnemonic
	Operands []x86.Loc
	Len      int
	mem      []byte
}

// Repatch re-encodes the site with new operands.
func (p *PatchSite) Repatch(ops ...x86.Loc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			ee, ok := r.(*errs.EncodingError)
			if !ok {
				panic(r)
			}
			err = ee
		}
	}()
	code := x86.Encode(make([]byte, 0, p.Len), p.Addr, p.Mnemonic, ops...)
	if len(code) != p.Len {
		return fmt.Errorf("patch site %#x: %s needs %d bytes, site has %d", p.Addr, p.Mnemonic, len(code), p.Len)
	}
	copy(p.mem, code)
	p.Operands = append(p.Operands[:0], ops...)
	return nil
}

// Target is the absolute destination of a patched branch.
func (p *PatchSite) Target() uintptr {
	if len(p.Operands) == 0 || !p.Operands[len(p.Operands)-1].IsImm() {
		return 0
	}
	return uintptr(p.Operands[len(p.Operands)-1].Imm)
}

// Label is a branch target that may be bound after branches to it are
// emitted.
type Label struct {
	addr  uintptr
	bound bool
	refs  []*PatchSite
}

func (l *Label) Addr() uintptr { return l.addr }
func (l *Label) Bound() bool   { return l.bound }

// CodeBuffer appends machine code to a chain of pages. When a page fills up
// the next one is linked with a jmp, so code runs straight across the
// boundary. Failures panic with *errors.CompileError.
type CodeBuffer struct {
	src      PageSource
	pageSize int
	pages    []*codePage
	cur      *codePage
	patches  []*PatchSite
	opAddrs  map[int]uintptr
	total    int
	// opLimit is the page offset the open op may not pass, or -1.
	opLimit int
}

// NewCodeBuffer takes its first page from src.
func NewCodeBuffer(src PageSource, pageSize int) (*CodeBuffer, error) {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if pageSize < 4*maxInstLen {
		return nil, fmt.Errorf("code page of %d bytes is too small", pageSize)
	}
	cb := &CodeBuffer{src: src, pageSize: pageSize, opAddrs: make(map[int]uintptr), opLimit: -1}
	p, err := cb.newPage()
	if err != nil {
		return nil, err
	}
	cb.cur = p
	return cb, nil
}

func (cb *CodeBuffer) newPage() (*codePage, error) {
	addr, mem, err := cb.src.Allocate(cb.pageSize)
	if err != nil {
		return nil, errs.WrapCompileError(fmt.Errorf("%w: %v", errs.ErrCodeBufferFull, err), "new code page")
	}
	p := &codePage{addr: addr, mem: mem}
	cb.pages = append(cb.pages, p)
	return p, nil
}

// Addr is the address the next byte will run at.
func (cb *CodeBuffer) Addr() uintptr {
	return cb.cur.addr + uintptr(cb.cur.used)
}

// Mark returns the current position.
func (cb *CodeBuffer) Mark() Position {
	return Position{page: len(cb.pages) - 1, off: cb.cur.used}
}

// Since returns the code emitted after pos, one segment per page.
func (cb *CodeBuffer) Since(pos Position) []Segment {
	var out []Segment
	for i := pos.page; i < len(cb.pages); i++ {
		p := cb.pages[i]
		start := 0
		if i == pos.page {
			start = pos.off
		}
		if p.used > start {
			out = append(out, Segment{Addr: p.addr + uintptr(start), Code: p.mem[start:p.used]})
		}
	}
	return out
}

// Size is the number of bytes emitted, page links included.
func (cb *CodeBuffer) Size() int { return cb.total }

// Pages is the number of pages in the chain.
func (cb *CodeBuffer) Pages() int { return len(cb.pages) }

// Reserve makes sure the next n bytes land on the current page, linking a
// fresh page first if they would not fit. Inside an op nothing is linked:
// the op's reservation must still cover n bytes.
func (cb *CodeBuffer) Reserve(n int) {
	if cb.opLimit >= 0 {
		if cb.cur.used+n > cb.opLimit {
			panic(errs.CompileErrorf(errs.ErrCodeBufferFull, "op at %#x outgrew its reservation", cb.Addr()))
		}
		return
	}
	if limit := cb.pageSize - jmpLen; n > limit {
		panic(errs.CompileErrorf(errs.ErrCodeBufferFull, "%d bytes do not fit on a %d-byte page", n, cb.pageSize))
	}
	if cb.cur.room() >= n {
		return
	}
	p, err := cb.newPage()
	if err != nil {
		panic(err)
	}
	old := cb.cur
	code := x86.Encode(old.mem[:old.used], old.addr+uintptr(old.used), x86.JMP, x86.Imm(int64(p.addr)))
	cb.total += len(code) - old.used
	old.used = len(code)
	cb.cur = p
}

// BeginOp closes any open op, reserves n bytes and opens a new one. Until
// the op is closed all of its code stays on one page.
func (cb *CodeBuffer) BeginOp(n int) {
	cb.EndOp()
	cb.Reserve(n)
	cb.opLimit = cb.cur.used + n
}

// EndOp closes the open op, if any.
func (cb *CodeBuffer) EndOp() { cb.opLimit = -1 }

// Emit appends one instruction.
func (cb *CodeBuffer) Emit(m x86.Mnemonic, ops ...x86.Loc) {
	cb.emit(m, ops)
}

func (cb *CodeBuffer) emit(m x86.Mnemonic, ops []x86.Loc) (uintptr, []byte) {
	p := cb.cur
	limit := cb.opLimit
	if limit < 0 {
		cb.Reserve(maxInstLen)
		p = cb.cur
		limit = len(p.mem) - jmpLen
	}
	start := p.used
	code := x86.Encode(p.mem[:start:limit], p.addr+uintptr(start), m, ops...)
	switch {
	case len(code) > limit && cb.opLimit >= 0:
		panic(errs.CompileErrorf(errs.ErrCodeBufferFull, "op at %#x outgrew its reservation", p.addr+uintptr(start)))
	case len(code) > limit:
		panic(errs.CompileErrorf(errs.ErrCodeBufferFull, "%s overran its page", m))
	}
	p.used = len(code)
	cb.total += p.used - start
	return p.addr + uintptr(start), p.mem[start:p.used]
}

// EmitPatchable appends one instruction and records it as a patch site.
func (cb *CodeBuffer) EmitPatchable(m x86.Mnemonic, ops ...x86.Loc) *PatchSite {
	addr, mem := cb.emit(m, ops)
	site := &PatchSite{
		Addr:     addr,
		Mnemonic: m,
		Operands: append([]x86.Loc(nil), ops...),
		Len:      len(mem),
		mem:      mem,
	}
	cb.patches = append(cb.patches, site)
	return site
}

// PatchSites lists every patchable instruction in emission order.
func (cb *CodeBuffer) PatchSites() []*PatchSite { return cb.patches }

// NewLabel returns an unbound label.
func (cb *CodeBuffer) NewLabel() *Label { return &Label{} }

// Branch emits JMP, CALL or Jcc to l. A branch to an unbound label points at
// itself until Bind fixes it up.
func (cb *CodeBuffer) Branch(m x86.Mnemonic, l *Label) {
	if l.bound {
		cb.Emit(m, x86.Imm(int64(l.addr)))
		return
	}
	cb.Reserve(maxInstLen)
	site := cb.EmitPatchable(m, x86.Imm(int64(cb.Addr())))
	l.refs = append(l.refs, site)
}

// Bind places l at the current address and resolves branches to it.
func (cb *CodeBuffer) Bind(l *Label) {
	if l.bound {
		panic(fmt.Sprintf("jit: label bound twice at %#x", l.addr))
	}
	cb.Reserve(maxInstLen)
	l.addr, l.bound = cb.Addr(), true
	for _, site := range l.refs {
		if err := site.Repatch(x86.Imm(int64(l.addr))); err != nil {
			panic(errs.WrapCompileError(err, "resolve label"))
		}
	}
	l.refs = nil
}

// MarkOp records the address of the first byte of op i.
func (cb *CodeBuffer) MarkOp(i int) {
	cb.opAddrs[i] = cb.Addr()
}

// OpAddrs returns and clears the op address table.
func (cb *CodeBuffer) OpAddrs() map[int]uintptr {
	out := cb.opAddrs
	cb.opAddrs = make(map[int]uintptr)
	return out
}
