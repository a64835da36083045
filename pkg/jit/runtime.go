//go:build linux && amd64

package jit

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"

	errs "tracejit/pkg/errors"
	"tracejit/pkg/ir"
	"tracejit/pkg/jit/asm"
	"tracejit/pkg/jit/x86"
)

// Runtime owns executable memory, the data page shared with generated code,
// the native stack and every compiled trace. One mutex serializes
// compilation, bridge attachment and execution.
type Runtime struct {
	mu      sync.Mutex
	cfg     Config
	execMem *ExecutableMemory
	code    *CodeBuffer
	data    []byte
	nursery []byte
	stack   []byte

	epilogue      uintptr
	memoryError   uintptr
	internalError uintptr
	malloc        uintptr

	loops    map[*ir.LoopToken]*CompiledTrace
	exits    map[int]*Exit
	gcmaps   map[uintptr]*GCMap
	nextExit int
	traces   int
	bridges  int
	enabled  bool
	freed    bool
}

// NewRuntime maps memory and emits the shared routines: the epilogue every
// exit jumps to, the error exits and the allocation helper.
func NewRuntime(cfg Config) (*Runtime, error) {
	cfg = cfg.withDefaults()
	execMem, err := NewExecutableMemory(cfg.CodeSize)
	if err != nil {
		return nil, err
	}
	r := &Runtime{
		cfg:      cfg,
		execMem:  execMem,
		loops:    make(map[*ir.LoopToken]*CompiledTrace),
		exits:    make(map[int]*Exit),
		gcmaps:   make(map[uintptr]*GCMap),
		nextExit: 1,
		enabled:  !cfg.Disabled,
	}
	if err := r.init(); err != nil {
		r.Free()
		return nil, err
	}
	return r, nil
}

func (r *Runtime) init() (err error) {
	if r.code, err = NewCodeBuffer(r.execMem, r.cfg.PageSize); err != nil {
		return err
	}
	if r.data, err = mapData(DataSlots + 8*r.cfg.MaxExchangeSlots); err != nil {
		return err
	}
	if r.nursery, err = mapData(r.cfg.NurserySize); err != nil {
		return err
	}
	if r.stack, err = mapData(r.cfg.StackSize); err != nil {
		return err
	}
	r.resetNursery()

	defer recoverCompile(&err)
	r.epilogue = r.emitEpilogue()
	r.memoryError = r.emitErrorExit(ExitMemoryError)
	r.internalError = r.emitErrorExit(ExitInternalError)
	r.malloc = r.cfg.Helpers.Malloc
	if r.malloc == 0 {
		r.malloc = r.emitMalloc()
	}
	return nil
}

func (r *Runtime) dataAddr(off int) int64 {
	return int64(addrOf(r.data) + uintptr(off))
}

// emitEpilogue restores the callee-saved registers the prologue pushed and
// returns the failure id to the trampoline.
func (r *Runtime) emitEpilogue() uintptr {
	cb := r.code
	start := cb.Addr()
	cb.Emit(x86.MOV, x86.RegLoc(x86.Scratch), x86.Imm(r.dataAddr(0)))
	cb.Emit(x86.MOV, x86.RegLoc(x86.RAX), x86.Addr(x86.Scratch, DataFailID))
	cb.Emit(x86.LEA, x86.RegLoc(x86.RSP), x86.Addr(x86.RBP, -x86.FrameHeader))
	for i := len(x86.CalleeSaved) - 1; i >= 0; i-- {
		cb.Emit(x86.POP, x86.RegLoc(x86.CalleeSaved[i]))
	}
	cb.Emit(x86.POP, x86.RegLoc(x86.RBP))
	cb.Emit(x86.RET)
	return start
}

func (r *Runtime) emitErrorExit(id int) uintptr {
	cb := r.code
	start := cb.Addr()
	cb.Emit(x86.MOV, x86.RegLoc(x86.Scratch), x86.Imm(r.dataAddr(0)))
	cb.Emit(x86.MOV, x86.Addr(x86.Scratch, DataFailID), x86.Imm(int64(id)))
	cb.Emit(x86.JMP, x86.Imm(int64(r.epilogue)))
	return start
}

// emitMalloc is a bump allocator over the nursery. Memory is never reused,
// so it is zero from the mapping.
func (r *Runtime) emitMalloc() uintptr {
	cb := r.code
	start := cb.Addr()
	scratch, rax, rdi := x86.RegLoc(x86.Scratch), x86.RegLoc(x86.RAX), x86.RegLoc(x86.RDI)
	fail := cb.NewLabel()
	cb.Emit(x86.MOV, scratch, x86.Imm(r.dataAddr(0)))
	cb.Emit(x86.MOV, rax, x86.Addr(x86.Scratch, DataNurseryFree))
	cb.Emit(x86.ADD, rdi, x86.Imm(7))
	cb.Emit(x86.AND, rdi, x86.Imm(-8))
	cb.Emit(x86.ADD, rdi, rax)
	cb.Emit(x86.CMP, rdi, x86.Addr(x86.Scratch, DataNurseryTop))
	cb.Branch(x86.J(x86.CondA), fail)
	cb.Emit(x86.MOV, x86.Addr(x86.Scratch, DataNurseryFree), rdi)
	cb.Emit(x86.RET)
	cb.Bind(fail)
	cb.Emit(x86.XOR, rax, rax)
	cb.Emit(x86.RET)
	return start
}

func (r *Runtime) resetNursery() {
	r.put(DataNurseryFree, int64(addrOf(r.nursery)))
	r.put(DataNurseryTop, int64(addrOf(r.nursery)+uintptr(len(r.nursery))))
}

// put and get touch the data page. Once the runtime is freed writes are
// dropped and reads return 0.
func (r *Runtime) put(off int, v int64) {
	if r.data != nil {
		binary.LittleEndian.PutUint64(r.data[off:], uint64(v))
	}
}

func (r *Runtime) get(off int) int64 {
	if r.data == nil {
		return 0
	}
	return int64(binary.LittleEndian.Uint64(r.data[off:]))
}

func (r *Runtime) checkSlot(slot int) {
	if slot < 0 || slot >= r.cfg.MaxExchangeSlots {
		panic(fmt.Sprintf("jit: exchange slot %d out of range", slot))
	}
}

// Enabled returns whether JIT is enabled
func (r *Runtime) Enabled() bool {
	return r != nil && r.enabled
}

// SetEnabled enables or disables JIT
func (r *Runtime) SetEnabled(enabled bool) {
	if r != nil {
		r.mu.Lock()
		r.enabled = enabled
		r.mu.Unlock()
	}
}

// Execute enters a compiled root trace with inputs in its exchange slots and
// runs until a guard without a bridge fails or a finish is reached. Float
// inputs are passed as their IEEE bits.
func (r *Runtime) Execute(ct *CompiledTrace, inputs []int64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.freed {
		return 0, ErrFreed
	}

	if ct.IsBridge() {
		return 0, fmt.Errorf("trace %s is a bridge and has no entry", ct.Name)
	}
	if len(inputs) != len(ct.EntryLocs) {
		return 0, fmt.Errorf("trace %s takes %d inputs, got %d", ct.Name, len(ct.EntryLocs), len(inputs))
	}
	for i, v := range inputs {
		r.put(DataSlots+8*i, v)
	}
	r.put(DataFailID, 0)
	id := int(asm.CallNative(ct.Entry, addrOf(r.stack)+uintptr(len(r.stack))))
	switch id {
	case ExitMemoryError:
		return id, ErrMemoryError
	case ExitInternalError:
		return id, ErrInternalError
	}
	return id, nil
}

// SetInput writes an exchange slot.
func (r *Runtime) SetInput(slot int, v int64) {
	r.checkSlot(slot)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.put(DataSlots+8*slot, v)
}

// ReadOutput reads an exchange slot after Execute returned. A freed runtime
// reads 0.
func (r *Runtime) ReadOutput(slot int) int64 {
	r.checkSlot(slot)
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.get(DataSlots + 8*slot)
}

func (r *Runtime) ReadOutputFloat(slot int) float64 {
	return math.Float64frombits(uint64(r.ReadOutput(slot)))
}

// Outputs reads the exit values of failure id as raw words.
func (r *Runtime) Outputs(id int) ([]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.freed {
		return nil, ErrFreed
	}
	e, ok := r.exits[id]
	if !ok {
		return nil, errs.CompileErrorf(errs.ErrUnknownGuard, "failure id %d", id)
	}
	out := make([]int64, len(e.Kinds))
	for i := range out {
		out[i] = r.get(DataSlots + 8*i)
	}
	return out, nil
}

// Exception returns the pending exception pair.
func (r *Runtime) Exception() (typ, value int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.get(DataExcType), r.get(DataExcValue)
}

// SetException makes typ/value pending, as a raising helper would.
func (r *Runtime) SetException(typ, value int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.put(DataExcType, typ)
	r.put(DataExcValue, value)
}

// SavedException returns the pair a failing exception guard put aside.
func (r *Runtime) SavedException() (typ, value int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.get(DataSavedExcType), r.get(DataSavedExcValue)
}

// ClearSavedException forgets the saved pair once it has been handled.
func (r *Runtime) ClearSavedException() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.put(DataSavedExcType, 0)
	r.put(DataSavedExcValue, 0)
}

// DataAddr is the absolute address of a data page field, for helpers that
// raise or allocate. It is 0 once the runtime is freed.
func (r *Runtime) DataAddr(off int) uintptr {
	if r.data == nil {
		return 0
	}
	return uintptr(r.dataAddr(off))
}

// Helpers returns the routines generated code calls.
func (r *Runtime) Helpers() Helpers {
	return Helpers{Malloc: r.malloc}
}

// ResetNursery discards everything allocated so far. Only safe when no
// object in the nursery is still referenced.
func (r *Runtime) ResetNursery() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.freed {
		return
	}
	for i := range r.nursery {
		r.nursery[i] = 0
	}
	r.resetNursery()
}

// AssembleHelper emits a native routine with the same encoder as traces and
// returns its address.
func (r *Runtime) AssembleHelper(emit func(cb *CodeBuffer)) (addr uintptr, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.freed {
		return 0, ErrFreed
	}
	defer recoverCompile(&err)
	r.code.Reserve(64)
	addr = r.code.Addr()
	emit(r.code)
	return addr, nil
}

// Exit returns the descriptor of a guard or finish id.
func (r *Runtime) Exit(id int) (*Exit, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.exits[id]
	return e, ok
}

// Roots returns the GC map of the call whose return address is retAddr.
func (r *Runtime) Roots(retAddr uintptr) (*GCMap, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.gcmaps[retAddr]
	return m, ok
}

// Loop returns the compiled loop for a token.
func (r *Runtime) Loop(tok *ir.LoopToken) (*CompiledTrace, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ct, ok := r.loops[tok]
	return ct, ok
}

// Stats returns JIT compilation statistics
func (r *Runtime) Stats() Stats {
	if r == nil {
		return Stats{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Stats{
		TracesCompiled:  r.traces,
		BridgesAttached: r.bridges,
		Enabled:         r.enabled,
	}
	if r.code != nil {
		s.CodeBytes, s.CodePages = r.code.Size(), r.code.Pages()
	}
	if r.data != nil {
		s.NurseryUsed = int(uintptr(r.get(DataNurseryFree)) - addrOf(r.nursery))
	}
	return s
}

// Free releases all JIT resources. Afterwards Execute, Outputs and the
// compile entry points return ErrFreed; freeing again does nothing.
func (r *Runtime) Free() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.freed {
		return nil
	}
	r.freed = true
	var err error
	for _, m := range [][]byte{r.data, r.nursery, r.stack} {
		if m != nil {
			err = errors.Join(err, unmapData(m))
		}
	}
	r.data, r.nursery, r.stack = nil, nil, nil
	if r.execMem != nil {
		err = errors.Join(err, r.execMem.Free())
		r.execMem = nil
	}
	return err
}

func (r *Runtime) logf(format string, args ...interface{}) {
	if r.cfg.Verbose {
		log.Printf("[jit] "+format, args...)
	}
}

// recoverCompile turns a *CompileError panic into the returned error.
func recoverCompile(err *error) {
	if rec := recover(); rec != nil {
		ce, ok := rec.(*errs.CompileError)
		if !ok {
			panic(rec)
		}
		*err = ce
	}
}
