//go:build !linux || !amd64

package jit

import (
	"errors"

	"tracejit/pkg/ir"
)

var ErrUnsupported = errors.New("jit: native code needs linux/amd64")

// CompiledTrace is a stub for platforms without native execution.
type CompiledTrace struct {
	Name     string
	Depth    int
	GuardIDs []int
	FinishID int
	Segments []Segment
}

func (ct *CompiledTrace) CodeSize() int { return 0 }

// Exit is a stub for platforms without native execution.
type Exit struct {
	ID    int
	Guard bool
	Kinds []ir.Kind
}

// Runtime is a stub for platforms without native execution.
type Runtime struct{}

func NewRuntime(Config) (*Runtime, error) { return nil, ErrUnsupported }

func (r *Runtime) CompileLoop(*ir.Trace) (*CompiledTrace, error) { return nil, ErrUnsupported }

func (r *Runtime) AttachBridge(int, *ir.Trace) (*CompiledTrace, error) {
	return nil, ErrUnsupported
}

func (r *Runtime) Execute(*CompiledTrace, []int64) (int, error) { return 0, ErrUnsupported }

func (r *Runtime) Outputs(int) ([]int64, error) { return nil, ErrUnsupported }

func (r *Runtime) Exit(int) (*Exit, bool) { return nil, false }

func (r *Runtime) Enabled() bool { return false }

func (r *Runtime) Stats() Stats { return Stats{} }

func (r *Runtime) Free() error { return nil }
