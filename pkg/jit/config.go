// Package jit compiles traces to x86-64 and runs them. Generated code only
// runs on linux/amd64; elsewhere NewRuntime fails and callers stay on the
// interpreter.
package jit

import "errors"

const (
	DefaultCodeSize = 16 * 1024 * 1024 // one mapping for every code page
	DefaultPageSize = 64 * 1024
)

// Data page layout. Generated code embeds the page address, so the page
// never moves.
const (
	DataFailID        = 0
	DataExcType       = 8
	DataExcValue      = 16
	DataSavedExcType  = 24
	DataSavedExcValue = 32
	DataNurseryFree   = 40
	DataNurseryTop    = 48
	DataSlots         = 64
)

// Failure ids the runtime itself produces. Guard and finish ids are
// positive.
const (
	ExitMemoryError   = -1
	ExitInternalError = -2
)

var (
	ErrMemoryError   = errors.New("allocation helper returned null")
	ErrInternalError = errors.New("exception pending after a call that cannot raise")
	ErrDisabled      = errors.New("jit disabled")
	ErrFreed         = errors.New("jit runtime freed")
)

// Helpers are native routines generated code calls. A zero field selects
// the runtime's own implementation.
type Helpers struct {
	// Malloc takes a byte size in RDI and returns zeroed memory in RAX, or
	// 0 when out of memory.
	Malloc uintptr
}

// Config sizes a Runtime.
type Config struct {
	CodeSize          int
	PageSize          int
	MaxFrameSlots     int
	MaxExchangeSlots  int
	NurserySize       int
	StackSize         int
	AssertNoException bool
	Disabled          bool
	Verbose           bool
	Helpers           Helpers
}

// DefaultConfig returns the sizes used when a field is left zero.
func DefaultConfig() Config {
	return Config{
		CodeSize:         DefaultCodeSize,
		PageSize:         DefaultPageSize,
		MaxFrameSlots:    4096,
		MaxExchangeSlots: 1024,
		NurserySize:      4 << 20,
		StackSize:        1 << 20,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.CodeSize <= 0 {
		c.CodeSize = d.CodeSize
	}
	if c.PageSize <= 0 {
		c.PageSize = d.PageSize
	}
	if c.MaxFrameSlots <= 0 {
		c.MaxFrameSlots = d.MaxFrameSlots
	}
	if c.MaxExchangeSlots <= 0 {
		c.MaxExchangeSlots = d.MaxExchangeSlots
	}
	if c.NurserySize <= 0 {
		c.NurserySize = d.NurserySize
	}
	if c.StackSize <= 0 {
		c.StackSize = d.StackSize
	}
	return c
}

// Stats summarizes what a Runtime has compiled and allocated.
type Stats struct {
	TracesCompiled  int
	BridgesAttached int
	CodeBytes       int
	CodePages       int
	NurseryUsed     int
	Enabled         bool
}

