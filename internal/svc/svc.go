// Package svc implements the SVC dispatch table: a self-registering
// registry of handlers keyed by the 20-bit immediate encoded in the guest
// SVC instruction. Pulling that immediate, the argument registers, and the
// return address out of the CPU engine at the point of an SVC interrupt is
// left to the caller (internal/runtime).
package svc

import (
	"fmt"
	"sync"
)

// Regs is the narrow register surface a handler needs: AAPCS argument
// registers plus the ability to set a return value and move pc.
type Regs interface {
	Arg(n int) uint32    // r0..r3
	SetReturn(v uint32)  // r0
	SP() uint32
	LR() uint32
	SetPC(addr uint32)
}

// Mem is the narrow memory surface a handler needs.
type Mem interface {
	Read(addr, size uint32) ([]byte, error)
	Write(addr uint32, data []byte) error
}

// Context is everything a handler gets to do its job: register and memory
// access, plus an opaque machine handle for handlers that need more (the
// scheduler, the loader registry) than the narrow Regs/Mem surfaces offer.
// Machine is typed any specifically to avoid an import cycle with
// internal/runtime, which imports this package to build the table.
type Context struct {
	Regs    Regs
	Mem     Mem
	Machine any
}

// Handler services one SVC id. It returns an error only for conditions the
// caller should treat as a guest fault; ordinary failures are reported to
// the guest via SetReturn the way the native syscalls do.
type Handler func(*Context) error

// Def is a self-registered handler, named for logging and trace output.
type Def struct {
	ID      uint32
	Name    string
	Handler Handler
}

// Table is the SVC dispatch table.
type Table struct {
	mu       sync.RWMutex
	handlers map[uint32]*Def
}

// NewTable returns an empty dispatch table.
func NewTable() *Table {
	return &Table{handlers: map[uint32]*Def{}}
}

// DefaultTable is the process-wide table populated by each syscalls/*
// package's init() function, mirroring the teacher's DefaultRegistry
// idiom.
var DefaultTable = NewTable()

// Register installs a handler under its SVC id. Re-registering an id
// overwrites the previous definition, matching the teacher registry's
// last-writer-wins semantics.
func (t *Table) Register(d Def) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[d.ID] = &d
}

// Lookup returns the handler registered for id, if any.
func (t *Table) Lookup(id uint32) (*Def, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	d, ok := t.handlers[id]
	return d, ok
}

// ErrNoHandler reports an SVC id with no registered handler.
type ErrNoHandler struct{ ID uint32 }

func (e *ErrNoHandler) Error() string {
	return fmt.Sprintf("svc: no handler registered for id 0x%x", e.ID)
}

// Dispatch looks up and invokes the handler for id, returning ErrNoHandler
// if none is registered. The SVC-id extraction itself (masking the fetched
// instruction word, advancing lr/sp/pc) is the caller's job since it needs
// direct engine access this package intentionally doesn't have.
func (t *Table) Dispatch(id uint32, c *Context) error {
	d, ok := t.Lookup(id)
	if !ok {
		return &ErrNoHandler{ID: id}
	}
	return d.Handler(c)
}
