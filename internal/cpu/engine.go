// Package cpu wraps the Unicorn engine with the narrow capability set the
// rest of the runtime needs: map/unmap, register batch access, execution
// control, context snapshots, and hook installation. Nothing in this
// package knows about guest threads, PE images, or syscalls.
package cpu

import (
	"fmt"

	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"
)

// Engine drives a single ARM/Thumb Unicorn instance. All methods must be
// called from the same goroutine; hook callbacks run synchronously on that
// goroutine too.
type Engine struct {
	mu uc.Unicorn
}

// New opens a Unicorn instance in ARM mode. Thumb interworking is handled
// per-call by callers starting execution at a Thumb-tagged pc, not by a
// separate engine mode switch.
func New() (*Engine, error) {
	mu, err := uc.NewUnicorn(uc.ARCH_ARM, uc.MODE_ARM)
	if err != nil {
		return nil, fmt.Errorf("open unicorn arm: %w", err)
	}
	return &Engine{mu: mu}, nil
}

// Close releases the underlying Unicorn instance.
func (e *Engine) Close() error {
	return e.mu.Close()
}

// Map maps a zero-filled, read/write/exec region at a page-aligned guest
// address. Callers are responsible for page-rounding.
func (e *Engine) Map(base, size uint64) error {
	if err := e.mu.MemMap(base, size); err != nil {
		return fmt.Errorf("map 0x%x/0x%x: %w", base, size, err)
	}
	return nil
}

// Unmap releases a previously mapped region.
func (e *Engine) Unmap(base, size uint64) error {
	if err := e.mu.MemUnmap(base, size); err != nil {
		return fmt.Errorf("unmap 0x%x/0x%x: %w", base, size, err)
	}
	return nil
}

// MemRead reads size bytes starting at the guest address.
func (e *Engine) MemRead(addr, size uint64) ([]byte, error) {
	return e.mu.MemRead(addr, size)
}

// MemWrite writes data starting at the guest address.
func (e *Engine) MemWrite(addr uint64, data []byte) error {
	return e.mu.MemWrite(addr, data)
}

// Reg reads a single register by its uc.ARM_REG_* id.
func (e *Engine) Reg(id int) (uint64, error) {
	return e.mu.RegRead(id)
}

// SetReg writes a single register by its uc.ARM_REG_* id.
func (e *Engine) SetReg(id int, val uint64) error {
	return e.mu.RegWrite(id, val)
}

// RegBatch reads several registers in one call.
func (e *Engine) RegBatch(ids []int) ([]uint64, error) {
	vals := make([]uint64, len(ids))
	for i, id := range ids {
		v, err := e.mu.RegRead(id)
		if err != nil {
			return nil, fmt.Errorf("reg batch read %d: %w", id, err)
		}
		vals[i] = v
	}
	return vals, nil
}

// SetRegBatch writes several registers in one call.
func (e *Engine) SetRegBatch(ids []int, vals []uint64) error {
	for i, id := range ids {
		if err := e.mu.RegWrite(id, vals[i]); err != nil {
			return fmt.Errorf("reg batch write %d: %w", id, err)
		}
	}
	return nil
}

// QueryThumb reports whether the engine is currently executing in Thumb
// mode.
func (e *Engine) QueryThumb() bool {
	mode, err := e.mu.QueryMode(uc.QUERY_MODE)
	if err != nil {
		return false
	}
	return mode&uc.MODE_THUMB != 0
}

// Start runs the guest starting at pc (LSB tags Thumb entry) until a hook
// stops it or a fault occurs.
func (e *Engine) Start(pc uint64) error {
	return e.mu.Start(pc, 0)
}

// Stop ends the current Start call from within a hook.
func (e *Engine) Stop() error {
	return e.mu.Stop()
}

// Context is an opaque saved register snapshot. Callers (the scheduler, in
// particular) round-trip it through SaveContext/RestoreContext without
// inspecting it.
type Context struct {
	ctx uc.Context
}

// SaveContext captures the engine's full register file. The return type is
// any rather than *Context so the scheduler's engine interface stays
// implementation-agnostic.
func (e *Engine) SaveContext() (any, error) {
	ctx, err := e.mu.ContextSave(nil)
	if err != nil {
		return nil, fmt.Errorf("context save: %w", err)
	}
	return &Context{ctx: ctx}, nil
}

// RestoreContext replays a previously saved register file produced by
// SaveContext. A nil context, or a value not produced by this package, is a
// no-op.
func (e *Engine) RestoreContext(c any) error {
	if c == nil {
		return nil
	}
	ctx, ok := c.(*Context)
	if !ok {
		return nil
	}
	return e.mu.ContextRestore(ctx.ctx)
}

// HookCode installs a per-block hook (UC_HOOK_BLOCK) that fires at the
// start of each translated basic block whose address lies in the inclusive
// range [begin, end]. begin > end hooks every block.
func (e *Engine) HookCode(begin, end uint64, cb func(addr uint64, size uint32)) (uc.Hook, error) {
	return e.mu.HookAdd(uc.HOOK_BLOCK, func(mu uc.Unicorn, addr uint64, size uint32) {
		cb(addr, size)
	}, begin, end)
}

// HookIntr installs the SVC/interrupt hook.
func (e *Engine) HookIntr(cb func(intno uint32)) (uc.Hook, error) {
	return e.mu.HookAdd(uc.HOOK_INTR, func(mu uc.Unicorn, intno uint32) {
		cb(intno)
	}, 1, 0)
}

// HookMemUnmapped installs a hook firing on unmapped read/write/fetch.
func (e *Engine) HookMemUnmapped(cb func(access int, addr uint64, size int, value int64) bool) (uc.Hook, error) {
	return e.mu.HookAdd(uc.HOOK_MEM_UNMAPPED, func(mu uc.Unicorn, access int, addr uint64, size int, value int64) bool {
		return cb(access, addr, size, value)
	}, 1, 0)
}

// RemoveHook uninstalls a previously installed hook.
func (e *Engine) RemoveHook(h uc.Hook) error {
	return e.mu.HookDel(h)
}
