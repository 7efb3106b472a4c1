// Package heap binds the dynamic-memory syscalls to the real cookie-guarded
// allocator in internal/memory, unlike the teacher's leaking bump-allocator
// stub it replaces.
package heap

import (
	"github.com/primu-emu/primu/internal/memory"
	"github.com/primu-emu/primu/internal/runtime"
	"github.com/primu-emu/primu/internal/svc"
)

func init() {
	svc.DefaultTable.Register(svc.Def{ID: svc.IDLMalloc, Name: "lmalloc", Handler: lmalloc})
	svc.DefaultTable.Register(svc.Def{ID: svc.IDLCalloc, Name: "lcalloc", Handler: lcalloc})
	svc.DefaultTable.Register(svc.Def{ID: svc.IDLRealloc, Name: "lrealloc", Handler: lrealloc})
	svc.DefaultTable.Register(svc.Def{ID: svc.IDLFree, Name: "_lfree", Handler: lfree})
}

func mem(c *svc.Context) (*memory.Manager, bool) {
	m, ok := c.Machine.(*runtime.Machine)
	if !ok {
		return nil, false
	}
	return m.Memory, true
}

func lmalloc(c *svc.Context) error {
	mm, ok := mem(c)
	if !ok {
		c.Regs.SetReturn(0)
		return nil
	}
	addr, err := mm.HeapAlloc(c.Regs.Arg(0))
	if err != nil {
		c.Regs.SetReturn(0)
		return nil
	}
	c.Regs.SetReturn(addr)
	return nil
}

func lcalloc(c *svc.Context) error {
	mm, ok := mem(c)
	if !ok {
		c.Regs.SetReturn(0)
		return nil
	}
	count, size := c.Regs.Arg(0), c.Regs.Arg(1)
	total := count * size
	addr, err := mm.HeapAlloc(total)
	if err != nil {
		c.Regs.SetReturn(0)
		return nil
	}
	zero := make([]byte, total)
	_ = mm.Write(addr, zero)
	c.Regs.SetReturn(addr)
	return nil
}

func lrealloc(c *svc.Context) error {
	mm, ok := mem(c)
	if !ok {
		c.Regs.SetReturn(0)
		return nil
	}
	addr := c.Regs.Arg(0)
	newSize := c.Regs.Arg(1)
	newAddr, err := mm.HeapRealloc(addr, newSize)
	if err != nil {
		c.Regs.SetReturn(0)
		return nil
	}
	c.Regs.SetReturn(newAddr)
	return nil
}

func lfree(c *svc.Context) error {
	mm, ok := mem(c)
	if !ok {
		c.Regs.SetReturn(0)
		return nil
	}
	if err := mm.HeapFree(c.Regs.Arg(0)); err != nil {
		if _, corrupt := err.(*memory.CorruptionError); corrupt {
			return err
		}
		c.Regs.SetReturn(0)
		return nil
	}
	c.Regs.SetReturn(1)
	return nil
}
