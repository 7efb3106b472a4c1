// Package thread binds thread lifecycle and critical-section syscalls to
// internal/scheduler.
package thread

import (
	"sync"

	"github.com/primu-emu/primu/internal/runtime"
	"github.com/primu-emu/primu/internal/scheduler"
	"github.com/primu-emu/primu/internal/svc"
)

func init() {
	svc.DefaultTable.Register(svc.Def{ID: svc.IDOSCreateThread, Name: "OSCreateThread", Handler: osCreateThread})
	svc.DefaultTable.Register(svc.Def{ID: svc.IDOSSetThreadPriority, Name: "OSSetThreadPriority", Handler: osSetThreadPriority})
	svc.DefaultTable.Register(svc.Def{ID: svc.IDOSInitCriticalSection, Name: "OSInitCriticalSection", Handler: osInitCriticalSection})
	svc.DefaultTable.Register(svc.Def{ID: svc.IDOSEnterCriticalSection, Name: "OSEnterCriticalSection", Handler: osEnterCriticalSection})
	svc.DefaultTable.Register(svc.Def{ID: svc.IDOSLeaveCriticalSection, Name: "OSLeaveCriticalSection", Handler: osLeaveCriticalSection})
	svc.DefaultTable.Register(svc.Def{ID: svc.IDOSSleep, Name: "OSSleep", Handler: osSleep})
}

// criticalSections maps a guest-supplied handle address to the
// CriticalSection backing it; OSInitCriticalSection allocates the handle
// value itself since this emulator has no real guest-side CS struct to
// key off.
var (
	csMu     sync.Mutex
	csNextID uint32 = 1
	css             = map[uint32]*scheduler.CriticalSection{}
)

func machine(c *svc.Context) (*runtime.Machine, bool) {
	m, ok := c.Machine.(*runtime.Machine)
	return m, ok
}

func osCreateThread(c *svc.Context) error {
	m, ok := machine(c)
	if !ok {
		c.Regs.SetReturn(0)
		return nil
	}
	entry := c.Regs.Arg(0)
	arg := c.Regs.Arg(1)
	priority := int(c.Regs.Arg(2))
	stackSize := c.Regs.Arg(3)
	if stackSize == 0 {
		stackSize = 64 * 1024
	}
	stackTop, err := m.Memory.AllocateAny(0x60000000, 0x70000000, 0x00010000, stackSize)
	if err != nil {
		c.Regs.SetReturn(0)
		return nil
	}
	t := m.Scheduler.NewThread(entry, arg, stackTop.Base+stackTop.Size-16, priority)
	c.Regs.SetReturn(uint32(t.ID))
	return nil
}

func osSetThreadPriority(c *svc.Context) error {
	m, ok := machine(c)
	if !ok {
		c.Regs.SetReturn(0)
		return nil
	}
	t := findThread(m, int(c.Regs.Arg(0)))
	if t == nil {
		c.Regs.SetReturn(0)
		return nil
	}
	t.Priority = int(c.Regs.Arg(1))
	c.Regs.SetReturn(1)
	return nil
}

func findThread(m *runtime.Machine, id int) *scheduler.Thread {
	start := m.Scheduler.Current()
	if start == nil {
		return nil
	}
	t := start
	for {
		if t.ID == id {
			return t
		}
		t = t.Next()
		if t == start {
			return nil
		}
	}
}

func osInitCriticalSection(c *svc.Context) error {
	csMu.Lock()
	defer csMu.Unlock()
	id := csNextID
	csNextID++
	css[id] = scheduler.NewCriticalSection()
	c.Regs.SetReturn(id)
	return nil
}

func osEnterCriticalSection(c *svc.Context) error {
	m, ok := machine(c)
	if !ok {
		c.Regs.SetReturn(0)
		return nil
	}
	csMu.Lock()
	cs, found := css[c.Regs.Arg(0)]
	csMu.Unlock()
	if !found {
		c.Regs.SetReturn(0)
		return nil
	}
	cs.Enter(m.Scheduler.Current())
	c.Regs.SetReturn(1)
	return nil
}

func osLeaveCriticalSection(c *svc.Context) error {
	m, ok := machine(c)
	if !ok {
		c.Regs.SetReturn(0)
		return nil
	}
	csMu.Lock()
	cs, found := css[c.Regs.Arg(0)]
	csMu.Unlock()
	if !found {
		c.Regs.SetReturn(0)
		return nil
	}
	cs.Leave(m.Scheduler.Current())
	c.Regs.SetReturn(1)
	return nil
}

func osSleep(c *svc.Context) error {
	m, ok := machine(c)
	if !ok {
		c.Regs.SetReturn(0)
		return nil
	}
	m.Scheduler.Sleep(m.Scheduler.Current(), int64(c.Regs.Arg(0)))
	c.Regs.SetReturn(1)
	return nil
}
