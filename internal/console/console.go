// Package console embeds a goja JavaScript console for interactive and
// scripted inspection of a running machine: reading/writing guest memory,
// listing threads, and querying heap state, without recompiling the
// emulator or running a native debugger.
package console

import (
	"fmt"

	"github.com/dop251/goja"
	"github.com/primu-emu/primu/internal/memory"
	"github.com/primu-emu/primu/internal/scheduler"
)

// Console is one goja VM with host bindings installed.
type Console struct {
	vm *goja.Runtime
}

// New builds a console bound to mm and sc, installing the mem/threads/heap
// host objects.
func New(mm *memory.Manager, sc *scheduler.Scheduler) *Console {
	vm := goja.New()
	c := &Console{vm: vm}
	c.installMem(mm)
	c.installThreads(sc)
	c.installHeap(mm)
	return c
}

// Eval runs a script and returns its string representation, or an error if
// the script threw or failed to parse.
func (c *Console) Eval(script string) (string, error) {
	v, err := c.vm.RunString(script)
	if err != nil {
		return "", fmt.Errorf("console: %w", err)
	}
	if v == nil || goja.IsUndefined(v) {
		return "", nil
	}
	return v.String(), nil
}

func (c *Console) installMem(mm *memory.Manager) {
	obj := c.vm.NewObject()
	obj.Set("readU32", func(addr uint32) uint32 {
		data, err := mm.Read(addr, 4)
		if err != nil || len(data) < 4 {
			return 0
		}
		return uint32(data[0]) | uint32(data[1])<<8 | uint32(data[2])<<16 | uint32(data[3])<<24
	})
	obj.Set("writeU32", func(addr uint32, v uint32) bool {
		data := []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
		return mm.Write(addr, data) == nil
	})
	obj.Set("isAllocated", func(addr uint32) bool {
		return mm.IsAllocated(addr)
	})
	c.vm.Set("mem", obj)
}

func (c *Console) installThreads(sc *scheduler.Scheduler) {
	obj := c.vm.NewObject()
	obj.Set("current", func() int {
		if t := sc.Current(); t != nil {
			return t.ID
		}
		return -1
	})
	obj.Set("list", func() []int {
		var ids []int
		start := sc.Current()
		if start == nil {
			return ids
		}
		t := start
		for {
			ids = append(ids, t.ID)
			t = t.Next()
			if t == start {
				break
			}
		}
		return ids
	})
	c.vm.Set("threads", obj)
}

func (c *Console) installHeap(mm *memory.Manager) {
	obj := c.vm.NewObject()
	obj.Set("freeBytes", func() uint32 {
		return mm.HeapFreeBytes()
	})
	obj.Set("allocSize", func(addr uint32) int {
		size, ok := mm.AllocSize(addr)
		if !ok {
			return -1
		}
		return int(size)
	})
	c.vm.Set("heap", obj)
}
