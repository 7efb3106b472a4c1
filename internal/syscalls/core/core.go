// Package core binds the miscellaneous platform syscalls: debug logging,
// system time, the "is another program running" query, current working
// directory, and battery status.
package core

import (
	"time"

	"github.com/primu-emu/primu/internal/runtime"
	"github.com/primu-emu/primu/internal/svc"
)

func init() {
	svc.DefaultTable.Register(svc.Def{ID: svc.IDDbgMsg, Name: "dbgMsg", Handler: dbgMsg})
	svc.DefaultTable.Register(svc.Def{ID: svc.IDGetSysTime, Name: "GetSysTime", Handler: getSysTime})
	svc.DefaultTable.Register(svc.Def{ID: svc.IDPrgrmIsRunning, Name: "prgrmIsRunning", Handler: prgrmIsRunning})
	svc.DefaultTable.Register(svc.Def{ID: svc.IDGetCurrentDir, Name: "getCurrentDir", Handler: getCurrentDir})
	svc.DefaultTable.Register(svc.Def{ID: svc.IDBatteryLowCheck, Name: "BatteryLowCheck", Handler: batteryLowCheck})
}

// readCString reads a NUL-terminated string from guest memory starting at
// addr, capped to avoid runaway reads on a corrupt pointer.
func readCString(c *svc.Context, addr uint32) string {
	const maxLen = 4096
	buf := make([]byte, 0, 64)
	for i := uint32(0); i < maxLen; i++ {
		b, err := c.Mem.Read(addr+i, 1)
		if err != nil || len(b) == 0 || b[0] == 0 {
			break
		}
		buf = append(buf, b[0])
	}
	return string(buf)
}

func dbgMsg(c *svc.Context) error {
	msg := readCString(c, c.Regs.Arg(0))
	if m, ok := c.Machine.(*runtime.Machine); ok {
		m.Log.GuestTrace(uint64(c.Regs.LR()), "core", "dbgMsg", msg)
	}
	c.Regs.SetReturn(1)
	return nil
}

func getSysTime(c *svc.Context) error {
	c.Regs.SetReturn(uint32(time.Now().UnixMilli() & 0xFFFFFFFF))
	return nil
}

func prgrmIsRunning(c *svc.Context) error {
	// Every guest binary runs alone in this emulator; no other program can
	// be concurrently "running" in the platform's sense.
	c.Regs.SetReturn(0)
	return nil
}

func getCurrentDir(c *svc.Context) error {
	dir := "A:\\"
	addr := c.Regs.Arg(0)
	data := append([]byte(dir), 0)
	if err := c.Mem.Write(addr, data); err != nil {
		c.Regs.SetReturn(0)
		return nil
	}
	c.Regs.SetReturn(1)
	return nil
}

func batteryLowCheck(c *svc.Context) error {
	c.Regs.SetReturn(0) // never low: no real battery to emulate
	return nil
}
