// Package lcd binds the display-status syscalls, reporting the single
// emulated LCD region as always-on and always-active.
package lcd

import "github.com/primu-emu/primu/internal/svc"

func init() {
	svc.DefaultTable.Register(svc.Def{ID: svc.IDLCDOn, Name: "LCDOn", Handler: lcdOn})
	svc.DefaultTable.Register(svc.Def{ID: svc.IDGetActiveLCD, Name: "GetActiveLCD", Handler: getActiveLCD})
}

func lcdOn(c *svc.Context) error {
	c.Regs.SetReturn(1)
	return nil
}

func getActiveLCD(c *svc.Context) error {
	c.Regs.SetReturn(0) // the single LCD is always id 0
	return nil
}
