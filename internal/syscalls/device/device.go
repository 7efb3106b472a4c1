// Package device binds the privileged device-control and interrupt-setup
// syscalls as no-op success handlers, since device and interrupt-controller
// emulation is out of scope.
package device

import "github.com/primu-emu/primu/internal/svc"

func init() {
	svc.DefaultTable.Register(svc.Def{ID: svc.IDDeviceIoControl, Name: "DeviceIoControl", Handler: deviceIoControl})
	svc.DefaultTable.Register(svc.Def{ID: svc.IDInterruptInitialize, Name: "InterruptInitialize", Handler: interruptInitialize})
	svc.DefaultTable.Register(svc.Def{ID: svc.IDInterruptDone, Name: "InterruptDone", Handler: interruptDone})
}

func deviceIoControl(c *svc.Context) error {
	c.Regs.SetReturn(1)
	return nil
}

func interruptInitialize(c *svc.Context) error {
	c.Regs.SetReturn(1)
	return nil
}

func interruptDone(c *svc.Context) error {
	c.Regs.SetReturn(1)
	return nil
}
