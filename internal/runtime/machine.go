// Package runtime assembles the CPU engine, memory manager, scheduler, PE
// loader, and SVC dispatch table into one runnable machine, and implements
// the outer fetch/dispatch/switch loop that ties them together.
package runtime

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/primu-emu/primu/internal/cpu"
	"github.com/primu-emu/primu/internal/elfload"
	"github.com/primu-emu/primu/internal/frontend"
	"github.com/primu-emu/primu/internal/hostfs"
	"github.com/primu-emu/primu/internal/log"
	"github.com/primu-emu/primu/internal/memory"
	"github.com/primu-emu/primu/internal/pe"
	"github.com/primu-emu/primu/internal/scheduler"
	"github.com/primu-emu/primu/internal/svc"
	"go.uber.org/zap"
)

const (
	lcdRegisterBase = 0x40000000
	lcdRegisterSize = 0x1000
	kernelROMBase   = 0x30000000

	stackSize   = 256 * 1024
	mainStackLo = 0x50000000
	mainStackHi = 0x60000000

	priorityNormal = scheduler.PriorityNormal

	// lcdWidth and lcdHeight are the platform's fixed display resolution;
	// the framebuffer pointer word at lcdRegisterBase addresses an
	// RGB565 buffer of exactly this size.
	lcdWidth  = 240
	lcdHeight = 160
)

var (
	// ErrUnrecognizedImage reports an executable whose leading bytes match
	// neither a PE "MZ" header nor an ELF magic number.
	ErrUnrecognizedImage = errors.New("runtime: unrecognized executable format")
)

// Machine is the fully wired emulator: one CPU engine, one address space,
// one scheduler, one loader registry, one SVC table.
type Machine struct {
	Engine    *cpu.Engine
	Memory    *memory.Manager
	Scheduler *scheduler.Scheduler
	Images    *pe.Registry
	SVC       *svc.Table
	Log       *log.Logger
	Events    *frontend.Queue
	HostFS    *hostfs.FS

	SystemDir string

	entry       uint32
	lastQuantum int64
}

// New wires a fresh machine: opens the CPU engine, pre-maps the heap,
// reserves the LCD register window, and creates an empty scheduler. table
// becomes the SVC table (svc.DefaultTable when nil, which the syscalls/*
// packages populate from their init() functions). dataRoot is
// the host directory sandboxed as the guest's drive tree (prime_data/).
func New(systemDir, dataRoot string, table *svc.Table, logger *log.Logger) (*Machine, error) {
	eng, err := cpu.New()
	if err != nil {
		return nil, fmt.Errorf("runtime: open engine: %w", err)
	}
	mm, err := memory.New(eng)
	if err != nil {
		eng.Close()
		return nil, fmt.Errorf("runtime: init memory: %w", err)
	}
	if _, err := mm.StaticAlloc(lcdRegisterBase, lcdRegisterSize); err != nil {
		eng.Close()
		return nil, fmt.Errorf("runtime: map lcd register window: %w", err)
	}
	if table == nil {
		table = svc.DefaultTable
	}
	fs, err := hostfs.New(dataRoot)
	if err != nil {
		eng.Close()
		return nil, fmt.Errorf("runtime: init host filesystem: %w", err)
	}
	m := &Machine{
		Engine:    eng,
		Memory:    mm,
		Scheduler: scheduler.New(eng),
		Images:    pe.NewRegistry(),
		SVC:       table,
		Log:       logger,
		Events:    frontend.NewQueue(),
		HostFS:    fs,
		SystemDir: systemDir,
	}
	return m, nil
}

// Close tears the machine down, unwinding hooks and releasing the engine.
func (m *Machine) Close() error {
	return m.Engine.Close()
}

// LoadKernelROM statically maps a raw kernel ROM blob at its fixed
// address, for guests that expect kernel-provided code or data there
// rather than treating the region as unmapped.
func (m *Machine) LoadKernelROM(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if _, err := m.Memory.StaticAlloc(kernelROMBase, uint32(len(data))); err != nil {
		return fmt.Errorf("runtime: map kernel rom: %w", err)
	}
	return m.Memory.Write(kernelROMBase, data)
}

// LoadExecutable sniffs the image format (PE "MZ" vs ELF magic) and loads
// it through the matching loader, recording the entry point for Run.
func (m *Machine) LoadExecutable(path string, data []byte) error {
	switch {
	case len(data) >= 2 && data[0] == 'M' && data[1] == 'Z':
		img, err := pe.LoadBytes(m.Images, m.Memory, path, data, m.SystemDir)
		if err != nil {
			return fmt.Errorf("runtime: load PE executable: %w", err)
		}
		m.entry = img.EntryPoint
	case len(data) >= 4 && bytes.Equal(data[:4], []byte{0x7f, 'E', 'L', 'F'}):
		img, err := elfload.Load(m.Memory, data)
		if err != nil {
			return fmt.Errorf("runtime: load ELF executable: %w", err)
		}
		m.entry = img.EntryPoint
	default:
		return ErrUnrecognizedImage
	}
	return nil
}

// Run creates the main thread at the loaded entry point and drives the
// fetch/switch loop until ctx is cancelled or the guest halts.
func (m *Machine) Run(ctx context.Context) error {
	if m.entry == 0 {
		return errors.New("runtime: no executable loaded")
	}

	m.Scheduler.NewThread(m.entry, 0, mainStackHi-16, priorityNormal)

	intrHook, err := m.Engine.HookIntr(m.onInterrupt)
	if err != nil {
		return fmt.Errorf("runtime: install interrupt hook: %w", err)
	}
	codeHook, err := m.Engine.HookCode(1, 0, m.onCode)
	if err != nil {
		return fmt.Errorf("runtime: install code hook: %w", err)
	}
	faultHook, err := m.Engine.HookMemUnmapped(m.onMemFault)
	if err != nil {
		return fmt.Errorf("runtime: install fault hook: %w", err)
	}
	defer m.Engine.RemoveHook(intrHook)
	defer m.Engine.RemoveHook(codeHook)
	defer m.Engine.RemoveHook(faultHook)

	if err := m.Scheduler.LoadState(m.Scheduler.Current()); err != nil {
		return fmt.Errorf("runtime: load initial thread state: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		pc := uint64(m.Scheduler.Current().PC())
		if err := m.Engine.Start(pc); err != nil {
			return fmt.Errorf("runtime: execution fault at thread %d: %w", m.Scheduler.Current().ID, err)
		}
		if err := m.Scheduler.Switch(); err != nil {
			return fmt.Errorf("runtime: thread switch: %w", err)
		}
	}
}

// onCode is the per-block quantum hook: each call advances the
// scheduler clock by one tick; once the current thread's time slice
// elapses (or it can no longer run), its state is saved, execution is
// stopped so Run's loop can pick the next thread.
func (m *Machine) onCode(addr uint64, size uint32) {
	t := m.Scheduler.Current()
	quantum := t.GetTimeQuantum()
	m.Scheduler.Advance(1)
	if m.Scheduler.Now()-m.lastQuantum < quantum && m.Scheduler.CanRun(t) {
		return
	}
	m.lastQuantum = m.Scheduler.Now()
	if err := m.Scheduler.SaveState(t); err != nil {
		m.Log.Fault("save thread state failed", log.ThreadID(t.ID), zap.Error(err))
	}
	m.Engine.Stop()
}

// onInterrupt is the SVC fetch/dispatch hook: it reads the trapping SVC
// instruction to recover the 20-bit immediate, the caller's lr from the
// stack, dispatches the handler, and resumes the caller.
func (m *Machine) onInterrupt(intno uint32) {
	r0, _ := m.Engine.Reg(cpu.RegR0)
	sp, _ := m.Engine.Reg(cpu.RegSP)
	pc, _ := m.Engine.Reg(cpu.RegPC)

	word, err := m.Engine.MemRead(pc-4, 4)
	if err != nil {
		m.Log.Fault("svc instruction fetch failed", log.Addr(pc), zap.Error(err))
		return
	}
	id := (uint32(word[0]) | uint32(word[1])<<8 | uint32(word[2])<<16 | uint32(word[3])<<24) & 0xFFFFF

	lrBytes, err := m.Engine.MemRead(sp, 4)
	if err != nil {
		m.Log.Fault("svc caller lr read failed", log.Addr(sp), zap.Error(err))
		return
	}
	lr := uint32(lrBytes[0]) | uint32(lrBytes[1])<<8 | uint32(lrBytes[2])<<16 | uint32(lrBytes[3])<<24

	regs := &machineRegs{eng: m.Engine, r0: uint32(r0), sp: uint32(sp), lr: lr}
	rc := &svc.Context{
		Regs:    regs,
		Mem:     machineMem{m: m.Memory},
		Machine: m,
	}

	if err := m.SVC.Dispatch(id, rc); err != nil {
		var noHandler *svc.ErrNoHandler
		if errors.As(err, &noHandler) {
			m.Log.SVCCall("unhandled", log.SVCID(id), log.Addr(pc))
			regs.SetReturn(0)
		} else {
			var corrupt *memory.CorruptionError
			if errors.As(err, &corrupt) {
				m.Log.Fatal("heap cookie corruption", log.SVCID(id), log.Addr(uint64(corrupt.Addr)), zap.Error(err))
			}
			m.Log.Fault("svc handler error", log.SVCID(id), zap.Error(err))
		}
	}

	newSP := uint32(sp) + 8
	m.Engine.SetReg(cpu.RegR0, uint64(regs.ret))
	m.Engine.SetReg(cpu.RegSP, uint64(newSP))
	m.Engine.SetReg(cpu.RegPC, uint64(lr))
}

// machineRegs adapts the live CPU engine to svc.Regs for the duration of a
// single dispatch.
type machineRegs struct {
	eng *cpu.Engine
	r0  uint32
	sp  uint32
	lr  uint32
	ret uint32
}

func (r *machineRegs) Arg(n int) uint32 {
	switch n {
	case 0:
		return r.r0
	default:
		v, _ := r.eng.Reg(cpu.RegR0 + n)
		return uint32(v)
	}
}

func (r *machineRegs) SetReturn(v uint32) { r.ret = v }
func (r *machineRegs) SP() uint32         { return r.sp }
func (r *machineRegs) LR() uint32         { return r.lr }
func (r *machineRegs) SetPC(addr uint32)  { r.eng.SetReg(cpu.RegPC, uint64(addr)) }

type machineMem struct{ m *memory.Manager }

func (mm machineMem) Read(addr, size uint32) ([]byte, error) { return mm.m.Read(addr, size) }
func (mm machineMem) Write(addr uint32, data []byte) error   { return mm.m.Write(addr, data) }

// ReadFramebuffer implements frontend.FramebufferView: it reads the
// framebuffer pointer word out of the LCD register region and returns the
// RGB565 pixel data it addresses, at the platform's fixed resolution.
func (m *Machine) ReadFramebuffer() ([]byte, int, int, error) {
	ptrBytes, err := m.Memory.Read(lcdRegisterBase, 4)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("runtime: read framebuffer pointer: %w", err)
	}
	ptr := uint32(ptrBytes[0]) | uint32(ptrBytes[1])<<8 | uint32(ptrBytes[2])<<16 | uint32(ptrBytes[3])<<24
	if ptr == 0 {
		return make([]byte, lcdWidth*lcdHeight*2), lcdWidth, lcdHeight, nil
	}
	data, err := m.Memory.Read(ptr, uint32(lcdWidth*lcdHeight*2))
	if err != nil {
		return nil, 0, 0, fmt.Errorf("runtime: read framebuffer: %w", err)
	}
	return data, lcdWidth, lcdHeight, nil
}
