package runtime

import (
	"fmt"
	"strings"

	"golang.org/x/arch/arm/armasm"

	"github.com/primu-emu/primu/internal/cpu"
	"github.com/primu-emu/primu/internal/log"
)

// onMemFault is the unmapped-memory-access hook callback: it dumps
// registers, a best-effort disassembly of the faulting instruction, and an
// AAPCS frame-chain walk via r11, then reports the access as unhandled
// (returning false) so Unicorn surfaces the fault to Start's caller.
func (m *Machine) onMemFault(access int, addr uint64, size int, value int64) bool {
	m.reportFault(access, addr, size)
	return false
}

func (m *Machine) reportFault(access int, addr uint64, size int) {
	pc, _ := m.Engine.Reg(cpu.RegPC)
	sp, _ := m.Engine.Reg(cpu.RegSP)
	lr, _ := m.Engine.Reg(cpu.RegLR)
	r11, _ := m.Engine.Reg(cpu.RegR11)

	m.Log.Fault("unmapped memory access",
		log.Addr(addr),
		log.Size(uint64(size)),
		log.Addr(pc),
		log.Ptr("sp", sp),
		log.Ptr("lr", lr),
	)

	if word, err := m.Engine.MemRead(pc, 4); err == nil {
		if inst, err := armasm.Decode(word, armasm.ModeARM); err == nil {
			m.Log.Fault("faulting instruction", log.Addr(pc), log.Fn(inst.String()))
		} else {
			m.Log.Fault("faulting instruction (thumb, raw)", log.Addr(pc), log.Fn(fmt.Sprintf("%02x%02x", word[0], word[1])))
		}
	}

	m.walkFrameChain(r11)
}

// walkFrameChain follows the AAPCS frame-pointer chain (fp -> [fp], [fp+4]
// holding saved fp/lr) for a bounded number of frames, best-effort: a
// corrupted or absent chain simply stops the walk early.
func (m *Machine) walkFrameChain(fp uint64) {
	const maxFrames = 32
	var frames []string
	for i := 0; i < maxFrames && fp != 0; i++ {
		savedLR, err := m.Engine.MemRead(fp+4, 4)
		if err != nil {
			break
		}
		lr := uint32(savedLR[0]) | uint32(savedLR[1])<<8 | uint32(savedLR[2])<<16 | uint32(savedLR[3])<<24
		frames = append(frames, log.Hex(uint64(lr)))

		savedFP, err := m.Engine.MemRead(fp, 4)
		if err != nil {
			break
		}
		next := uint32(savedFP[0]) | uint32(savedFP[1])<<8 | uint32(savedFP[2])<<16 | uint32(savedFP[3])<<24
		if uint64(next) <= fp {
			break
		}
		fp = uint64(next)
	}
	if len(frames) > 0 {
		m.Log.Fault("stack trace", log.Fn(strings.Join(frames, " <- ")))
	}
}
