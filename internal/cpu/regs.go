package cpu

import uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"

// Register ids for the 32-bit ARM register file, aliased from Unicorn's
// ARM_REG_* constants so callers never import the bindings package
// directly.
const (
	RegR0  = uc.ARM_REG_R0
	RegR1  = uc.ARM_REG_R1
	RegR2  = uc.ARM_REG_R2
	RegR3  = uc.ARM_REG_R3
	RegR4  = uc.ARM_REG_R4
	RegR5  = uc.ARM_REG_R5
	RegR6  = uc.ARM_REG_R6
	RegR7  = uc.ARM_REG_R7
	RegR8  = uc.ARM_REG_R8
	RegR9  = uc.ARM_REG_R9
	RegR10 = uc.ARM_REG_R10
	RegR11 = uc.ARM_REG_R11 // AAPCS frame pointer
	RegR12 = uc.ARM_REG_R12
	RegSP  = uc.ARM_REG_SP
	RegLR  = uc.ARM_REG_LR
	RegPC  = uc.ARM_REG_PC
	RegCPSR = uc.ARM_REG_CPSR
)

// GPRegs is the canonical r0..r12, sp, lr, pc ordering used by thread
// state save/restore.
var GPRegs = []int{
	RegR0, RegR1, RegR2, RegR3, RegR4, RegR5, RegR6,
	RegR7, RegR8, RegR9, RegR10, RegR11, RegR12,
	RegSP, RegLR, RegPC,
}

// ThumbBit is the LSB code-pointer convention signalling Thumb execution
// mode, per AAPCS interworking.
const ThumbBit = uint32(1)
