package summary

import "github.com/go-litecfi/litecfi/pkg/cfgfacade"

// MoveInstData is §3's record of where, inside a block, a 1- or
// 2-register scratch save can be performed without an additional
// spill: NewInstAddress is the instruction address the emitter should
// splice at instead of the block's literal entry/exit, RAOffset is
// the displacement from the original return address caused by any
// push/pop accumulated between the block boundary and that address,
// SaveCount is 1 or 2 depending on how many dead registers were found,
// and Reg1/Reg2 are the registers themselves (Reg2 is RegNone when
// SaveCount is 1).
type MoveInstData struct {
	NewInstAddress uint64
	RAOffset       int64
	SaveCount      int
	Reg1           cfgfacade.Reg
	Reg2           cfgfacade.Reg
}

// RegisterUsageInfo is the leaf-function register-usage summary
// consumed by the AVX/single-register emit backends (§4.9), mirroring
// register_usage.cc's GetUnusedRegisterInfo.
type RegisterUsageInfo struct {
	UnusedGPR  []cfgfacade.Reg
	UnusedAVX  []int // zmm/ymm lane indices
	UnusedMMX  []int
	IsLeaf     bool
	MoveDownSP bool
}
