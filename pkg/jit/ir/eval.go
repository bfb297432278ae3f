package ir

import "math/bits"

// Eval computes the result of a register-only instruction (ALU, neg, movsx,
// bswap, zext, ldimm64) given the current destination value a and source
// value b. The second result is false for instructions with side effects.
func Eval(in *Inst, a, b uint64) (uint64, bool) {
	switch in.Op {
	case OpBswap:
		switch in.Ext {
		case 16:
			return uint64(bits.ReverseBytes16(uint16(a))), true
		case 32:
			return uint64(bits.ReverseBytes32(uint32(a))), true
		}
		return bits.ReverseBytes64(a), true
	case OpZext:
		return zext(a, in.Ext), true
	case OpLoadImm64:
		return uint64(in.Src.Imm), true
	}
	if in.Width == W32 {
		v, ok := eval32(in, uint32(a), uint32(b))
		return uint64(v), ok
	}
	switch in.Op {
	case OpMov:
		return b, true
	case OpAdd:
		return a + b, true
	case OpSub:
		return a - b, true
	case OpMul:
		return a * b, true
	case OpDiv:
		if b == 0 {
			return 0, true
		}
		return a / b, true
	case OpSDiv:
		if b == 0 {
			return 0, true
		}
		if int64(b) == -1 {
			return -a, true
		}
		return uint64(int64(a) / int64(b)), true
	case OpMod:
		if b == 0 {
			return a, true
		}
		return a % b, true
	case OpSMod:
		if b == 0 {
			return a, true
		}
		if int64(b) == -1 {
			return 0, true
		}
		return uint64(int64(a) % int64(b)), true
	case OpOr:
		return a | b, true
	case OpAnd:
		return a & b, true
	case OpXor:
		return a ^ b, true
	case OpLsh:
		return a << (b & 63), true
	case OpRsh:
		return a >> (b & 63), true
	case OpArsh:
		return uint64(int64(a) >> (b & 63)), true
	case OpNeg:
		return -a, true
	case OpMovSX:
		switch in.Ext {
		case 8:
			return uint64(int64(int8(b))), true
		case 16:
			return uint64(int64(int16(b))), true
		case 32:
			return uint64(int64(int32(b))), true
		}
		return b, true
	}
	return 0, false
}

func eval32(in *Inst, a, b uint32) (uint32, bool) {
	switch in.Op {
	case OpMov:
		return b, true
	case OpAdd:
		return a + b, true
	case OpSub:
		return a - b, true
	case OpMul:
		return a * b, true
	case OpDiv:
		if b == 0 {
			return 0, true
		}
		return a / b, true
	case OpSDiv:
		if b == 0 {
			return 0, true
		}
		if int32(b) == -1 {
			return -a, true
		}
		return uint32(int32(a) / int32(b)), true
	case OpMod:
		if b == 0 {
			return a, true
		}
		return a % b, true
	case OpSMod:
		if b == 0 {
			return a, true
		}
		if int32(b) == -1 {
			return 0, true
		}
		return uint32(int32(a) % int32(b)), true
	case OpOr:
		return a | b, true
	case OpAnd:
		return a & b, true
	case OpXor:
		return a ^ b, true
	case OpLsh:
		return a << (b & 31), true
	case OpRsh:
		return a >> (b & 31), true
	case OpArsh:
		return uint32(int32(a) >> (b & 31)), true
	case OpNeg:
		return -a, true
	case OpMovSX:
		switch in.Ext {
		case 8:
			return uint32(int32(int8(b))), true
		case 16:
			return uint32(int32(int16(b))), true
		}
		return b, true
	}
	return 0, false
}

func zext(v uint64, ext uint8) uint64 {
	switch ext {
	case 8:
		return v & 0xff
	case 16:
		return v & 0xffff
	case 32:
		return v & 0xffffffff
	}
	return v
}

// EvalCond evaluates a branch condition.
func EvalCond(c Cond, w Width, a, b uint64) bool {
	sa, sb := int64(a), int64(b)
	if w == W32 {
		a, b = uint64(uint32(a)), uint64(uint32(b))
		sa, sb = int64(int32(a)), int64(int32(b))
	}
	switch c {
	case CondEq:
		return a == b
	case CondNe:
		return a != b
	case CondGt:
		return a > b
	case CondGe:
		return a >= b
	case CondLt:
		return a < b
	case CondLe:
		return a <= b
	case CondSet:
		return a&b != 0
	case CondSGt:
		return sa > sb
	case CondSGe:
		return sa >= sb
	case CondSLt:
		return sa < sb
	case CondSLe:
		return sa <= sb
	}
	return false
}
