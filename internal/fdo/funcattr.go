// Package fdo 实现档案制导的函数内联
//
// 以组合调用档案为依据，贪心地按指标值从高到低内联调用点，
// 受全局代码膨胀预算约束。内联会在前沿里派生新的候选
// （直方图按乘积分布复合）、让被调函数死亡、并触发调用者重评。
package fdo

import (
	"github.com/tangzhangming/solafdo/internal/ir"
)

// 内联收益权重
const (
	weightCallReturn = 5  // 调用/返回开销
	weightInstr      = 1  // 常量折叠掉一条指令
	weightBranch     = 2  // 常量定死一个分支
	weightICall      = 10 // 间接调用变直接调用
	weightAlloca     = 1  // alloca 实参省掉一次访存
	weightOneBlock   = 5  // 无分支被调函数的体积折扣
)

// ArgImpact 单个形参的删指令潜力缓存
type ArgImpact struct {
	InstrRemIfConst  int // 实参为常量可删指令数
	BranchRemIfConst int // 实参为常量可定死分支数
	ICallRemIfConst  int // 实参为常量可解析间接调用数
	InstrRemIfAlloca int // 实参为 alloca 可省访存数
}

// zero 是否尚未计算
func (a *ArgImpact) zero() bool {
	return a.InstrRemIfConst == 0 && a.BranchRemIfConst == 0 &&
		a.ICallRemIfConst == 0 && a.InstrRemIfAlloca == 0
}

// FunctionAttr 按函数缓存的属性
type FunctionAttr struct {
	Size      int // 当前指令数
	StartSize int // 首次计算时的指令数
	Branches  int // 多后继终结数

	DirectCalls   int
	ExternCalls   int
	IndirectCalls int

	InlineCount  int // 被内联进来的次数
	CannotInline bool
	AddressTaken bool

	Args      int
	ArgImpact []ArgImpact
}

// AttrCache 函数属性缓存
type AttrCache struct {
	module *ir.Module
	attrs  map[*ir.Function]*FunctionAttr
}

// NewAttrCache 创建属性缓存
func NewAttrCache(m *ir.Module) *AttrCache {
	return &AttrCache{module: m, attrs: make(map[*ir.Function]*FunctionAttr)}
}

// Free 清空缓存
func (c *AttrCache) Free() {
	c.attrs = make(map[*ir.Function]*FunctionAttr)
}

// Get 取函数属性，必要时先计算
func (c *AttrCache) Get(f *ir.Function) *FunctionAttr {
	if attr, ok := c.attrs[f]; ok {
		return attr
	}
	c.Recalc(f)
	return c.attrs[f]
}

// Lookup 只查不建
func (c *AttrCache) Lookup(f *ir.Function) *FunctionAttr {
	return c.attrs[f]
}

// Recalc 重算函数属性，返回相对上次的体积变化
func (c *AttrCache) Recalc(f *ir.Function) int {
	if f == nil || f.Declared {
		return 0
	}

	attr, ok := c.attrs[f]
	isNew := false
	if !ok {
		attr = &FunctionAttr{}
		c.attrs[f] = attr
		isNew = true
	}

	attr.AddressTaken = f.AddressTaken
	attr.Args = len(f.Params)
	if attr.ArgImpact == nil && attr.Args > 0 {
		attr.ArgImpact = make([]ArgImpact, attr.Args)
	}
	// 内联改变了函数体，旧的实参潜力全部作废
	for i := range attr.ArgImpact {
		attr.ArgImpact[i] = ArgImpact{}
	}

	fresh := FunctionAttr{}
	for _, bb := range f.Blocks {
		if bb.Term.Op == ir.OpIndirectBr {
			// 有 indirectbr 的函数不能被内联，但体积还得算完
			fresh.CannotInline = true
		}
		c.calcBlockSize(f, bb, &fresh)
	}

	growth := fresh.Size - attr.Size
	attr.Size = fresh.Size
	if isNew {
		attr.StartSize = attr.Size
	}
	attr.Branches = fresh.Branches
	attr.DirectCalls = fresh.DirectCalls
	attr.ExternCalls = fresh.ExternCalls
	attr.IndirectCalls = fresh.IndirectCalls
	attr.CannotInline = fresh.CannotInline

	return growth
}

// instrIsFree 不计体积的指令：phi、调试内建、无损转换、
// 比较结果的扩宽、全常量下标的 gep
func instrIsFree(in *ir.Instr) bool {
	switch in.Op {
	case ir.OpPhi:
		return true
	case ir.OpIntrinsic:
		return len(in.Intrinsic) >= 4 && in.Intrinsic[:4] == "dbg."
	case ir.OpCast:
		if in.Lossless {
			return true
		}
		if len(in.Operands) > 0 {
			if op, ok := in.Operands[0].(*ir.Instr); ok && op.Op == ir.OpCmp {
				return true
			}
		}
	case ir.OpGEP:
		return in.ConstIndices
	}
	return false
}

// calcBlockSize 计块体积；attr 非空时顺带更新调用计数和
// CannotInline。CannotInline 一旦置位，调用计数不再保证精确。
func (c *AttrCache) calcBlockSize(f *ir.Function, bb *ir.Block, attr *FunctionAttr) int {
	if bb == nil {
		return 0
	}

	size := 0
	for _, in := range bb.Instrs {
		if instrIsFree(in) {
			continue
		}
		size++

		if attr == nil || attr.CannotInline {
			continue
		}
		if in.Op != ir.OpCall {
			continue
		}

		if in.Callee == "" {
			attr.IndirectCalls++
			continue
		}
		callee := c.module.Lookup(in.Callee)

		// setjmp 系列不能内联
		if (callee == nil || callee.Declared) &&
			(in.Callee == "setjmp" || in.Callee == "_setjmp") {
			attr.CannotInline = true
			continue
		}
		// 直接递归调用直接封死
		if callee == f {
			attr.CannotInline = true
			continue
		}
		if callee == nil || callee.Declared {
			attr.ExternCalls++
			continue
		}
		attr.DirectCalls++
	}

	if attr != nil {
		attr.Size += size
		if len(bb.Term.Succs) > 1 {
			attr.Branches++
		}
	}
	return size
}

// blockSize 只算体积
func (c *AttrCache) blockSize(bb *ir.Block) int {
	return c.calcBlockSize(nil, bb, nil)
}

// GetArgImpact 取形参的删指令潜力，按需惰性计算
func (c *AttrCache) GetArgImpact(f *ir.Function, argNum int) *ArgImpact {
	attr := c.Get(f)
	if argNum >= attr.Args || argNum >= len(attr.ArgImpact) {
		return &ArgImpact{}
	}
	impact := &attr.ArgImpact[argNum]
	if !impact.zero() {
		return impact
	}

	p := f.Params[argNum]
	seen := make(map[ir.Value]bool)
	c.calcConstantImpact(f, p, impact, seen)
	c.calcAllocaImpact(f, p, impact, make(map[ir.Value]bool))
	return impact
}

// calcConstantImpact 估计实参是常量时能省掉的指令。
// 分支和多路跳转按"只留一个平均大小的后继"折算；
// 以 V 为被调地址的间接调用记一次解析机会；
// 操作数全为常量的纯指令可被折叠，并顺着使用链传播。
func (c *AttrCache) calcConstantImpact(f *ir.Function, v ir.Value, rc *ArgImpact, seen map[ir.Value]bool) {
	if rc == nil || seen[v] {
		return
	}
	seen[v] = true

	for _, bb := range f.Blocks {
		// 条件是 V 的分支：只有一个后继会活下来
		if bb.Term.Val == v && (bb.Term.Op == ir.OpCondBr || bb.Term.Op == ir.OpSwitch) {
			rc.BranchRemIfConst++
			numSucc := len(bb.Term.Succs)
			if numSucc > 1 {
				totalInstrs := 0
				for _, succ := range bb.Term.Succs {
					totalInstrs += c.blockSize(succ)
				}
				rc.InstrRemIfConst += totalInstrs * (numSucc - 1) / numSucc
			}
		}

		for _, in := range bb.Instrs {
			if !usesValue(in, v) {
				continue
			}

			if in.Op == ir.OpCall && in.Callee == "" &&
				len(in.Operands) > 0 && in.Operands[0] == v {
				// 间接调用变直接调用是大赢面
				rc.ICallRemIfConst++
				continue
			}

			// 带副作用或读内存的指令没法常量传播
			switch in.Op {
			case ir.OpLoad, ir.OpStore, ir.OpCall, ir.OpIntrinsic, ir.OpAlloca:
				continue
			}

			allConst := true
			for _, op := range in.Operands {
				if op == v {
					continue
				}
				if opInstr, ok := op.(*ir.Instr); ok && opInstr.Op == ir.OpConst {
					continue
				}
				allConst = false
				break
			}
			if allConst {
				rc.InstrRemIfConst++
				c.calcConstantImpact(f, in, rc, seen)
			}
		}
	}
}

// calcAllocaImpact 估计实参是 alloca 时能省掉的访存。
// 常量下标 gep 和无损转换继续追指针。
func (c *AttrCache) calcAllocaImpact(f *ir.Function, v ir.Value, rc *ArgImpact, seen map[ir.Value]bool) {
	if rc == nil || seen[v] {
		return
	}
	seen[v] = true

	for _, bb := range f.Blocks {
		for _, in := range bb.Instrs {
			if !usesValue(in, v) {
				continue
			}
			switch in.Op {
			case ir.OpLoad, ir.OpStore:
				rc.InstrRemIfAlloca++
			case ir.OpGEP:
				if in.ConstIndices {
					c.calcAllocaImpact(f, in, rc, seen)
				}
			case ir.OpCast:
				if in.Lossless {
					c.calcAllocaImpact(f, in, rc, seen)
				}
			}
		}
	}
}

// usesValue 指令是否以 v 为操作数
func usesValue(in *ir.Instr, v ir.Value) bool {
	for _, op := range in.Operands {
		if op == v {
			return true
		}
	}
	return false
}
