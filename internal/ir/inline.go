package ir

import (
	"errors"
	"fmt"
)

// 内联失败原因
var (
	ErrDeclaration = errors.New("cannot inline a declaration")
	ErrRecursive   = errors.New("cannot inline a recursive call")
	ErrIndirectBr  = errors.New("cannot inline a function with indirectbr")
	ErrNotACall    = errors.New("instruction is not a direct call")
	ErrArgCount    = errors.New("argument count mismatch")
)

// InlineResult 一次内联的宿主报告
//
// InlinedCalls 是克隆进调用者的调用指令；Origins 与之平行，
// 指向被调函数体里对应的原始指令。调用者据此把旧调用点的
// 档案记录迁移到新调用点上。
type InlineResult struct {
	InlinedCalls []*Instr
	Origins      []*Instr
	NewBlocks    []*Block
}

// Inline 把直接调用 call 的被调函数体机械克隆进调用者。
//
// 调用块在 call 处一分为二，被调函数的块副本接在中间，
// 形参替换为实参，返回值汇入延续块。成功后 call 指令不再
// 出现在调用者中。失败时调用者保持原样。
func Inline(m *Module, call *Instr) (*InlineResult, error) {
	if call == nil || !call.IsDirectCall() {
		return nil, ErrNotACall
	}

	callee := m.Lookup(call.Callee)
	if callee == nil || callee.Declared || callee.Entry() == nil {
		return nil, ErrDeclaration
	}

	caller, callBlock := findCallSite(m, call)
	if caller == nil {
		return nil, fmt.Errorf("call site not found in module: %s", call.Callee)
	}
	if callee == caller {
		return nil, ErrRecursive
	}
	for _, b := range callee.Blocks {
		if b.Term.Op == OpIndirectBr {
			return nil, ErrIndirectBr
		}
	}

	args := call.Args()
	if len(args) != len(callee.Params) {
		return nil, ErrArgCount
	}

	// 调用块一分为二：call 之前留在原块，之后挪进延续块
	callIdx := -1
	for i, in := range callBlock.Instrs {
		if in == call {
			callIdx = i
			break
		}
	}
	if callIdx < 0 {
		return nil, fmt.Errorf("call instruction missing from its block")
	}

	cont := &Block{
		Name:   callBlock.Name + ".cont",
		Parent: caller,
		Instrs: append([]*Instr{}, callBlock.Instrs[callIdx+1:]...),
		Term:   callBlock.Term,
	}
	callBlock.Instrs = callBlock.Instrs[:callIdx]

	// 克隆被调函数体
	blockMap := make(map[*Block]*Block, len(callee.Blocks))
	valueMap := make(map[Value]Value)
	for i, p := range callee.Params {
		valueMap[p] = args[i]
	}

	res := &InlineResult{}
	clones := make([]*Block, 0, len(callee.Blocks))
	for _, b := range callee.Blocks {
		nb := &Block{
			Name:   callBlock.Name + "." + callee.Name + "." + b.Name,
			Parent: caller,
		}
		blockMap[b] = nb
		clones = append(clones, nb)
	}

	// 第一遍：克隆指令并建立值映射
	for _, b := range callee.Blocks {
		nb := blockMap[b]
		for _, in := range b.Instrs {
			ci := &Instr{
				Op:           in.Op,
				Name:         in.Name,
				Callee:       in.Callee,
				Intrinsic:    in.Intrinsic,
				Lossless:     in.Lossless,
				ConstIndices: in.ConstIndices,
				ConstVal:     in.ConstVal,
			}
			nb.Instrs = append(nb.Instrs, ci)
			valueMap[in] = ci
			if in.Op == OpCall {
				res.InlinedCalls = append(res.InlinedCalls, ci)
				res.Origins = append(res.Origins, in)
			}
		}
	}

	// 第二遍：重映射操作数和终结
	remap := func(v Value) Value {
		if v == nil {
			return nil
		}
		if nv, ok := valueMap[v]; ok {
			return nv
		}
		return v
	}
	var retVals []Value
	for _, b := range callee.Blocks {
		nb := blockMap[b]
		for i, in := range b.Instrs {
			ci := nb.Instrs[i]
			ci.Operands = make([]Value, len(in.Operands))
			for j, op := range in.Operands {
				ci.Operands[j] = remap(op)
			}
		}
		switch b.Term.Op {
		case OpRet:
			// 返回改为跳到延续块
			nb.Term = Terminator{Op: OpBr, Succs: []*Block{cont}}
			if b.Term.Val != nil {
				retVals = append(retVals, remap(b.Term.Val))
			}
		default:
			nb.Term = Terminator{Op: b.Term.Op, Val: remap(b.Term.Val)}
			nb.Term.Succs = make([]*Block, len(b.Term.Succs))
			for j, s := range b.Term.Succs {
				nb.Term.Succs[j] = blockMap[s]
			}
		}
	}

	// 返回值：单一来源直接替换，多来源汇成 phi
	var result Value
	switch len(retVals) {
	case 0:
		result = nil
	case 1:
		result = retVals[0]
	default:
		phi := &Instr{Op: OpPhi, Name: call.Name + ".ret", Operands: retVals}
		cont.Instrs = append([]*Instr{phi}, cont.Instrs...)
		result = phi
	}
	replaceUses(caller, cont, call, result)

	// 原块跳到被调入口
	callBlock.Term = Terminator{Op: OpBr, Succs: []*Block{blockMap[callee.Entry()]}}

	// 新块插在调用块之后，延续块最后
	insertAt := -1
	for i, b := range caller.Blocks {
		if b == callBlock {
			insertAt = i + 1
			break
		}
	}
	newBlocks := append(clones, cont)
	tail := append([]*Block{}, caller.Blocks[insertAt:]...)
	caller.Blocks = append(caller.Blocks[:insertAt], append(newBlocks, tail...)...)
	res.NewBlocks = newBlocks

	return res, nil
}

// findCallSite 在模块中定位调用指令所在的函数和块
func findCallSite(m *Module, call *Instr) (*Function, *Block) {
	for _, f := range m.Functions {
		for _, b := range f.Blocks {
			for _, in := range b.Instrs {
				if in == call {
					return f, b
				}
			}
		}
	}
	return nil, nil
}

// replaceUses 把函数内对 old 的所有使用替换为 v
func replaceUses(f *Function, extra *Block, old *Instr, v Value) {
	blocks := f.Blocks
	if extra != nil {
		blocks = append(append([]*Block{}, blocks...), extra)
	}
	for _, b := range blocks {
		for _, in := range b.Instrs {
			for j, op := range in.Operands {
				if op == old {
					in.Operands[j] = v
				}
			}
		}
		if b.Term.Val == old {
			b.Term.Val = v
		}
	}
}
