// Package ir 实现全程序中间表示
//
// 优化管线的宿主 IR：模块由函数组成，函数由基本块组成，
// 基本块持有指令序列和一个终结指令。内联器只改写这一层，
// 不涉及源语言和执行。
package ir

import "fmt"

// Op 指令操作码
type Op uint8

const (
	// 普通指令
	OpConst     Op = iota // 常量
	OpAlloca              // 栈上分配
	OpLoad                // 读内存
	OpStore               // 写内存
	OpGEP                 // 地址计算
	OpBinOp               // 二元运算
	OpCmp                 // 比较
	OpCast                // 类型转换
	OpPhi                 // phi 结点
	OpCall                // 调用（直接或间接）
	OpIntrinsic           // 内建函数调用

	// 终结指令
	OpBr          // 无条件跳转
	OpCondBr      // 条件跳转
	OpSwitch      // 多路跳转
	OpIndirectBr  // 间接跳转
	OpRet         // 返回
	OpUnreachable // 不可达
)

var opNames = [...]string{
	OpConst: "const", OpAlloca: "alloca", OpLoad: "load", OpStore: "store",
	OpGEP: "gep", OpBinOp: "binop", OpCmp: "cmp", OpCast: "cast",
	OpPhi: "phi", OpCall: "call", OpIntrinsic: "intrinsic",
	OpBr: "br", OpCondBr: "condbr", OpSwitch: "switch",
	OpIndirectBr: "indirectbr", OpRet: "ret", OpUnreachable: "unreachable",
}

// String 操作码名
func (op Op) String() string {
	if int(op) < len(opNames) && opNames[op] != "" {
		return opNames[op]
	}
	return fmt.Sprintf("op(%d)", op)
}

// IsTerminator 是否为终结指令
func (op Op) IsTerminator() bool {
	return op >= OpBr
}

// Value 可作为操作数的实体：指令或形参
type Value interface {
	valueName() string
}

// Param 函数形参
type Param struct {
	Name  string
	Index int
}

func (p *Param) valueName() string { return p.Name }

// Instr 一条指令
//
// Callee 仅对 OpCall 有意义：非空为直接调用目标名，
// 空串表示间接调用（被调地址在 Operands[0]）。
type Instr struct {
	Op       Op
	Name     string  // 结果名，调试用
	Operands []Value // 操作数（对 OpCall 含实参）

	Callee    string // OpCall: 直接调用目标
	Intrinsic string // OpIntrinsic: 内建名，如 "dbg.value"

	Lossless     bool // OpCast: 无损转换
	ConstIndices bool // OpGEP: 所有下标为常量
	ConstVal     int64 // OpConst: 常量值
}

func (i *Instr) valueName() string { return i.Name }

// IsDirectCall 是否直接调用
func (i *Instr) IsDirectCall() bool {
	return i.Op == OpCall && i.Callee != ""
}

// Args 调用实参（间接调用跳过被调地址）
func (i *Instr) Args() []Value {
	if i.Op != OpCall {
		return nil
	}
	if i.Callee == "" && len(i.Operands) > 0 {
		return i.Operands[1:]
	}
	return i.Operands
}

// Terminator 基本块终结
//
// Succs 是后继块；Val 对 OpCondBr/OpSwitch 是条件，
// 对 OpRet 是返回值（可为 nil）。
type Terminator struct {
	Op    Op
	Succs []*Block
	Val   Value
}

// Block 基本块
type Block struct {
	Name   string
	Parent *Function
	Instrs []*Instr
	Term   Terminator
}

// Succs 后继块
func (b *Block) Succs() []*Block {
	return b.Term.Succs
}

// HasCall 块内是否有调用指令（不含内建）
func (b *Block) HasCall() bool {
	for _, in := range b.Instrs {
		if in.Op == OpCall {
			return true
		}
	}
	return false
}

// Function 函数
//
// Declared 为 true 表示只有声明没有函数体（外部函数）。
type Function struct {
	Name         string
	Params       []*Param
	Blocks       []*Block
	Declared     bool
	AddressTaken bool
	NoReturn     bool
}

// Entry 入口块，声明函数返回 nil
func (f *Function) Entry() *Block {
	if len(f.Blocks) == 0 {
		return nil
	}
	return f.Blocks[0]
}

// NumBlocks 块数
func (f *Function) NumBlocks() int { return len(f.Blocks) }

// Module 整个程序
type Module struct {
	Name      string
	EntryName string // 程序入口函数名，默认 "main"
	Functions []*Function

	index map[string]*Function
}

// NewModule 创建空模块
func NewModule(name string) *Module {
	return &Module{
		Name:      name,
		EntryName: "main",
		index:     make(map[string]*Function),
	}
}

// AddFunction 追加函数
func (m *Module) AddFunction(f *Function) {
	m.Functions = append(m.Functions, f)
	if m.index == nil {
		m.index = make(map[string]*Function)
	}
	m.index[f.Name] = f
}

// RemoveFunction 删除函数（死代码回收时用）
func (m *Module) RemoveFunction(f *Function) {
	for i, g := range m.Functions {
		if g == f {
			m.Functions = append(m.Functions[:i], m.Functions[i+1:]...)
			break
		}
	}
	delete(m.index, f.Name)
}

// Lookup 按名查函数
func (m *Module) Lookup(name string) *Function {
	if m.index == nil {
		m.index = make(map[string]*Function)
		for _, f := range m.Functions {
			m.index[f.Name] = f
		}
	}
	return m.index[name]
}

// Callee 解析调用指令的目标函数，间接调用返回 nil
func (m *Module) Callee(call *Instr) *Function {
	if call == nil || !call.IsDirectCall() {
		return nil
	}
	return m.Lookup(call.Callee)
}
